// Package sqlq serializes all access to one SQLite database behind a
// single worker goroutine. Every callable is executed alone, in
// submission order, optionally inside a transaction. That gives strict
// serializability of index operations without any locking on the
// database handle itself.
package sqlq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/thicketdb/thicket/thicket_errors"
	"github.com/thicketdb/thicket/utils"
)

// ConnFunc runs serialized on the queue's pinned connection.
type ConnFunc func(ctx context.Context, conn *sql.Conn) error

// TxFunc runs serialized inside a transaction. Returning an error
// rolls the transaction back.
type TxFunc func(tx *sql.Tx) error

type job struct {
	ctx  context.Context
	fn   ConnFunc
	txfn TxFunc
	done chan error
}

type Queue struct {
	db   *sql.DB
	conn *sql.Conn
	log  utils.Logger

	jobs    chan *job
	stopped chan struct{}

	lock   sync.RWMutex
	closed bool
}

// Open opens (creating if absent) the SQLite file at path and starts
// the writer goroutine. The queue pins a single connection; SQLite is
// never touched from anywhere else.
func Open(path string, log utils.Logger) (*Queue, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	conn, err := db.Conn(context.Background())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err = conn.PingContext(context.Background()); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, err
	}
	q := &Queue{
		db:      db,
		conn:    conn,
		log:     log,
		jobs:    make(chan *job, 16),
		stopped: make(chan struct{}),
	}
	go q.run()
	return q, nil
}

func (q *Queue) run() {
	for j := range q.jobs {
		if q.isClosed() {
			// drain policy: buffered work is discarded on shutdown
			j.done <- thicket_errors.ErrInterrupted
			continue
		}
		j.done <- q.execute(j)
	}
	_ = q.conn.Close()
	_ = q.db.Close()
	close(q.stopped)
}

func (q *Queue) isClosed() bool {
	q.lock.RLock()
	defer q.lock.RUnlock()
	return q.closed
}

func (q *Queue) execute(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("queue submission panicked", "panic", r)
			err = errors.Join(thicket_errors.ErrExecutionFailed, fmt.Errorf("panic: %v", r))
		}
	}()
	if j.txfn == nil {
		return j.fn(j.ctx, q.conn)
	}
	tx, err := q.conn.BeginTx(j.ctx, nil)
	if err != nil {
		return errors.Join(thicket_errors.ErrExecutionFailed, err)
	}
	committed := false
	defer func() {
		// runs on error returns and while a panic unwinds
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err = j.txfn(tx); err != nil {
		return err
	}
	committed = true
	return tx.Commit()
}

func (q *Queue) submit(j *job) error {
	q.lock.RLock()
	if q.closed {
		q.lock.RUnlock()
		return thicket_errors.ErrInterrupted
	}
	select {
	case q.jobs <- j:
		q.lock.RUnlock()
	case <-j.ctx.Done():
		q.lock.RUnlock()
		return errors.Join(thicket_errors.ErrInterrupted, j.ctx.Err())
	}
	return <-j.done
}

// Submit runs fn alone on the queue's connection and returns its error.
func (q *Queue) Submit(ctx context.Context, fn ConnFunc) error {
	return q.submit(&job{ctx: ctx, fn: fn, done: make(chan error, 1)})
}

// SubmitTransaction runs fn alone inside a transaction. Commit on nil,
// rollback otherwise.
func (q *Queue) SubmitTransaction(ctx context.Context, fn TxFunc) error {
	return q.submit(&job{ctx: ctx, txfn: fn, done: make(chan error, 1)})
}

// Close stops the queue and waits for the worker. The job in flight
// runs to completion and commits or rolls back as usual; jobs still
// buffered behind it are discarded with ErrInterrupted, as are any
// later submissions.
func (q *Queue) Close() error {
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.lock.Unlock()
	<-q.stopped
	return nil
}
