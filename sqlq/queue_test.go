package sqlq

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thicketdb/thicket/thicket_errors"
	"github.com/thicketdb/thicket/utils"
)

func testQueue(t *testing.T) *Queue {
	q, err := Open(filepath.Join(t.TempDir(), "test.sqlite"),
		utils.NewDefaultLogger(slog.LevelError))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestSubmitSerializes(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	err := q.SubmitTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec("CREATE TABLE t (n INTEGER)")
		return err
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = q.SubmitTransaction(ctx, func(tx *sql.Tx) error {
				_, err := tx.Exec("INSERT INTO t (n) VALUES (?)", n)
				return err
			})
		}(i)
	}
	wg.Wait()

	var count int
	err = q.Submit(ctx, func(ctx context.Context, conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&count)
	})
	assert.NoError(t, err)
	assert.Equal(t, 20, count)
}

func TestTransactionRollsBack(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	err := q.SubmitTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec("CREATE TABLE t (n INTEGER)")
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = q.SubmitTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO t (n) VALUES (1)"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var count int
	err = q.Submit(ctx, func(ctx context.Context, conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&count)
	})
	assert.NoError(t, err)
	assert.Equal(t, 0, count, "rolled-back insert must not be visible")
}

func TestPanicSurfacesAsExecutionFailed(t *testing.T) {
	q := testQueue(t)
	err := q.SubmitTransaction(context.Background(), func(tx *sql.Tx) error {
		panic("kaboom")
	})
	assert.ErrorIs(t, err, thicket_errors.ErrExecutionFailed)

	// the queue survives a panicking submission
	err = q.Submit(context.Background(), func(ctx context.Context, conn *sql.Conn) error {
		return conn.PingContext(ctx)
	})
	assert.NoError(t, err)
}

func TestSubmitAfterClose(t *testing.T) {
	q := testQueue(t)
	require.NoError(t, q.Close())

	err := q.Submit(context.Background(), func(ctx context.Context, conn *sql.Conn) error {
		return nil
	})
	assert.ErrorIs(t, err, thicket_errors.ErrInterrupted)

	// closing twice is fine
	assert.NoError(t, q.Close())
}

func TestCloseInterruptsBufferedJobs(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	firstErr := make(chan error, 1)
	go func() {
		firstErr <- q.Submit(ctx, func(ctx context.Context, conn *sql.Conn) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// this one sits buffered behind the blocked job
	secondErr := make(chan error, 1)
	go func() {
		secondErr <- q.Submit(ctx, func(ctx context.Context, conn *sql.Conn) error {
			return nil
		})
	}()

	closed := make(chan struct{})
	go func() {
		_ = q.Close()
		close(closed)
	}()
	// let Close flip the flag, then release the job in flight
	time.Sleep(50 * time.Millisecond)
	close(release)

	assert.NoError(t, <-firstErr, "the job in flight runs to completion")
	assert.ErrorIs(t, <-secondErr, thicket_errors.ErrInterrupted,
		"buffered jobs are discarded on close")
	<-closed
}

func TestUpdateSchema(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	v1 := []string{"CREATE TABLE a (x)"}
	require.NoError(t, q.UpdateSchema(ctx, v1, 1))
	// re-running the same migration is a no-op, not an error
	require.NoError(t, q.UpdateSchema(ctx, v1, 1))

	v2 := []string{"ALTER TABLE a ADD COLUMN y"}
	require.NoError(t, q.UpdateSchema(ctx, v2, 2))

	err := q.Submit(ctx, func(ctx context.Context, conn *sql.Conn) error {
		var version int
		if err := conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
			return err
		}
		assert.Equal(t, 2, version)
		_, err := conn.ExecContext(ctx, "INSERT INTO a (x, y) VALUES (1, 2)")
		return err
	})
	assert.NoError(t, err)
}

func TestUpdateSchemaBadStatementRollsBack(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	err := q.UpdateSchema(ctx, []string{"CREATE TABLE b (x)", "THIS IS NOT SQL"}, 1)
	assert.ErrorIs(t, err, thicket_errors.ErrExecutionFailed)

	err = q.Submit(ctx, func(ctx context.Context, conn *sql.Conn) error {
		var version int
		if err := conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
			return err
		}
		assert.Equal(t, 0, version, "version must not advance on failure")
		var count int
		err := conn.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE name = 'b'").Scan(&count)
		assert.NoError(t, err)
		assert.Equal(t, 0, count, "table b must have been rolled back")
		return nil
	})
	assert.NoError(t, err)
}
