package datastore

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Purged is posted after revisions of a document are physically
// removed from the store. Purged data must also leave every index.
type Purged struct {
	DocID  string
	RevIDs []string
}

// DocumentChanged is posted after a new revision is committed.
type DocumentChanged struct {
	DocID    string
	Sequence int64
}

type Subscriber func(event any)

// Bus fans events out to registered subscribers. Post calls each
// subscriber synchronously; slow subscribers stall the poster, so
// handlers should only record the event and return.
type Bus struct {
	next uint64
	subs *xsync.MapOf[uint64, Subscriber]
}

func NewBus() *Bus {
	return &Bus{subs: xsync.NewMapOf[uint64, Subscriber]()}
}

func (b *Bus) Register(sub Subscriber) uint64 {
	token := atomic.AddUint64(&b.next, 1)
	b.subs.Store(token, sub)
	return token
}

func (b *Bus) Unregister(token uint64) {
	b.subs.Delete(token)
}

func (b *Bus) Post(event any) {
	b.subs.Range(func(_ uint64, sub Subscriber) bool {
		sub(event)
		return true
	})
}
