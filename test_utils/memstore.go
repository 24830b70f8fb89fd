// In-memory document store for tests: assigns sequences, keeps whole
// revision histories, recomputes winners, feeds changes and posts
// purge events the way the real body store would.
package testutils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/thicketdb/thicket/datastore"
	"github.com/thicketdb/thicket/revtree"
)

var ErrNoSuchRevision = errors.New("testutils: no such revision")

var _ datastore.Datastore = (*MemStore)(nil)

type MemStore struct {
	mu   sync.Mutex
	dir  string
	seq  int64
	docs map[string][]*revtree.Revision
	bus  *datastore.Bus
}

func NewMemStore(dir string) *MemStore {
	return &MemStore{
		dir:  dir,
		docs: make(map[string][]*revtree.Revision),
		bus:  datastore.NewBus(),
	}
}

func opaque() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Create inserts generation 1 of a new document.
func (s *MemStore) Create(docID string, body map[string]any) (*revtree.Revision, error) {
	return s.insert(docID, "", fmt.Sprintf("1-%s", opaque()), body, false)
}

// CreateWithRev is Create with a caller-chosen revision id, for
// replication-style inserts of a known revision.
func (s *MemStore) CreateWithRev(docID, revID string, body map[string]any) (*revtree.Revision, error) {
	return s.insert(docID, "", revID, body, false)
}

// Update adds a child revision of parentRevID.
func (s *MemStore) Update(docID, parentRevID string, body map[string]any) (*revtree.Revision, error) {
	gen, err := revtree.ParseGeneration(parentRevID)
	if err != nil {
		return nil, err
	}
	return s.insert(docID, parentRevID, fmt.Sprintf("%d-%s", gen+1, opaque()), body, false)
}

// UpdateWithRev is Update with a caller-chosen revision id.
func (s *MemStore) UpdateWithRev(docID, parentRevID, revID string, body map[string]any) (*revtree.Revision, error) {
	return s.insert(docID, parentRevID, revID, body, false)
}

// Delete adds a tombstone child of parentRevID.
func (s *MemStore) Delete(docID, parentRevID string) (*revtree.Revision, error) {
	gen, err := revtree.ParseGeneration(parentRevID)
	if err != nil {
		return nil, err
	}
	return s.insert(docID, parentRevID, fmt.Sprintf("%d-%s", gen+1, opaque()), nil, true)
}

func (s *MemStore) insert(docID, parentRevID, revID string, body map[string]any, deleted bool) (*revtree.Revision, error) {
	s.mu.Lock()
	var parentSeq int64
	if parentRevID != "" {
		parent := s.findLocked(docID, parentRevID)
		if parent == nil {
			s.mu.Unlock()
			return nil, errors.Join(ErrNoSuchRevision,
				fmt.Errorf("%s %s", docID, parentRevID))
		}
		parentSeq = parent.Sequence
	}
	s.seq++
	rev := &revtree.Revision{
		DocID:          docID,
		RevID:          revID,
		Sequence:       s.seq,
		ParentSequence: parentSeq,
		Deleted:        deleted,
		Body:           body,
	}
	s.docs[docID] = append(s.docs[docID], rev)
	s.electWinnerLocked(docID)
	seq := rev.Sequence
	s.mu.Unlock()
	s.bus.Post(datastore.DocumentChanged{DocID: docID, Sequence: seq})
	return rev, nil
}

// electWinnerLocked recomputes the current flag after any change.
func (s *MemStore) electWinnerLocked(docID string) {
	tree := s.treeLocked(docID)
	winner, _ := tree.Winner()
	for _, rev := range s.docs[docID] {
		rev.Current = winner != nil && rev.Sequence == winner.Sequence
	}
}

// Purge physically removes revisions and notifies the bus.
func (s *MemStore) Purge(docID string, revIDs []string) {
	s.mu.Lock()
	drop := make(map[string]bool, len(revIDs))
	for _, r := range revIDs {
		drop[r] = true
	}
	var kept []*revtree.Revision
	for _, rev := range s.docs[docID] {
		if !drop[rev.RevID] {
			kept = append(kept, rev)
		}
	}
	if len(kept) == 0 {
		delete(s.docs, docID)
	} else {
		s.docs[docID] = kept
		s.electWinnerLocked(docID)
	}
	s.mu.Unlock()
	s.bus.Post(datastore.Purged{DocID: docID, RevIDs: revIDs})
}

func (s *MemStore) findLocked(docID, revID string) *revtree.Revision {
	for _, rev := range s.docs[docID] {
		if rev.RevID == revID {
			return rev
		}
	}
	return nil
}

func (s *MemStore) treeLocked(docID string) *revtree.Tree {
	tree := revtree.New()
	// revisions are stored in insertion order, so parents come first
	for _, rev := range s.docs[docID] {
		copied := *rev
		_ = tree.Add(&copied)
	}
	return tree
}

func (s *MemStore) LastSequence() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq, nil
}

func (s *MemStore) ChangedDocIDs(since, to int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	firstSeq := make(map[string]int64)
	for docID, revs := range s.docs {
		for _, rev := range revs {
			if rev.Sequence > since && rev.Sequence <= to {
				if cur, ok := firstSeq[docID]; !ok || rev.Sequence < cur {
					firstSeq[docID] = rev.Sequence
				}
			}
		}
	}
	ids := make([]string, 0, len(firstSeq))
	for docID := range firstSeq {
		ids = append(ids, docID)
	}
	sort.Slice(ids, func(i, j int) bool { return firstSeq[ids[i]] < firstSeq[ids[j]] })
	return ids, nil
}

func (s *MemStore) RevisionTree(docID string) (*revtree.Tree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.treeLocked(docID), nil
}

func (s *MemStore) Revision(docID, revID string) (*revtree.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rev := s.findLocked(docID, revID); rev != nil {
		copied := *rev
		return &copied, nil
	}
	return nil, nil
}

func (s *MemStore) ExtensionDataFolder(extension string) (string, error) {
	dir := filepath.Join(s.dir, "extensions", extension)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func (s *MemStore) Bus() *datastore.Bus {
	return s.bus
}
