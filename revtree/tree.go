// Package revtree holds the revision history of one document as a
// forest of trees.
//
// A document in a replicating store is really a collection of revision
// trees. Usually there is a single tree with no branches, a straight
// history:
//
//	1 -> 2 -> 3
//
// Concurrent edits on two replicas followed by a sync produce a branch:
//
//	1 ->  2  -> 3 -> 4
//	  \-> 2' -> 3'
//
// Two or more branches ending in non-deleted leaves make the document
// conflicted. Independent creation of the same document id on two
// replicas produces a second root, hence a forest.
//
// A Tree is built empty, populated with Add in ascending generation
// order (a parent always before its children), then read. Replication
// merges exchange the subtrees a peer lacks; the receiver rebuilds its
// forest the same way.
package revtree

import (
	"errors"
	"fmt"
	"sort"

	"github.com/thicketdb/thicket/thicket_errors"
)

type node struct {
	rev      *Revision
	children []*node
}

// Tree is the revision forest for a single document. Not safe for
// concurrent use; callers own the trees they build.
type Tree struct {
	roots  map[int64]*node
	bySeq  map[int64]*node
	leaves []*node
}

func New() *Tree {
	return &Tree{
		roots: make(map[int64]*node),
		bySeq: make(map[int64]*node),
	}
}

// Add inserts a revision into the forest. The revision's parent, if it
// has one, must already be present. Feeding a sequence twice is an
// error, not a no-op.
func (t *Tree) Add(rev *Revision) error {
	if _, ok := t.bySeq[rev.Sequence]; ok {
		return errors.Join(thicket_errors.ErrAlreadyPresent,
			fmt.Errorf("seq %d rev %q", rev.Sequence, rev.RevID))
	}
	n := &node{rev: rev}
	if rev.ParentSequence <= 0 {
		t.roots[rev.Sequence] = n
	} else {
		parent, ok := t.bySeq[rev.ParentSequence]
		if !ok {
			return errors.Join(thicket_errors.ErrOrphanRevision,
				fmt.Errorf("seq %d parent %d", rev.Sequence, rev.ParentSequence))
		}
		parent.children = append(parent.children, n)
		t.removeLeaf(parent)
	}
	t.leaves = append(t.leaves, n)
	t.bySeq[rev.Sequence] = n
	return nil
}

func (t *Tree) removeLeaf(n *node) {
	for i, l := range t.leaves {
		if l.rev.Sequence == n.rev.Sequence {
			t.leaves = append(t.leaves[:i], t.leaves[i+1:]...)
			return
		}
	}
}

// Lookup returns the revision with the given document and revision id,
// nil if absent. Both ids are needed: every node shares the DocID but
// the same RevID can, in principle, appear on two disjoint roots.
func (t *Tree) Lookup(docID, revID string) *Revision {
	for _, n := range t.bySeq {
		if n.rev.DocID == docID && n.rev.RevID == revID {
			return n.rev
		}
	}
	return nil
}

// BySequence returns the revision with the given sequence, nil if absent.
func (t *Tree) BySequence(seq int64) *Revision {
	if n, ok := t.bySeq[seq]; ok {
		return n.rev
	}
	return nil
}

// Depth is the distance of a revision from the root of its branch,
// 0 for a root, -1 if the sequence is not in the forest.
func (t *Tree) Depth(seq int64) int {
	n, ok := t.bySeq[seq]
	if !ok {
		return -1
	}
	depth := 0
	for n.rev.ParentSequence > 0 {
		n = t.bySeq[n.rev.ParentSequence]
		depth++
	}
	return depth
}

// LookupChildByRevID finds the child of parent with the given revision
// id. The parent must be in the forest.
func (t *Tree) LookupChildByRevID(parent *Revision, childRevID string) (*Revision, error) {
	p, ok := t.bySeq[parent.Sequence]
	if !ok {
		return nil, errors.Join(thicket_errors.ErrNotInTree,
			fmt.Errorf("parent seq %d", parent.Sequence))
	}
	for _, c := range p.children {
		if c.rev.RevID == childRevID {
			return c.rev, nil
		}
	}
	return nil, nil
}

// Roots returns the root revisions keyed by sequence.
func (t *Tree) Roots() map[int64]*Revision {
	res := make(map[int64]*Revision, len(t.roots))
	for seq, n := range t.roots {
		res[seq] = n.rev
	}
	return res
}

// Root returns the root revision with the given sequence, nil if absent.
func (t *Tree) Root(seq int64) *Revision {
	if n, ok := t.roots[seq]; ok {
		return n.rev
	}
	return nil
}

// Leaves returns the leaf revisions in insertion order.
func (t *Tree) Leaves() []*Revision {
	res := make([]*Revision, 0, len(t.leaves))
	for _, n := range t.leaves {
		res = append(res, n.rev)
	}
	return res
}

// LeafRevisionIDs returns the revision ids of the leaves, sorted.
func (t *Tree) LeafRevisionIDs() []string {
	res := make([]string, 0, len(t.leaves))
	for _, n := range t.leaves {
		res = append(res, n.rev.RevID)
	}
	sort.Strings(res)
	return res
}

// LeafRevisions is an alias of Leaves kept for symmetry with
// LeafRevisionIDs.
func (t *Tree) LeafRevisions() []*Revision {
	return t.Leaves()
}

// HasConflicts reports whether two or more branches end in a
// non-deleted leaf.
func (t *Tree) HasConflicts() bool {
	count := 0
	for _, n := range t.leaves {
		if !n.rev.Deleted {
			count++
			if count > 1 {
				return true
			}
		}
	}
	return false
}

// CurrentRevision returns the leaf marked current. In a well-formed
// forest exactly one leaf carries the flag; ErrNoCurrent otherwise.
func (t *Tree) CurrentRevision() (*Revision, error) {
	for _, n := range t.leaves {
		if n.rev.Current {
			return n.rev, nil
		}
	}
	return nil, thicket_errors.ErrNoCurrent
}

// Winner computes the winning revision without relying on the current
// flag: the highest-generation non-deleted leaf, ties broken by the
// lexicographically greater revision id. If every leaf is deleted the
// best deleted leaf is returned with tombstone = true.
func (t *Tree) Winner() (rev *Revision, tombstone bool) {
	var alive, dead *Revision
	for _, n := range t.leaves {
		r := n.rev
		if r.Deleted {
			if dead == nil || r.Compare(dead) > 0 {
				dead = r
			}
		} else {
			if alive == nil || r.Compare(alive) > 0 {
				alive = r
			}
		}
	}
	if alive != nil {
		return alive, false
	}
	return dead, dead != nil
}

// PathForNode returns the revisions from the given sequence up to the
// root of its tree, leaf end first.
func (t *Tree) PathForNode(seq int64) ([]*Revision, error) {
	n, ok := t.bySeq[seq]
	if !ok {
		return nil, errors.Join(thicket_errors.ErrNotInTree, fmt.Errorf("seq %d", seq))
	}
	var path []*Revision
	for n != nil {
		path = append(path, n.rev)
		if n.rev.ParentSequence > 0 {
			n = t.bySeq[n.rev.ParentSequence]
		} else {
			n = nil
		}
	}
	return path, nil
}

// Path is PathForNode projected to revision ids.
func (t *Tree) Path(seq int64) ([]string, error) {
	revs, err := t.PathForNode(seq)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(revs))
	for _, r := range revs {
		ids = append(ids, r.RevID)
	}
	return ids, nil
}

// Size is the number of revisions in the forest.
func (t *Tree) Size() int {
	return len(t.bySeq)
}
