package revtree

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrBadRevisionID = errors.New("revtree: bad revision id")

// Revision is one version of a document. The RevID has the form
// "<generation>-<opaque>"; Sequence is the datastore-wide insertion
// order and is unique across all documents.
type Revision struct {
	DocID          string
	RevID          string
	Sequence       int64
	ParentSequence int64
	Deleted        bool
	Current        bool
	Body           map[string]any
}

// ParseGeneration returns the integer prefix of a revision id.
func ParseGeneration(revID string) (int64, error) {
	dash := strings.IndexByte(revID, '-')
	if dash <= 0 || dash == len(revID)-1 {
		return 0, errors.Join(ErrBadRevisionID, fmt.Errorf("%q", revID))
	}
	gen, err := strconv.ParseInt(revID[:dash], 10, 64)
	if err != nil || gen <= 0 {
		return 0, errors.Join(ErrBadRevisionID, fmt.Errorf("%q", revID))
	}
	return gen, nil
}

// Generation is the integer prefix of the RevID, 0 if malformed.
func (r *Revision) Generation() int64 {
	gen, err := ParseGeneration(r.RevID)
	if err != nil {
		return 0
	}
	return gen
}

// Compare orders revisions by generation, then by revision id.
func (r *Revision) Compare(other *Revision) int {
	ga, gb := r.Generation(), other.Generation()
	switch {
	case ga < gb:
		return -1
	case ga > gb:
		return 1
	}
	return strings.Compare(r.RevID, other.RevID)
}
