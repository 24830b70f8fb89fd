package indexes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"

	"github.com/thicketdb/thicket/revtree"
	"github.com/thicketdb/thicket/thicket_errors"
)

type docRef struct {
	id  string
	rev string
}

// QueryResult is an ordered set of (_id, _rev) references. Revisions
// are materialized lazily against the document store, through the
// manager's revision cache.
type QueryResult struct {
	m      *Manager
	refs   []docRef
	fields []string
}

func (r *QueryResult) Size() int {
	return len(r.refs)
}

func (r *QueryResult) DocumentIDs() []string {
	ids := make([]string, 0, len(r.refs))
	for _, ref := range r.refs {
		ids = append(ids, ref.id)
	}
	return ids
}

// Revisions yields the matching revisions in result order. Iteration
// stops at the first lookup failure, yielding the error.
func (r *QueryResult) Revisions(ctx context.Context) iter.Seq2[*revtree.Revision, error] {
	return func(yield func(*revtree.Revision, error) bool) {
		for _, ref := range r.refs {
			rev, err := r.m.revision(ref.id, ref.rev)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(r.project(rev), nil) {
				return
			}
		}
	}
}

// project trims the body to the requested top-level fields.
func (r *QueryResult) project(rev *revtree.Revision) *revtree.Revision {
	if len(r.fields) == 0 {
		return rev
	}
	body := make(map[string]any, len(r.fields))
	for _, f := range r.fields {
		if v, ok := rev.Body[f]; ok {
			body[f] = v
		}
	}
	projected := *rev
	projected.Body = body
	return &projected
}

func (m *Manager) revision(docID, revID string) (*revtree.Revision, error) {
	key := revKey{docID: docID, revID: revID}
	if rev, ok := m.revCache.Get(key); ok {
		return rev, nil
	}
	rev, err := m.ds.Revision(docID, revID)
	if err != nil {
		return nil, err
	}
	if rev == nil {
		return nil, errors.Join(thicket_errors.ErrExecutionFailed,
			fmt.Errorf("revision %s %s vanished from the store", docID, revID))
	}
	m.revCache.Add(key, rev)
	return rev, nil
}

// find plans and executes a query against the given indexes.
func (m *Manager) find(ctx context.Context, query map[string]any, indexes []Index,
	skip, limit int64, fields []string, sortSpec []FieldSort) (*QueryResult, error) {
	for _, f := range fields {
		if strings.ContainsRune(f, '.') {
			return nil, invalidQuery("projection fields must be top-level")
		}
	}
	clauses, err := normalizeQuery(query)
	if err != nil {
		return nil, err
	}

	var (
		refs    []docRef
		ordered bool
	)
	err = m.queue.Submit(ctx, func(ctx context.Context, conn *sql.Conn) error {
		counts := make(map[string]int64)
		rowCount := func(ix *Index) (int64, error) {
			if n, ok := counts[ix.Name]; ok {
				return n, nil
			}
			var n int64
			err := conn.QueryRowContext(ctx,
				fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, tableNameForIndex(ix.Name))).Scan(&n)
			if err != nil {
				return 0, errors.Join(thicket_errors.ErrIndexOpFailed, err)
			}
			counts[ix.Name] = n
			return n, nil
		}

		var scans []*scan
		if len(clauses) == 0 {
			// an empty selector matches everything; scan the
			// smallest index
			sc, err := fullScan(indexes, rowCount)
			if err != nil {
				return err
			}
			scans = []*scan{sc}
		} else {
			scans, err = planQuery(clauses, indexes, rowCount)
			if err != nil {
				return err
			}
		}

		orderBy := ""
		if len(sortSpec) > 0 && len(scans) == 1 && !scans[0].text &&
			scans[0].index.covers(sortFields(sortSpec)) {
			orderBy = orderByClause(sortSpec)
			ordered = true
		}

		sets := make([]map[string]string, 0, len(scans))
		var first []docRef
		for i, sc := range scans {
			scanRefs, err := runScan(ctx, conn, sc, orderBy)
			if err != nil {
				return err
			}
			if i == 0 {
				first = scanRefs
			}
			set := make(map[string]string, len(scanRefs))
			for _, ref := range scanRefs {
				set[ref.id] = ref.rev
			}
			sets = append(sets, set)
		}
		// intersect by _id, keeping the first scan's order
		for _, ref := range first {
			in := true
			for _, set := range sets[1:] {
				if _, ok := set[ref.id]; !ok {
					in = false
					break
				}
			}
			if in {
				refs = append(refs, ref)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(sortSpec) > 0 && !ordered {
		if err = m.sortRefs(refs, sortSpec); err != nil {
			return nil, err
		}
	}
	refs = window(refs, skip, limit)
	return &QueryResult{m: m, refs: refs, fields: fields}, nil
}

func fullScan(indexes []Index, rowCount func(ix *Index) (int64, error)) (*scan, error) {
	var everything clause
	chosen, err := chooseIndex(&everything, indexes, rowCount)
	if err != nil {
		return nil, err
	}
	return &scan{index: chosen}, nil
}

func runScan(ctx context.Context, conn *sql.Conn, sc *scan, orderBy string) ([]docRef, error) {
	table := tableNameForIndex(sc.index.Name)
	// no DISTINCT: SQLite rejects DISTINCT with ORDER BY on an
	// unselected column, so array-expanded duplicates collapse here
	stmt := fmt.Sprintf(`SELECT "_id", "_rev" FROM "%s"`, table)
	var preds []string
	var args []any
	if sc.text {
		preds = append(preds, quote(table)+" MATCH ?")
		args = append(args, sc.match)
	}
	preds = append(preds, sc.where...)
	args = append(args, sc.args...)
	if len(preds) > 0 {
		stmt += " WHERE " + strings.Join(preds, " AND ")
	}
	if orderBy != "" {
		stmt += " " + orderBy
	}
	rows, err := conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Join(thicket_errors.ErrIndexOpFailed, err)
	}
	defer rows.Close()
	var refs []docRef
	seen := make(map[docRef]bool)
	for rows.Next() {
		var ref docRef
		if err = rows.Scan(&ref.id, &ref.rev); err != nil {
			return nil, errors.Join(thicket_errors.ErrIndexOpFailed, err)
		}
		if !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	if err = rows.Err(); err != nil {
		return nil, errors.Join(thicket_errors.ErrIndexOpFailed, err)
	}
	return refs, nil
}

func sortFields(sortSpec []FieldSort) []string {
	fields := make([]string, 0, len(sortSpec))
	for _, s := range sortSpec {
		fields = append(fields, s.Field)
	}
	return fields
}

func orderByClause(sortSpec []FieldSort) string {
	terms := make([]string, 0, len(sortSpec))
	for _, s := range sortSpec {
		dir := "ASC"
		if s.Descending {
			dir = "DESC"
		}
		terms = append(terms, quote(s.Field)+" "+dir)
	}
	return "ORDER BY " + strings.Join(terms, ", ")
}

// sortRefs post-sorts in memory for plans that could not push ORDER BY
// into SQL. Values collate null < booleans < numbers < strings.
func (m *Manager) sortRefs(refs []docRef, sortSpec []FieldSort) error {
	values := make(map[docRef][]any, len(refs))
	for _, ref := range refs {
		rev, err := m.revision(ref.id, ref.rev)
		if err != nil {
			return err
		}
		row := make([]any, 0, len(sortSpec))
		for _, s := range sortSpec {
			row = append(row, extractValue(rev.Body, s.Field))
		}
		values[ref] = row
	}
	sort.SliceStable(refs, func(i, j int) bool {
		a, b := values[refs[i]], values[refs[j]]
		for k, s := range sortSpec {
			c := compareValues(a[k], b[k])
			if c == 0 {
				continue
			}
			if s.Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	return nil
}

func compareValues(a, b any) int {
	ra, rb := valueRank(a), valueRank(b)
	if ra != rb {
		return ra - rb
	}
	switch va := a.(type) {
	case bool:
		vb := b.(bool)
		switch {
		case va == vb:
			return 0
		case !va:
			return -1
		}
		return 1
	case float64:
		return compareFloats(va, toFloat(b))
	case int:
		return compareFloats(float64(va), toFloat(b))
	case int64:
		return compareFloats(float64(va), toFloat(b))
	case string:
		return strings.Compare(va, b.(string))
	}
	return 0
}

func valueRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64, int, int64:
		return 2
	case string:
		return 3
	}
	return 4
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func window(refs []docRef, skip, limit int64) []docRef {
	if skip > 0 {
		if skip >= int64(len(refs)) {
			return nil
		}
		refs = refs[skip:]
	}
	if limit > 0 && limit < int64(len(refs)) {
		refs = refs[:limit]
	}
	return refs
}
