package indexes

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/thicketdb/thicket/thicket_errors"
)

// A clause is one conjunct of the normalized query: a SQL predicate
// over index columns plus the fields it touches. $text clauses carry
// the match string instead.
type clause struct {
	fields []string
	where  string
	args   []any
	text   bool
	match  string
}

// normalizeQuery flattens the selector AST into a conjunction of
// clauses. Top-level keys are ANDed; $and splices in, $or and $not
// compile into a single predicate, $text becomes a text clause.
func normalizeQuery(query map[string]any) ([]clause, error) {
	var clauses []clause
	for _, key := range sortedKeys(query) {
		value := query[key]
		switch key {
		case "$and":
			subs, ok := value.([]any)
			if !ok {
				return nil, invalidQuery("$and needs an array of selectors")
			}
			for _, sub := range subs {
				subQuery, ok := sub.(map[string]any)
				if !ok {
					return nil, invalidQuery("$and members must be selectors")
				}
				more, err := normalizeQuery(subQuery)
				if err != nil {
					return nil, err
				}
				clauses = append(clauses, more...)
			}
		case "$or":
			cl, err := orClause(value)
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, *cl)
		case "$text":
			match, err := textMatch(value)
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, clause{text: true, match: match})
		default:
			if strings.HasPrefix(key, "$") {
				return nil, invalidQuery(fmt.Sprintf("unknown operator %q", key))
			}
			where, args, err := predicateForField(key, value)
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, clause{
				fields: []string{key},
				where:  where,
				args:   args,
			})
		}
	}
	return clauses, nil
}

// orClause compiles {"$or": [sel, sel, ...]} into one clause whose
// field set is the union of the branches, so a single covering index
// can answer it in one scan.
func orClause(value any) (*clause, error) {
	subs, ok := value.([]any)
	if !ok || len(subs) == 0 {
		return nil, invalidQuery("$or needs a non-empty array of selectors")
	}
	var (
		preds  []string
		args   []any
		fields []string
	)
	for _, sub := range subs {
		subQuery, ok := sub.(map[string]any)
		if !ok {
			return nil, invalidQuery("$or members must be selectors")
		}
		inner, err := normalizeQuery(subQuery)
		if err != nil {
			return nil, err
		}
		var branch []string
		for _, cl := range inner {
			if cl.text {
				return nil, invalidQuery("$text cannot appear inside $or")
			}
			branch = append(branch, cl.where)
			args = append(args, cl.args...)
			fields = append(fields, cl.fields...)
		}
		preds = append(preds, "( "+strings.Join(branch, " AND ")+" )")
	}
	return &clause{
		fields: dedupe(fields),
		where:  "( " + strings.Join(preds, " OR ") + " )",
		args:   args,
	}, nil
}

func textMatch(value any) (string, error) {
	selector, ok := value.(map[string]any)
	if !ok {
		return "", invalidQuery("$text needs {\"$search\": ...}")
	}
	search, ok := selector["$search"].(string)
	if !ok || len(selector) != 1 {
		return "", invalidQuery("$text needs {\"$search\": ...}")
	}
	return search, nil
}

// predicateForField compiles one field's selector. A bare scalar is
// equality; a map holds operators, ANDed together.
func predicateForField(field string, selector any) (string, []any, error) {
	ops, ok := selector.(map[string]any)
	if !ok {
		if !scalar(selector) {
			return "", nil, invalidQuery(fmt.Sprintf("field %q: unsupported literal", field))
		}
		return quote(field) + " = ?", []any{selector}, nil
	}
	var (
		preds []string
		args  []any
	)
	for _, op := range sortedKeys(ops) {
		value := ops[op]
		var sqlOp string
		switch op {
		case "$eq":
			sqlOp = "="
		case "$ne":
			sqlOp = "!="
		case "$gt":
			sqlOp = ">"
		case "$gte":
			sqlOp = ">="
		case "$lt":
			sqlOp = "<"
		case "$lte":
			sqlOp = "<="
		case "$in":
			list, ok := value.([]any)
			if !ok || len(list) == 0 {
				return "", nil, invalidQuery(fmt.Sprintf("field %q: $in needs a non-empty array", field))
			}
			for _, e := range list {
				if !scalar(e) {
					return "", nil, invalidQuery(fmt.Sprintf("field %q: $in values must be scalars", field))
				}
				args = append(args, e)
			}
			preds = append(preds, quote(field)+" IN ( "+
				strings.TrimSuffix(strings.Repeat("?, ", len(list)), ", ")+" )")
			continue
		case "$exists":
			want, ok := value.(bool)
			if !ok {
				return "", nil, invalidQuery(fmt.Sprintf("field %q: $exists needs a bool", field))
			}
			if want {
				preds = append(preds, quote(field)+" IS NOT NULL")
			} else {
				preds = append(preds, quote(field)+" IS NULL")
			}
			continue
		case "$not":
			inner, ok := value.(map[string]any)
			if !ok {
				return "", nil, invalidQuery(fmt.Sprintf("field %q: $not needs a selector", field))
			}
			sub, subArgs, err := predicateForField(field, inner)
			if err != nil {
				return "", nil, err
			}
			// a missing field satisfies $not: the inner predicate
			// cannot hold on a NULL column
			preds = append(preds, "( "+quote(field)+" IS NULL OR NOT ( "+sub+" ) )")
			args = append(args, subArgs...)
			continue
		default:
			return "", nil, invalidQuery(fmt.Sprintf("field %q: unknown operator %q", field, op))
		}
		if !scalar(value) {
			return "", nil, invalidQuery(fmt.Sprintf("field %q: %s needs a scalar", field, op))
		}
		preds = append(preds, quote(field)+" "+sqlOp+" ?")
		args = append(args, value)
	}
	if len(preds) == 0 {
		return "", nil, invalidQuery(fmt.Sprintf("field %q: empty selector", field))
	}
	return strings.Join(preds, " AND "), args, nil
}

// A scan is one SQL statement over one index table; the query result
// is the _id intersection of all scans.
type scan struct {
	index *Index
	where []string
	args  []any
	text  bool
	match string
}

// planQuery assigns each clause to the covering index with the fewest
// materialized rows, then merges clauses that landed on the same
// index into one scan.
func planQuery(clauses []clause, indexes []Index, rowCount func(ix *Index) (int64, error)) ([]*scan, error) {
	scans := make(map[string]*scan)
	var order []string
	for _, cl := range clauses {
		chosen, err := chooseIndex(&cl, indexes, rowCount)
		if err != nil {
			return nil, err
		}
		sc, ok := scans[chosen.Name]
		if !ok {
			sc = &scan{index: chosen}
			scans[chosen.Name] = sc
			order = append(order, chosen.Name)
		}
		if cl.text {
			sc.text = true
			sc.match = cl.match
		} else {
			sc.where = append(sc.where, cl.where)
			sc.args = append(sc.args, cl.args...)
		}
	}
	res := make([]*scan, 0, len(order))
	for _, name := range order {
		res = append(res, scans[name])
	}
	return res, nil
}

func chooseIndex(cl *clause, indexes []Index, rowCount func(ix *Index) (int64, error)) (*Index, error) {
	var best *Index
	var bestCount int64
	for i := range indexes {
		ix := &indexes[i]
		if cl.text != (ix.Kind == Text) {
			continue
		}
		if !ix.covers(cl.fields) {
			continue
		}
		count, err := rowCount(ix)
		if err != nil {
			return nil, err
		}
		if best == nil || count < bestCount ||
			(count == bestCount && len(ix.Fields) < len(best.Fields)) ||
			(count == bestCount && len(ix.Fields) == len(best.Fields) && ix.Name < best.Name) {
			best, bestCount = ix, count
		}
	}
	if best == nil {
		if cl.text {
			return nil, errors.Join(thicket_errors.ErrNoUsableIndex,
				errors.New("$text needs a text index"))
		}
		return nil, errors.Join(thicket_errors.ErrNoUsableIndex,
			fmt.Errorf("no index covers %v", cl.fields))
	}
	return best, nil
}

func quote(identifier string) string {
	return `"` + identifier + `"`
}

func scalar(value any) bool {
	switch value.(type) {
	case string, float64, int, int64, bool:
		return true
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func dedupe(fields []string) []string {
	seen := make(map[string]bool, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

func invalidQuery(msg string) error {
	return errors.Join(thicket_errors.ErrInvalidQuery, errors.New(msg))
}
