package indexes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/thicketdb/thicket/revtree"
	"github.com/thicketdb/thicket/thicket_errors"
	"github.com/thicketdb/thicket/utils"
)

// updateIndexes refreshes each index in turn. Purged documents are
// scrubbed first so a purge is never resurrected by an older
// last_sequence. Failures are per-index: the rest still update, and
// the first error comes back once all were attempted.
func (m *Manager) updateIndexes(ctx context.Context, indexes []Index) error {
	if err := m.applyPendingPurges(ctx, indexes); err != nil {
		return err
	}
	var firstErr error
	for i := range indexes {
		lctx := utils.WithIndex(ctx, indexes[i].Name)
		if err := m.updateIndex(lctx, &indexes[i]); err != nil {
			m.log.ErrorCtx(lctx, "index update failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// updateIndex advances one index from its last_sequence to the store's
// current sequence. Everything happens in a single transaction, so
// partial progress is never visible and last_sequence never lies.
func (m *Manager) updateIndex(ctx context.Context, ix *Index) error {
	start := time.Now()
	UpdateCount.WithLabelValues(ix.Name).Inc()

	sGlobal, err := m.ds.LastSequence()
	if err != nil {
		UpdateResults.WithLabelValues(ix.Name, "feed_error").Inc()
		return errors.Join(thicket_errors.ErrIndexOpFailed, err)
	}
	if sGlobal <= ix.LastSequence {
		UpdateResults.WithLabelValues(ix.Name, "noop").Inc()
		return nil
	}
	docIDs, err := m.ds.ChangedDocIDs(ix.LastSequence, sGlobal)
	if err != nil {
		UpdateResults.WithLabelValues(ix.Name, "feed_error").Inc()
		return errors.Join(thicket_errors.ErrIndexOpFailed, err)
	}

	err = m.queue.SubmitTransaction(ctx, func(tx *sql.Tx) error {
		for _, docID := range docIDs {
			if err := m.reindexDocument(tx, ix, docID); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(
			"UPDATE "+MetadataTableName+" SET last_sequence = ? WHERE index_name = ?",
			sGlobal, ix.Name); err != nil {
			return errors.Join(thicket_errors.ErrIndexOpFailed, err)
		}
		return nil
	})
	if err != nil {
		UpdateResults.WithLabelValues(ix.Name, "error").Inc()
		return err
	}
	ix.LastSequence = sGlobal
	UpdateResults.WithLabelValues(ix.Name, "success").Inc()
	UpdateDuration.WithLabelValues(ix.Name).Observe(float64(time.Since(start).Milliseconds()))
	m.log.DebugCtx(utils.WithIndex(ctx, ix.Name), "index updated",
		"docs", len(docIDs), "last_sequence", sGlobal)
	return nil
}

// reindexDocument replaces the rows of one document with the
// projection of its winning revision. A tombstone leaves no rows.
func (m *Manager) reindexDocument(tx *sql.Tx, ix *Index, docID string) error {
	tree, err := m.ds.RevisionTree(docID)
	if err != nil {
		return errors.Join(thicket_errors.ErrIndexOpFailed, err)
	}
	winner, err := tree.CurrentRevision()
	tombstone := false
	if err != nil {
		// the store did not flag a winner, compute one
		winner, tombstone = tree.Winner()
		if winner == nil {
			return nil
		}
	} else {
		tombstone = winner.Deleted
	}

	table := tableNameForIndex(ix.Name)
	if _, err = tx.Exec(fmt.Sprintf(`DELETE FROM "%s" WHERE "_id" = ?`, table), docID); err != nil {
		return errors.Join(thicket_errors.ErrIndexOpFailed, err)
	}
	if tombstone {
		return nil
	}

	quoted := make([]string, 0, len(ix.Fields))
	for _, f := range ix.Fields {
		quoted = append(quoted, `"`+f+`"`)
	}
	insert := fmt.Sprintf(`INSERT INTO "%s" ( %s ) VALUES ( %s )`,
		table, strings.Join(quoted, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(ix.Fields)), ", "))

	for _, row := range projectRows(winner, ix.Fields) {
		if _, err = tx.Exec(insert, row...); err != nil {
			return errors.Join(thicket_errors.ErrIndexOpFailed, err)
		}
	}
	return nil
}

// applyPendingPurges deletes every purged document's rows from every
// index table, mirroring the tombstone path. The purge set drains
// even if a later update fails; purged data must not linger.
func (m *Manager) applyPendingPurges(ctx context.Context, indexes []Index) error {
	var docIDs []string
	m.pendingPurges.Range(func(docID string, _ struct{}) bool {
		docIDs = append(docIDs, docID)
		return true
	})
	if len(docIDs) == 0 {
		return nil
	}
	err := m.queue.SubmitTransaction(ctx, func(tx *sql.Tx) error {
		for i := range indexes {
			table := tableNameForIndex(indexes[i].Name)
			for _, docID := range docIDs {
				if _, err := tx.Exec(
					fmt.Sprintf(`DELETE FROM "%s" WHERE "_id" = ?`, table), docID); err != nil {
					return errors.Join(thicket_errors.ErrIndexOpFailed, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	purged := make(map[string]bool, len(docIDs))
	for _, docID := range docIDs {
		m.pendingPurges.Delete(docID)
		purged[docID] = true
		m.log.DebugCtx(utils.WithDocument(ctx, docID), "scrubbed purged document")
	}
	for _, key := range m.revCache.Keys() {
		if purged[key.docID] {
			m.revCache.Remove(key)
		}
	}
	return nil
}

// projectRows flattens a winning revision onto the index columns.
// Missing fields and objects project as NULL; an array-valued field
// expands into one row per scalar element, cartesian across
// multi-valued fields.
func projectRows(rev *revtree.Revision, columns []string) [][]any {
	rows := [][]any{nil}
	for _, col := range columns {
		var values []any
		switch col {
		case "_id":
			values = []any{rev.DocID}
		case "_rev":
			values = []any{rev.RevID}
		default:
			values = expandValue(extractValue(rev.Body, col))
		}
		next := make([][]any, 0, len(rows)*len(values))
		for _, row := range rows {
			for _, v := range values {
				grown := make([]any, len(row), len(row)+1)
				copy(grown, row)
				next = append(next, append(grown, v))
			}
		}
		rows = next
	}
	return rows
}

// extractValue walks a dotted path into the body. Anything but a map
// midway ends the walk.
func extractValue(body map[string]any, path string) any {
	var value any = body
	for _, segment := range strings.Split(path, ".") {
		m, ok := value.(map[string]any)
		if !ok {
			return nil
		}
		value = m[segment]
	}
	return value
}

// expandValue turns one extracted value into the column values it
// contributes. Scalars stand alone; arrays contribute each scalar
// element; maps are not indexable and become NULL.
func expandValue(value any) []any {
	switch v := value.(type) {
	case nil:
		return []any{nil}
	case map[string]any:
		return []any{nil}
	case []any:
		if len(v) == 0 {
			return []any{nil}
		}
		out := make([]any, 0, len(v))
		for _, e := range v {
			switch e.(type) {
			case map[string]any, []any:
				out = append(out, nil)
			default:
				out = append(out, e)
			}
		}
		return out
	default:
		return []any{v}
	}
}
