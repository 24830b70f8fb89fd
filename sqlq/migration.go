package sqlq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/thicketdb/thicket/thicket_errors"
)

// UpdateSchema applies a schema-only migration: when the database's
// user_version is below version, the statements run in one transaction
// and the version is stamped. Already-migrated databases are untouched,
// so repeated calls are safe.
func (q *Queue) UpdateSchema(ctx context.Context, statements []string, version int) error {
	return q.SubmitTransaction(ctx, func(tx *sql.Tx) error {
		var current int
		if err := tx.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
			return errors.Join(thicket_errors.ErrExecutionFailed, err)
		}
		if current >= version {
			return nil
		}
		for _, stmt := range statements {
			if _, err := tx.Exec(stmt); err != nil {
				return errors.Join(thicket_errors.ErrExecutionFailed,
					fmt.Errorf("migrating to v%d: %w", version, err))
			}
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
			return errors.Join(thicket_errors.ErrExecutionFailed, err)
		}
		return nil
	})
}
