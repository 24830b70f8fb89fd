package indexes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/thicketdb/thicket/datastore"
	"github.com/thicketdb/thicket/revtree"
	"github.com/thicketdb/thicket/sqlq"
	"github.com/thicketdb/thicket/thicket_errors"
	"github.com/thicketdb/thicket/utils"
)

// The metadata for an index is kept in the database as one row per
// column:
//
//	index_name  |  index_type  |  field_name  |  last_sequence
//	-----------------------------------------------------------
//	  name      |  json        |   _id        |     0
//	  name      |  json        |   _rev       |     0
//	  name      |  json        |   firstName  |     0
//	  name      |  json        |   lastName   |     0
//
// The index itself is a single table with a column per field and a
// covering SQLite index over all columns. _id and _rev are part of
// every index so results project straight off the table.

var schemaV1 = []string{
	`CREATE TABLE ` + MetadataTableName + ` (
		index_name TEXT NOT NULL,
		index_type TEXT NOT NULL,
		field_name TEXT NOT NULL,
		last_sequence INTEGER NOT NULL,
		PRIMARY KEY (index_name, field_name)
	)`,
}

var schemaV2 = []string{
	`ALTER TABLE ` + MetadataTableName + ` ADD COLUMN index_settings TEXT NULL`,
}

type revKey struct {
	docID string
	revID string
}

// Manager is the front door of the query subsystem: it owns the index
// database, keeps the materialized tables in step with the document
// store, and answers structured queries against them.
type Manager struct {
	ds    datastore.Datastore
	queue *sqlq.Queue
	log   utils.Logger

	textSearchEnabled bool
	busToken          uint64

	// doc ids purged from the store but not yet scrubbed from the
	// index tables; drained at the start of every update pass
	pendingPurges *xsync.MapOf[string, struct{}]

	// revisions are immutable, so a plain LRU by (docID, revID) is a
	// sound read cache for query materialization
	revCache *lru.Cache[revKey, *revtree.Revision]
}

// Open opens the index database in the store's extension folder,
// migrates it, probes for FTS and subscribes to purge events. An error
// here is final; there is no half-open manager.
func Open(ds datastore.Datastore, log utils.Logger) (*Manager, error) {
	if log == nil {
		log = utils.NewDefaultLogger(defaultLogLevel)
	}
	dir, err := ds.ExtensionDataFolder(extensionName)
	if err != nil {
		return nil, errors.Join(thicket_errors.ErrIndexOpFailed, err)
	}
	queue, err := sqlq.Open(filepath.Join(dir, indexDBFileName), log)
	if err != nil {
		return nil, errors.Join(thicket_errors.ErrIndexOpFailed, err)
	}
	ctx := context.Background()
	if err = queue.UpdateSchema(ctx, schemaV1, 1); err != nil {
		_ = queue.Close()
		return nil, err
	}
	if err = queue.UpdateSchema(ctx, schemaV2, 2); err != nil {
		_ = queue.Close()
		return nil, err
	}
	cache, _ := lru.New[revKey, *revtree.Revision](4096)
	m := &Manager{
		ds:            ds,
		queue:         queue,
		log:           log,
		pendingPurges: xsync.NewMapOf[string, struct{}](),
		revCache:      cache,
	}
	m.textSearchEnabled = ftsAvailable(ctx, queue)
	m.busToken = ds.Bus().Register(m.onEvent)
	return m, nil
}

// Close unregisters from the event bus and drains the writer queue.
func (m *Manager) Close() error {
	m.ds.Bus().Unregister(m.busToken)
	return m.queue.Close()
}

func (m *Manager) onEvent(event any) {
	if purge, ok := event.(datastore.Purged); ok {
		m.pendingPurges.Store(purge.DocID, struct{}{})
	}
}

// ftsAvailable checks that the storage engine can build FTS4 virtual
// tables. The probe table never outlives the transaction.
func ftsAvailable(ctx context.Context, queue *sqlq.Queue) bool {
	err := queue.SubmitTransaction(ctx, func(tx *sql.Tx) error {
		statements := []string{
			fmt.Sprintf("CREATE VIRTUAL TABLE %s USING FTS4 ( col )", ftsCheckTableName),
			fmt.Sprintf("DROP TABLE %s", ftsCheckTableName),
		}
		for _, stmt := range statements {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	})
	return err == nil
}

// IsTextSearchEnabled reports the result of the one-time FTS probe.
func (m *Manager) IsTextSearchEnabled() bool {
	if !m.textSearchEnabled {
		m.log.Info("text search is not supported by this SQLite build")
	}
	return m.textSearchEnabled
}

// ListIndexes reads the metadata table and assembles the definition of
// every index, fields in creation order.
func (m *Manager) ListIndexes(ctx context.Context) ([]Index, error) {
	var indexes []Index
	err := m.queue.Submit(ctx, func(ctx context.Context, conn *sql.Conn) error {
		var err error
		indexes, err = listIndexesIn(ctx, conn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return indexes, nil
}

func listIndexesIn(ctx context.Context, conn *sql.Conn) ([]Index, error) {
	names, err := conn.QueryContext(ctx,
		"SELECT DISTINCT index_name FROM "+MetadataTableName)
	if err != nil {
		return nil, errors.Join(thicket_errors.ErrIndexOpFailed, err)
	}
	var indexNames []string
	for names.Next() {
		var name string
		if err = names.Scan(&name); err != nil {
			_ = names.Close()
			return nil, errors.Join(thicket_errors.ErrIndexOpFailed, err)
		}
		indexNames = append(indexNames, name)
	}
	if err = names.Err(); err != nil {
		_ = names.Close()
		return nil, errors.Join(thicket_errors.ErrIndexOpFailed, err)
	}
	_ = names.Close()

	indexes := make([]Index, 0, len(indexNames))
	for _, name := range indexNames {
		rows, err := conn.QueryContext(ctx,
			"SELECT index_type, field_name, last_sequence, index_settings FROM "+
				MetadataTableName+" WHERE index_name = ? ORDER BY rowid", name)
		if err != nil {
			return nil, errors.Join(thicket_errors.ErrIndexOpFailed, err)
		}
		ix := Index{Name: name}
		for rows.Next() {
			var kind, field string
			var lastSeq int64
			var settings sql.NullString
			if err = rows.Scan(&kind, &field, &lastSeq, &settings); err != nil {
				_ = rows.Close()
				return nil, errors.Join(thicket_errors.ErrIndexOpFailed, err)
			}
			if len(ix.Fields) == 0 {
				ix.Kind = Kind(kind)
				ix.LastSequence = lastSeq
				if settings.Valid {
					ix.Tokenize = parseSettings(settings.String)
				}
			}
			ix.Fields = append(ix.Fields, field)
		}
		if err = rows.Err(); err != nil {
			_ = rows.Close()
			return nil, errors.Join(thicket_errors.ErrIndexOpFailed, err)
		}
		_ = rows.Close()
		indexes = append(indexes, ix)
	}
	return indexes, nil
}

// DeleteIndex drops the index table and its metadata rows in one
// transaction, so a partial deletion is never observed.
func (m *Manager) DeleteIndex(ctx context.Context, name string) error {
	if name == "" {
		return errors.Join(thicket_errors.ErrInvalidArgument,
			errors.New("index name must not be empty"))
	}
	return m.queue.SubmitTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"DELETE FROM "+MetadataTableName+" WHERE index_name = ?", name); err != nil {
			return errors.Join(thicket_errors.ErrIndexOpFailed,
				fmt.Errorf("deleting index %q: %w", name, err))
		}
		if _, err := tx.Exec(
			fmt.Sprintf(`DROP TABLE "%s"`, tableNameForIndex(name))); err != nil {
			return errors.Join(thicket_errors.ErrIndexOpFailed,
				fmt.Errorf("deleting index %q: %w", name, err))
		}
		return nil
	})
}

// UpdateAllIndexes brings every index up to the store's current
// sequence. One index failing does not stop the others; the first
// error is reported once all have been attempted.
func (m *Manager) UpdateAllIndexes(ctx context.Context) error {
	indexes, err := m.ListIndexes(ctx)
	if err != nil {
		return err
	}
	return m.updateIndexes(ctx, indexes)
}

// Find runs a structured query. Indexes are refreshed first, so
// results reflect every revision the store has assigned a sequence to.
func (m *Manager) Find(ctx context.Context, query map[string]any, skip, limit int64,
	fields []string, sort []FieldSort) (*QueryResult, error) {
	if query == nil {
		FindCount.WithLabelValues("invalid").Inc()
		return nil, errors.Join(thicket_errors.ErrInvalidQuery,
			errors.New("query must not be nil"))
	}
	if err := m.UpdateAllIndexes(ctx); err != nil {
		FindCount.WithLabelValues("update_error").Inc()
		return nil, err
	}
	indexes, err := m.ListIndexes(ctx)
	if err != nil {
		return nil, err
	}
	result, err := m.find(ctx, query, indexes, skip, limit, fields, sort)
	if err != nil {
		FindCount.WithLabelValues("error").Inc()
		return nil, err
	}
	FindCount.WithLabelValues("success").Inc()
	return result, nil
}
