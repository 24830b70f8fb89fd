// Package thicket wires a document store to the secondary-index
// subsystem: revision forests describe each document's MVCC history,
// the index manager keeps queryable projections of the winning
// revisions in an embedded SQLite database.
package thicket

import (
	"context"
	"log/slog"

	"github.com/thicketdb/thicket/datastore"
	"github.com/thicketdb/thicket/indexes"
	"github.com/thicketdb/thicket/revtree"
	"github.com/thicketdb/thicket/utils"
)

type Options struct {
	Logger utils.Logger
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

// Store is the front door: a document store plus its index manager.
type Store struct {
	ds      datastore.Datastore
	queries *indexes.Manager
	log     utils.Logger
}

func Open(ds datastore.Datastore, opts Options) (*Store, error) {
	opts.SetDefaults()
	queries, err := indexes.Open(ds, opts.Logger)
	if err != nil {
		return nil, err
	}
	return &Store{ds: ds, queries: queries, log: opts.Logger}, nil
}

func (s *Store) Close() error {
	return s.queries.Close()
}

// RevisionTree materializes the revision forest of one document.
func (s *Store) RevisionTree(docID string) (*revtree.Tree, error) {
	return s.ds.RevisionTree(docID)
}

func (s *Store) ListIndexes(ctx context.Context) ([]indexes.Index, error) {
	return s.queries.ListIndexes(ctx)
}

func (s *Store) EnsureIndexed(ctx context.Context, fields []indexes.FieldSort, name string,
	kind indexes.Kind, tokenize string) (string, error) {
	return s.queries.EnsureIndexed(ctx, fields, name, kind, tokenize)
}

func (s *Store) DeleteIndex(ctx context.Context, name string) error {
	return s.queries.DeleteIndex(ctx, name)
}

func (s *Store) UpdateAllIndexes(ctx context.Context) error {
	return s.queries.UpdateAllIndexes(ctx)
}

func (s *Store) Find(ctx context.Context, query map[string]any, skip, limit int64,
	fields []string, sort []indexes.FieldSort) (*indexes.QueryResult, error) {
	return s.queries.Find(ctx, query, skip, limit, fields, sort)
}

func (s *Store) IsTextSearchEnabled() bool {
	return s.queries.IsTextSearchEnabled()
}
