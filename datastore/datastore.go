// Package datastore declares the contracts the index subsystem needs
// from the document body store. The store itself (persistence, schema
// migration, replication) lives elsewhere; this package only names what
// it must provide: a sequence-ordered change feed, forest and body
// lookup, an extension folder for per-extension databases, and an event
// bus for purge notifications.
package datastore

import "github.com/thicketdb/thicket/revtree"

type Datastore interface {
	// LastSequence is the highest sequence assigned so far, 0 for an
	// empty store.
	LastSequence() (int64, error)

	// ChangedDocIDs lists the ids of documents having any revision
	// with a sequence in (since, to], in ascending sequence order,
	// each id once.
	ChangedDocIDs(since, to int64) ([]string, error)

	// RevisionTree materializes the revision forest of one document.
	RevisionTree(docID string) (*revtree.Tree, error)

	// Revision looks up one revision body by (docID, revID).
	// Returns nil when unknown.
	Revision(docID, revID string) (*revtree.Revision, error)

	// ExtensionDataFolder returns (creating it if needed) a directory
	// an extension may keep its own files in.
	ExtensionDataFolder(extension string) (string, error)

	Bus() *Bus
}
