// Package indexes maintains queryable secondary indexes over the
// winning revisions of a document store.
//
// # Overview
//
// Manager keeps named indexes of two kinds:
//
//  1. json index
//     A plain table with one column per indexed field plus _id and
//     _rev, and a covering SQLite index over all columns. Answers
//     equality, range, $in, $exists and $or queries.
//
//  2. text index (opt-in, at most one per database)
//     An FTS4 virtual table over the same columns. Answers $text
//     match queries. Only available when the SQLite build carries
//     FTS4; a one-time probe at open time decides.
//
// # Layout in SQLite
//
//   - Metadata:  _t_cloudant_sync_query_metadata, one row per column
//     per index: (index_name, index_type, field_name, last_sequence,
//     index_settings). Field order is creation order (rowid).
//
//   - Data:      _t_cloudant_sync_query_index_<name>, columns _id,
//     _rev, then one column per indexed field. Array-valued fields
//     materialize as one row per element, so an _id may own several
//     rows.
//
//   - FTS probe: _t_cloudant_sync_query_fts_check, created and
//     dropped inside one probe transaction, never visible.
//
// # Keeping indexes fresh
//
// The document store assigns every revision a global sequence number.
// Each index remembers last_sequence, the sequence it has consumed up
// to. An update pass asks the store for the ids of documents changed
// in (last_sequence, now], loads each document's revision forest,
// picks the winner, projects it onto the index fields and replaces
// that document's rows. The pass and the new last_sequence commit in
// one transaction on the writer queue: partial progress is never
// visible, and last_sequence is monotonically non-decreasing.
//
// A document whose winner is deleted is a tombstone: its rows are
// removed and nothing is inserted. Purge events from the store's bus
// queue doc ids in memory; the next update pass scrubs their rows
// from every index table before consuming the feed.
//
// Updates run index by index, best effort. One failing index does not
// block the rest; it retries on the next pass since last_sequence only
// moves on commit.
//
// # Queries
//
// Find normalizes the selector into a conjunction of clauses, picks
// for each clause the covering index with the fewest rows, merges
// clauses that landed on the same index into one scan, and intersects
// the _id sets of the scans. Sorting pushes into SQL when a single
// scan covers the sort fields, otherwise results are post-sorted in
// memory. Results are (_id, _rev) pairs; revision bodies materialize
// lazily from the document store through an LRU cache (revisions are
// immutable, so the cache needs no invalidation beyond purges).
//
// # Concurrency
//
// All SQLite access goes through a single-writer serialized queue
// (package sqlq). Submissions execute one at a time in order, which
// makes every index operation strictly serializable without any
// locking around the database handle.
package indexes
