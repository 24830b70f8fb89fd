package indexes

import (
	"encoding/json"
	"log/slog"
	"regexp"
)

const defaultLogLevel = slog.LevelInfo

type Kind string

const (
	JSON Kind = "json"
	Text Kind = "text"
)

const (
	// MetadataTableName holds one row per indexed column per index.
	MetadataTableName = "_t_cloudant_sync_query_metadata"

	indexTablePrefix  = "_t_cloudant_sync_query_index_"
	ftsCheckTableName = "_t_cloudant_sync_query_fts_check"

	extensionName   = "com.cloudant.sync.query"
	indexDBFileName = "indexes.sqlite"
)

// Index names and every segment of a dotted field path must match this.
var validIdentifier = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// FieldSort is a field path with a direction hint. The direction only
// matters when sorting query results; the materialized table is the
// same either way.
type FieldSort struct {
	Field      string
	Descending bool
}

// Index is a named projection of winning revisions onto a tuple of
// fields, materialized as one table per index. Fields always start
// with _id and _rev so the table can answer queries without loading
// document bodies.
type Index struct {
	Name         string
	Kind         Kind
	Fields       []string
	Tokenize     string
	LastSequence int64
}

func tableNameForIndex(name string) string {
	return indexTablePrefix + name
}

// covers reports whether every named field is a column of this index.
func (ix *Index) covers(fields []string) bool {
	for _, f := range fields {
		found := false
		for _, col := range ix.Fields {
			if col == f {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (ix *Index) settingsJSON() string {
	settings := map[string]any{}
	if ix.Tokenize != "" {
		settings["tokenize"] = ix.Tokenize
	}
	blob, _ := json.Marshal(settings)
	return string(blob)
}

func parseSettings(blob string) (tokenize string) {
	var settings map[string]any
	if err := json.Unmarshal([]byte(blob), &settings); err != nil {
		return ""
	}
	if t, ok := settings["tokenize"].(string); ok {
		return t
	}
	return ""
}
