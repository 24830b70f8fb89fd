package indexes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash"

	"github.com/thicketdb/thicket/thicket_errors"
)

// EnsureIndexed creates an index over the given fields, or returns the
// name of the identical existing one. An empty name asks for a
// deterministic generated name. kind is json or text; tokenize is only
// meaningful for text indexes.
func (m *Manager) EnsureIndexed(ctx context.Context, fields []FieldSort, name string,
	kind Kind, tokenize string) (string, error) {
	columns, err := validateFields(fields)
	if err != nil {
		return "", err
	}
	switch kind {
	case JSON:
		if tokenize != "" {
			return "", errors.Join(thicket_errors.ErrInvalidArgument,
				errors.New("tokenize is only valid for text indexes"))
		}
	case Text:
		if !m.textSearchEnabled {
			return "", thicket_errors.ErrTextSearchUnavailable
		}
		// the tokenizer name ends up in DDL verbatim
		if tokenize != "" && !validIdentifier.MatchString(tokenize) {
			return "", errors.Join(thicket_errors.ErrInvalidArgument,
				fmt.Errorf("bad tokenizer %q", tokenize))
		}
	default:
		return "", errors.Join(thicket_errors.ErrInvalidArgument,
			fmt.Errorf("unknown index kind %q", kind))
	}

	if name == "" {
		name = generatedName(columns, kind, tokenize)
	} else if !validIdentifier.MatchString(name) {
		return "", errors.Join(thicket_errors.ErrInvalidArgument,
			fmt.Errorf("bad index name %q", name))
	}

	want := Index{Name: name, Kind: kind, Tokenize: tokenize,
		Fields: append([]string{"_id", "_rev"}, columns...)}

	existing, err := m.ListIndexes(ctx)
	if err != nil {
		return "", err
	}
	for _, have := range existing {
		if have.Name == name {
			if definitionsEqual(&have, &want) {
				return name, nil
			}
			return "", errors.Join(thicket_errors.ErrIndexExists,
				fmt.Errorf("index %q already exists with a different definition", name))
		}
		// at most one text index per database
		if kind == Text && have.Kind == Text {
			return "", errors.Join(thicket_errors.ErrIndexExists,
				fmt.Errorf("text index %q already exists, delete it first", have.Name))
		}
	}

	if err = m.createIndex(ctx, &want); err != nil {
		return "", err
	}
	if err = m.updateIndex(ctx, &want); err != nil {
		return "", err
	}
	return name, nil
}

// validateFields checks the field list and returns the column names.
// Every segment of a dotted path must look like an identifier, and a
// field may appear only once.
func validateFields(fields []FieldSort) ([]string, error) {
	if len(fields) == 0 {
		return nil, errors.Join(thicket_errors.ErrInvalidArgument,
			errors.New("at least one field is required"))
	}
	seen := make(map[string]bool, len(fields))
	columns := make([]string, 0, len(fields))
	for _, f := range fields {
		if seen[f.Field] {
			return nil, errors.Join(thicket_errors.ErrInvalidArgument,
				fmt.Errorf("duplicate field %q", f.Field))
		}
		seen[f.Field] = true
		for _, segment := range strings.Split(f.Field, ".") {
			if !validIdentifier.MatchString(segment) {
				return nil, errors.Join(thicket_errors.ErrInvalidArgument,
					fmt.Errorf("bad field name %q", f.Field))
			}
		}
		columns = append(columns, f.Field)
	}
	return columns, nil
}

// generatedName derives a stable name from the definition, so repeated
// unnamed EnsureIndexed calls converge on the same index.
func generatedName(columns []string, kind Kind, tokenize string) string {
	sorted := append([]string(nil), columns...)
	sort.Strings(sorted)
	h := xxhash.New()
	_, _ = h.Write([]byte(string(kind)))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(tokenize))
	for _, c := range sorted {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(c))
	}
	return fmt.Sprintf("idx_%016x", h.Sum64())
}

func definitionsEqual(a, b *Index) bool {
	if a.Kind != b.Kind || a.Tokenize != b.Tokenize || len(a.Fields) != len(b.Fields) {
		return false
	}
	for i := range a.Fields {
		if a.Fields[i] != b.Fields[i] {
			return false
		}
	}
	return true
}

// createIndex builds the physical table and the metadata rows in one
// transaction; a failure discards both together.
func (m *Manager) createIndex(ctx context.Context, ix *Index) error {
	return m.queue.SubmitTransaction(ctx, func(tx *sql.Tx) error {
		table := tableNameForIndex(ix.Name)
		quoted := make([]string, 0, len(ix.Fields))
		for _, f := range ix.Fields {
			quoted = append(quoted, `"`+f+`"`)
		}
		cols := strings.Join(quoted, ", ")

		var statements []string
		switch ix.Kind {
		case JSON:
			statements = []string{
				fmt.Sprintf(`CREATE TABLE "%s" ( %s )`, table, cols),
				fmt.Sprintf(`CREATE INDEX "%s_index" ON "%s" ( %s )`, table, table, cols),
			}
		case Text:
			args := cols
			if ix.Tokenize != "" {
				args += ", tokenize=" + ix.Tokenize
			}
			statements = []string{
				fmt.Sprintf(`CREATE VIRTUAL TABLE "%s" USING FTS4 ( %s )`, table, args),
			}
		}
		for _, stmt := range statements {
			if _, err := tx.Exec(stmt); err != nil {
				return errors.Join(thicket_errors.ErrIndexOpFailed,
					fmt.Errorf("creating index %q: %w", ix.Name, err))
			}
		}
		settings := ix.settingsJSON()
		for _, f := range ix.Fields {
			if _, err := tx.Exec(
				"INSERT INTO "+MetadataTableName+
					" (index_name, index_type, field_name, last_sequence, index_settings)"+
					" VALUES (?, ?, ?, 0, ?)",
				ix.Name, string(ix.Kind), f, settings); err != nil {
				return errors.Join(thicket_errors.ErrIndexOpFailed,
					fmt.Errorf("creating index %q: %w", ix.Name, err))
			}
		}
		return nil
	})
}
