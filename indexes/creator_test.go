package indexes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thicketdb/thicket/thicket_errors"
)

func TestEnsureIndexedValidation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.EnsureIndexed(ctx, nil, "x", JSON, "")
	assert.ErrorIs(t, err, thicket_errors.ErrInvalidArgument, "empty field list")

	_, err = m.EnsureIndexed(ctx, fields("a", "a"), "x", JSON, "")
	assert.ErrorIs(t, err, thicket_errors.ErrInvalidArgument, "duplicate field")

	_, err = m.EnsureIndexed(ctx, fields("1bad"), "x", JSON, "")
	assert.ErrorIs(t, err, thicket_errors.ErrInvalidArgument, "field starting with a digit")

	_, err = m.EnsureIndexed(ctx, fields("_id"), "x", JSON, "")
	assert.ErrorIs(t, err, thicket_errors.ErrInvalidArgument, "underscore-prefixed field")

	_, err = m.EnsureIndexed(ctx, fields("a..b"), "x", JSON, "")
	assert.ErrorIs(t, err, thicket_errors.ErrInvalidArgument, "empty path segment")

	_, err = m.EnsureIndexed(ctx, fields("a"), "0name", JSON, "")
	assert.ErrorIs(t, err, thicket_errors.ErrInvalidArgument, "bad index name")

	_, err = m.EnsureIndexed(ctx, fields("a"), "x", JSON, "simple")
	assert.ErrorIs(t, err, thicket_errors.ErrInvalidArgument, "tokenize on json")

	_, err = m.EnsureIndexed(ctx, fields("a"), "x", Kind("geo"), "")
	assert.ErrorIs(t, err, thicket_errors.ErrInvalidArgument, "unknown kind")

	_, err = m.EnsureIndexed(ctx, fields("a"), "x", Text, "bad tokenizer")
	assert.ErrorIs(t, err, thicket_errors.ErrInvalidArgument, "tokenizer with a space")
}

func TestEnsureIndexedDottedFields(t *testing.T) {
	m, _ := newTestManager(t)
	name, err := m.EnsureIndexed(context.Background(), fields("address.city"), "city", JSON, "")
	assert.NoError(t, err)
	assert.Equal(t, "city", name)
}

func TestEnsureIndexedGeneratedName(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	name, err := m.EnsureIndexed(ctx, fields("a", "b"), "", JSON, "")
	require.NoError(t, err)
	assert.Regexp(t, `^idx_[0-9a-f]{16}$`, name)

	// same definition converges on the same index
	again, err := m.EnsureIndexed(ctx, fields("a", "b"), "", JSON, "")
	require.NoError(t, err)
	assert.Equal(t, name, again)

	indexes, err := m.ListIndexes(ctx)
	require.NoError(t, err)
	assert.Len(t, indexes, 1)

	// a different definition gets a different name
	other, err := m.EnsureIndexed(ctx, fields("a", "c"), "", JSON, "")
	require.NoError(t, err)
	assert.NotEqual(t, name, other)
}

func TestEnsureIndexedIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	name, err := m.EnsureIndexed(ctx, fields("a", "b"), "ab", JSON, "")
	require.NoError(t, err)
	assert.Equal(t, "ab", name)

	name, err = m.EnsureIndexed(ctx, fields("a", "b"), "ab", JSON, "")
	assert.NoError(t, err)
	assert.Equal(t, "ab", name)

	indexes, err := m.ListIndexes(ctx)
	require.NoError(t, err)
	assert.Len(t, indexes, 1)
}

func TestEnsureIndexedConflictingDefinition(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.EnsureIndexed(ctx, fields("a", "b"), "ab", JSON, "")
	require.NoError(t, err)

	_, err = m.EnsureIndexed(ctx, fields("b", "a"), "ab", JSON, "")
	assert.ErrorIs(t, err, thicket_errors.ErrIndexExists, "field order matters")

	_, err = m.EnsureIndexed(ctx, fields("a"), "ab", JSON, "")
	assert.ErrorIs(t, err, thicket_errors.ErrIndexExists)
}

func TestSecondTextIndexRejected(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.EnsureIndexed(ctx, fields("body"), "t1", Text, "")
	require.NoError(t, err)

	_, err = m.EnsureIndexed(ctx, fields("title"), "t2", Text, "")
	assert.ErrorIs(t, err, thicket_errors.ErrIndexExists)
}

func TestCreateSeedsExistingDocuments(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	_, err := store.Create("mike", map[string]any{"firstName": "Mike", "lastName": "Rhodes"})
	require.NoError(t, err)

	_, err = m.EnsureIndexed(ctx, fields("firstName", "lastName"), "name", JSON, "")
	require.NoError(t, err)

	// the initial update pass runs inside EnsureIndexed
	assert.Equal(t, 1, countRows(t, m, "name", `"firstName" = ?`, "Mike"))
}
