package indexes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thicketdb/thicket/revtree"
	testutils "github.com/thicketdb/thicket/test_utils"
	"github.com/thicketdb/thicket/thicket_errors"
)

func peopleFixture(t *testing.T) (*Manager, *testutils.MemStore) {
	m, store := newTestManager(t)
	ctx := context.Background()

	people := []map[string]any{
		{"name": "mike", "age": float64(12), "pet": "cat"},
		{"name": "mike", "age": float64(34), "pet": "dog"},
		{"name": "fred", "age": float64(23), "pet": "cat"},
		{"name": "john", "age": float64(44), "pet": "fish"},
		{"name": "anna", "age": float64(9)},
	}
	for i, p := range people {
		_, err := store.Create(p["name"].(string)+string(rune('0'+i)), p)
		require.NoError(t, err)
	}

	_, err := m.EnsureIndexed(ctx, fields("name", "age"), "basic", JSON, "")
	require.NoError(t, err)
	_, err = m.EnsureIndexed(ctx, fields("pet"), "pets", JSON, "")
	require.NoError(t, err)
	return m, store
}

func docIDs(t *testing.T, result *QueryResult) []string {
	require.NotNil(t, result)
	return result.DocumentIDs()
}

func TestFindEquality(t *testing.T) {
	m, _ := peopleFixture(t)
	result, err := m.Find(context.Background(),
		map[string]any{"name": "mike"}, 0, 0, nil, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"mike0", "mike1"}, docIDs(t, result))
}

func TestFindOperators(t *testing.T) {
	m, _ := peopleFixture(t)
	ctx := context.Background()

	result, err := m.Find(ctx,
		map[string]any{"age": map[string]any{"$gt": float64(20)}}, 0, 0, nil, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"mike1", "fred2", "john3"}, docIDs(t, result))

	result, err = m.Find(ctx,
		map[string]any{"age": map[string]any{"$gte": float64(23), "$lt": float64(44)}},
		0, 0, nil, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"mike1", "fred2"}, docIDs(t, result))

	result, err = m.Find(ctx,
		map[string]any{"name": map[string]any{"$in": []any{"fred", "john"}}}, 0, 0, nil, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"fred2", "john3"}, docIDs(t, result))

	result, err = m.Find(ctx,
		map[string]any{"pet": map[string]any{"$exists": false}}, 0, 0, nil, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"anna4"}, docIDs(t, result))

	result, err = m.Find(ctx,
		map[string]any{"pet": map[string]any{"$not": map[string]any{"$eq": "cat"}}},
		0, 0, nil, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"mike1", "john3", "anna4"}, docIDs(t, result))
}

func TestFindOr(t *testing.T) {
	m, _ := peopleFixture(t)
	result, err := m.Find(context.Background(), map[string]any{
		"$or": []any{
			map[string]any{"name": "fred"},
			map[string]any{"age": float64(44)},
		},
	}, 0, 0, nil, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"fred2", "john3"}, docIDs(t, result))
}

func TestFindAndAcrossIndexes(t *testing.T) {
	m, _ := peopleFixture(t)
	// name lives on one index, pet on another: two scans
	// intersected by _id
	result, err := m.Find(context.Background(), map[string]any{
		"name": "mike",
		"pet":  "cat",
	}, 0, 0, nil, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"mike0"}, docIDs(t, result))
}

func TestFindSortSkipLimit(t *testing.T) {
	m, _ := peopleFixture(t)
	ctx := context.Background()

	result, err := m.Find(ctx, map[string]any{
		"age": map[string]any{"$gt": float64(0)},
	}, 0, 0, nil, []FieldSort{{Field: "age"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"anna4", "mike0", "fred2", "mike1", "john3"}, docIDs(t, result))

	result, err = m.Find(ctx, map[string]any{
		"age": map[string]any{"$gt": float64(0)},
	}, 1, 2, nil, []FieldSort{{Field: "age", Descending: true}})
	require.NoError(t, err)
	assert.Equal(t, []string{"mike1", "fred2"}, docIDs(t, result))
}

func TestFindEmptySelectorMatchesAll(t *testing.T) {
	m, _ := peopleFixture(t)
	result, err := m.Find(context.Background(), map[string]any{}, 0, 0, nil, nil)
	require.NoError(t, err)
	assert.Len(t, docIDs(t, result), 5)
}

func TestFindNoUsableIndex(t *testing.T) {
	m, _ := peopleFixture(t)
	_, err := m.Find(context.Background(),
		map[string]any{"salary": float64(10)}, 0, 0, nil, nil)
	assert.ErrorIs(t, err, thicket_errors.ErrNoUsableIndex)
}

func TestFindInvalidQuery(t *testing.T) {
	m, _ := peopleFixture(t)
	ctx := context.Background()

	_, err := m.Find(ctx, map[string]any{"$bogus": 1}, 0, 0, nil, nil)
	assert.ErrorIs(t, err, thicket_errors.ErrInvalidQuery)

	_, err = m.Find(ctx, map[string]any{
		"name": map[string]any{"$regex": "m.*"},
	}, 0, 0, nil, nil)
	assert.ErrorIs(t, err, thicket_errors.ErrInvalidQuery)

	_, err = m.Find(ctx, map[string]any{"$or": "nope"}, 0, 0, nil, nil)
	assert.ErrorIs(t, err, thicket_errors.ErrInvalidQuery)

	_, err = m.Find(ctx, map[string]any{
		"name": map[string]any{"$in": []any{}},
	}, 0, 0, nil, nil)
	assert.ErrorIs(t, err, thicket_errors.ErrInvalidQuery)

	_, err = m.Find(ctx, map[string]any{"name": "x"}, 0, 0,
		[]string{"a.b"}, nil)
	assert.ErrorIs(t, err, thicket_errors.ErrInvalidQuery, "dotted projection field")
}

func TestFindMaterializesRevisions(t *testing.T) {
	m, _ := peopleFixture(t)
	result, err := m.Find(context.Background(),
		map[string]any{"name": "fred"}, 0, 0, nil, nil)
	require.NoError(t, err)

	var revs []*revtree.Revision
	for rev, err := range result.Revisions(context.Background()) {
		require.NoError(t, err)
		revs = append(revs, rev)
	}
	require.Len(t, revs, 1)
	assert.Equal(t, "fred2", revs[0].DocID)
	assert.Equal(t, "fred", revs[0].Body["name"])
	assert.Equal(t, float64(23), revs[0].Body["age"])
}

func TestFindProjection(t *testing.T) {
	m, _ := peopleFixture(t)
	result, err := m.Find(context.Background(),
		map[string]any{"name": "john"}, 0, 0, []string{"pet"}, nil)
	require.NoError(t, err)

	for rev, err := range result.Revisions(context.Background()) {
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"pet": "fish"}, rev.Body)
	}
}

func TestFindSeesNewRevisions(t *testing.T) {
	m, store := peopleFixture(t)
	ctx := context.Background()

	// find refreshes indexes first, so a fresh write is visible
	_, err := store.Create("zoe5", map[string]any{"name": "zoe", "age": float64(3)})
	require.NoError(t, err)

	result, err := m.Find(ctx, map[string]any{"name": "zoe"}, 0, 0, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"zoe5"}, docIDs(t, result))
}

func TestFindText(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	_, err := m.EnsureIndexed(ctx, fields("body"), "ft", Text, "")
	require.NoError(t, err)
	_, err = store.Create("d1", map[string]any{"body": "a quick brown fox"})
	require.NoError(t, err)
	_, err = store.Create("d2", map[string]any{"body": "a lazy dog"})
	require.NoError(t, err)

	result, err := m.Find(ctx, map[string]any{
		"$text": map[string]any{"$search": "fox"},
	}, 0, 0, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, docIDs(t, result))
}

func TestFindTextWithoutTextIndex(t *testing.T) {
	m, _ := peopleFixture(t)
	_, err := m.Find(context.Background(), map[string]any{
		"$text": map[string]any{"$search": "fox"},
	}, 0, 0, nil, nil)
	assert.ErrorIs(t, err, thicket_errors.ErrNoUsableIndex)
}
