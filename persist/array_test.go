package persist

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sabro/broker"
	"github.com/roach88/sabro/internal/testutil"
)

func newArray(t *testing.T, group string) *Array {
	t.Helper()
	a := NewArray(broker.NewRegistry(), testutil.TempDSN(t), group)
	t.Cleanup(func() { a.Shutdown().Wait(context.Background()) })
	return a
}

func getInt(t *testing.T, a *Array, x, y, z string) (int, bool) {
	t.Helper()
	ctx := context.Background()
	v, err := a.Get(ctx, x, y, z).Wait(ctx)
	require.NoError(t, err)
	if v == nil {
		return 0, false
	}
	var n int
	require.NoError(t, json.Unmarshal(v.(json.RawMessage), &n))
	return n, true
}

func TestArray_SetThenGet(t *testing.T) {
	a := newArray(t, "test")

	_, err := a.Set("row", "col", "layer", 42).Wait(context.Background())
	require.NoError(t, err)

	n, ok := getInt(t, a, "row", "col", "layer")
	require.True(t, ok)
	assert.Equal(t, 42, n)
}

func TestArray_GetUnsetIsNil(t *testing.T) {
	a := newArray(t, "test")

	_, ok := getInt(t, a, "no", "such", "element")
	assert.False(t, ok)
}

func TestArray_SetOverwrites(t *testing.T) {
	a := newArray(t, "test")
	ctx := context.Background()

	_, err := a.Set("x", "y", "z", 1).Wait(ctx)
	require.NoError(t, err)
	_, err = a.Set("x", "y", "z", 2).Wait(ctx)
	require.NoError(t, err)

	n, ok := getInt(t, a, "x", "y", "z")
	require.True(t, ok)
	assert.Equal(t, 2, n)
}

func TestArray_ReadWaitsBehindLazyWrites(t *testing.T) {
	a := newArray(t, "test")

	// Fire-and-forget write; the Get must observe it anyway.
	a.Set("x", "y", "z", 99)
	n, ok := getInt(t, a, "x", "y", "z")
	require.True(t, ok)
	assert.Equal(t, 99, n)
}

func TestArray_TwoDimensionalUse(t *testing.T) {
	a := newArray(t, "grid")
	ctx := context.Background()

	_, err := a.Set("3", "4", "", "cell").Wait(ctx)
	require.NoError(t, err)

	v, err := a.Get(ctx, "3", "4", "").Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"cell"`, string(v.(json.RawMessage)))
}

func TestArray_Delete(t *testing.T) {
	a := newArray(t, "test")
	ctx := context.Background()

	_, err := a.Set("x", "y", "z", 1).Wait(ctx)
	require.NoError(t, err)
	_, err = a.Delete("x", "y", "z").Wait(ctx)
	require.NoError(t, err)

	_, ok := getInt(t, a, "x", "y", "z")
	assert.False(t, ok)
}

func TestArray_ClearRemovesOnlyOwnGroup(t *testing.T) {
	registry := broker.NewRegistry()
	dsn := testutil.TempDSN(t)
	ctx := context.Background()

	mine := NewArray(registry, dsn, "mine")
	theirs := NewArray(registry, dsn, "theirs")
	t.Cleanup(func() {
		mine.Shutdown().Wait(context.Background())
		theirs.Shutdown().Wait(context.Background())
	})

	_, err := mine.Set("a", "b", "c", 1).Wait(ctx)
	require.NoError(t, err)
	_, err = theirs.Set("a", "b", "c", 2).Wait(ctx)
	require.NoError(t, err)

	_, err = mine.Clear().Wait(ctx)
	require.NoError(t, err)

	_, ok := getInt(t, mine, "a", "b", "c")
	assert.False(t, ok)
	n, ok := getInt(t, theirs, "a", "b", "c")
	require.True(t, ok)
	assert.Equal(t, 2, n)
}
