package persist

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sabro/broker"
	"github.com/roach88/sabro/internal/testutil"
)

func newDict(t *testing.T, group string) *Dict {
	t.Helper()
	d := NewDict(broker.NewRegistry(), testutil.TempDSN(t), group)
	t.Cleanup(func() { d.Shutdown().Wait(context.Background()) })
	return d
}

func getString(t *testing.T, d *Dict, name string) string {
	t.Helper()
	ctx := context.Background()
	v, err := d.Get(ctx, name).Wait(ctx)
	require.NoError(t, err)
	var s string
	require.NoError(t, json.Unmarshal(v.(json.RawMessage), &s))
	return s
}

func TestDict_SetThenGet(t *testing.T) {
	d := newDict(t, "test")

	_, err := d.Set("greeting", "hello").Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "hello", getString(t, d, "greeting"))
}

func TestDict_GetMissingIsErrNoItem(t *testing.T) {
	d := newDict(t, "test")
	ctx := context.Background()

	_, err := d.Get(ctx, "ghost").Wait(ctx)
	assert.ErrorIs(t, err, ErrNoItem)
}

func TestDict_LazyWriteVisibleAfterSync(t *testing.T) {
	d := newDict(t, "test")
	ctx := context.Background()

	// Fire-and-forget write, then Sync instead of waiting the handle.
	d.Set("k", "v")
	require.NoError(t, d.Sync(ctx))

	// The value is actually on disk, not just in the cache.
	v, err := d.Store().Load(ctx, "k").Wait(ctx)
	require.NoError(t, err)
	assert.False(t, v.(LoadResult).Missing)
}

func TestDict_PreloadServesLocally(t *testing.T) {
	registry := broker.NewRegistry()
	dsn := testutil.TempDSN(t)
	ctx := context.Background()

	writer := NewDict(registry, dsn, "grp")
	_, err := writer.Set("a", 1).Wait(ctx)
	require.NoError(t, err)
	_, err = writer.Set("b", 2).Wait(ctx)
	require.NoError(t, err)
	_, err = writer.Shutdown().Wait(ctx)
	require.NoError(t, err)

	reader := NewDict(registry, dsn, "grp")
	t.Cleanup(func() { reader.Shutdown().Wait(context.Background()) })
	require.NoError(t, reader.Preload(ctx))

	raw, ok := reader.GetLocal("a")
	require.True(t, ok)
	assert.JSONEq(t, "1", string(raw))

	// Preload mode answers missing keys definitively.
	_, err = reader.Get(ctx, "ghost").Wait(ctx)
	assert.ErrorIs(t, err, ErrNoItem)

	n, err := reader.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDict_ContainsCachesSpeculatively(t *testing.T) {
	d := newDict(t, "test")
	ctx := context.Background()

	_, err := d.Set("present", true).Wait(ctx)
	require.NoError(t, err)

	v, err := d.Contains(ctx, "present").Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = d.Contains(ctx, "absent").Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, false, v)
}

func TestDict_KeysValidatesCache(t *testing.T) {
	d := newDict(t, "test")
	ctx := context.Background()

	for _, k := range []string{"x", "y", "z"} {
		_, err := d.Set(k, k).Wait(ctx)
		require.NoError(t, err)
	}

	v, err := d.Keys(ctx).Wait(ctx)
	require.NoError(t, err)
	keys := v.([]string)
	sort.Strings(keys)
	assert.Equal(t, []string{"x", "y", "z"}, keys)

	// Second call answers from the validated cache.
	v, err = d.Keys(ctx).Wait(ctx)
	require.NoError(t, err)
	assert.Len(t, v.([]string), 3)
}

func TestDict_DeleteRemovesEverywhere(t *testing.T) {
	d := newDict(t, "test")
	ctx := context.Background()

	_, err := d.Set("k", "v").Wait(ctx)
	require.NoError(t, err)
	_, err = d.Delete("k").Wait(ctx)
	require.NoError(t, err)

	_, err = d.Get(ctx, "k").Wait(ctx)
	assert.ErrorIs(t, err, ErrNoItem)

	r := mustLoad(t, d.Store(), "k")
	assert.True(t, r.Missing)
}

func TestDict_ClearEmptiesGroup(t *testing.T) {
	d := newDict(t, "test")
	ctx := context.Background()

	d.Set("a", 1)
	d.Set("b", 2)
	_, err := d.Clear(ctx).Wait(ctx)
	require.NoError(t, err)

	items, err := d.Items(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestDict_ClearCompletesBehindLazyWrites(t *testing.T) {
	d := newDict(t, "test")

	// Fire-and-forget writes still in flight when Clear starts. The
	// deadline catches Clear waiting on its own tracked handle.
	d.Set("a", 1)
	d.Set("b", 2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := d.Clear(ctx).Wait(ctx)
	require.NoError(t, err)

	v, err := d.Store().Names(ctx).Wait(ctx)
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, d.Sync(ctx))
}

func TestDict_ItemsSnapshot(t *testing.T) {
	d := newDict(t, "test")
	ctx := context.Background()

	_, err := d.Set("a", "one").Wait(ctx)
	require.NoError(t, err)
	_, err = d.Set("b", "two").Wait(ctx)
	require.NoError(t, err)

	items, err := d.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.JSONEq(t, `"one"`, string(items["a"]))
	assert.JSONEq(t, `"two"`, string(items["b"]))
}
