package redis

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/santarrsgrotto/readarr-server/internal/catalog"
	"github.com/santarrsgrotto/readarr-server/internal/control"
	"github.com/santarrsgrotto/readarr-server/internal/store"
)

func newTestStore(t *testing.T) (*KVStore, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewKVStore(client, "catalogsync:"), srv
}

func TestKVStoreGetSet(t *testing.T) {
	t.Parallel()

	kv, srv := newTestStore(t)
	ctx := context.Background()

	_, err := kv.Get(ctx, "watermark")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, kv.Set(ctx, "watermark", json.RawMessage(`"2024-03-01T00:00:00Z"`)))
	got, err := kv.Get(ctx, "watermark")
	require.NoError(t, err)
	require.JSONEq(t, `"2024-03-01T00:00:00Z"`, string(got))

	raw, err := srv.Get("catalogsync:watermark")
	require.NoError(t, err)
	require.Equal(t, `"2024-03-01T00:00:00Z"`, raw)
	require.NoError(t, kv.Ping(ctx))
}

func TestKVStoreBackedControlState(t *testing.T) {
	t.Parallel()

	kv, _ := newTestStore(t)
	ctx := context.Background()
	cs := control.New(kv)

	var st control.State
	st.Queues.Append(catalog.KindEdition, "/books/OL1M", "/books/OL2M", "/books/OL3M")
	require.NoError(t, cs.Checkpoint(ctx, st))

	outcome, err := cs.CompleteBatch(ctx, control.BatchResult{
		Kind:   catalog.KindEdition,
		Batch:  []string{"/books/OL1M", "/books/OL2M"},
		Failed: []string{"/books/OL1M"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, outcome.Remaining)

	queue, err := cs.Queue(ctx, catalog.KindEdition)
	require.NoError(t, err)
	require.Equal(t, []string{"/books/OL3M", "/books/OL1M"}, queue)
}

func TestKVStoreUpdateSeesMissingKeys(t *testing.T) {
	t.Parallel()

	kv, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, "a", json.RawMessage(`1`)))

	err := kv.Update(ctx, []string{"a", "b"}, func(cur map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		require.JSONEq(t, `1`, string(cur["a"]))
		_, ok := cur["b"]
		require.False(t, ok)
		return map[string]json.RawMessage{"b": json.RawMessage(`2`)}, nil
	})
	require.NoError(t, err)
	got, err := kv.Get(ctx, "b")
	require.NoError(t, err)
	require.JSONEq(t, `2`, string(got))
}
