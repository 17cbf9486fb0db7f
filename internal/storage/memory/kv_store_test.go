package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/santarrsgrotto/readarr-server/internal/store"
)

func TestKVStoreGetSet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := NewKVStore()

	_, err := kv.Get(ctx, "watermark")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, kv.Set(ctx, "watermark", json.RawMessage(`"2024-03-01T00:00:00Z"`)))
	got, err := kv.Get(ctx, "watermark")
	require.NoError(t, err)
	require.JSONEq(t, `"2024-03-01T00:00:00Z"`, string(got))

	require.Error(t, kv.Set(ctx, "bad", json.RawMessage(`{`)))
}

func TestKVStoreUpdateIsAllOrNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := NewKVStore()
	require.NoError(t, kv.Set(ctx, "a", json.RawMessage(`1`)))

	err := kv.Update(ctx, []string{"a", "b"}, func(cur map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		require.JSONEq(t, `1`, string(cur["a"]))
		_, ok := cur["b"]
		require.False(t, ok)
		return map[string]json.RawMessage{"a": json.RawMessage(`2`), "b": json.RawMessage(`{`)}, nil
	})
	require.Error(t, err)
	got, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	require.JSONEq(t, `1`, string(got))

	boom := errors.New("boom")
	err = kv.Update(ctx, []string{"a"}, func(map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	err = kv.Update(ctx, []string{"a", "b"}, func(map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		return map[string]json.RawMessage{"a": json.RawMessage(`3`), "b": json.RawMessage(`[]`)}, nil
	})
	require.NoError(t, err)
	got, err = kv.Get(ctx, "b")
	require.NoError(t, err)
	require.JSONEq(t, `[]`, string(got))
}
