package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir())

	require.NoError(t, store.Put(ctx, "dir/a.txt", []byte("hello")))

	b, err := store.Open(ctx, "dir/a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(5), b.Size())

	data, err := ReadAll(b)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	require.NoError(t, b.Close())
}

func TestLocalStoreCreateStreaming(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir())

	w, err := store.Create(ctx, "blob.bin")
	require.NoError(t, err)
	_, err = w.Write([]byte("part one "))
	require.NoError(t, err)
	_, err = w.Write([]byte("part two"))
	require.NoError(t, err)

	// Not visible until Close.
	_, err = store.Open(ctx, "blob.bin")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, w.Close())

	b, err := store.Open(ctx, "blob.bin")
	require.NoError(t, err)
	data, err := ReadAll(b)
	require.NoError(t, err)
	assert.Equal(t, "part one part two", string(data))
	require.NoError(t, b.Close())
}

func TestLocalStoreList(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir())

	require.NoError(t, store.Put(ctx, "snap/1/m.json", []byte("a")))
	require.NoError(t, store.Put(ctx, "snap/1/files/x", []byte("b")))
	require.NoError(t, store.Put(ctx, "snap/2/m.json", []byte("c")))

	names, err := store.List(ctx, "snap/1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"snap/1/files/x", "snap/1/m.json"}, names)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestLocalStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir())

	require.NoError(t, store.Put(ctx, "a", []byte("x")))
	require.NoError(t, store.Delete(ctx, "a"))
	require.NoError(t, store.Delete(ctx, "a"))

	_, err := store.Open(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}
