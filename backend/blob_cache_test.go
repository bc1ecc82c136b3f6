package backend

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobCache_PutGet(t *testing.T) {
	cache, err := NewBlobCache(t.TempDir())
	require.NoError(t, err)

	data := []byte("blob content")
	hash := ComputeHash(data)

	require.NoError(t, cache.Put(hash, data))
	assert.True(t, cache.Exists(hash))

	got, err := cache.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestBlobCache_PutRejectsHashMismatch(t *testing.T) {
	cache, err := NewBlobCache(t.TempDir())
	require.NoError(t, err)

	err = cache.Put(ComputeHash([]byte("expected")), []byte("actual"))

	assert.ErrorIs(t, err, ErrIntegrity)
	assert.False(t, cache.Exists(ComputeHash([]byte("expected"))))
}

func TestBlobCache_GetMissing(t *testing.T) {
	cache, err := NewBlobCache(t.TempDir())
	require.NoError(t, err)

	_, err = cache.Get(ComputeHash([]byte("never stored")))

	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestBlobCache_Open(t *testing.T) {
	cache, err := NewBlobCache(t.TempDir())
	require.NoError(t, err)

	data := []byte("streamed blob")
	hash := ComputeHash(data)
	require.NoError(t, cache.Put(hash, data))

	r, err := cache.Open(hash)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestBlobCache_PutFrom(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewBlobCache(dir)
	require.NoError(t, err)

	path := filepath.Join(dir, "payload.pdf")
	require.NoError(t, os.WriteFile(path, []byte("pdf bytes"), 0644))
	handle := NewDiskFile(path)
	hash, err := handle.ContentHash()
	require.NoError(t, err)

	require.NoError(t, cache.PutFrom(hash, handle))
	assert.True(t, cache.Exists(hash))

	err = cache.PutFrom(ComputeHash([]byte("other")), handle)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestBlobCache_NoPartialWrites(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewBlobCache(dir)
	require.NoError(t, err)

	data := []byte("blob")
	require.NoError(t, cache.Put(ComputeHash(data), data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestBlobCache_ParsedIndex(t *testing.T) {
	cache, err := NewBlobCache(t.TempDir())
	require.NoError(t, err)

	index := &Index{Schema: 3, Files: []File{{Hash: ComputeHash([]byte("leaf")), UUID: "doc1.metadata", Size: 4}}}
	data := index.Serialize()
	hash := ComputeHash(data)
	require.NoError(t, cache.Put(hash, data))

	parsed, err := cache.ParsedIndex(hash)
	require.NoError(t, err)
	assert.Equal(t, index, parsed)

	// 2回目はメモ化された同じ値が返る
	again, err := cache.ParsedIndex(hash)
	require.NoError(t, err)
	assert.Same(t, parsed, again)
}
