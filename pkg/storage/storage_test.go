package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backendsUnderTest returns every backend that can run without external
// services. Redis and S3 implement the same contracts but need a server.
func backendsUnderTest(t *testing.T) map[string]Storage {
	t.Helper()
	bolt, err := NewBoltStorage(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	return map[string]Storage{
		"memory": NewMemoryStorage(),
		"bolt":   bolt,
	}
}

func TestBlobStorage(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			blobs := backend.Blob()

			_, err := blobs.GetBlob(ctx, "oplog_payload/w1/abc")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, blobs.PutBlob(ctx, "oplog_payload/w1/abc", []byte("hello")))
			data, err := blobs.GetBlob(ctx, "oplog_payload/w1/abc")
			require.NoError(t, err)
			assert.Equal(t, []byte("hello"), data)

			exists, err := blobs.BlobExists(ctx, "oplog_payload/w1/abc")
			require.NoError(t, err)
			assert.True(t, exists)

			require.NoError(t, blobs.PutBlob(ctx, "oplog_payload/w1/def", []byte("x")))
			require.NoError(t, blobs.PutBlob(ctx, "oplog_payload/w2/abc", []byte("y")))

			paths, err := blobs.ListBlobs(ctx, "oplog_payload/w1/")
			require.NoError(t, err)
			assert.Equal(t, []string{"oplog_payload/w1/abc", "oplog_payload/w1/def"}, paths)

			require.NoError(t, blobs.DeleteBlob(ctx, "oplog_payload/w1/abc"))
			_, err = blobs.GetBlob(ctx, "oplog_payload/w1/abc")
			assert.ErrorIs(t, err, ErrNotFound)

			// Deleting a missing blob is a no-op.
			assert.NoError(t, blobs.DeleteBlob(ctx, "oplog_payload/w1/abc"))
		})
	}
}

func TestKeyValueStorage(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			kv := backend.KeyValue()

			_, err := kv.Get(ctx, "workers", "a")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, kv.Set(ctx, "workers", "a", []byte("1")))
			require.NoError(t, kv.Set(ctx, "workers", "b", []byte("2")))
			require.NoError(t, kv.Set(ctx, "promises", "a", []byte("3")))

			data, err := kv.Get(ctx, "workers", "a")
			require.NoError(t, err)
			assert.Equal(t, []byte("1"), data)

			keys, err := kv.Keys(ctx, "workers")
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, keys)

			require.NoError(t, kv.Delete(ctx, "workers", "a"))
			_, err = kv.Get(ctx, "workers", "a")
			assert.ErrorIs(t, err, ErrNotFound)

			// Buckets are independent.
			data, err = kv.Get(ctx, "promises", "a")
			require.NoError(t, err)
			assert.Equal(t, []byte("3"), data)
		})
	}
}

func TestIndexedStorageAppendRead(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			idx := backend.Indexed()

			exists, err := idx.StreamExists(ctx, "oplog:w1")
			require.NoError(t, err)
			assert.False(t, exists)

			for i := uint64(1); i <= 5; i++ {
				require.NoError(t, idx.Append(ctx, "oplog:w1", i, []byte(fmt.Sprintf("e%d", i))))
			}

			first, err := idx.FirstIndex(ctx, "oplog:w1")
			require.NoError(t, err)
			assert.Equal(t, uint64(1), first)

			last, err := idx.LastIndex(ctx, "oplog:w1")
			require.NoError(t, err)
			assert.Equal(t, uint64(5), last)

			length, err := idx.Length(ctx, "oplog:w1")
			require.NoError(t, err)
			assert.Equal(t, uint64(5), length)

			values, err := idx.Read(ctx, "oplog:w1", 2, 3)
			require.NoError(t, err)
			require.Len(t, values, 3)
			assert.Equal(t, []byte("e2"), values[0])
			assert.Equal(t, []byte("e4"), values[2])

			// Reading past the tail returns what exists.
			values, err = idx.Read(ctx, "oplog:w1", 4, 10)
			require.NoError(t, err)
			assert.Len(t, values, 2)
		})
	}
}

func TestIndexedStorageDensity(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			idx := backend.Indexed()

			require.NoError(t, idx.Append(ctx, "s", 1, []byte("a")))
			require.NoError(t, idx.Append(ctx, "s", 2, []byte("b")))

			// Gap: 4 after 2 must be rejected.
			assert.ErrorIs(t, idx.Append(ctx, "s", 4, []byte("c")), ErrIndexGap)
			// Re-appending an existing index is also a gap violation.
			assert.ErrorIs(t, idx.Append(ctx, "s", 2, []byte("b2")), ErrIndexGap)

			// Empty streams accept any starting index (archive layers
			// inherit ranges).
			require.NoError(t, idx.Append(ctx, "archive", 100, []byte("x")))
			require.NoError(t, idx.Append(ctx, "archive", 101, []byte("y")))
			first, err := idx.FirstIndex(ctx, "archive")
			require.NoError(t, err)
			assert.Equal(t, uint64(100), first)
		})
	}
}

func TestIndexedStorageTrimAndDrop(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			idx := backend.Indexed()

			for i := uint64(1); i <= 6; i++ {
				require.NoError(t, idx.Append(ctx, "s", i, []byte{byte(i)}))
			}

			require.NoError(t, idx.Trim(ctx, "s", 3))

			first, err := idx.FirstIndex(ctx, "s")
			require.NoError(t, err)
			assert.Equal(t, uint64(4), first)

			length, err := idx.Length(ctx, "s")
			require.NoError(t, err)
			assert.Equal(t, uint64(3), length)

			// Appends continue from the tail after a trim.
			require.NoError(t, idx.Append(ctx, "s", 7, []byte{7}))

			require.NoError(t, idx.Drop(ctx, "s"))
			exists, err := idx.StreamExists(ctx, "s")
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestContentHash(t *testing.T) {
	h1 := ContentHash([]byte("payload"))
	h2 := ContentHash([]byte("payload"))
	h3 := ContentHash([]byte("other"))
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64)
}

func TestFilesystemBlobStorage(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFilesystemBlobStorage(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, fs.PutBlob(ctx, "a/b/c", []byte("data")))
	data, err := fs.GetBlob(ctx, "a/b/c")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)

	// Hostile path segments must not escape the root.
	require.NoError(t, fs.PutBlob(ctx, "../../etc/passwd", []byte("nope")))
	data, err = fs.GetBlob(ctx, "../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, []byte("nope"), data)

	paths, err := fs.ListBlobs(ctx, "a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/b/c"}, paths)

	require.NoError(t, fs.DeleteBlob(ctx, "a/b/c"))
	_, err = fs.GetBlob(ctx, "a/b/c")
	assert.ErrorIs(t, err, ErrNotFound)
}
