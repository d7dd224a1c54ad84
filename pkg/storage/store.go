package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrNotFound is returned when a blob, key or stream entry does not exist.
var ErrNotFound = errors.New("not found")

// ErrIndexGap is returned when an indexed append would leave a hole in the
// stream. Streams are dense by construction; a gap means corruption.
var ErrIndexGap = errors.New("append would create an index gap")

// BlobStorage stores byte blobs addressed by path. Oplog payloads use
// content-addressed paths (see ContentHash); component files and archive
// chunks use structured paths.
type BlobStorage interface {
	PutBlob(ctx context.Context, path string, data []byte) error
	GetBlob(ctx context.Context, path string) ([]byte, error)
	DeleteBlob(ctx context.Context, path string) error
	BlobExists(ctx context.Context, path string) (bool, error)
	ListBlobs(ctx context.Context, prefix string) ([]string, error)
}

// KeyValueStorage is a small durable map partitioned into buckets.
type KeyValueStorage interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Set(ctx context.Context, bucket, key string, value []byte) error
	Delete(ctx context.Context, bucket, key string) error
	Keys(ctx context.Context, bucket string) ([]string, error)
}

// IndexedStorage is an append-only stream of indexed values; the oplog's
// primary and compressed archive layers are built on it.
//
// Indices inside a stream are dense. An append to an empty stream may start
// at any index (archive layers inherit the index range of the entries they
// absorb); any further append must use exactly LastIndex+1.
type IndexedStorage interface {
	Append(ctx context.Context, stream string, index uint64, value []byte) error
	// Read returns up to count values starting at from. The range must be
	// dense: a missing entry inside [FirstIndex, LastIndex] is an error.
	Read(ctx context.Context, stream string, from, count uint64) ([][]byte, error)
	FirstIndex(ctx context.Context, stream string) (uint64, error)
	LastIndex(ctx context.Context, stream string) (uint64, error)
	Length(ctx context.Context, stream string) (uint64, error)
	// Trim removes all entries with index <= toInclusive.
	Trim(ctx context.Context, stream string, toInclusive uint64) error
	Drop(ctx context.Context, stream string) error
	StreamExists(ctx context.Context, stream string) (bool, error)
}

// Storage bundles the three abstractions a backend provides.
type Storage interface {
	Blob() BlobStorage
	KeyValue() KeyValueStorage
	Indexed() IndexedStorage
	Close() error
}

// ContentHash returns the hex SHA-256 of data, used for content-addressed
// blob paths.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
