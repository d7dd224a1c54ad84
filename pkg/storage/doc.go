/*
Package storage provides the persistence abstractions of the executor.

Three narrow interfaces cover everything the engine persists:

  - BlobStorage: byte blobs addressed by path; oplog payloads that exceed
    the inline size limit are stored here under their content hash, archive
    chunks under structured paths.
  - KeyValueStorage: small durable maps partitioned into buckets; worker
    metadata, promises and scheduled actions live here.
  - IndexedStorage: dense append-only streams; the oplog's primary and
    compressed archive layers are built on it.

# Backends

  - MemoryStorage: all three, in process memory (tests, development)
  - BoltStorage: all three, on a single BoltDB file (default durable)
  - RedisStorage: all three, on a shared Redis instance
  - FilesystemBlobStorage: blob only, plain files
  - S3BlobStorage: blob only, any S3-compatible object store

Backends providing only blob storage are paired with an embedded backend
for the rest; see pkg/config for the selection matrix.

# Invariants

Indexed streams are dense: an append must target exactly LastIndex+1 unless
the stream is empty, and a missing entry inside the populated range is
reported as ErrIndexGap, never skipped. Readers of the oplog depend on this
to detect corruption instead of silently replaying a truncated history.
*/
package storage
