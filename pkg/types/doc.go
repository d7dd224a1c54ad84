/*
Package types defines the core data model of the durable execution engine.

This package contains the identity and policy types shared by every other
package: worker and component identities, shard derivation, oplog indices,
idempotency keys, promise identities, worker status, and retry policies.

# Core Types

Identity:
  - ComponentId: UUID of a deployed component
  - WorkerId: (ComponentId, worker name) — the stable worker identity
  - TargetWorkerId: WorkerId whose name may be absent
  - ShardId: one of N partitions of the worker id space

Durability:
  - OplogIndex: dense, monotonic position in a worker's oplog (1-based)
  - PromiseId: (WorkerId, OplogIndex) of the promise's creation entry
  - IdempotencyKey: free-form dedup token with deterministic derivation
  - ScanCursor: position in a layered oplog scan

Policy:
  - RetryPolicy: max attempts plus exponential backoff bounds
  - PersistenceLevel: which host calls get journaled
  - WorkerStatus: coarse lifecycle state

# Frozen algorithms

Two algorithms in this package must never change, because persisted state
depends on them:

  - ShardIdFromWorkerId: the worker→shard hash. Changing it reshards the
    fleet.
  - DerivedIdempotencyKey: the UUIDv5 derivation for nested calls. Changing
    it breaks replay of workers with in-flight RPC chains.

All types are JSON-serializable and safe for concurrent reads; mutations
must be synchronized by callers.
*/
package types
