/*
Package oplog implements the per-worker append-only journal that is the
single source of truth for durable execution.

Every non-deterministic event in a worker's life — creation, invocations,
host calls, errors, suspensions, policy changes — is appended as a tagged,
versioned entry. Replaying the log reconstructs the worker bit-identically
on any host.

# Layout

Entries live in up to three tiers:

	primary (indexed stream)      newest suffix, all writes land here
	compressed (indexed stream)   older entries, one zstd frame each
	archive chunks (blob)         oldest prefix, zstd-compressed chunks

Background migration (Archive) moves the oldest prefix down the tiers;
reads span all tiers transparently and ReadPage exposes cursor-based
pagination over them.

# Durability rules

  - Append stages entries in memory; Commit is the durability barrier and
    must run before any externally observable action. Reaching
    MaxOperationsBeforeCommit forces a flush earlier.
  - Payloads above MaxPayloadSize are offloaded to blob storage under
    their content hash before the referring entry is appended. A pointer
    to a missing blob can therefore never be observed; a lost blob after
    the fact is fatal for the worker.
  - Indices are dense and start at 1. A gap anywhere, in any tier, is
    corruption and is reported as such rather than skipped.
  - A failed commit poisons the handle; the owner must throw away all
    in-memory worker state and replay.

# Search

Search evaluates a Lucene-subset query (terms, phrases, regexes, dotted
field scoping, AND/OR/NOT, grouping) against flattened entries. Every
entry kind is reachable by its kebab-case name and its concatenated form,
case-insensitively.
*/
package oplog
