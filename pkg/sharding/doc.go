/*
Package sharding routes worker identities to hosts.

The worker id space is split into a fixed number of shards; an external
shard manager assigns each shard to exactly one executor and pushes
routing tables to every host. This package holds the host-local view:

  - RoutingTable: shard count plus shard→host assignments, versioned
  - Registry: applies pushed updates, answers ownership checks, and
    notifies the executor about shards it lost so their workers can be
    evicted

The worker→shard mapping itself lives in pkg/types and is frozen. A host
receiving an operation for a shard it does not own answers InvalidShardId
and expects the caller to refresh its routing table and retry.
*/
package sharding
