package sharding

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/golemcloud/golem-sub021/pkg/apperror"
	"github.com/golemcloud/golem-sub021/pkg/log"
	"github.com/golemcloud/golem-sub021/pkg/types"
)

// RoutingTable is published by the external shard manager: the shard count
// and the host owning each shard. Hosts receive non-overlapping shard sets;
// a worker is owned by at most one host at any time.
type RoutingTable struct {
	Version        uint64                   `json:"version"`
	NumberOfShards int                      `json:"number_of_shards"`
	Assignments    map[types.ShardId]string `json:"assignments"`
}

// Clone deep-copies the table.
func (t RoutingTable) Clone() RoutingTable {
	assignments := make(map[types.ShardId]string, len(t.Assignments))
	for shard, host := range t.Assignments {
		assignments[shard] = host
	}
	return RoutingTable{Version: t.Version, NumberOfShards: t.NumberOfShards, Assignments: assignments}
}

// Registry is the host-local view of the routing table. It is read-mostly:
// the only writer is the shard-manager subscription handler.
type Registry struct {
	localHost string
	logger    zerolog.Logger

	mu      sync.RWMutex
	table   RoutingTable
	onEvict func(lost []types.ShardId)
}

// NewRegistry creates a registry for the given local host address.
func NewRegistry(localHost string) *Registry {
	return &Registry{
		localHost: localHost,
		logger:    log.WithComponent("sharding"),
		table:     RoutingTable{Assignments: make(map[types.ShardId]string)},
	}
}

// LocalHost returns this host's address as it appears in routing tables.
func (r *Registry) LocalHost() string {
	return r.localHost
}

// SetEvictionHandler registers a callback fired with the shards this host
// lost in a routing update; the executor evicts their workers.
func (r *Registry) SetEvictionHandler(handler func(lost []types.ShardId)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvict = handler
}

// Update applies a routing table pushed by the shard manager. Stale
// versions are ignored. Returns whether the table was applied.
func (r *Registry) Update(table RoutingTable) bool {
	r.mu.Lock()
	if table.Version != 0 && table.Version <= r.table.Version && r.table.NumberOfShards != 0 {
		r.mu.Unlock()
		return false
	}

	var lost []types.ShardId
	for shard, host := range r.table.Assignments {
		if host == r.localHost && table.Assignments[shard] != r.localHost {
			lost = append(lost, shard)
		}
	}
	r.table = table.Clone()
	handler := r.onEvict
	r.mu.Unlock()

	r.logger.Info().
		Uint64("version", table.Version).
		Int("number_of_shards", table.NumberOfShards).
		Int("lost_shards", len(lost)).
		Msg("Applied routing table update")

	if handler != nil && len(lost) > 0 {
		handler(lost)
	}
	return true
}

// Table returns a copy of the current routing table.
func (r *Registry) Table() RoutingTable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table.Clone()
}

// ShardOf computes the shard of a worker under the current shard count.
func (r *Registry) ShardOf(workerID types.WorkerId) types.ShardId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return types.ShardIdFromWorkerId(workerID, r.table.NumberOfShards)
}

// Owns reports whether this host owns the given shard.
func (r *Registry) Owns(shard types.ShardId) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table.Assignments[shard] == r.localHost
}

// Check rejects operations on workers whose shard this host does not own.
// The caller is expected to consult the routing table and retry elsewhere.
func (r *Registry) Check(workerID types.WorkerId) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.table.NumberOfShards == 0 {
		return apperror.New(apperror.CodeInvalidShardID, "no routing table received yet")
	}
	shard := types.ShardIdFromWorkerId(workerID, r.table.NumberOfShards)
	if r.table.Assignments[shard] != r.localHost {
		return apperror.Newf(apperror.CodeInvalidShardID,
			"worker %s belongs to shard %s owned by %q", workerID, shard, r.table.Assignments[shard])
	}
	return nil
}

// HostFor returns the host owning a worker's shard.
func (r *Registry) HostFor(workerID types.WorkerId) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.table.NumberOfShards == 0 {
		return "", apperror.New(apperror.CodeInvalidShardID, "no routing table received yet")
	}
	shard := types.ShardIdFromWorkerId(workerID, r.table.NumberOfShards)
	host, ok := r.table.Assignments[shard]
	if !ok {
		return "", apperror.Newf(apperror.CodeInvalidShardID, "shard %s is unassigned", shard)
	}
	return host, nil
}

// maxNameAttempts bounds the search for a locally owned generated name.
const maxNameAttempts = 65536

// AssignLocalWorkerName resolves a nameless target to a concrete worker id
// whose shard this host owns. Names are generated until one hashes into an
// owned shard.
func (r *Registry) AssignLocalWorkerName(target types.TargetWorkerId, freshName func() string) (types.WorkerId, error) {
	if target.HasName() {
		return target.WorkerId(), nil
	}
	for i := 0; i < maxNameAttempts; i++ {
		candidate := types.WorkerId{ComponentID: target.ComponentID, WorkerName: freshName()}
		if r.Check(candidate) == nil {
			return candidate, nil
		}
	}
	return types.WorkerId{}, apperror.New(apperror.CodeInternal,
		"could not generate a worker name owned by this host")
}
