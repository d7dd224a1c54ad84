package sharding

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golemcloud/golem-sub021/pkg/apperror"
	"github.com/golemcloud/golem-sub021/pkg/types"
)

// fullTable assigns every shard to one of the given hosts round-robin.
func fullTable(version uint64, shards int, hosts ...string) RoutingTable {
	assignments := make(map[types.ShardId]string, shards)
	for i := 0; i < shards; i++ {
		assignments[types.ShardId(i)] = hosts[i%len(hosts)]
	}
	return RoutingTable{Version: version, NumberOfShards: shards, Assignments: assignments}
}

func TestCheckBeforeAnyTable(t *testing.T) {
	r := NewRegistry("h1:9000")
	w := types.WorkerId{ComponentID: types.NewComponentId(), WorkerName: "w"}
	err := r.Check(w)
	assert.True(t, apperror.HasCode(err, apperror.CodeInvalidShardID))
}

func TestCheckAgainstOwnership(t *testing.T) {
	r := NewRegistry("h1:9000")
	r.Update(fullTable(1, 4, "h1:9000", "h2:9000"))

	w := types.WorkerId{ComponentID: types.NewComponentId(), WorkerName: "w"}
	shard := r.ShardOf(w)
	host, err := r.HostFor(w)
	require.NoError(t, err)

	if host == "h1:9000" {
		assert.NoError(t, r.Check(w))
		assert.True(t, r.Owns(shard))
	} else {
		err := r.Check(w)
		assert.True(t, apperror.HasCode(err, apperror.CodeInvalidShardID))
		assert.False(t, r.Owns(shard))
	}
}

func TestStaleUpdateIgnored(t *testing.T) {
	r := NewRegistry("h1:9000")
	assert.True(t, r.Update(fullTable(5, 4, "h1:9000")))
	assert.False(t, r.Update(fullTable(4, 8, "h2:9000")))
	assert.Equal(t, 4, r.Table().NumberOfShards)
	assert.True(t, r.Update(fullTable(6, 8, "h1:9000")))
}

func TestEvictionHandlerReceivesLostShards(t *testing.T) {
	r := NewRegistry("h1:9000")
	var lost []types.ShardId
	r.SetEvictionHandler(func(shards []types.ShardId) {
		lost = append(lost, shards...)
	})

	r.Update(fullTable(1, 4, "h1:9000"))
	require.Empty(t, lost, "first table loses nothing")

	// h2 takes over shards 1 and 3.
	table := fullTable(2, 4, "h1:9000")
	table.Assignments[types.ShardId(1)] = "h2:9000"
	table.Assignments[types.ShardId(3)] = "h2:9000"
	r.Update(table)

	assert.ElementsMatch(t, []types.ShardId{1, 3}, lost)
}

func TestAssignLocalWorkerName(t *testing.T) {
	r := NewRegistry("h1:9000")
	// h1 owns half the shards.
	r.Update(fullTable(1, 8, "h1:9000", "h2:9000"))

	target := types.TargetWorkerId{ComponentID: types.NewComponentId()}
	w, err := r.AssignLocalWorkerName(target, uuid.NewString)
	require.NoError(t, err)
	assert.NotEmpty(t, w.WorkerName)
	assert.NoError(t, r.Check(w), "generated name must hash into an owned shard")

	// A named target passes through untouched.
	named := types.TargetWorkerId{ComponentID: target.ComponentID, WorkerName: "fixed"}
	w, err = r.AssignLocalWorkerName(named, uuid.NewString)
	require.NoError(t, err)
	assert.Equal(t, "fixed", w.WorkerName)
}

func TestTableCloneIsIndependent(t *testing.T) {
	r := NewRegistry("h1:9000")
	r.Update(fullTable(1, 2, "h1:9000"))

	table := r.Table()
	table.Assignments[types.ShardId(0)] = "intruder"
	assert.Equal(t, "h1:9000", r.Table().Assignments[types.ShardId(0)])
}
