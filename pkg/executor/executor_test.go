package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golemcloud/golem-sub021/pkg/apperror"
	"github.com/golemcloud/golem-sub021/pkg/config"
	"github.com/golemcloud/golem-sub021/pkg/oplog"
	"github.com/golemcloud/golem-sub021/pkg/rpc"
	"github.com/golemcloud/golem-sub021/pkg/runtime"
	"github.com/golemcloud/golem-sub021/pkg/sharding"
	"github.com/golemcloud/golem-sub021/pkg/types"
)

func testConfig(publicAddr string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr:          publicAddr,
			PublicAddr:          publicAddr,
			ProxyConnectTimeout: time.Second,
		},
		Storage: config.StorageConfig{Backend: "memory"},
		Oplog: config.OplogConfig{
			MaxOperationsBeforeCommit: 8,
			MaxPayloadSize:            64 * 1024,
			ArchiveLayers:             0,
		},
		Retry: config.RetryConfig{
			MaxAttempts: 3,
			MinDelay:    5 * time.Millisecond,
			MaxDelay:    40 * time.Millisecond,
			Multiplier:  2,
		},
		Sharding:  config.ShardingConfig{Standalone: true, NumberOfShards: 4},
		Scheduler: config.SchedulerConfig{TickInterval: 10 * time.Millisecond},
		Limits:    config.LimitsConfig{MaxActiveWorkers: 64, MaxInvocationSize: 1 << 20},
	}
}

func newTestExecutor(t *testing.T, factory runtime.SandboxFactory) *Executor {
	t.Helper()
	exec, err := New(testConfig("127.0.0.1:0"), factory)
	require.NoError(t, err)
	exec.Start()
	t.Cleanup(func() { _ = exec.Close() })
	return exec
}

func echoFactory(types.WorkerId, uint64, []string, []string) (runtime.Sandbox, error) {
	return runtime.NewFuncSandbox(func(_ context.Context, _ runtime.HostContext, _ string, args []byte) ([]byte, error) {
		return args, nil
	}), nil
}

func TestCreateInvokeDelete(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecutor(t, echoFactory)
	workerID := types.WorkerId{ComponentID: types.NewComponentId(), WorkerName: "w1"}

	require.NoError(t, exec.CreateWorker(ctx, workerID, runtime.CreateParams{ComponentRevision: 1}))

	// Creating again fails.
	err := exec.CreateWorker(ctx, workerID, runtime.CreateParams{})
	assert.True(t, apperror.HasCode(err, apperror.CodeWorkerAlreadyExists))

	response, err := exec.InvokeAndAwait(ctx, workerID, types.NewIdempotencyKey("K"), "echo", []byte(`"hi"`))
	require.NoError(t, err)
	assert.Equal(t, `"hi"`, string(response))

	entries, _, err := exec.GetOplog(ctx, workerID, 1, types.ScanCursor{}, 100)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(entries), 3)
	assert.Equal(t, oplog.KindCreate, entries[0].Kind)

	require.NoError(t, exec.Delete(ctx, workerID))
	_, err = exec.InvokeAndAwait(ctx, workerID, types.NewIdempotencyKey("K2"), "echo", nil)
	assert.True(t, apperror.HasCode(err, apperror.CodeWorkerNotFound))
}

func TestInvocationSizeLimit(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecutor(t, echoFactory)
	exec.cfg.Limits.MaxInvocationSize = 8
	workerID := types.WorkerId{ComponentID: types.NewComponentId(), WorkerName: "w1"}

	err := exec.Invoke(ctx, workerID, types.NewIdempotencyKey("K"), "echo", []byte(`"far too large payload"`))
	assert.True(t, apperror.HasCode(err, apperror.CodePayloadTooLarge))
}

// S2: a fork shares the prefix up to the cut-off byte for byte and then
// diverges; the source is untouched.
func TestForkDivergence(t *testing.T) {
	ctx := context.Background()
	var stamps atomic.Int64
	exec := newTestExecutor(t, func(types.WorkerId, uint64, []string, []string) (runtime.Sandbox, error) {
		return runtime.NewFuncSandbox(func(ctx context.Context, host runtime.HostContext, _ string, args []byte) ([]byte, error) {
			return host.Call(ctx, "test::stamp", args)
		}), nil
	})
	exec.hosts.Register("test::stamp", func(context.Context, *runtime.CallInfo, []byte) ([]byte, error) {
		return json.Marshal(stamps.Add(1))
	})

	componentID := types.NewComponentId()
	source := types.WorkerId{ComponentID: componentID, WorkerName: "w1"}
	target := types.WorkerId{ComponentID: componentID, WorkerName: "w2"}

	require.NoError(t, exec.CreateWorker(ctx, source, runtime.CreateParams{}))
	for i := 0; i < 2; i++ {
		_, err := exec.InvokeAndAwait(ctx, source, types.NewIdempotencyKey(fmt.Sprintf("k%d", i)), "f", []byte(`1`))
		require.NoError(t, err)
	}

	sourceBefore, _, err := exec.GetOplog(ctx, source, 1, types.ScanCursor{}, 100)
	require.NoError(t, err)
	cut := types.OplogIndex(7)
	require.GreaterOrEqual(t, len(sourceBefore), int(cut))

	require.NoError(t, exec.Fork(ctx, source, target, cut))

	// Invoke only the fork.
	_, err = exec.InvokeAndAwait(ctx, target, types.NewIdempotencyKey("fork-only"), "f", []byte(`2`))
	require.NoError(t, err)

	sourceAfter, _, err := exec.GetOplog(ctx, source, 1, types.ScanCursor{}, 100)
	require.NoError(t, err)
	targetEntries, _, err := exec.GetOplog(ctx, target, 1, types.ScanCursor{}, 100)
	require.NoError(t, err)

	// Shared prefix is identical, including timestamps.
	for i := 0; i < int(cut); i++ {
		assert.Equal(t, sourceBefore[i].Index, targetEntries[i].Index)
		assert.Equal(t, sourceBefore[i].Timestamp, targetEntries[i].Timestamp)
		assert.Equal(t, sourceBefore[i].Entry, targetEntries[i].Entry)
	}

	// The fork diverged past the cut.
	var forkInvoked bool
	for _, e := range targetEntries[cut:] {
		if inv, ok := e.Entry.(*oplog.ExportedFunctionInvokedEntry); ok && inv.IdempotencyKey.Value == "fork-only" {
			forkInvoked = true
		}
	}
	assert.True(t, forkInvoked)

	// The source is unchanged.
	require.Len(t, sourceAfter, len(sourceBefore))
	for i := range sourceBefore {
		assert.Equal(t, sourceBefore[i].Entry, sourceAfter[i].Entry)
	}
}

// workerNameInShards searches for a worker name whose shard lies in the
// wanted set under the given table size.
func workerNameInShards(componentID types.ComponentId, shards int, wanted map[types.ShardId]bool) string {
	for i := 0; ; i++ {
		name := fmt.Sprintf("worker-%d", i)
		shard := types.ShardIdFromWorkerId(types.WorkerId{ComponentID: componentID, WorkerName: name}, shards)
		if wanted[shard] {
			return name
		}
	}
}

// S5: a worker on one host calls a worker on another host; the outbound
// call is journaled by the caller, a full invocation record appears at the
// callee, and replaying the caller never re-issues the call.
func TestCrossShardRPC(t *testing.T) {
	ctx := context.Background()
	componentID := types.NewComponentId()

	// Listeners first: the routing table needs real addresses.
	ln1, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln2, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr1, addr2 := ln1.Addr().String(), ln2.Addr().String()

	table := sharding.RoutingTable{
		Version:        1,
		NumberOfShards: 4,
		Assignments: map[types.ShardId]string{
			0: addr1, 1: addr1, 2: addr2, 3: addr2,
		},
	}
	nameA := workerNameInShards(componentID, 4, map[types.ShardId]bool{0: true, 1: true})
	nameB := workerNameInShards(componentID, 4, map[types.ShardId]bool{2: true, 3: true})
	workerA := types.WorkerId{ComponentID: componentID, WorkerName: nameA}
	workerB := types.WorkerId{ComponentID: componentID, WorkerName: nameB}

	var calleeRuns atomic.Int32

	// Host 1 runs the caller guest.
	cfg1 := testConfig(addr1)
	cfg1.Sharding.Standalone = false
	exec1, err := New(cfg1, func(types.WorkerId, uint64, []string, []string) (runtime.Sandbox, error) {
		return runtime.NewFuncSandbox(func(ctx context.Context, host runtime.HostContext, _ string, args []byte) ([]byte, error) {
			request, err := json.Marshal(rpc.Request{
				Target:   types.TargetWorkerId{ComponentID: workerB.ComponentID, WorkerName: workerB.WorkerName},
				Function: "echo",
				Args:     args,
			})
			if err != nil {
				return nil, err
			}
			return host.Call(ctx, rpc.HostFnInvokeAndAwait, request)
		}), nil
	})
	require.NoError(t, err)
	exec1.Start()
	t.Cleanup(func() { _ = exec1.Close() })

	// Host 2 runs the callee guest.
	cfg2 := testConfig(addr2)
	cfg2.Sharding.Standalone = false
	exec2, err := New(cfg2, func(types.WorkerId, uint64, []string, []string) (runtime.Sandbox, error) {
		return runtime.NewFuncSandbox(func(_ context.Context, _ runtime.HostContext, _ string, args []byte) ([]byte, error) {
			calleeRuns.Add(1)
			return args, nil
		}), nil
	})
	require.NoError(t, err)
	exec2.Start()
	t.Cleanup(func() { _ = exec2.Close() })

	exec1.Shards().Update(table)
	exec2.Shards().Update(table)

	// Serve both control planes over the pre-bound listeners. The api
	// package cannot be imported here (it depends on executor), so the
	// raw invoke endpoints are mounted inline.
	serve := func(ln net.Listener, exec *Executor) {
		mux := http.NewServeMux()
		mux.HandleFunc("POST /v1/workers/{worker}/invoke-and-await", func(w http.ResponseWriter, r *http.Request) {
			workerID, err := types.ParseWorkerId(r.PathValue("worker"))
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			var req struct {
				IdempotencyKey string          `json:"idempotency_key"`
				Function       string          `json:"function"`
				Args           json.RawMessage `json:"args"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			response, err := exec.InvokeAndAwait(r.Context(), workerID,
				types.NewIdempotencyKey(req.IdempotencyKey), req.Function, req.Args)
			if err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]string{"code": string(apperror.CodeOf(err)), "message": err.Error()})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]json.RawMessage{"response": response})
		})
		server := &http.Server{Handler: mux}
		go func() { _ = server.Serve(ln) }()
		t.Cleanup(func() { _ = server.Close() })
	}
	serve(ln1, exec1)
	serve(ln2, exec2)

	require.NoError(t, exec1.CreateWorker(ctx, workerA, runtime.CreateParams{}))

	response, err := exec1.InvokeAndAwait(ctx, workerA, types.NewIdempotencyKey("K"), "call-b", []byte(`"ping"`))
	require.NoError(t, err)

	var wrapped rpc.Response
	require.NoError(t, json.Unmarshal(response, &wrapped))
	assert.Equal(t, `"ping"`, string(wrapped.Response))
	assert.Equal(t, int32(1), calleeRuns.Load())

	// The outbound call is journaled in A's oplog.
	entriesA, _, err := exec1.GetOplog(ctx, workerA, 1, types.ScanCursor{}, 100)
	require.NoError(t, err)
	var rpcCallIndex types.OplogIndex
	for _, e := range entriesA {
		if hc, ok := e.Entry.(*oplog.HostCallEntry); ok && hc.FunctionName == rpc.HostFnInvokeAndAwait {
			rpcCallIndex = e.Index
		}
	}
	require.NotZero(t, rpcCallIndex)

	// A complete invocation record exists on host 2 under the derived
	// key.
	expectedKey := types.DerivedIdempotencyKey(types.NewIdempotencyKey("K"), rpcCallIndex)
	entriesB, _, err := exec2.GetOplog(ctx, workerB, 1, types.ScanCursor{}, 100)
	require.NoError(t, err)
	var calleeInvoked, calleeCompleted bool
	for _, e := range entriesB {
		if inv, ok := e.Entry.(*oplog.ExportedFunctionInvokedEntry); ok {
			assert.Equal(t, expectedKey.Value, inv.IdempotencyKey.Value)
			calleeInvoked = true
		}
		if e.Kind == oplog.KindExportedFunctionCompleted {
			calleeCompleted = true
		}
	}
	assert.True(t, calleeInvoked)
	assert.True(t, calleeCompleted)

	// Replay A (interrupt + resume rebuilds the sandbox and replays the
	// whole history): the call to B must be served from A's oplog.
	require.NoError(t, exec1.Interrupt(ctx, workerA, true))
	_, err = exec1.InvokeAndAwait(ctx, workerA, types.NewIdempotencyKey("K2"), "call-b", []byte(`"pong"`))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calleeRuns.Load(),
		"replaying A re-issues nothing; only the new invocation reaches B")
}

func TestInvalidShardRejected(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig("127.0.0.1:41000")
	cfg.Sharding.Standalone = false
	exec, err := New(cfg, echoFactory)
	require.NoError(t, err)
	t.Cleanup(func() { _ = exec.Close() })

	// Every shard belongs to another host.
	exec.Shards().Update(sharding.RoutingTable{
		Version:        1,
		NumberOfShards: 2,
		Assignments: map[types.ShardId]string{
			0: "elsewhere:9006", 1: "elsewhere:9006",
		},
	})

	workerID := types.WorkerId{ComponentID: types.NewComponentId(), WorkerName: "w"}
	err = exec.CreateWorker(ctx, workerID, runtime.CreateParams{})
	assert.True(t, apperror.HasCode(err, apperror.CodeInvalidShardID))
}

// Guest key-value storage is journaled like any other host call and thus
// replays without touching the store again.
func TestGuestKeyValueHostFunctions(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecutor(t, func(types.WorkerId, uint64, []string, []string) (runtime.Sandbox, error) {
		return runtime.NewFuncSandbox(func(ctx context.Context, host runtime.HostContext, function string, args []byte) ([]byte, error) {
			switch function {
			case "put":
				return host.Call(ctx, "golem::keyvalue::set", []byte(`{"bucket":"b","key":"k","value":"v1"}`))
			case "get":
				return host.Call(ctx, "golem::keyvalue::get", []byte(`{"bucket":"b","key":"k"}`))
			default:
				return host.Call(ctx, "golem::keyvalue::get", []byte(`{"bucket":"b","key":"missing"}`))
			}
		}), nil
	})

	workerID := types.WorkerId{ComponentID: types.NewComponentId(), WorkerName: "w1"}
	require.NoError(t, exec.CreateWorker(ctx, workerID, runtime.CreateParams{}))

	_, err := exec.InvokeAndAwait(ctx, workerID, types.NewIdempotencyKey("a"), "put", nil)
	require.NoError(t, err)

	response, err := exec.InvokeAndAwait(ctx, workerID, types.NewIdempotencyKey("b"), "get", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"found":true,"value":"v1"}`, string(response))

	response, err = exec.InvokeAndAwait(ctx, workerID, types.NewIdempotencyKey("c"), "get-missing", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"found":false}`, string(response))
}

func TestFindMetadata(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecutor(t, echoFactory)
	componentID := types.NewComponentId()

	for _, name := range []string{"alpha-1", "alpha-2", "beta-1"} {
		workerID := types.WorkerId{ComponentID: componentID, WorkerName: name}
		require.NoError(t, exec.CreateWorker(ctx, workerID, runtime.CreateParams{ComponentRevision: 3}))
	}

	// Metadata is persisted opportunistically by the run loops.
	require.Eventually(t, func() bool {
		all, _, err := exec.FindMetadata(ctx, componentID, MetadataFilter{}, 0, 100, false)
		return err == nil && len(all) == 3
	}, 2*time.Second, 10*time.Millisecond)

	alphas, _, err := exec.FindMetadata(ctx, componentID, MetadataFilter{NamePrefix: "alpha-"}, 0, 100, false)
	require.NoError(t, err)
	assert.Len(t, alphas, 2)

	// Offset pagination.
	page, next, err := exec.FindMetadata(ctx, componentID, MetadataFilter{}, 0, 2, false)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.Equal(t, uint64(2), next)
	page, next, err = exec.FindMetadata(ctx, componentID, MetadataFilter{}, next, 2, false)
	require.NoError(t, err)
	assert.Len(t, page, 1)
	assert.Zero(t, next)

	// Another component sees nothing.
	other, _, err := exec.FindMetadata(ctx, types.NewComponentId(), MetadataFilter{}, 0, 100, false)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestRevertLastInvocations(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecutor(t, echoFactory)
	workerID := types.WorkerId{ComponentID: types.NewComponentId(), WorkerName: "w1"}
	require.NoError(t, exec.CreateWorker(ctx, workerID, runtime.CreateParams{}))

	for i := 0; i < 3; i++ {
		_, err := exec.InvokeAndAwait(ctx, workerID, types.NewIdempotencyKey(fmt.Sprintf("k%d", i)), "echo", []byte(`1`))
		require.NoError(t, err)
	}

	n := uint64(2)
	require.NoError(t, exec.Revert(ctx, workerID, RevertTarget{LastInvocations: &n}))

	// The dropped invocations re-execute when asked again; the first is
	// still cached from the log.
	entries, _, err := exec.GetOplog(ctx, workerID, 1, types.ScanCursor{}, 1000)
	require.NoError(t, err)
	var jumps int
	for _, e := range entries {
		if e.Kind == oplog.KindJump {
			jumps++
		}
	}
	assert.Equal(t, 1, jumps)
}
