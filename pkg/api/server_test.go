package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golemcloud/golem-sub021/pkg/config"
	"github.com/golemcloud/golem-sub021/pkg/executor"
	"github.com/golemcloud/golem-sub021/pkg/runtime"
	"github.com/golemcloud/golem-sub021/pkg/types"
)

func testServer(t *testing.T) (*httptest.Server, *executor.Executor) {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{
			PublicAddr:          "127.0.0.1:0",
			ProxyConnectTimeout: time.Second,
		},
		Storage: config.StorageConfig{Backend: "memory"},
		Oplog: config.OplogConfig{
			MaxOperationsBeforeCommit: 8,
			MaxPayloadSize:            64 * 1024,
		},
		Retry: config.RetryConfig{
			MaxAttempts: 2,
			MinDelay:    5 * time.Millisecond,
			MaxDelay:    20 * time.Millisecond,
			Multiplier:  2,
		},
		Sharding:  config.ShardingConfig{Standalone: true, NumberOfShards: 4},
		Scheduler: config.SchedulerConfig{TickInterval: 10 * time.Millisecond},
		Limits:    config.LimitsConfig{MaxActiveWorkers: 16, MaxInvocationSize: 1 << 20},
	}
	exec, err := executor.New(cfg, runtime.EchoSandboxFactory)
	require.NoError(t, err)
	exec.Start()
	t.Cleanup(func() { _ = exec.Close() })

	server := httptest.NewServer(NewServer(exec).Handler())
	t.Cleanup(server.Close)
	return server, exec
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader([]byte(`{}`))
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestWorkerLifecycleOverHTTP(t *testing.T) {
	server, _ := testServer(t)
	workerID := types.WorkerId{ComponentID: types.NewComponentId(), WorkerName: "w1"}
	base := server.URL + "/v1/workers/" + workerID.ComponentID.String() + "%2F" + workerID.WorkerName

	// Create
	resp, _ := doJSON(t, http.MethodPost, base, map[string]any{"component_revision": 1})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Duplicate create conflicts
	resp, body := doJSON(t, http.MethodPost, base, map[string]any{"component_revision": 1})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body["code"]), "WORKER_ALREADY_EXISTS")

	// Invoke and await
	resp, body = doJSON(t, http.MethodPost, base+"/invoke-and-await", map[string]any{
		"idempotency_key": "K",
		"function":        "echo",
		"args":            json.RawMessage(`{"x":1}`),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"x":1}`, string(body["response"]))

	// Oplog read shows the journaled invocation
	resp, body = doJSON(t, http.MethodGet, base+"/oplog?count=50", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []map[string]any
	require.NoError(t, json.Unmarshal(body["entries"], &entries))
	kinds := make([]string, 0, len(entries))
	for _, e := range entries {
		kinds = append(kinds, e["kind"].(string))
	}
	assert.Contains(t, kinds, "create")
	assert.Contains(t, kinds, "exported-function-invoked")
	assert.Contains(t, kinds, "exported-function-completed")

	// Oplog search
	resp, body = doJSON(t, http.MethodGet, base+"/oplog/search?query=exported-function&count=50", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body["entries"], &entries))
	assert.Len(t, entries, 2)

	// Cancel of an unknown invocation reports false
	resp, body = doJSON(t, http.MethodPost, base+"/cancel", map[string]any{"idempotency_key": "nope"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "false", string(body["canceled"]))

	// Delete
	resp, _ = doJSON(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Gone afterwards
	resp, _ = doJSON(t, http.MethodPost, base+"/invoke-and-await", map[string]any{"function": "echo", "args": json.RawMessage(`1`)})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestErrorMapping(t *testing.T) {
	server, _ := testServer(t)

	// Invalid worker id
	resp, _ := doJSON(t, http.MethodPost, server.URL+"/v1/workers/not-a-worker/invoke", map[string]any{"function": "f"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Unknown promise completion
	workerID := types.WorkerId{ComponentID: types.NewComponentId(), WorkerName: "w"}
	base := server.URL + "/v1/workers/" + workerID.ComponentID.String() + "%2F" + workerID.WorkerName
	doJSON(t, http.MethodPost, base, map[string]any{})
	resp, _ = doJSON(t, http.MethodPost, base+"/promises/99/complete", map[string]any{"payload": "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRoutingUpdateEndpoint(t *testing.T) {
	server, exec := testServer(t)

	table := map[string]any{
		"version":          7,
		"number_of_shards": 2,
		"assignments":      map[string]string{"0": "h1:9000", "1": "h1:9000"},
	}
	resp, body := doJSON(t, http.MethodPost, server.URL+"/v1/routing", table)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", string(body["applied"]))
	assert.Equal(t, uint64(7), exec.Shards().Table().Version)

	// Stale version is ignored
	table["version"] = 3
	resp, body = doJSON(t, http.MethodPost, server.URL+"/v1/routing", table)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "false", string(body["applied"]))
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	server, _ := testServer(t)

	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(server.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFindMetadataEndpoint(t *testing.T) {
	server, _ := testServer(t)
	componentID := types.NewComponentId()

	for i := 0; i < 2; i++ {
		base := fmt.Sprintf("%s/v1/workers/%s%%2Fw%d", server.URL, componentID, i)
		resp, _ := doJSON(t, http.MethodPost, base, map[string]any{})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	require.Eventually(t, func() bool {
		resp, body := doJSON(t, http.MethodGet,
			server.URL+"/v1/components/"+componentID.String()+"/workers", nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var workers []types.WorkerMetadata
		if err := json.Unmarshal(body["workers"], &workers); err != nil {
			return false
		}
		return len(workers) == 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRoutingTableJSONShape(t *testing.T) {
	// ShardId keys must survive a JSON round trip for the push endpoint.
	raw := []byte(`{"version":1,"number_of_shards":2,"assignments":{"0":"a","1":"b"}}`)
	var table struct {
		Version        uint64                   `json:"version"`
		NumberOfShards int                      `json:"number_of_shards"`
		Assignments    map[types.ShardId]string `json:"assignments"`
	}
	require.NoError(t, json.Unmarshal(raw, &table))
	assert.Equal(t, "a", table.Assignments[types.ShardId(0)])
}
