package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/golemcloud/golem-sub021/pkg/apperror"
	"github.com/golemcloud/golem-sub021/pkg/executor"
	"github.com/golemcloud/golem-sub021/pkg/runtime"
	"github.com/golemcloud/golem-sub021/pkg/sharding"
	"github.com/golemcloud/golem-sub021/pkg/types"
)

func (s *Server) workerID(r *http.Request) (types.WorkerId, error) {
	id, err := types.ParseWorkerId(r.PathValue("worker"))
	if err != nil {
		return types.WorkerId{}, apperror.Wrap(apperror.CodeInvalidRequest, "invalid worker id", err)
	}
	return id, nil
}

func decodeBody(r *http.Request, into any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return apperror.Wrap(apperror.CodeInvalidRequest, "undecodable request body", err)
	}
	return nil
}

func queryUint(r *http.Request, name string, fallback uint64) uint64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return value
}

func queryCursor(r *http.Request) types.ScanCursor {
	return types.ScanCursor{
		Layer:  uint32(queryUint(r, "layer", 0)),
		Offset: queryUint(r, "offset", 0),
	}
}

type createWorkerRequest struct {
	ComponentRevision uint64   `json:"component_revision"`
	Env               []string `json:"env,omitempty"`
	Args              []string `json:"args,omitempty"`
	Account           string   `json:"account,omitempty"`
}

func (s *Server) handleCreateWorker(w http.ResponseWriter, r *http.Request) {
	workerID, err := s.workerID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req createWorkerRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	err = s.executor.CreateWorker(r.Context(), workerID, runtime.CreateParams{
		ComponentRevision: req.ComponentRevision,
		Env:               req.Env,
		Args:              req.Args,
		Account:           types.AccountId{Value: req.Account},
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.ok(w, r, map[string]string{"worker_id": workerID.String()})
}

func (s *Server) handleDeleteWorker(w http.ResponseWriter, r *http.Request) {
	workerID, err := s.workerID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.executor.Delete(r.Context(), workerID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.ok(w, r, map[string]bool{"deleted": true})
}

type invokeRequest struct {
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Function       string          `json:"function"`
	Args           json.RawMessage `json:"args"`
}

func (s *Server) handleInvokeAndAwait(w http.ResponseWriter, r *http.Request) {
	workerID, err := s.workerID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req invokeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	response, err := s.executor.InvokeAndAwait(r.Context(), workerID,
		types.NewIdempotencyKey(req.IdempotencyKey), req.Function, req.Args)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.ok(w, r, map[string]json.RawMessage{"response": response})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	workerID, err := s.workerID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req invokeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	err = s.executor.Invoke(r.Context(), workerID,
		types.NewIdempotencyKey(req.IdempotencyKey), req.Function, req.Args)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.ok(w, r, map[string]bool{"enqueued": true})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	workerID, err := s.workerID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		RecoverImmediately bool `json:"recover_immediately"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.executor.Interrupt(r.Context(), workerID, req.RecoverImmediately); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.ok(w, r, map[string]bool{"interrupted": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	workerID, err := s.workerID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.executor.Resume(r.Context(), workerID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.ok(w, r, map[string]bool{"resumed": true})
}

type oplogResponse struct {
	Entries []executor.OplogEntryView `json:"entries"`
	Cursor  *types.ScanCursor         `json:"cursor,omitempty"`
}

func (s *Server) handleGetOplog(w http.ResponseWriter, r *http.Request) {
	workerID, err := s.workerID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, next, err := s.executor.GetOplog(r.Context(), workerID,
		types.OplogIndex(queryUint(r, "from", 1)), queryCursor(r), queryUint(r, "count", 100))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := oplogResponse{Entries: entries}
	if next != (types.ScanCursor{}) {
		resp.Cursor = &next
	}
	s.ok(w, r, resp)
}

func (s *Server) handleSearchOplog(w http.ResponseWriter, r *http.Request) {
	workerID, err := s.workerID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	query := r.URL.Query().Get("query")
	if query == "" {
		s.writeError(w, r, apperror.New(apperror.CodeInvalidRequest, "missing query parameter"))
		return
	}
	entries, next, err := s.executor.SearchOplog(r.Context(), workerID, query, queryCursor(r), queryUint(r, "count", 100))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := oplogResponse{Entries: entries}
	if next != (types.ScanCursor{}) {
		resp.Cursor = &next
	}
	s.ok(w, r, resp)
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	source, err := s.workerID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Target   string           `json:"target"`
		CutOff   types.OplogIndex `json:"cut_off"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	target, err := types.ParseWorkerId(req.Target)
	if err != nil {
		s.writeError(w, r, apperror.Wrap(apperror.CodeInvalidRequest, "invalid fork target", err))
		return
	}
	if err := s.executor.Fork(r.Context(), source, target, req.CutOff); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.ok(w, r, map[string]string{"target": target.String()})
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	workerID, err := s.workerID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var target executor.RevertTarget
	if err := decodeBody(r, &target); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.executor.Revert(r.Context(), workerID, target); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.ok(w, r, map[string]bool{"reverted": true})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	workerID, err := s.workerID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		TargetRevision uint64           `json:"target_revision"`
		Mode           types.UpdateMode `json:"mode"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Mode == "" {
		req.Mode = types.UpdateModeAuto
	}
	if err := s.executor.Update(r.Context(), workerID, req.TargetRevision, req.Mode); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.ok(w, r, map[string]bool{"update_scheduled": true})
}

// handleConnect streams worker events as newline-delimited JSON until the
// client disconnects.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	workerID, err := s.workerID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sub, cancel, err := s.executor.Connect(r.Context(), workerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, apperror.New(apperror.CodeInternal, "streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	encoder := json.NewEncoder(w)
	for {
		select {
		case event, open := <-sub:
			if !open {
				return
			}
			if err := encoder.Encode(event); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleCompletePromise(w http.ResponseWriter, r *http.Request) {
	workerID, err := s.workerID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	index, err := strconv.ParseUint(r.PathValue("index"), 10, 64)
	if err != nil {
		s.writeError(w, r, apperror.Wrap(apperror.CodeInvalidRequest, "invalid oplog index", err))
		return
	}
	var req struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	completed, err := s.executor.CompletePromise(r.Context(), types.PromiseId{
		WorkerID:   workerID,
		OplogIndex: types.OplogIndex(index),
	}, req.Payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.ok(w, r, map[string]bool{"completed": completed})
}

func (s *Server) handleCancelInvocation(w http.ResponseWriter, r *http.Request) {
	workerID, err := s.workerID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	canceled, err := s.executor.CancelInvocation(r.Context(), workerID, types.NewIdempotencyKey(req.IdempotencyKey))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.ok(w, r, map[string]bool{"canceled": canceled})
}

func (s *Server) handleActivatePlugin(w http.ResponseWriter, r *http.Request) {
	workerID, err := s.workerID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.executor.ActivatePlugin(r.Context(), workerID, r.PathValue("plugin")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.ok(w, r, map[string]bool{"activated": true})
}

func (s *Server) handleDeactivatePlugin(w http.ResponseWriter, r *http.Request) {
	workerID, err := s.workerID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.executor.DeactivatePlugin(r.Context(), workerID, r.PathValue("plugin")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.ok(w, r, map[string]bool{"deactivated": true})
}

func (s *Server) handleFindMetadata(w http.ResponseWriter, r *http.Request) {
	componentID, err := types.ParseComponentId(r.PathValue("component"))
	if err != nil {
		s.writeError(w, r, apperror.Wrap(apperror.CodeInvalidRequest, "invalid component id", err))
		return
	}
	filter := executor.MetadataFilter{
		NamePrefix: r.URL.Query().Get("name_prefix"),
		Status:     types.WorkerStatus(r.URL.Query().Get("status")),
	}
	workers, next, err := s.executor.FindMetadata(r.Context(), componentID, filter,
		queryUint(r, "cursor", 0), queryUint(r, "count", 100), r.URL.Query().Get("precise") == "true")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := map[string]any{"workers": workers}
	if next != 0 {
		resp["cursor"] = next
	}
	s.ok(w, r, resp)
}

// handleRoutingUpdate receives routing table pushes from the shard
// manager.
func (s *Server) handleRoutingUpdate(w http.ResponseWriter, r *http.Request) {
	var table sharding.RoutingTable
	if err := decodeBody(r, &table); err != nil {
		s.writeError(w, r, err)
		return
	}
	applied := s.executor.Shards().Update(table)
	s.ok(w, r, map[string]bool{"applied": applied})
}
