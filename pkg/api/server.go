package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/golemcloud/golem-sub021/pkg/apperror"
	"github.com/golemcloud/golem-sub021/pkg/executor"
	"github.com/golemcloud/golem-sub021/pkg/log"
	"github.com/golemcloud/golem-sub021/pkg/metrics"
)

// Server exposes the worker control plane over HTTP/JSON, plus health and
// metrics endpoints.
type Server struct {
	executor *executor.Executor
	mux      *http.ServeMux
	logger   zerolog.Logger
	server   *http.Server
}

// NewServer creates the control plane server.
func NewServer(exec *executor.Executor) *Server {
	s := &Server{
		executor: exec,
		mux:      http.NewServeMux(),
		logger:   log.WithComponent("api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/workers/{worker}", s.handleCreateWorker)
	s.mux.HandleFunc("DELETE /v1/workers/{worker}", s.handleDeleteWorker)
	s.mux.HandleFunc("POST /v1/workers/{worker}/invoke-and-await", s.handleInvokeAndAwait)
	s.mux.HandleFunc("POST /v1/workers/{worker}/invoke", s.handleInvoke)
	s.mux.HandleFunc("POST /v1/workers/{worker}/interrupt", s.handleInterrupt)
	s.mux.HandleFunc("POST /v1/workers/{worker}/resume", s.handleResume)
	s.mux.HandleFunc("GET /v1/workers/{worker}/oplog", s.handleGetOplog)
	s.mux.HandleFunc("GET /v1/workers/{worker}/oplog/search", s.handleSearchOplog)
	s.mux.HandleFunc("POST /v1/workers/{worker}/fork", s.handleFork)
	s.mux.HandleFunc("POST /v1/workers/{worker}/revert", s.handleRevert)
	s.mux.HandleFunc("POST /v1/workers/{worker}/update", s.handleUpdate)
	s.mux.HandleFunc("GET /v1/workers/{worker}/connect", s.handleConnect)
	s.mux.HandleFunc("POST /v1/workers/{worker}/promises/{index}/complete", s.handleCompletePromise)
	s.mux.HandleFunc("POST /v1/workers/{worker}/cancel", s.handleCancelInvocation)
	s.mux.HandleFunc("POST /v1/workers/{worker}/plugins/{plugin}/activate", s.handleActivatePlugin)
	s.mux.HandleFunc("POST /v1/workers/{worker}/plugins/{plugin}/deactivate", s.handleDeactivatePlugin)
	s.mux.HandleFunc("GET /v1/components/{component}/workers", s.handleFindMetadata)
	s.mux.HandleFunc("POST /v1/routing", s.handleRoutingUpdate)

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ready", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("Control plane listening")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the mux; tests serve it via httptest.
func (s *Server) Handler() http.Handler {
	return s.mux
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps app error codes onto HTTP statuses. InvalidShardId maps
// to 421: the caller holds a stale routing table and must retry elsewhere.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperror.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperror.CodeWorkerNotFound, apperror.CodeNotFound, apperror.CodePromiseNotFound, apperror.CodeInvocationNotFound:
		status = http.StatusNotFound
	case apperror.CodeWorkerAlreadyExists:
		status = http.StatusConflict
	case apperror.CodeInvalidRequest, apperror.CodeInvalidCursor:
		status = http.StatusBadRequest
	case apperror.CodeInvalidShardID:
		status = http.StatusMisdirectedRequest
	case apperror.CodeDenied:
		status = http.StatusForbidden
	case apperror.CodePayloadTooLarge:
		status = http.StatusRequestEntityTooLarge
	case apperror.CodeQuotaExceeded:
		status = http.StatusTooManyRequests
	case apperror.CodeWorkerExited, apperror.CodeWorkerFailed:
		status = http.StatusConflict
	case apperror.CodeProtocolError, apperror.CodeRemoteInternalError:
		status = http.StatusBadGateway
	}
	metrics.APIRequestsTotal.WithLabelValues(r.Method+" "+r.URL.Path, http.StatusText(status)).Inc()
	writeJSON(w, status, errorBody{Code: string(code), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) ok(w http.ResponseWriter, r *http.Request, body any) {
	metrics.APIRequestsTotal.WithLabelValues(r.Method+" "+r.URL.Path, http.StatusText(http.StatusOK)).Inc()
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
