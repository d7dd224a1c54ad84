// Package rpc implements typed worker-to-worker invocation with at-most-once
// semantics via derived idempotency keys.
package rpc

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/golemcloud/golem-sub021/pkg/apperror"
	"github.com/golemcloud/golem-sub021/pkg/log"
	"github.com/golemcloud/golem-sub021/pkg/metrics"
	"github.com/golemcloud/golem-sub021/pkg/proxy"
	"github.com/golemcloud/golem-sub021/pkg/runtime"
	"github.com/golemcloud/golem-sub021/pkg/sharding"
	"github.com/golemcloud/golem-sub021/pkg/types"
)

// Host function names the rpc service registers.
const (
	HostFnInvokeAndAwait = "golem::rpc::invoke-and-await"
	HostFnInvoke         = "golem::rpc::invoke"
)

// LocalInvoker dispatches to workers hosted on this executor. Implemented
// by the executor; kept narrow so the rpc service never reaches into
// worker internals.
type LocalInvoker interface {
	InvokeAndAwaitLocal(ctx context.Context, workerID types.WorkerId, key types.IdempotencyKey, function string, args []byte) ([]byte, error)
	InvokeLocal(ctx context.Context, workerID types.WorkerId, key types.IdempotencyKey, function string, args []byte) error
}

// Request is the host-call payload of an outbound worker-to-worker call.
type Request struct {
	Target   types.TargetWorkerId `json:"target"`
	Function string               `json:"function"`
	Args     json.RawMessage      `json:"args"`
}

// Response wraps the callee's result.
type Response struct {
	Response json.RawMessage `json:"response"`
}

// Service routes worker-to-worker calls: a local short-circuit when the
// callee's shard is owned by this host, the worker proxy otherwise. The
// call itself is journaled as a host call in the caller's oplog, so replay
// serves the recorded result and never re-issues the call.
type Service struct {
	registry *sharding.Registry
	local    LocalInvoker
	proxy    *proxy.Client
	logger   zerolog.Logger
}

// NewService creates the rpc service.
func NewService(registry *sharding.Registry, local LocalInvoker, proxyClient *proxy.Client) *Service {
	return &Service{
		registry: registry,
		local:    local,
		proxy:    proxyClient,
		logger:   log.WithComponent("rpc"),
	}
}

// RegisterHostFunctions wires the rpc host calls into the runtime's host
// registry.
func (s *Service) RegisterHostFunctions(hosts *runtime.HostRegistry) {
	hosts.Register(HostFnInvokeAndAwait, s.invokeAndAwaitHostFn)
	hosts.Register(HostFnInvoke, s.invokeHostFn)
}

func (s *Service) invokeAndAwaitHostFn(ctx context.Context, call *runtime.CallInfo, request []byte) ([]byte, error) {
	req, target, err := s.prepare(call, request)
	if err != nil {
		return nil, err
	}
	// The derived key is a pure function of the caller's key and oplog
	// index: a replayed caller regenerates it and the callee answers from
	// its own oplog instead of re-executing.
	key := call.DerivedKey()

	var response []byte
	if s.registry.Check(target) == nil {
		metrics.RpcCallsTotal.WithLabelValues("local").Inc()
		response, err = s.local.InvokeAndAwaitLocal(ctx, target, key, req.Function, req.Args)
	} else {
		host, hostErr := s.registry.HostFor(target)
		if hostErr != nil {
			return nil, hostErr
		}
		metrics.RpcCallsTotal.WithLabelValues("remote").Inc()
		response, err = s.proxy.InvokeAndAwait(ctx, host, target, key, req.Function, req.Args)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(Response{Response: response})
}

func (s *Service) invokeHostFn(ctx context.Context, call *runtime.CallInfo, request []byte) ([]byte, error) {
	req, target, err := s.prepare(call, request)
	if err != nil {
		return nil, err
	}
	key := call.DerivedKey()

	if s.registry.Check(target) == nil {
		metrics.RpcCallsTotal.WithLabelValues("local").Inc()
		err = s.local.InvokeLocal(ctx, target, key, req.Function, req.Args)
	} else {
		host, hostErr := s.registry.HostFor(target)
		if hostErr != nil {
			return nil, hostErr
		}
		metrics.RpcCallsTotal.WithLabelValues("remote").Inc()
		err = s.proxy.Invoke(ctx, host, target, key, req.Function, req.Args)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(Response{})
}

// prepare decodes the request and resolves the target identity. A nameless
// target gets a generated name hashing into a shard this host owns, so the
// new worker is created locally.
func (s *Service) prepare(call *runtime.CallInfo, request []byte) (*Request, types.WorkerId, error) {
	var req Request
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, types.WorkerId{}, apperror.Wrap(apperror.CodeInvalidRequest, "undecodable rpc request", err)
	}
	if req.Function == "" {
		return nil, types.WorkerId{}, apperror.New(apperror.CodeInvalidRequest, "rpc request without function name")
	}
	if req.Target.HasName() {
		return &req, req.Target.WorkerId(), nil
	}
	target, err := s.registry.AssignLocalWorkerName(req.Target, uuid.NewString)
	if err != nil {
		return nil, types.WorkerId{}, err
	}
	s.logger.Debug().
		Str("caller", call.WorkerID.String()).
		Str("target", target.String()).
		Msg("Resolved ephemeral rpc target")
	return &req, target, nil
}
