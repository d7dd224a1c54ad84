// Package executor wires the durable execution engine together on one
// host: storage, oplog, promises, sharding, the active-worker registry,
// the scheduler and the rpc subsystem.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/golemcloud/golem-sub021/pkg/config"
	"github.com/golemcloud/golem-sub021/pkg/log"
	"github.com/golemcloud/golem-sub021/pkg/oplog"
	"github.com/golemcloud/golem-sub021/pkg/promise"
	"github.com/golemcloud/golem-sub021/pkg/proxy"
	"github.com/golemcloud/golem-sub021/pkg/registry"
	"github.com/golemcloud/golem-sub021/pkg/rpc"
	"github.com/golemcloud/golem-sub021/pkg/runtime"
	"github.com/golemcloud/golem-sub021/pkg/scheduler"
	"github.com/golemcloud/golem-sub021/pkg/sharding"
	"github.com/golemcloud/golem-sub021/pkg/storage"
	"github.com/golemcloud/golem-sub021/pkg/types"
)

// Executor hosts the shards assigned to this process. Global mutable state
// (routing table, active workers) lives behind the service handles built
// here; nothing is ambient.
type Executor struct {
	cfg    *config.Config
	logger zerolog.Logger

	store   storage.Storage
	blobs   storage.BlobStorage
	oplogs  *oplog.Service
	proms   *promise.Service
	sched   *scheduler.Scheduler
	shards  *sharding.Registry
	workers *registry.Registry
	hosts   *runtime.HostRegistry
	rpcSvc  *rpc.Service
	factory runtime.SandboxFactory

	stopArchival chan struct{}
}

// New assembles an executor from configuration. The sandbox factory is
// supplied by the embedding binary; the engine itself never compiles
// components.
func New(cfg *config.Config, factory runtime.SandboxFactory) (*Executor, error) {
	store, blobs, err := buildStorage(cfg)
	if err != nil {
		return nil, err
	}

	e := &Executor{
		cfg:    cfg,
		logger: log.WithComponent("executor"),
		store:  store,
		blobs:  blobs,
		oplogs: oplog.NewService(store.Indexed(), blobs, oplog.Config{
			MaxOperationsBeforeCommit: cfg.Oplog.MaxOperationsBeforeCommit,
			MaxPayloadSize:            cfg.Oplog.MaxPayloadSize,
			ArchiveLayers:             cfg.Oplog.ArchiveLayers,
			ArchiveThreshold:          cfg.Oplog.ArchiveThreshold,
			ArchiveKeep:               cfg.Oplog.ArchiveKeep,
			CompressedLayerThreshold:  cfg.Oplog.CompressedLayerThreshold,
		}),
		proms:        promise.NewService(store.KeyValue()),
		sched:        scheduler.New(store.KeyValue(), cfg.Scheduler.TickInterval),
		shards:       sharding.NewRegistry(cfg.Server.PublicAddr),
		workers:      registry.New(cfg.Limits.MaxActiveWorkers),
		hosts:        runtime.NewHostRegistry(),
		factory:      factory,
		stopArchival: make(chan struct{}),
	}

	proxyClient := proxy.NewClient(cfg.Server.ProxyConnectTimeout)
	e.rpcSvc = rpc.NewService(e.shards, e, proxyClient)
	e.rpcSvc.RegisterHostFunctions(e.hosts)
	e.registerCoreHostFunctions()

	e.proms.SetCompletionHandler(e.onPromiseCompleted)
	e.shards.SetEvictionHandler(e.onShardsLost)
	e.sched.SetHandler(e.onScheduledAction)

	if cfg.Sharding.Standalone {
		e.shards.Update(standaloneTable(cfg))
	}
	return e, nil
}

// buildStorage selects the backends per configuration. Backends providing
// only blobs are paired with the primary backend for the rest.
func buildStorage(cfg *config.Config) (storage.Storage, storage.BlobStorage, error) {
	var store storage.Storage
	switch cfg.Storage.Backend {
	case "memory":
		store = storage.NewMemoryStorage()
	case "bolt":
		bolt, err := storage.NewBoltStorage(cfg.Storage.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bolt storage: %w", err)
		}
		store = bolt
	case "redis":
		redis, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		store = redis
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	switch cfg.Storage.BlobBackend {
	case "":
		return store, store.Blob(), nil
	case "filesystem":
		blobs, err := storage.NewFilesystemBlobStorage(cfg.Storage.DataDir + "/blobs")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create filesystem blob storage: %w", err)
		}
		return store, blobs, nil
	case "s3":
		blobs, err := storage.NewS3BlobStorage(context.Background(), storage.S3Options{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			UseSSL:    cfg.S3.UseSSL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to s3: %w", err)
		}
		return store, blobs, nil
	default:
		return nil, nil, fmt.Errorf("unknown blob backend %q", cfg.Storage.BlobBackend)
	}
}

// standaloneTable assigns every shard to this host; used without an
// external shard manager.
func standaloneTable(cfg *config.Config) sharding.RoutingTable {
	assignments := make(map[types.ShardId]string, cfg.Sharding.NumberOfShards)
	for i := 0; i < cfg.Sharding.NumberOfShards; i++ {
		assignments[types.ShardId(i)] = cfg.Server.PublicAddr
	}
	return sharding.RoutingTable{
		Version:        1,
		NumberOfShards: cfg.Sharding.NumberOfShards,
		Assignments:    assignments,
	}
}

// Start launches the scheduler and background archival.
func (e *Executor) Start() {
	e.sched.Start()
	go e.archivalLoop()
	e.logger.Info().Str("public_addr", e.cfg.Server.PublicAddr).Msg("Executor started")
}

// Close flushes and releases every live worker and shuts services down.
func (e *Executor) Close() error {
	close(e.stopArchival)
	e.sched.Stop()
	ctx := context.Background()
	for _, inst := range e.workers.List() {
		inst.Passivate(ctx)
		e.workers.Remove(inst.WorkerID())
	}
	return e.store.Close()
}

// Shards exposes the routing registry (the api layer feeds shard-manager
// pushes into it).
func (e *Executor) Shards() *sharding.Registry {
	return e.shards
}

// deps bundles the services a worker needs.
func (e *Executor) deps() runtime.Deps {
	return runtime.Deps{
		Oplog:     e.oplogs,
		KV:        e.store.KeyValue(),
		Hosts:     e.hosts,
		Factory:   e.factory,
		Scheduler: e,
		Promises:  e.proms,
		DefaultRetryPolicy: types.RetryPolicy{
			MaxAttempts: e.cfg.Retry.MaxAttempts,
			MinDelay:    e.cfg.Retry.MinDelay,
			MaxDelay:    e.cfg.Retry.MaxDelay,
			Multiplier:  e.cfg.Retry.Multiplier,
		},
	}
}

// ScheduleWake implements runtime.WakeScheduler.
func (e *Executor) ScheduleWake(ctx context.Context, at time.Time, workerID types.WorkerId) error {
	_, err := e.sched.Schedule(ctx, at, workerID, scheduler.ActionResumeSuspended, nil)
	return err
}

// onPromiseCompleted wakes the worker owning a completed promise.
func (e *Executor) onPromiseCompleted(id types.PromiseId) {
	ctx := context.Background()
	if e.shards.Check(id.WorkerID) != nil {
		return
	}
	worker, err := e.activeWorker(ctx, id.WorkerID)
	if err != nil {
		e.logger.Warn().Err(err).Str("worker_id", id.WorkerID.String()).Msg("Could not wake worker for completed promise")
		return
	}
	worker.Wake()
}

// onShardsLost passivates every worker living in a shard this host no
// longer owns. The new owner replays them from the shared oplog.
func (e *Executor) onShardsLost(lost []types.ShardId) {
	ctx := context.Background()
	lostSet := make(map[types.ShardId]bool, len(lost))
	for _, shard := range lost {
		lostSet[shard] = true
	}
	table := e.shards.Table()
	for _, inst := range e.workers.List() {
		shard := types.ShardIdFromWorkerId(inst.WorkerID(), table.NumberOfShards)
		if lostSet[shard] {
			e.logger.Info().
				Str("worker_id", inst.WorkerID().String()).
				Str("shard_id", shard.String()).
				Msg("Evicting worker after shard reassignment")
			inst.Passivate(ctx)
			e.workers.Remove(inst.WorkerID())
		}
	}
}

// onScheduledAction dispatches fired scheduler actions.
func (e *Executor) onScheduledAction(ctx context.Context, action scheduler.Action) {
	switch action.Kind {
	case scheduler.ActionResumeSuspended:
		worker, err := e.activeWorker(ctx, action.WorkerID)
		if err != nil {
			e.logger.Warn().Err(err).Str("worker_id", action.WorkerID.String()).Msg("Could not wake suspended worker")
			return
		}
		worker.Wake()
	case scheduler.ActionExpirePromise:
		var id types.PromiseId
		if err := json.Unmarshal(action.Payload, &id); err != nil {
			return
		}
		if err := e.proms.Delete(ctx, id); err != nil {
			e.logger.Warn().Err(err).Str("promise", id.String()).Msg("Could not expire promise")
		}
	case scheduler.ActionFireInvocation:
		var inv struct {
			Function string               `json:"function"`
			Args     json.RawMessage      `json:"args"`
			Key      types.IdempotencyKey `json:"key"`
		}
		if err := json.Unmarshal(action.Payload, &inv); err != nil {
			return
		}
		if err := e.InvokeLocal(ctx, action.WorkerID, inv.Key, inv.Function, inv.Args); err != nil {
			e.logger.Warn().Err(err).Str("worker_id", action.WorkerID.String()).Msg("Scheduled invocation failed")
		}
	case scheduler.ActionRunArchival:
		if err := e.oplogs.Archive(ctx, action.WorkerID); err != nil {
			e.logger.Warn().Err(err).Str("worker_id", action.WorkerID.String()).Msg("Oplog archival failed")
		}
	}
}

// archivalLoop periodically migrates oplog prefixes of live workers into
// the archive layers.
func (e *Executor) archivalLoop() {
	if e.cfg.Oplog.ArchiveLayers == 0 {
		return
	}
	interval := e.cfg.Scheduler.ArchiveInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			for _, inst := range e.workers.List() {
				if err := e.oplogs.Archive(ctx, inst.WorkerID()); err != nil {
					e.logger.Warn().Err(err).Str("worker_id", inst.WorkerID().String()).Msg("Background archival failed")
				}
			}
		case <-e.stopArchival:
			return
		}
	}
}
