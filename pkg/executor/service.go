package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/golemcloud/golem-sub021/pkg/apperror"
	"github.com/golemcloud/golem-sub021/pkg/events"
	"github.com/golemcloud/golem-sub021/pkg/oplog"
	"github.com/golemcloud/golem-sub021/pkg/registry"
	"github.com/golemcloud/golem-sub021/pkg/runtime"
	"github.com/golemcloud/golem-sub021/pkg/storage"
	"github.com/golemcloud/golem-sub021/pkg/types"
)

const metadataBucket = "worker_metadata"

// activeWorker returns the live instance for a worker, activating (and
// replaying) it when needed. The shard check runs first: operations on
// workers this host does not own fail with InvalidShardId.
func (e *Executor) activeWorker(ctx context.Context, workerID types.WorkerId) (*runtime.Worker, error) {
	return e.workerInstance(ctx, workerID, nil, false)
}

func (e *Executor) workerInstance(ctx context.Context, workerID types.WorkerId, create *runtime.CreateParams, requireFresh bool) (*runtime.Worker, error) {
	if err := e.shards.Check(workerID); err != nil {
		return nil, err
	}
	inst, err := e.workers.GetOrCreate(ctx, workerID, func(ctx context.Context) (registry.Instance, error) {
		w := runtime.NewWorker(workerID, e.deps())
		if err := w.Activate(ctx, create, requireFresh); err != nil {
			return nil, err
		}
		return w, nil
	})
	if err != nil {
		return nil, err
	}
	return inst.(*runtime.Worker), nil
}

// CreateWorker creates a fresh worker. Fails with WorkerAlreadyExists when
// the oplog already contains a create entry.
func (e *Executor) CreateWorker(ctx context.Context, workerID types.WorkerId, params runtime.CreateParams) error {
	if err := e.shards.Check(workerID); err != nil {
		return err
	}
	exists, err := e.oplogs.Exists(ctx, workerID)
	if err != nil {
		return err
	}
	if exists {
		return apperror.Newf(apperror.CodeWorkerAlreadyExists, "worker %s already exists", workerID)
	}
	_, err = e.workerInstance(ctx, workerID, &params, true)
	return err
}

// InvokeAndAwait invokes an exported function and waits for the result. A
// duplicated idempotency key returns the recorded response without
// executing anything.
func (e *Executor) InvokeAndAwait(ctx context.Context, workerID types.WorkerId, key types.IdempotencyKey, function string, args []byte) ([]byte, error) {
	if err := e.checkInvocationSize(args); err != nil {
		return nil, err
	}
	worker, err := e.activeWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	return worker.InvokeAndAwait(ctx, key, function, args)
}

// Invoke is the fire-and-forget variant.
func (e *Executor) Invoke(ctx context.Context, workerID types.WorkerId, key types.IdempotencyKey, function string, args []byte) error {
	if err := e.checkInvocationSize(args); err != nil {
		return err
	}
	worker, err := e.activeWorker(ctx, workerID)
	if err != nil {
		return err
	}
	return worker.Invoke(ctx, key, function, args)
}

func (e *Executor) checkInvocationSize(args []byte) error {
	if max := e.cfg.Limits.MaxInvocationSize; max > 0 && len(args) > max {
		return apperror.Newf(apperror.CodePayloadTooLarge,
			"invocation payload of %d bytes exceeds the %d byte limit", len(args), max)
	}
	return nil
}

// InvokeAndAwaitLocal implements rpc.LocalInvoker.
func (e *Executor) InvokeAndAwaitLocal(ctx context.Context, workerID types.WorkerId, key types.IdempotencyKey, function string, args []byte) ([]byte, error) {
	worker, err := e.activeWorkerOrCreate(ctx, workerID)
	if err != nil {
		return nil, err
	}
	return worker.InvokeAndAwait(ctx, key, function, args)
}

// InvokeLocal implements rpc.LocalInvoker.
func (e *Executor) InvokeLocal(ctx context.Context, workerID types.WorkerId, key types.IdempotencyKey, function string, args []byte) error {
	worker, err := e.activeWorkerOrCreate(ctx, workerID)
	if err != nil {
		return err
	}
	return worker.Invoke(ctx, key, function, args)
}

// activeWorkerOrCreate auto-creates the callee of an rpc edge when it does
// not exist yet, inheriting an empty environment.
func (e *Executor) activeWorkerOrCreate(ctx context.Context, workerID types.WorkerId) (*runtime.Worker, error) {
	worker, err := e.activeWorker(ctx, workerID)
	if err == nil || !apperror.HasCode(err, apperror.CodeWorkerNotFound) {
		return worker, err
	}
	return e.workerInstance(ctx, workerID, &runtime.CreateParams{}, false)
}

// Interrupt interrupts a worker, optionally recovering it immediately.
func (e *Executor) Interrupt(ctx context.Context, workerID types.WorkerId, recover bool) error {
	worker, err := e.activeWorker(ctx, workerID)
	if err != nil {
		return err
	}
	return worker.Interrupt(ctx, recover)
}

// Resume restarts an interrupted worker.
func (e *Executor) Resume(ctx context.Context, workerID types.WorkerId) error {
	worker, err := e.activeWorker(ctx, workerID)
	if err != nil {
		return err
	}
	return worker.Resume(ctx)
}

// Delete removes a worker and every trace of its history.
func (e *Executor) Delete(ctx context.Context, workerID types.WorkerId) error {
	if err := e.shards.Check(workerID); err != nil {
		return err
	}
	if inst, ok := e.workers.Get(workerID); ok {
		inst.Passivate(ctx)
		e.workers.Remove(workerID)
	}
	if err := e.oplogs.Delete(ctx, workerID); err != nil {
		return err
	}
	return e.store.KeyValue().Delete(ctx, metadataBucket, workerID.String())
}

// OplogEntryView is the JSON-friendly projection of one oplog entry.
type OplogEntryView struct {
	Index     types.OplogIndex `json:"index"`
	Timestamp time.Time        `json:"timestamp"`
	Kind      oplog.Kind       `json:"kind"`
	Entry     oplog.Entry      `json:"entry"`
}

func entryViews(entries []oplog.IndexedEntry) []OplogEntryView {
	views := make([]OplogEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, OplogEntryView{
			Index:     e.Index,
			Timestamp: e.At.Time(),
			Kind:      e.Entry.EntryKind(),
			Entry:     e.Entry,
		})
	}
	return views
}

// GetOplog reads a page of a worker's oplog. A fresh scan starts at from;
// a non-zero cursor resumes a previous scan.
func (e *Executor) GetOplog(ctx context.Context, workerID types.WorkerId, from types.OplogIndex, cursor types.ScanCursor, count uint64) ([]OplogEntryView, types.ScanCursor, error) {
	if err := e.shards.Check(workerID); err != nil {
		return nil, types.ScanCursor{}, err
	}
	e.flushIfActive(ctx, workerID)
	if cursor == (types.ScanCursor{}) && from > types.OplogIndexInitial {
		cursor = types.ScanCursor{Offset: uint64(from)}
	}
	entries, next, err := e.oplogs.ReadPage(ctx, workerID, cursor, count)
	if err != nil {
		return nil, types.ScanCursor{}, err
	}
	return entryViews(entries), next, nil
}

// SearchOplog evaluates a query over a worker's oplog with cursor
// pagination.
func (e *Executor) SearchOplog(ctx context.Context, workerID types.WorkerId, query string, cursor types.ScanCursor, count uint64) ([]OplogEntryView, types.ScanCursor, error) {
	if err := e.shards.Check(workerID); err != nil {
		return nil, types.ScanCursor{}, err
	}
	e.flushIfActive(ctx, workerID)
	entries, next, err := e.oplogs.SearchPage(ctx, workerID, query, cursor, count)
	if err != nil {
		return nil, types.ScanCursor{}, err
	}
	return entryViews(entries), next, nil
}

// flushIfActive commits staged entries of a live worker so reads see the
// current tail.
func (e *Executor) flushIfActive(ctx context.Context, workerID types.WorkerId) {
	if inst, ok := e.workers.Get(workerID); ok {
		if w, ok := inst.(*runtime.Worker); ok {
			if err := w.Flush(ctx); err != nil {
				e.logger.Warn().Err(err).Str("worker_id", workerID.String()).Msg("Flush before read failed")
			}
		}
	}
}

// Fork copies oplog entries [1, cutOff] of the source onto a new target
// identity and starts the target from there. Divergence past the cut-off is
// expected; the copied prefix stays byte-identical.
func (e *Executor) Fork(ctx context.Context, source, target types.WorkerId, cutOff types.OplogIndex) error {
	if err := e.shards.Check(source); err != nil {
		return err
	}
	e.flushIfActive(ctx, source)
	if err := e.oplogs.CopyPrefix(ctx, source, target, cutOff); err != nil {
		return err
	}
	// Activate the fork if it landed on this host; a remote owner picks
	// it up on first invocation.
	if e.shards.Check(target) == nil {
		if _, err := e.activeWorker(ctx, target); err != nil {
			return err
		}
	}
	return nil
}

// RevertTarget selects how far a revert rewinds.
type RevertTarget struct {
	// LastOplogIndex keeps entries up to and including this index.
	LastOplogIndex *types.OplogIndex `json:"last_oplog_index,omitempty"`
	// LastInvocations drops the last N invocations instead.
	LastInvocations *uint64 `json:"last_invocations,omitempty"`
}

// Revert invalidates a suffix of the worker's history. It may rescue a
// failed worker.
func (e *Executor) Revert(ctx context.Context, workerID types.WorkerId, target RevertTarget) error {
	worker, err := e.activeWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if err := worker.Flush(ctx); err != nil {
		return err
	}

	var to types.OplogIndex
	switch {
	case target.LastOplogIndex != nil:
		to = *target.LastOplogIndex
	case target.LastInvocations != nil:
		to, err = e.indexBeforeLastInvocations(ctx, workerID, *target.LastInvocations)
		if err != nil {
			return err
		}
	default:
		return apperror.New(apperror.CodeInvalidRequest, "revert target missing")
	}
	return worker.Revert(ctx, to)
}

// indexBeforeLastInvocations finds the index just before the Nth-from-last
// invocation start.
func (e *Executor) indexBeforeLastInvocations(ctx context.Context, workerID types.WorkerId, n uint64) (types.OplogIndex, error) {
	tail := uint64(0)
	if inst, ok := e.workers.Get(workerID); ok {
		tail = uint64(inst.(*runtime.Worker).Metadata().OplogIndex)
	}
	entries, err := e.oplogs.ReadRange(ctx, workerID, types.OplogIndexInitial, tail)
	if err != nil {
		return 0, err
	}
	skipped := make(map[types.OplogIndex]bool)
	for _, entry := range entries {
		if jump, ok := entry.Entry.(*oplog.JumpEntry); ok {
			for i := jump.Start; i < jump.End; i++ {
				skipped[i] = true
			}
		}
	}
	var invocationStarts []types.OplogIndex
	for _, entry := range entries {
		if entry.Entry.EntryKind() == oplog.KindExportedFunctionInvoked && !skipped[entry.Index] {
			invocationStarts = append(invocationStarts, entry.Index)
		}
	}
	if uint64(len(invocationStarts)) < n {
		return 0, apperror.Newf(apperror.CodeInvalidRequest,
			"worker %s has only %d invocations, cannot drop %d", workerID, len(invocationStarts), n)
	}
	return invocationStarts[uint64(len(invocationStarts))-n] - 1, nil
}

// Update schedules a component update applied at the next safe point.
func (e *Executor) Update(ctx context.Context, workerID types.WorkerId, targetRevision uint64, mode types.UpdateMode) error {
	worker, err := e.activeWorker(ctx, workerID)
	if err != nil {
		return err
	}
	return worker.Update(ctx, targetRevision, mode)
}

// Connect subscribes to a worker's event stream. The returned cancel
// function must be called when the consumer goes away.
func (e *Executor) Connect(ctx context.Context, workerID types.WorkerId) (events.Subscriber, func(), error) {
	worker, err := e.activeWorker(ctx, workerID)
	if err != nil {
		return nil, nil, err
	}
	broker := worker.Events()
	sub := broker.Subscribe()
	return sub, func() { broker.Unsubscribe(sub) }, nil
}

// CompletePromise fulfils a promise; returns false when it was already
// complete.
func (e *Executor) CompletePromise(ctx context.Context, id types.PromiseId, payload []byte) (bool, error) {
	if err := e.shards.Check(id.WorkerID); err != nil {
		return false, err
	}
	return e.proms.Complete(ctx, id, payload)
}

// CancelInvocation cancels a pending invocation by idempotency key.
func (e *Executor) CancelInvocation(ctx context.Context, workerID types.WorkerId, key types.IdempotencyKey) (bool, error) {
	worker, err := e.activeWorker(ctx, workerID)
	if err != nil {
		return false, err
	}
	return worker.CancelInvocation(ctx, key)
}

// ActivatePlugin enables a plugin's journaled host functions for a worker.
func (e *Executor) ActivatePlugin(ctx context.Context, workerID types.WorkerId, pluginID string) error {
	worker, err := e.activeWorker(ctx, workerID)
	if err != nil {
		return err
	}
	return worker.ActivatePlugin(ctx, pluginID)
}

// DeactivatePlugin disables a plugin for a worker.
func (e *Executor) DeactivatePlugin(ctx context.Context, workerID types.WorkerId, pluginID string) error {
	worker, err := e.activeWorker(ctx, workerID)
	if err != nil {
		return err
	}
	return worker.DeactivatePlugin(ctx, pluginID)
}

// MetadataFilter narrows FindMetadata results.
type MetadataFilter struct {
	NamePrefix string             `json:"name_prefix,omitempty"`
	Status     types.WorkerStatus `json:"status,omitempty"`
}

// FindMetadata enumerates workers of a component with offset pagination.
// With precise set, metadata of live workers is read from the instances
// instead of the opportunistic records.
func (e *Executor) FindMetadata(ctx context.Context, componentID types.ComponentId, filter MetadataFilter, cursor uint64, count uint64, precise bool) ([]types.WorkerMetadata, uint64, error) {
	keys, err := e.store.KeyValue().Keys(ctx, metadataBucket)
	if err != nil {
		return nil, 0, err
	}
	sort.Strings(keys)

	var all []types.WorkerMetadata
	prefix := componentID.String() + "/"
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		data, err := e.store.KeyValue().Get(ctx, metadataBucket, key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, 0, err
		}
		var meta types.WorkerMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		if precise {
			if inst, ok := e.workers.Get(meta.WorkerID); ok {
				meta = inst.(*runtime.Worker).Metadata()
			}
		}
		if filter.NamePrefix != "" && !strings.HasPrefix(meta.WorkerID.WorkerName, filter.NamePrefix) {
			continue
		}
		if filter.Status != "" && meta.Status != filter.Status {
			continue
		}
		all = append(all, meta)
	}

	if cursor >= uint64(len(all)) {
		return nil, 0, nil
	}
	end := cursor + count
	if count == 0 || end > uint64(len(all)) {
		end = uint64(len(all))
	}
	page := all[cursor:end]
	next := uint64(0)
	if end < uint64(len(all)) {
		next = end
	}
	return page, next, nil
}
