package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/golemcloud/golem-sub021/pkg/apperror"
	"github.com/golemcloud/golem-sub021/pkg/events"
	"github.com/golemcloud/golem-sub021/pkg/log"
	"github.com/golemcloud/golem-sub021/pkg/metrics"
	"github.com/golemcloud/golem-sub021/pkg/oplog"
	"github.com/golemcloud/golem-sub021/pkg/promise"
	"github.com/golemcloud/golem-sub021/pkg/storage"
	"github.com/golemcloud/golem-sub021/pkg/types"
)

const metadataBucket = "worker_metadata"

// WakeScheduler registers time-based wake-ups for suspended workers.
type WakeScheduler interface {
	ScheduleWake(ctx context.Context, at time.Time, workerID types.WorkerId) error
}

// Deps are the services a worker needs; they are passed explicitly at
// construction, never ambient.
type Deps struct {
	Oplog     *oplog.Service
	KV        storage.KeyValueStorage
	Hosts     *HostRegistry
	Factory   SandboxFactory
	Scheduler WakeScheduler
	Promises  *promise.Service

	DefaultRetryPolicy types.RetryPolicy
}

// CreateParams are the creation-time parameters journaled in the Create
// entry.
type CreateParams struct {
	ComponentRevision uint64
	Env               []string
	Args              []string
	Account           types.AccountId
}

// Worker is one durable worker hosted by this executor: the state machine
// around a sandbox, journaling every non-deterministic event and replaying
// the journal on activation.
//
// Execution is single-threaded cooperative: the run loop is the only
// goroutine that touches the sandbox. Everything else communicates through
// the queue and the worker mutex.
type Worker struct {
	id     types.WorkerId
	deps   Deps
	logger zerolog.Logger
	broker *events.Broker

	mu          sync.Mutex
	status      types.WorkerStatus
	retryPolicy types.RetryPolicy
	persistence types.PersistenceLevel
	plugins     map[string]bool
	failures    uint32
	interrupted bool

	queue   []pendingInvocation
	results map[string]invocationResult
	waiters map[string][]chan invocationResult

	pendingUpdates []oplog.PendingUpdateEntry
	revision       uint64
	env            []string
	args           []string

	olog    *oplog.Oplog
	sandbox Sandbox
	replay  *replayState
	atomic  []types.OplogIndex

	currentKey types.IdempotencyKey
	restart    bool

	wakeCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type invocationResult struct {
	response []byte
	err      error
}

// NewWorker constructs the in-memory instance. Activate must be called
// before use.
func NewWorker(id types.WorkerId, deps Deps) *Worker {
	return &Worker{
		id:          id,
		deps:        deps,
		logger:      log.WithWorkerID(id.String()),
		broker:      events.NewBroker(),
		status:      types.WorkerStatusIdle,
		retryPolicy: deps.DefaultRetryPolicy,
		persistence: types.PersistRemoteSideEffects,
		plugins:     make(map[string]bool),
		results:     make(map[string]invocationResult),
		waiters:     make(map[string][]chan invocationResult),
		wakeCh:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// WorkerID returns the worker identity.
func (w *Worker) WorkerID() types.WorkerId {
	return w.id
}

// Events returns the worker's event bus for Connect streams.
func (w *Worker) Events() *events.Broker {
	return w.broker
}

// Status returns the current lifecycle state.
func (w *Worker) Status() types.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Activate opens the oplog and reconstructs state. When create is non-nil
// and no oplog exists, a fresh worker is created; when create is nil the
// oplog must already exist. An existing oplog with create non-nil fails
// with WorkerAlreadyExists only if requireFresh is set.
func (w *Worker) Activate(ctx context.Context, create *CreateParams, requireFresh bool) error {
	o, err := w.deps.Oplog.Open(ctx, w.id)
	if err != nil {
		return err
	}
	w.olog = o

	if o.CommittedIndex() == types.OplogIndexNone {
		if create == nil {
			w.deps.Oplog.Release(w.id)
			return apperror.Newf(apperror.CodeWorkerNotFound, "worker %s does not exist", w.id)
		}
		if _, err := o.Append(ctx, &oplog.CreateEntry{
			WorkerID:          w.id,
			ComponentRevision: create.ComponentRevision,
			Env:               create.Env,
			Args:              create.Args,
			Account:           create.Account,
		}); err != nil {
			return err
		}
		if err := o.Commit(ctx); err != nil {
			return err
		}
	} else if create != nil && requireFresh {
		w.deps.Oplog.Release(w.id)
		return apperror.Newf(apperror.CodeWorkerAlreadyExists, "worker %s already exists", w.id)
	}

	if err := w.loadHistory(ctx); err != nil {
		return err
	}

	go w.run()
	return nil
}

// loadHistory reads the committed log and primes in-memory state. Called on
// activation and after every sandbox teardown (retry, resume, revert).
func (w *Worker) loadHistory(ctx context.Context) error {
	entries, err := w.olog.ReadAll(ctx)
	if err != nil {
		return err
	}
	history, err := buildHistory(ctx, w.deps.Oplog, w.id, entries)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.revision = history.revision
	w.env = history.create.Env
	w.args = history.create.Args
	w.persistence = history.persistence
	w.plugins = history.plugins
	w.failures = history.failures
	if history.retryPolicy != nil {
		w.retryPolicy = *history.retryPolicy
	} else {
		w.retryPolicy = w.deps.DefaultRetryPolicy
	}
	for key, response := range history.completed {
		data, err := w.deps.Oplog.ResolvePayload(ctx, w.id, response)
		if err != nil {
			return err
		}
		w.results[key] = invocationResult{response: data}
	}
	// Journaled-but-undispatched invocations go back on the queue, ahead
	// of anything enqueued after activation.
	queued := make(map[string]bool, len(w.queue))
	for _, p := range w.queue {
		queued[p.key.Value] = true
	}
	requeue := make([]pendingInvocation, 0, len(history.pendingLog))
	for _, p := range history.pendingLog {
		if _, done := w.results[p.key.Value]; done || queued[p.key.Value] {
			continue
		}
		requeue = append(requeue, p)
	}
	w.queue = append(requeue, w.queue...)
	w.pendingUpdates = history.pendingUpdates
	w.replay = newReplayState(entries)
	if history.exited {
		w.status = types.WorkerStatusExited
	}
	return nil
}

// run is the worker's single execution goroutine: replay, then serve the
// queue; park on suspension, retry after backoff, stop on terminal states.
func (w *Worker) run() {
	defer close(w.done)
	ctx := context.Background()

	for {
		outcome := w.runCycle(ctx)
		switch outcome {
		case cycleStopped, cycleFailed, cycleExited:
			return
		case cycleRestart:
			// Immediately re-enter with freshly loaded history.
		case cycleSuspended, cycleInterrupted:
			for parked := true; parked; {
				select {
				case <-w.wakeCh:
					// A stale wake token must not resume an
					// interrupted worker; only Resume clears the flag.
					parked = outcome == cycleInterrupted && w.isInterrupted()
				case <-w.stopCh:
					return
				}
			}
		case cycleRetry:
			w.mu.Lock()
			delay := w.retryPolicy.DelayFor(w.failures)
			w.mu.Unlock()
			metrics.RetriesTotal.Inc()
			select {
			case <-time.After(delay):
			case <-w.stopCh:
				return
			}
		}
	}
}

type cycleOutcome int

const (
	cycleStopped cycleOutcome = iota
	cycleSuspended
	cycleInterrupted
	cycleRetry
	cycleFailed
	cycleExited
	cycleRestart
)

// runCycle builds a fresh sandbox, replays the oplog, then serves live
// invocations until something parks or stops the worker.
func (w *Worker) runCycle(ctx context.Context) cycleOutcome {
	w.mu.Lock()
	if w.status == types.WorkerStatusExited {
		w.mu.Unlock()
		return cycleExited
	}
	if w.status == types.WorkerStatusFailed {
		w.mu.Unlock()
		return cycleStopped
	}
	w.interrupted = false
	w.restart = false
	w.atomic = nil
	w.mu.Unlock()

	if err := w.loadHistory(ctx); err != nil {
		w.failWorker(ctx, err)
		return cycleFailed
	}

	sandbox, err := w.deps.Factory(w.id, w.revision, w.env, w.args)
	if err != nil {
		w.failWorker(ctx, err)
		return cycleFailed
	}
	w.sandbox = sandbox
	defer func() {
		sandbox.Close()
		w.sandbox = nil
	}()

	if w.replay.active() {
		metrics.ReplaysTotal.Inc()
	}

	// Replay phase: re-execute journaled invocations against the fresh
	// sandbox. Host calls are served from the log; reaching the tail
	// mid-invocation switches to live execution seamlessly.
	for {
		invoked := w.peekReplayInvocation()
		if invoked == nil {
			break
		}
		outcome, terminal := w.executeInvocation(ctx, invoked.entry, invoked.index, true)
		if terminal {
			return outcome
		}
	}

	// Live phase: apply any safe-point work, then serve the queue.
	w.setStatus(ctx, types.WorkerStatusIdle)

	for {
		select {
		case <-w.stopCh:
			return cycleStopped
		default:
		}

		if outcome, terminal := w.applyPendingUpdates(ctx); terminal {
			return outcome
		}

		w.mu.Lock()
		if w.interrupted {
			w.mu.Unlock()
			return cycleInterrupted
		}
		if w.restart {
			w.restart = false
			w.mu.Unlock()
			return cycleRestart
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			select {
			case <-w.wakeCh:
				continue
			case <-w.stopCh:
				return cycleStopped
			}
		}
		next := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		if _, done := w.cachedResult(next.key); done {
			w.deliverResult(next.key)
			continue
		}

		entry := &oplog.ExportedFunctionInvokedEntry{
			FunctionName:   next.function,
			Args:           oplog.NewPayload(next.args),
			IdempotencyKey: next.key,
		}
		idx, err := w.olog.Append(ctx, entry)
		if err != nil {
			w.failWorker(ctx, err)
			return cycleFailed
		}
		outcome, terminal := w.executeInvocation(ctx, entry, idx, false)
		if terminal {
			return outcome
		}
		w.setStatus(ctx, types.WorkerStatusIdle)
	}
}

type replayInvocation struct {
	entry *oplog.ExportedFunctionInvokedEntry
	index types.OplogIndex
}

func (w *Worker) peekReplayInvocation() *replayInvocation {
	w.mu.Lock()
	defer w.mu.Unlock()
	e := w.replay.nextInvocation()
	if e == nil {
		return nil
	}
	return &replayInvocation{entry: e.Entry.(*oplog.ExportedFunctionInvokedEntry), index: e.Index}
}

// executeInvocation runs one invocation to its completion entry. Returns a
// terminal outcome when the cycle must end.
func (w *Worker) executeInvocation(ctx context.Context, entry *oplog.ExportedFunctionInvokedEntry, index types.OplogIndex, replaying bool) (cycleOutcome, bool) {
	args, err := w.deps.Oplog.ResolvePayload(ctx, w.id, entry.Args)
	if err != nil {
		w.failWorker(ctx, err)
		return cycleFailed, true
	}

	w.mu.Lock()
	w.currentKey = entry.IdempotencyKey
	w.status = types.WorkerStatusRunning
	w.mu.Unlock()
	w.persistStatus(ctx)

	live := !w.replayActive()
	if live {
		w.broker.Publish(&events.Event{
			Type:           events.EventInvocationStart,
			WorkerID:       w.id,
			Function:       entry.FunctionName,
			IdempotencyKey: &entry.IdempotencyKey,
		})
	}

	started := time.Now()
	host := &hostContext{worker: w}
	response, invokeErr := w.sandbox.Invoke(ctx, host, entry.FunctionName, args)

	switch {
	case invokeErr == nil:
		if err := w.completeInvocation(ctx, entry.IdempotencyKey, response); err != nil {
			w.failWorker(ctx, err)
			return cycleFailed, true
		}
		if live {
			metrics.InvocationsTotal.WithLabelValues("success").Inc()
			metrics.InvocationDuration.Observe(time.Since(started).Seconds())
			w.broker.Publish(&events.Event{
				Type:           events.EventInvocationFinished,
				WorkerID:       w.id,
				Function:       entry.FunctionName,
				IdempotencyKey: &entry.IdempotencyKey,
			})
		}
		return 0, false

	case ErrSuspended(invokeErr):
		w.setStatus(ctx, types.WorkerStatusSuspended)
		return cycleSuspended, true

	case errors.Is(invokeErr, errExited):
		w.setStatus(ctx, types.WorkerStatusExited)
		w.mu.Lock()
		w.results[entry.IdempotencyKey.Value] = invocationResult{}
		w.mu.Unlock()
		w.deliverResult(entry.IdempotencyKey)
		return cycleExited, true

	case errors.Is(invokeErr, errInterrupted):
		w.setStatus(ctx, types.WorkerStatusInterrupted)
		return cycleInterrupted, true

	case isDivergence(invokeErr):
		metrics.DivergencesTotal.Inc()
		w.failWorkerNoJournal(ctx, invokeErr)
		return cycleFailed, true

	default:
		return w.handleInvocationFailure(ctx, entry.IdempotencyKey, invokeErr), true
	}
}

// completeInvocation journals (or replays) the completion, commits the
// durability barrier and publishes the result.
func (w *Worker) completeInvocation(ctx context.Context, key types.IdempotencyKey, response []byte) error {
	recorded := response
	if e := w.consumeReplayEntry(oplog.KindExportedFunctionCompleted); e != nil {
		data, err := w.deps.Oplog.ResolvePayload(ctx, w.id, e.Entry.(*oplog.ExportedFunctionCompletedEntry).Response)
		if err != nil {
			return err
		}
		recorded = data
	} else {
		if _, err := w.olog.Append(ctx, &oplog.ExportedFunctionCompletedEntry{Response: oplog.NewPayload(response)}); err != nil {
			return err
		}
		// Durability barrier: the result becomes externally observable.
		if err := w.olog.Commit(ctx); err != nil {
			return err
		}
	}

	w.mu.Lock()
	w.failures = 0
	w.results[key.Value] = invocationResult{response: recorded}
	w.currentKey = types.IdempotencyKey{}
	w.mu.Unlock()
	w.deliverResult(key)
	return nil
}

// handleInvocationFailure journals the error and decides between retry and
// failure. An open atomic region additionally gets a jump marker so the
// retry re-executes the whole region.
func (w *Worker) handleInvocationFailure(ctx context.Context, key types.IdempotencyKey, cause error) cycleOutcome {
	w.mu.Lock()
	w.failures++
	failures := w.failures
	policy := w.retryPolicy
	atomicBegin := types.OplogIndexNone
	if len(w.atomic) > 0 {
		atomicBegin = w.atomic[len(w.atomic)-1]
	}
	w.mu.Unlock()

	exhausted := policy.AttemptsExhausted(failures)
	var delay time.Duration
	if !exhausted {
		delay = policy.DelayFor(failures)
	}

	entries := []oplog.Entry{&oplog.ErrorEntry{
		Message:         cause.Error(),
		Attempt:         failures,
		RetryDelayNanos: int64(delay),
	}}
	if !exhausted && atomicBegin != types.OplogIndexNone {
		// Invalidate the partial region so the retry starts from its
		// beginning.
		entries = append(entries, &oplog.JumpEntry{Start: atomicBegin, End: w.olog.CurrentIndex().Next()})
	}
	if _, err := w.olog.Append(ctx, entries...); err != nil {
		w.failWorkerNoJournal(ctx, err)
		return cycleFailed
	}
	if err := w.olog.Commit(ctx); err != nil {
		w.failWorkerNoJournal(ctx, err)
		return cycleFailed
	}

	if exhausted {
		metrics.InvocationsTotal.WithLabelValues("failed").Inc()
		w.logger.Error().Err(cause).Uint32("attempts", failures).Msg("Retries exhausted, worker failed")
		w.setStatus(ctx, types.WorkerStatusFailed)
		w.mu.Lock()
		w.results[key.Value] = invocationResult{err: apperror.Wrap(apperror.CodeWorkerFailed, "invocation failed after retries", cause)}
		w.mu.Unlock()
		w.deliverResult(key)
		// Queued invocations will never run on a failed worker.
		w.failAllWaiters(apperror.Newf(apperror.CodeWorkerFailed, "worker %s is failed", w.id))
		return cycleFailed
	}

	w.logger.Warn().Err(cause).Uint32("attempt", failures).Dur("delay", delay).Msg("Invocation failed, retrying")
	w.setStatus(ctx, types.WorkerStatusRetrying)
	return cycleRetry
}

// applyPendingUpdates runs queued component updates at the safe point
// between invocations.
func (w *Worker) applyPendingUpdates(ctx context.Context) (cycleOutcome, bool) {
	w.mu.Lock()
	updates := w.pendingUpdates
	w.pendingUpdates = nil
	w.mu.Unlock()

	for _, update := range updates {
		snapshot, err := json.Marshal(map[string]any{"revision": w.revision})
		if err != nil {
			w.failWorker(ctx, err)
			return cycleFailed, true
		}
		_, err = w.olog.Append(ctx,
			&oplog.SnapshotEntry{Data: oplog.NewPayload(snapshot)},
			&oplog.SuccessfulUpdateEntry{TargetRevision: update.TargetRevision},
		)
		if err != nil {
			w.failWorker(ctx, err)
			return cycleFailed, true
		}
		if err := w.olog.Commit(ctx); err != nil {
			w.failWorker(ctx, err)
			return cycleFailed, true
		}
		w.mu.Lock()
		w.revision = update.TargetRevision
		w.mu.Unlock()
		w.logger.Info().Uint64("revision", update.TargetRevision).Msg("Applied component update")
	}
	return 0, false
}

// replayActive reports whether the replay cursor has unconsumed entries.
func (w *Worker) replayActive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.replay != nil && w.replay.active()
}

// consumeReplayEntry consumes the next non-noise entry if it has the given
// kind; returns nil in live mode or when the kind differs (caller decides
// whether that is a divergence).
func (w *Worker) consumeReplayEntry(kind oplog.Kind) *oplog.IndexedEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.replay == nil {
		return nil
	}
	e := w.replay.peek(false)
	if e == nil || e.Entry.EntryKind() != kind {
		return nil
	}
	w.replay.consumeTo(e)
	return e
}

// failWorker journals an error entry and marks the worker failed.
func (w *Worker) failWorker(ctx context.Context, cause error) {
	if w.olog != nil {
		if _, err := w.olog.Append(ctx, &oplog.ErrorEntry{Message: cause.Error()}); err == nil {
			_ = w.olog.Commit(ctx)
		}
	}
	w.failWorkerNoJournal(ctx, cause)
}

// failWorkerNoJournal marks the worker failed without touching the oplog;
// used for divergence, where the log can no longer be trusted as a
// continuation point.
func (w *Worker) failWorkerNoJournal(ctx context.Context, cause error) {
	w.logger.Error().Err(cause).Msg("Worker failed")
	if w.olog != nil {
		w.olog.Discard()
	}
	w.setStatus(ctx, types.WorkerStatusFailed)
	w.failAllWaiters(cause)
}

// setStatus updates and opportunistically persists the status.
func (w *Worker) setStatus(ctx context.Context, status types.WorkerStatus) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
	w.persistStatus(ctx)
}

// persistStatus writes the metadata record. Best effort: the oplog, not
// the metadata, is the source of truth.
func (w *Worker) persistStatus(ctx context.Context) {
	var committed types.OplogIndex
	if w.olog != nil {
		committed = w.olog.CommittedIndex()
	}
	w.mu.Lock()
	meta := types.WorkerMetadata{
		WorkerID:          w.id,
		ComponentRevision: w.revision,
		Status:            w.status,
		OplogIndex:        committed,
		Env:               w.env,
		Args:              w.args,
		RetryCount:        w.failures,
		UpdatedAt:         time.Now(),
	}
	w.mu.Unlock()

	data, err := json.Marshal(meta)
	if err != nil {
		return
	}
	if err := w.deps.KV.Set(ctx, metadataBucket, w.id.String(), data); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to persist worker metadata")
	}
	metrics.WorkersTotal.WithLabelValues(string(meta.Status)).Inc()
}

// wake nudges a parked run loop.
func (w *Worker) wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// Wake nudges the worker after an external event (scheduler wake-up,
// promise completion).
func (w *Worker) Wake() {
	w.wake()
}

// Flush commits any staged oplog entries; fork reads require a stable
// committed prefix.
func (w *Worker) Flush(ctx context.Context) error {
	return w.olog.Commit(ctx)
}

// Passivate flushes and releases everything; the registry calls this on
// eviction. The worker object must not be reused afterwards.
func (w *Worker) Passivate(ctx context.Context) {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wake()
	<-w.done
	if w.olog != nil {
		_ = w.olog.Commit(ctx)
	}
	w.persistStatus(ctx)
	w.deps.Oplog.Release(w.id)
}

// Interrupt stops the current cycle. With recover set the worker resumes
// immediately (a restart marker is journaled); otherwise it stays parked
// until Resume.
func (w *Worker) Interrupt(ctx context.Context, recover bool) error {
	w.mu.Lock()
	if w.status == types.WorkerStatusExited {
		w.mu.Unlock()
		return apperror.Newf(apperror.CodeWorkerExited, "worker %s has exited", w.id)
	}
	w.interrupted = true
	w.mu.Unlock()

	if _, err := w.olog.Append(ctx, &oplog.InterruptedEntry{}); err != nil {
		return err
	}
	if err := w.olog.Commit(ctx); err != nil {
		return err
	}
	w.setStatus(ctx, types.WorkerStatusInterrupted)
	w.wake()

	if recover {
		return w.Resume(ctx)
	}
	return nil
}

// Resume restarts an interrupted or suspended worker.
func (w *Worker) Resume(ctx context.Context) error {
	w.mu.Lock()
	switch w.status {
	case types.WorkerStatusExited:
		w.mu.Unlock()
		return apperror.Newf(apperror.CodeWorkerExited, "worker %s has exited", w.id)
	case types.WorkerStatusFailed:
		w.mu.Unlock()
		return apperror.Newf(apperror.CodeWorkerFailed, "worker %s is failed; revert it first", w.id)
	}
	w.interrupted = false
	w.restart = true
	w.mu.Unlock()

	if _, err := w.olog.Append(ctx, &oplog.RestartEntry{}); err != nil {
		return err
	}
	if err := w.olog.Commit(ctx); err != nil {
		return err
	}
	w.wake()
	return nil
}

// Revert appends a jump invalidating everything after the target index and
// rebuilds the worker from the shortened history. Works on failed workers
// and may rescue them.
func (w *Worker) Revert(ctx context.Context, to types.OplogIndex) error {
	if to < types.OplogIndexInitial {
		return apperror.New(apperror.CodeInvalidRequest, "revert target must be at least 1")
	}
	last := w.olog.CommittedIndex()
	if to >= last {
		return nil
	}
	if _, err := w.olog.Append(ctx, &oplog.JumpEntry{Start: to + 1, End: last + 1}); err != nil {
		return err
	}
	if err := w.olog.Commit(ctx); err != nil {
		return err
	}
	w.mu.Lock()
	w.results = make(map[string]invocationResult)
	w.failures = 0
	w.restart = true
	rescued := w.status == types.WorkerStatusFailed || w.status == types.WorkerStatusExited
	if rescued {
		w.status = types.WorkerStatusIdle
	}
	if rescued {
		// The failed run loop already returned; start a fresh one.
		w.done = make(chan struct{})
	}
	w.mu.Unlock()
	w.persistStatus(ctx)
	if rescued {
		go w.run()
	} else {
		w.wake()
	}
	return nil
}

// Update queues a component update applied at the next safe point.
func (w *Worker) Update(ctx context.Context, targetRevision uint64, mode types.UpdateMode) error {
	entry := &oplog.PendingUpdateEntry{TargetRevision: targetRevision, Mode: mode}
	if _, err := w.olog.Append(ctx, entry); err != nil {
		return err
	}
	if err := w.olog.Commit(ctx); err != nil {
		return err
	}
	w.mu.Lock()
	w.pendingUpdates = append(w.pendingUpdates, *entry)
	w.mu.Unlock()
	w.wake()
	return nil
}

// ActivatePlugin journals activation of a plugin's host-call handlers.
func (w *Worker) ActivatePlugin(ctx context.Context, pluginID string) error {
	if _, err := w.olog.Append(ctx, &oplog.ActivatePluginEntry{PluginID: pluginID}); err != nil {
		return err
	}
	if err := w.olog.Commit(ctx); err != nil {
		return err
	}
	w.mu.Lock()
	w.plugins[pluginID] = true
	w.mu.Unlock()
	return nil
}

// DeactivatePlugin journals deactivation.
func (w *Worker) DeactivatePlugin(ctx context.Context, pluginID string) error {
	if _, err := w.olog.Append(ctx, &oplog.DeactivatePluginEntry{PluginID: pluginID}); err != nil {
		return err
	}
	if err := w.olog.Commit(ctx); err != nil {
		return err
	}
	w.mu.Lock()
	delete(w.plugins, pluginID)
	w.mu.Unlock()
	return nil
}

// Metadata returns the opportunistic metadata view.
func (w *Worker) Metadata() types.WorkerMetadata {
	w.mu.Lock()
	defer w.mu.Unlock()
	return types.WorkerMetadata{
		WorkerID:          w.id,
		ComponentRevision: w.revision,
		Status:            w.status,
		OplogIndex:        w.olog.CommittedIndex(),
		Env:               w.env,
		Args:              w.args,
		RetryCount:        w.failures,
		UpdatedAt:         time.Now(),
	}
}
