package runtime

import (
	"context"

	"github.com/golemcloud/golem-sub021/pkg/apperror"
	"github.com/golemcloud/golem-sub021/pkg/oplog"
	"github.com/golemcloud/golem-sub021/pkg/types"
)

// Invoke enqueues an invocation without awaiting its result. The pending
// invocation is journaled before the call is acknowledged, so a crash
// between acknowledgment and dispatch loses nothing.
func (w *Worker) Invoke(ctx context.Context, key types.IdempotencyKey, function string, args []byte) error {
	if key.IsZero() {
		key = types.FreshIdempotencyKey()
	}

	w.mu.Lock()
	switch w.status {
	case types.WorkerStatusExited:
		w.mu.Unlock()
		return apperror.Newf(apperror.CodeWorkerExited, "worker %s has exited", w.id)
	case types.WorkerStatusFailed:
		w.mu.Unlock()
		return apperror.Newf(apperror.CodeWorkerFailed, "worker %s is failed; revert it first", w.id)
	}
	if _, done := w.results[key.Value]; done {
		w.mu.Unlock()
		return nil
	}
	for _, p := range w.queue {
		if p.key.Value == key.Value {
			w.mu.Unlock()
			return nil
		}
	}
	w.queue = append(w.queue, pendingInvocation{function: function, args: args, key: key})
	w.mu.Unlock()

	if _, err := w.olog.Append(ctx, &oplog.PendingWorkerInvocationEntry{
		FunctionName:   function,
		Args:           oplog.NewPayload(args),
		IdempotencyKey: key,
	}); err != nil {
		return err
	}
	if err := w.olog.Commit(ctx); err != nil {
		return err
	}
	w.wake()
	return nil
}

// InvokeAndAwait enqueues an invocation and blocks for its result. A key
// that already completed returns the recorded response without executing
// anything.
func (w *Worker) InvokeAndAwait(ctx context.Context, key types.IdempotencyKey, function string, args []byte) ([]byte, error) {
	if key.IsZero() {
		key = types.FreshIdempotencyKey()
	}
	if result, done := w.cachedResult(key); done {
		return result.response, result.err
	}

	waiter := make(chan invocationResult, 1)
	w.mu.Lock()
	w.waiters[key.Value] = append(w.waiters[key.Value], waiter)
	w.mu.Unlock()

	if err := w.Invoke(ctx, key, function, args); err != nil {
		w.removeWaiter(key, waiter)
		return nil, err
	}

	select {
	case result := <-waiter:
		return result.response, result.err
	case <-ctx.Done():
		w.removeWaiter(key, waiter)
		return nil, ctx.Err()
	}
}

// CancelInvocation removes a still-pending invocation. In-progress and
// completed invocations cannot be cancelled.
func (w *Worker) CancelInvocation(ctx context.Context, key types.IdempotencyKey) (bool, error) {
	w.mu.Lock()
	found := false
	remaining := w.queue[:0]
	for _, p := range w.queue {
		if !found && p.key.Value == key.Value {
			found = true
			continue
		}
		remaining = append(remaining, p)
	}
	w.queue = remaining
	w.mu.Unlock()

	if !found {
		return false, nil
	}
	if _, err := w.olog.Append(ctx, &oplog.CancelPendingInvocationEntry{IdempotencyKey: key}); err != nil {
		return false, err
	}
	if err := w.olog.Commit(ctx); err != nil {
		return false, err
	}
	w.failWaitersFor(key, apperror.Newf(apperror.CodeInvocationNotFound, "invocation %s was cancelled", key))
	return true, nil
}

// cachedResult returns a completed invocation's result.
func (w *Worker) cachedResult(key types.IdempotencyKey) (invocationResult, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	result, ok := w.results[key.Value]
	return result, ok
}

// deliverResult wakes every waiter of a completed key.
func (w *Worker) deliverResult(key types.IdempotencyKey) {
	w.mu.Lock()
	result := w.results[key.Value]
	waiters := w.waiters[key.Value]
	delete(w.waiters, key.Value)
	w.mu.Unlock()
	for _, waiter := range waiters {
		waiter <- result
	}
}

// failWaitersFor delivers an error to the waiters of one key.
func (w *Worker) failWaitersFor(key types.IdempotencyKey, err error) {
	w.mu.Lock()
	waiters := w.waiters[key.Value]
	delete(w.waiters, key.Value)
	w.mu.Unlock()
	for _, waiter := range waiters {
		waiter <- invocationResult{err: err}
	}
}

// failAllWaiters delivers an error to every waiter; used when the worker
// dies.
func (w *Worker) failAllWaiters(cause error) {
	w.mu.Lock()
	all := w.waiters
	w.waiters = make(map[string][]chan invocationResult)
	w.mu.Unlock()
	for _, waiters := range all {
		for _, waiter := range waiters {
			waiter <- invocationResult{err: cause}
		}
	}
}

func (w *Worker) removeWaiter(key types.IdempotencyKey, waiter chan invocationResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	remaining := w.waiters[key.Value][:0]
	for _, c := range w.waiters[key.Value] {
		if c != waiter {
			remaining = append(remaining, c)
		}
	}
	if len(remaining) == 0 {
		delete(w.waiters, key.Value)
	} else {
		w.waiters[key.Value] = remaining
	}
}
