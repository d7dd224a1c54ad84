package runtime

import (
	"context"

	"github.com/golemcloud/golem-sub021/pkg/apperror"
	"github.com/golemcloud/golem-sub021/pkg/oplog"
	"github.com/golemcloud/golem-sub021/pkg/types"
)

// replayState is the cursor over the committed oplog during replay. When
// the cursor reaches the tail the worker switches to live mode atomically:
// every accessor goes through the worker mutex.
type replayState struct {
	entries []oplog.IndexedEntry
	skipped map[types.OplogIndex]bool
	cursor  int
}

// noiseKinds are runtime bookkeeping entries that guest operations never
// correspond to; replay scanning steps over them.
var noiseKinds = map[oplog.Kind]bool{
	oplog.KindError:                   true,
	oplog.KindRestart:                 true,
	oplog.KindInterrupted:             true,
	oplog.KindPendingWorkerInvocation: true,
	oplog.KindCancelPendingInvocation: true,
	oplog.KindPendingUpdate:           true,
	oplog.KindSuccessfulUpdate:        true,
	oplog.KindFailedUpdate:            true,
	oplog.KindJump:                    true,
	oplog.KindSnapshot:                true,
}

// jumpedRegions unions the half-open [start, end) regions of every jump
// marker. Replay never re-executes an invalidated region.
func jumpedRegions(entries []oplog.IndexedEntry) map[types.OplogIndex]bool {
	skipped := make(map[types.OplogIndex]bool)
	for _, e := range entries {
		jump, ok := e.Entry.(*oplog.JumpEntry)
		if !ok {
			continue
		}
		for i := jump.Start; i < jump.End; i++ {
			skipped[i] = true
		}
	}
	return skipped
}

func newReplayState(entries []oplog.IndexedEntry) *replayState {
	return &replayState{
		entries: entries,
		skipped: jumpedRegions(entries),
	}
}

// active reports whether unconsumed entries remain.
func (r *replayState) active() bool {
	for i := r.cursor; i < len(r.entries); i++ {
		if !r.skipped[r.entries[i].Index] {
			return true
		}
	}
	return false
}

// peek returns the next live entry without consuming, skipping invalidated
// regions, runtime noise and, unless includeSuspend is set, Suspend entries.
func (r *replayState) peek(includeSuspend bool) *oplog.IndexedEntry {
	for i := r.cursor; i < len(r.entries); i++ {
		e := &r.entries[i]
		if r.skipped[e.Index] || noiseKinds[e.Entry.EntryKind()] {
			continue
		}
		if e.Entry.EntryKind() == oplog.KindSuspend && !includeSuspend {
			continue
		}
		return e
	}
	return nil
}

// consumeTo advances the cursor past the given entry.
func (r *replayState) consumeTo(e *oplog.IndexedEntry) {
	for i := r.cursor; i < len(r.entries); i++ {
		if r.entries[i].Index == e.Index {
			r.cursor = i + 1
			return
		}
	}
	r.cursor = len(r.entries)
}

// nextInvocation scans forward to the next replayable invocation start.
func (r *replayState) nextInvocation() *oplog.IndexedEntry {
	for i := r.cursor; i < len(r.entries); i++ {
		e := &r.entries[i]
		if r.skipped[e.Index] {
			continue
		}
		if e.Entry.EntryKind() == oplog.KindExportedFunctionInvoked {
			r.cursor = i + 1
			return e
		}
	}
	r.cursor = len(r.entries)
	return nil
}

// workerHistory is everything activation learns from one pass over the log.
type workerHistory struct {
	create         *oplog.CreateEntry
	revision       uint64
	retryPolicy    *types.RetryPolicy
	persistence    types.PersistenceLevel
	plugins        map[string]bool
	completed      map[string]oplog.Payload // idempotency key -> recorded response
	invoked        map[string]bool
	cancelled      map[string]bool
	pendingLog     []pendingInvocation // journaled but never dispatched
	pendingUpdates []oplog.PendingUpdateEntry
	exited         bool
	failures       uint32 // consecutive trailing errors
}

type pendingInvocation struct {
	function string
	args     []byte
	key      types.IdempotencyKey
}

// buildHistory folds the effective (non-jumped) entries into the state the
// runtime needs before executing anything.
func buildHistory(ctx context.Context, svc *oplog.Service, workerID types.WorkerId, entries []oplog.IndexedEntry) (*workerHistory, error) {
	skipped := jumpedRegions(entries)
	h := &workerHistory{
		persistence: types.PersistRemoteSideEffects,
		plugins:     make(map[string]bool),
		completed:   make(map[string]oplog.Payload),
		invoked:     make(map[string]bool),
		cancelled:   make(map[string]bool),
	}

	var lastInvokedKey string
	for _, e := range entries {
		if skipped[e.Index] {
			continue
		}
		switch entry := e.Entry.(type) {
		case *oplog.CreateEntry:
			if h.create == nil {
				h.create = entry
				h.revision = entry.ComponentRevision
			}
		case *oplog.PendingUpdateEntry:
			h.pendingUpdates = append(h.pendingUpdates, *entry)
		case *oplog.SuccessfulUpdateEntry:
			h.revision = entry.TargetRevision
			if len(h.pendingUpdates) > 0 {
				h.pendingUpdates = h.pendingUpdates[1:]
			}
		case *oplog.FailedUpdateEntry:
			if len(h.pendingUpdates) > 0 {
				h.pendingUpdates = h.pendingUpdates[1:]
			}
		case *oplog.ChangeRetryPolicyEntry:
			policy := entry.Policy
			h.retryPolicy = &policy
		case *oplog.ChangePersistenceLevelEntry:
			h.persistence = entry.Level
		case *oplog.ActivatePluginEntry:
			h.plugins[entry.PluginID] = true
		case *oplog.DeactivatePluginEntry:
			delete(h.plugins, entry.PluginID)
		case *oplog.ExportedFunctionInvokedEntry:
			lastInvokedKey = entry.IdempotencyKey.Value
			h.invoked[lastInvokedKey] = true
		case *oplog.ExportedFunctionCompletedEntry:
			if lastInvokedKey != "" {
				h.completed[lastInvokedKey] = entry.Response
			}
		case *oplog.PendingWorkerInvocationEntry:
			args, err := svc.ResolvePayload(ctx, workerID, entry.Args)
			if err != nil {
				return nil, err
			}
			h.pendingLog = append(h.pendingLog, pendingInvocation{
				function: entry.FunctionName,
				args:     args,
				key:      entry.IdempotencyKey,
			})
		case *oplog.CancelPendingInvocationEntry:
			h.cancelled[entry.IdempotencyKey.Value] = true
		case *oplog.ExitedEntry:
			h.exited = true
		}
		// Consecutive trailing errors count against the retry policy;
		// anything else resets the streak.
		if err, ok := e.Entry.(*oplog.ErrorEntry); ok {
			h.failures = err.Attempt
		} else if e.Entry.EntryKind() != oplog.KindJump {
			h.failures = 0
		}
	}

	if h.create == nil {
		return nil, apperror.Newf(apperror.CodeOplogCorrupt,
			"oplog of %s has no create entry", workerID)
	}

	// Drop pending invocations that were since dispatched or cancelled.
	var pending []pendingInvocation
	seen := make(map[string]bool)
	for _, p := range h.pendingLog {
		if h.invoked[p.key.Value] || h.cancelled[p.key.Value] || seen[p.key.Value] {
			continue
		}
		seen[p.key.Value] = true
		pending = append(pending, p)
	}
	h.pendingLog = pending
	return h, nil
}
