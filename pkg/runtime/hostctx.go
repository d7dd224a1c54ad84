package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golemcloud/golem-sub021/pkg/apperror"
	"github.com/golemcloud/golem-sub021/pkg/events"
	"github.com/golemcloud/golem-sub021/pkg/oplog"
	"github.com/golemcloud/golem-sub021/pkg/types"
)

// Host function names the runtime itself interprets.
const (
	hostFnExit          = "golem::exit"
	hostFnSleep         = "golem::sleep"
	hostFnPromiseAwait  = "golem::promise::await"
	hostFnPromiseCreate = "golem::promise::create"
)

// divergenceError marks a replay observation inconsistent with the oplog.
// Immediately fatal: the worker cannot be trusted to continue.
type divergenceError struct {
	detail string
}

func (d *divergenceError) Error() string {
	return "replay divergence: " + d.detail
}

func isDivergence(err error) bool {
	var d *divergenceError
	return errors.As(err, &d)
}

// errInterrupted aborts the current invocation on external interrupt.
var errInterrupted = errors.New("worker interrupted")

// errExited aborts the current invocation when the guest exits.
var errExited = errors.New("worker exited")

// HostCallError is a deterministic host call failure: it was journaled, so
// replay reproduces it byte for byte.
type HostCallError struct {
	Message string
}

func (e *HostCallError) Error() string {
	return e.Message
}

// hostContext implements HostContext for one invocation. It always runs on
// the worker's single execution goroutine.
type hostContext struct {
	worker *Worker
}

func (h *hostContext) WorkerID() types.WorkerId {
	return h.worker.id
}

func (h *hostContext) IdempotencyKey() types.IdempotencyKey {
	h.worker.mu.Lock()
	defer h.worker.mu.Unlock()
	return h.worker.currentKey
}

// peekGuest returns the next replayable guest-op entry, nil at the tail.
func (w *Worker) peekGuest(includeSuspend bool) *oplog.IndexedEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.replay == nil {
		return nil
	}
	return w.replay.peek(includeSuspend)
}

func (w *Worker) consumeGuest(e *oplog.IndexedEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.replay.consumeTo(e)
}

func (w *Worker) isInterrupted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.interrupted
}

// Call performs one journaled non-deterministic host call.
func (h *hostContext) Call(ctx context.Context, function string, request []byte) ([]byte, error) {
	w := h.worker
	if w.isInterrupted() {
		return nil, errInterrupted
	}

	switch function {
	case hostFnExit:
		return nil, h.exit(ctx)
	case hostFnSleep:
		var req struct {
			DurationNanos int64 `json:"duration_nanos"`
		}
		if err := json.Unmarshal(request, &req); err != nil {
			return nil, &HostCallError{Message: "invalid sleep request: " + err.Error()}
		}
		return nil, h.Sleep(ctx, time.Duration(req.DurationNanos))
	case hostFnPromiseAwait:
		var id types.PromiseId
		if err := json.Unmarshal(request, &id); err != nil {
			return nil, &HostCallError{Message: "invalid promise id: " + err.Error()}
		}
		return h.AwaitPromise(ctx, id)
	case hostFnPromiseCreate:
		id, err := h.CreatePromise(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(id)
	}

	if response, handled, err := h.handleMarker(ctx, function, request); handled {
		return response, err
	}

	// Replay: the next entry must be this exact call.
	if e := w.peekGuest(false); e != nil {
		hc, ok := e.Entry.(*oplog.HostCallEntry)
		if !ok {
			return nil, &divergenceError{detail: fmt.Sprintf(
				"expected host-call %s at index %d, oplog has %s", function, e.Index, e.Entry.EntryKind())}
		}
		if hc.FunctionName != function {
			return nil, &divergenceError{detail: fmt.Sprintf(
				"expected host-call %s at index %d, oplog has %s", function, e.Index, hc.FunctionName)}
		}
		recorded, err := w.deps.Oplog.ResolvePayload(ctx, w.id, hc.Request)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(recorded, request) {
			return nil, &divergenceError{detail: fmt.Sprintf(
				"host-call %s at index %d was journaled with a different request", function, e.Index)}
		}
		w.consumeGuest(e)
		if hc.Error != "" {
			return nil, &HostCallError{Message: hc.Error}
		}
		return w.deps.Oplog.ResolvePayload(ctx, w.id, hc.Response)
	}

	return h.liveCall(ctx, function, request)
}

func (h *hostContext) liveCall(ctx context.Context, function string, request []byte) ([]byte, error) {
	w := h.worker

	// Durability barrier: everything journaled so far must be durable
	// before the side effect happens.
	if err := w.olog.Commit(ctx); err != nil {
		return nil, err
	}

	w.mu.Lock()
	persistence := w.persistence
	info := &CallInfo{
		WorkerID:   w.id,
		BaseKey:    w.currentKey,
		OplogIndex: w.olog.CurrentIndex().Next(),
		Env:        w.env,
		Args:       w.args,
	}
	w.mu.Unlock()

	fn, ok := w.deps.Hosts.Lookup(function)
	var (
		response []byte
		callErr  error
	)
	if !ok {
		callErr = apperror.Newf(apperror.CodeNotSupported, "unknown host function %q", function)
	} else {
		response, callErr = fn(ctx, info, request)
	}

	if callErr != nil && apperror.Retriable(callErr) {
		// Transient failure: not journaled, the retry machinery replays
		// and re-executes this call.
		return nil, callErr
	}

	if persistence != types.PersistNothing {
		entry := &oplog.HostCallEntry{
			FunctionName: function,
			Request:      oplog.NewPayload(request),
			Response:     oplog.NewPayload(response),
		}
		if callErr != nil {
			entry.Error = callErr.Error()
		}
		if _, err := w.olog.Append(ctx, entry); err != nil {
			return nil, err
		}
	}
	if callErr != nil {
		return nil, &HostCallError{Message: callErr.Error()}
	}
	return response, nil
}

// exit journals voluntary termination.
func (h *hostContext) exit(ctx context.Context) error {
	w := h.worker
	if e := w.peekGuest(false); e != nil {
		if e.Entry.EntryKind() == oplog.KindExited {
			w.consumeGuest(e)
			return errExited
		}
		return &divergenceError{detail: fmt.Sprintf(
			"expected exit at index %d, oplog has %s", e.Index, e.Entry.EntryKind())}
	}
	if _, err := w.olog.Append(ctx, &oplog.ExitedEntry{}); err != nil {
		return err
	}
	if err := w.olog.Commit(ctx); err != nil {
		return err
	}
	return errExited
}

// Log journals a guest log line and broadcasts it to observers.
func (h *hostContext) Log(ctx context.Context, level, logContext, message string) error {
	w := h.worker
	if e := w.peekGuest(false); e != nil {
		entry, ok := e.Entry.(*oplog.LogEntry)
		if !ok || entry.Level != level || entry.Context != logContext || entry.Message != message {
			return &divergenceError{detail: fmt.Sprintf("log emission mismatch at index %d", e.Index)}
		}
		w.consumeGuest(e)
		return nil
	}
	if _, err := w.olog.Append(ctx, &oplog.LogEntry{Level: level, Context: logContext, Message: message}); err != nil {
		return err
	}
	eventType := events.EventLog
	switch logContext {
	case "stdout":
		eventType = events.EventStdOut
	case "stderr":
		eventType = events.EventStdErr
	}
	w.broker.Publish(&events.Event{
		Type:     eventType,
		WorkerID: w.id,
		Level:    level,
		Context:  logContext,
		Message:  message,
	})
	return nil
}

// StartSpan opens a journaled span. Span ids are oplog indices, which makes
// them deterministic under replay.
func (h *hostContext) StartSpan(ctx context.Context, name string, attributes map[string]string) (string, error) {
	w := h.worker
	if e := w.peekGuest(false); e != nil {
		entry, ok := e.Entry.(*oplog.StartSpanEntry)
		if !ok || entry.Name != name {
			return "", &divergenceError{detail: fmt.Sprintf("span start mismatch at index %d", e.Index)}
		}
		w.consumeGuest(e)
		return entry.SpanID, nil
	}
	spanID := strconv.FormatUint(uint64(w.olog.CurrentIndex().Next()), 10)
	_, err := w.olog.Append(ctx, &oplog.StartSpanEntry{SpanID: spanID, Name: name, Attributes: attributes})
	if err != nil {
		return "", err
	}
	return spanID, nil
}

func (h *hostContext) FinishSpan(ctx context.Context, spanID string) error {
	w := h.worker
	if e := w.peekGuest(false); e != nil {
		entry, ok := e.Entry.(*oplog.FinishSpanEntry)
		if !ok || entry.SpanID != spanID {
			return &divergenceError{detail: fmt.Sprintf("span finish mismatch at index %d", e.Index)}
		}
		w.consumeGuest(e)
		return nil
	}
	_, err := w.olog.Append(ctx, &oplog.FinishSpanEntry{SpanID: spanID})
	return err
}

func (h *hostContext) SetSpanAttribute(ctx context.Context, spanID, key, value string) error {
	w := h.worker
	if e := w.peekGuest(false); e != nil {
		entry, ok := e.Entry.(*oplog.SetSpanAttributeEntry)
		if !ok || entry.SpanID != spanID || entry.Key != key {
			return &divergenceError{detail: fmt.Sprintf("span attribute mismatch at index %d", e.Index)}
		}
		w.consumeGuest(e)
		return nil
	}
	_, err := w.olog.Append(ctx, &oplog.SetSpanAttributeEntry{SpanID: spanID, Key: key, Value: value})
	return err
}

// BeginAtomic opens an atomic region; on failure inside, the runtime jumps
// back here and the region re-executes as a unit.
func (h *hostContext) BeginAtomic(ctx context.Context) error {
	w := h.worker
	if e := w.peekGuest(false); e != nil {
		if e.Entry.EntryKind() != oplog.KindBeginAtomicRegion {
			return &divergenceError{detail: fmt.Sprintf("expected atomic region begin at index %d", e.Index)}
		}
		w.consumeGuest(e)
		w.mu.Lock()
		w.atomic = append(w.atomic, e.Index)
		w.mu.Unlock()
		return nil
	}
	idx, err := w.olog.Append(ctx, &oplog.BeginAtomicRegionEntry{})
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.atomic = append(w.atomic, idx)
	w.mu.Unlock()
	return nil
}

func (h *hostContext) EndAtomic(ctx context.Context) error {
	w := h.worker
	w.mu.Lock()
	if len(w.atomic) == 0 {
		w.mu.Unlock()
		return &HostCallError{Message: "no open atomic region"}
	}
	begin := w.atomic[len(w.atomic)-1]
	w.atomic = w.atomic[:len(w.atomic)-1]
	w.mu.Unlock()

	if e := w.peekGuest(false); e != nil {
		if e.Entry.EntryKind() != oplog.KindEndAtomicRegion {
			return &divergenceError{detail: fmt.Sprintf("expected atomic region end at index %d", e.Index)}
		}
		w.consumeGuest(e)
		return nil
	}
	_, err := w.olog.Append(ctx, &oplog.EndAtomicRegionEntry{BeginIndex: begin})
	return err
}

// Sleep suspends the worker until the deadline. The deadline is data: it is
// fixed when the suspension is first journaled and replay honors the
// recorded value, never the clock.
func (h *hostContext) Sleep(ctx context.Context, d time.Duration) error {
	w := h.worker
	var recordedUntil *time.Time

	for {
		e := w.peekGuest(true)
		if e == nil {
			break
		}
		switch entry := e.Entry.(type) {
		case *oplog.SuspendEntry:
			if entry.Until == nil {
				return &divergenceError{detail: fmt.Sprintf("expected sleep suspension at index %d", e.Index)}
			}
			until := entry.Until.Time()
			recordedUntil = &until
			w.consumeGuest(e)
			continue
		case *oplog.HostCallEntry:
			if entry.FunctionName != hostFnSleep {
				return &divergenceError{detail: fmt.Sprintf(
					"expected sleep completion at index %d, oplog has %s", e.Index, entry.FunctionName)}
			}
			w.consumeGuest(e)
			return nil
		default:
			return &divergenceError{detail: fmt.Sprintf(
				"expected sleep at index %d, oplog has %s", e.Index, e.Entry.EntryKind())}
		}
	}

	now := time.Now()
	until := now.Add(d)
	if recordedUntil != nil {
		until = *recordedUntil
	}

	if !until.After(now) {
		// Deadline reached: journal the completed sleep.
		request, _ := json.Marshal(map[string]int64{"duration_nanos": int64(d)})
		_, err := w.olog.Append(ctx, &oplog.HostCallEntry{
			FunctionName: hostFnSleep,
			Request:      oplog.NewPayload(request),
			Response:     oplog.NewPayload(nil),
		})
		return err
	}

	if recordedUntil == nil {
		at := oplog.Timestamp{Seconds: until.Unix(), Nanos: int32(until.Nanosecond())}
		if _, err := w.olog.Append(ctx, &oplog.SuspendEntry{Until: &at}); err != nil {
			return err
		}
		if err := w.olog.Commit(ctx); err != nil {
			return err
		}
	}
	if err := w.deps.Scheduler.ScheduleWake(ctx, until, w.id); err != nil {
		return err
	}
	return errSuspended
}

// CreatePromise anchors a new promise at the index of its journal entry.
func (h *hostContext) CreatePromise(ctx context.Context) (types.PromiseId, error) {
	w := h.worker
	if e := w.peekGuest(false); e != nil {
		hc, ok := e.Entry.(*oplog.HostCallEntry)
		if !ok || hc.FunctionName != hostFnPromiseCreate {
			return types.PromiseId{}, &divergenceError{detail: fmt.Sprintf("expected promise creation at index %d", e.Index)}
		}
		response, err := w.deps.Oplog.ResolvePayload(ctx, w.id, hc.Response)
		if err != nil {
			return types.PromiseId{}, err
		}
		var id types.PromiseId
		if err := json.Unmarshal(response, &id); err != nil {
			return types.PromiseId{}, err
		}
		w.consumeGuest(e)
		// Idempotent: the promise already exists after the first run.
		if err := w.deps.Promises.Create(ctx, id); err != nil {
			return types.PromiseId{}, err
		}
		return id, nil
	}

	id := types.PromiseId{WorkerID: w.id, OplogIndex: w.olog.CurrentIndex().Next()}
	if err := w.deps.Promises.Create(ctx, id); err != nil {
		return types.PromiseId{}, err
	}
	response, err := json.Marshal(id)
	if err != nil {
		return types.PromiseId{}, err
	}
	if _, err := w.olog.Append(ctx, &oplog.HostCallEntry{
		FunctionName: hostFnPromiseCreate,
		Request:      oplog.NewPayload(nil),
		Response:     oplog.NewPayload(response),
	}); err != nil {
		return types.PromiseId{}, err
	}
	return id, nil
}

// AwaitPromise returns the promise payload, suspending until completion.
func (h *hostContext) AwaitPromise(ctx context.Context, id types.PromiseId) ([]byte, error) {
	w := h.worker
	request, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	suspendedBefore := false

	for {
		e := w.peekGuest(true)
		if e == nil {
			break
		}
		switch entry := e.Entry.(type) {
		case *oplog.SuspendEntry:
			if entry.Promise == nil || *entry.Promise != id {
				return nil, &divergenceError{detail: fmt.Sprintf("expected promise suspension at index %d", e.Index)}
			}
			suspendedBefore = true
			w.consumeGuest(e)
			continue
		case *oplog.HostCallEntry:
			if entry.FunctionName != hostFnPromiseAwait {
				return nil, &divergenceError{detail: fmt.Sprintf(
					"expected promise completion at index %d, oplog has %s", e.Index, entry.FunctionName)}
			}
			recorded, err := w.deps.Oplog.ResolvePayload(ctx, w.id, entry.Request)
			if err != nil {
				return nil, err
			}
			if !bytes.Equal(recorded, request) {
				return nil, &divergenceError{detail: fmt.Sprintf("promise await mismatch at index %d", e.Index)}
			}
			w.consumeGuest(e)
			return w.deps.Oplog.ResolvePayload(ctx, w.id, entry.Response)
		default:
			return nil, &divergenceError{detail: fmt.Sprintf(
				"expected promise await at index %d, oplog has %s", e.Index, e.Entry.EntryKind())}
		}
	}

	p, err := w.deps.Promises.Poll(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Completed {
		if _, err := w.olog.Append(ctx, &oplog.HostCallEntry{
			FunctionName: hostFnPromiseAwait,
			Request:      oplog.NewPayload(request),
			Response:     oplog.NewPayload(p.Payload),
		}); err != nil {
			return nil, err
		}
		return p.Payload, nil
	}

	if !suspendedBefore {
		promiseID := id
		if _, err := w.olog.Append(ctx, &oplog.SuspendEntry{Promise: &promiseID}); err != nil {
			return nil, err
		}
		if err := w.olog.Commit(ctx); err != nil {
			return nil, err
		}
	}
	return nil, errSuspended
}

// SetRetryPolicy journals a policy override effective immediately.
func (h *hostContext) SetRetryPolicy(ctx context.Context, policy types.RetryPolicy) error {
	w := h.worker
	if e := w.peekGuest(false); e != nil {
		entry, ok := e.Entry.(*oplog.ChangeRetryPolicyEntry)
		if !ok || entry.Policy != policy {
			return &divergenceError{detail: fmt.Sprintf("retry policy change mismatch at index %d", e.Index)}
		}
		w.consumeGuest(e)
	} else {
		if _, err := w.olog.Append(ctx, &oplog.ChangeRetryPolicyEntry{Policy: policy}); err != nil {
			return err
		}
	}
	w.mu.Lock()
	w.retryPolicy = policy
	w.mu.Unlock()
	return nil
}

// SetPersistenceLevel journals a persistence switch effective immediately.
func (h *hostContext) SetPersistenceLevel(ctx context.Context, level types.PersistenceLevel) error {
	w := h.worker
	if e := w.peekGuest(false); e != nil {
		entry, ok := e.Entry.(*oplog.ChangePersistenceLevelEntry)
		if !ok || entry.Level != level {
			return &divergenceError{detail: fmt.Sprintf("persistence level change mismatch at index %d", e.Index)}
		}
		w.consumeGuest(e)
	} else {
		if _, err := w.olog.Append(ctx, &oplog.ChangePersistenceLevelEntry{Level: level}); err != nil {
			return err
		}
	}
	w.mu.Lock()
	w.persistence = level
	w.mu.Unlock()
	return nil
}
