package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golemcloud/golem-sub021/pkg/types"
)

// Sandbox executes the guest. Implementations wrap a WebAssembly engine;
// tests use scripted guests. A sandbox is built fresh for every activation
// and must be deterministic: all non-determinism flows through HostContext.
type Sandbox interface {
	// Invoke runs an exported function. Every non-deterministic effect
	// the guest needs must go through host.
	Invoke(ctx context.Context, host HostContext, function string, args []byte) ([]byte, error)
	// Close releases the sandbox. The worker state it held is
	// reconstructible by replay.
	Close()
}

// SandboxFactory constructs a sandbox for one activation of a worker.
type SandboxFactory func(workerID types.WorkerId, componentRevision uint64, env, args []string) (Sandbox, error)

// HostContext is the host-call surface exposed to the guest. Calls are
// partitioned into non-deterministic ones (journaled as host-call entries)
// and deterministic control operations (journaled as their own entry
// kinds). During replay everything is served from the oplog.
type HostContext interface {
	// Call performs a journaled non-deterministic host call by name.
	Call(ctx context.Context, function string, request []byte) ([]byte, error)

	// Log emits a guest log line; journaled and broadcast to observers.
	Log(ctx context.Context, level, logContext, message string) error

	// Span manipulation; journaled so traces replay deterministically.
	StartSpan(ctx context.Context, name string, attributes map[string]string) (string, error)
	FinishSpan(ctx context.Context, spanID string) error
	SetSpanAttribute(ctx context.Context, spanID, key, value string) error

	// BeginAtomic opens a region retried as a unit; EndAtomic closes it.
	BeginAtomic(ctx context.Context) error
	EndAtomic(ctx context.Context) error

	// Sleep suspends the worker for at least the given duration.
	Sleep(ctx context.Context, d time.Duration) error

	// CreatePromise anchors a new promise at the current oplog index.
	CreatePromise(ctx context.Context) (types.PromiseId, error)
	// AwaitPromise returns the promise payload, suspending the worker
	// until completion.
	AwaitPromise(ctx context.Context, id types.PromiseId) ([]byte, error)

	// SetRetryPolicy and SetPersistenceLevel journal policy changes.
	SetRetryPolicy(ctx context.Context, policy types.RetryPolicy) error
	SetPersistenceLevel(ctx context.Context, level types.PersistenceLevel) error

	// Identity of the running worker and invocation.
	WorkerID() types.WorkerId
	IdempotencyKey() types.IdempotencyKey
}

// CallInfo is handed to host functions so nested calls can derive stable
// idempotency keys.
type CallInfo struct {
	WorkerID types.WorkerId
	// BaseKey is the current invocation's idempotency key.
	BaseKey types.IdempotencyKey
	// OplogIndex is the index the host-call entry occupies; combined
	// with BaseKey it derives the nested call's key.
	OplogIndex types.OplogIndex
	// Env and Args are the worker's creation parameters.
	Env  []string
	Args []string
}

// DerivedKey returns the idempotency key for a call nested under this one.
func (c *CallInfo) DerivedKey() types.IdempotencyKey {
	return types.DerivedIdempotencyKey(c.BaseKey, c.OplogIndex)
}

// HostFunc implements one named non-deterministic host function.
type HostFunc func(ctx context.Context, call *CallInfo, request []byte) ([]byte, error)

// HostRegistry maps host function names to handlers. The core set is
// closed; plugins may add handlers behind journaled activation markers.
type HostRegistry struct {
	funcs map[string]HostFunc
}

// NewHostRegistry creates an empty registry.
func NewHostRegistry() *HostRegistry {
	return &HostRegistry{funcs: make(map[string]HostFunc)}
}

// Register adds a handler; duplicate names panic at wiring time.
func (r *HostRegistry) Register(name string, fn HostFunc) {
	if _, exists := r.funcs[name]; exists {
		panic(fmt.Sprintf("host function %q registered twice", name))
	}
	r.funcs[name] = fn
}

// Lookup finds a handler.
func (r *HostRegistry) Lookup(name string) (HostFunc, bool) {
	fn, ok := r.funcs[name]
	return fn, ok
}

// errSuspended aborts the current invocation when the worker goes to
// sleep; the invocation resumes by replay after wake-up.
var errSuspended = errors.New("worker suspended")

// ErrSuspended reports whether an invocation error is the internal
// suspension marker.
func ErrSuspended(err error) bool {
	return errors.Is(err, errSuspended)
}

// Trap wraps an uncaught guest error.
type Trap struct {
	Cause error
}

func (t *Trap) Error() string {
	return "guest trap: " + t.Cause.Error()
}

func (t *Trap) Unwrap() error {
	return t.Cause
}
