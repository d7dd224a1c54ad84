package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ComponentId identifies a deployed component (a compiled WebAssembly
// program) that workers are instantiated from.
type ComponentId struct {
	UUID uuid.UUID
}

// NewComponentId creates a fresh random component id.
func NewComponentId() ComponentId {
	return ComponentId{UUID: uuid.New()}
}

// ParseComponentId parses the canonical UUID form.
func ParseComponentId(s string) (ComponentId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ComponentId{}, fmt.Errorf("invalid component id %q: %w", s, err)
	}
	return ComponentId{UUID: u}, nil
}

func (c ComponentId) String() string {
	return c.UUID.String()
}

func (c ComponentId) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ComponentId) UnmarshalText(data []byte) error {
	parsed, err := ParseComponentId(string(data))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// WorkerId is the stable identity of a worker: the component it was
// instantiated from plus a user-chosen name.
type WorkerId struct {
	ComponentID ComponentId `json:"component_id"`
	WorkerName  string      `json:"worker_name"`
}

// ParseWorkerId parses the canonical "component-uuid/worker-name" form.
func ParseWorkerId(s string) (WorkerId, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		return WorkerId{}, fmt.Errorf("invalid worker id %q: expected <component-uuid>/<worker-name>", s)
	}
	componentID, err := ParseComponentId(parts[0])
	if err != nil {
		return WorkerId{}, err
	}
	return WorkerId{ComponentID: componentID, WorkerName: parts[1]}, nil
}

func (w WorkerId) String() string {
	return w.ComponentID.String() + "/" + w.WorkerName
}

// TargetWorkerId addresses a worker whose name may be absent. When the name
// is empty the owning executor generates a deterministic name inside one of
// its own shards.
type TargetWorkerId struct {
	ComponentID ComponentId `json:"component_id"`
	WorkerName  string      `json:"worker_name,omitempty"`
}

// HasName reports whether the target names a concrete worker.
func (t TargetWorkerId) HasName() bool {
	return t.WorkerName != ""
}

// WorkerId converts a named target into a concrete worker id.
func (t TargetWorkerId) WorkerId() WorkerId {
	return WorkerId{ComponentID: t.ComponentID, WorkerName: t.WorkerName}
}

// OplogIndex is a position in a worker's oplog. Indices are dense and start
// at 1; 0 is the "none" sentinel.
type OplogIndex uint64

// OplogIndexNone is the sentinel for "no entry".
const OplogIndexNone OplogIndex = 0

// OplogIndexInitial is the index of the first entry of every oplog.
const OplogIndexInitial OplogIndex = 1

// Next returns the index following this one.
func (i OplogIndex) Next() OplogIndex {
	return i + 1
}

func (i OplogIndex) String() string {
	return fmt.Sprintf("%d", uint64(i))
}

// PromiseId identifies a promise by the worker that created it and the oplog
// index at which it was created.
type PromiseId struct {
	WorkerID   WorkerId   `json:"worker_id"`
	OplogIndex OplogIndex `json:"oplog_index"`
}

func (p PromiseId) String() string {
	return fmt.Sprintf("%s/%d", p.WorkerID, p.OplogIndex)
}

// WorkerStatus is the coarse lifecycle state of a worker. It is recorded
// opportunistically alongside the last known oplog index and is only
// authoritative when no newer oplog entries exist.
type WorkerStatus string

const (
	WorkerStatusRunning     WorkerStatus = "running"
	WorkerStatusIdle        WorkerStatus = "idle"
	WorkerStatusSuspended   WorkerStatus = "suspended"
	WorkerStatusInterrupted WorkerStatus = "interrupted"
	WorkerStatusRetrying    WorkerStatus = "retrying"
	WorkerStatusFailed      WorkerStatus = "failed"
	WorkerStatusExited      WorkerStatus = "exited"
)

// Terminal reports whether a status admits no further invocations.
func (s WorkerStatus) Terminal() bool {
	return s == WorkerStatusExited
}

// WorkerMetadata is the persisted, opportunistically updated view of a
// worker's state.
type WorkerMetadata struct {
	WorkerID          WorkerId     `json:"worker_id"`
	ComponentRevision uint64       `json:"component_revision"`
	Status            WorkerStatus `json:"status"`
	OplogIndex        OplogIndex   `json:"oplog_index"`
	Env               []string     `json:"env,omitempty"`
	Args              []string     `json:"args,omitempty"`
	RetryCount        uint32       `json:"retry_count"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// PersistenceLevel controls which host calls are journaled.
type PersistenceLevel string

const (
	// PersistNothing bypasses host call journaling entirely. Only valid
	// for effect-free calls.
	PersistNothing PersistenceLevel = "persist-nothing"
	// PersistRemoteSideEffects journals calls with remote side effects.
	// This is the default.
	PersistRemoteSideEffects PersistenceLevel = "persist-remote-side-effects"
	// PersistSmart additionally journals local side effects.
	PersistSmart PersistenceLevel = "smart"
)

// UpdateMode selects how a pending component update is applied.
type UpdateMode string

const (
	UpdateModeAuto   UpdateMode = "auto"
	UpdateModeManual UpdateMode = "manual"
)

// AccountId identifies the account owning a worker. Authorization itself is
// performed by an external layer; the core only threads the value through.
type AccountId struct {
	Value string `json:"value"`
}

// AuthContext is supplied by the external auth layer with every control
// plane call.
type AuthContext struct {
	Account AccountId `json:"account"`
}

// ScanCursor is a position in a layered oplog scan: the archive layer being
// read and the offset inside it.
type ScanCursor struct {
	Layer  uint32 `json:"layer"`
	Offset uint64 `json:"offset"`
}
