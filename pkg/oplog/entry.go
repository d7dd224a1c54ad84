package oplog

import (
	"time"

	"github.com/golemcloud/golem-sub021/pkg/types"
)

// Kind discriminates oplog entry variants. The string values are persisted;
// never change them.
type Kind string

const (
	// Lifecycle
	KindCreate      Kind = "create"
	KindExited      Kind = "exited"
	KindInterrupted Kind = "interrupted"
	KindRestart     Kind = "restart"
	KindSuspend     Kind = "suspend"
	KindJump        Kind = "jump"

	// Invocation
	KindExportedFunctionInvoked   Kind = "exported-function-invoked"
	KindExportedFunctionCompleted Kind = "exported-function-completed"
	KindPendingWorkerInvocation   Kind = "pending-worker-invocation"
	KindCancelPendingInvocation   Kind = "cancel-pending-invocation"

	// Host-call journal
	KindHostCall Kind = "host-call"

	// Update
	KindPendingUpdate    Kind = "pending-update"
	KindSuccessfulUpdate Kind = "successful-update"
	KindFailedUpdate     Kind = "failed-update"

	// Atomic / remote transaction markers
	KindBeginAtomicRegion      Kind = "begin-atomic-region"
	KindEndAtomicRegion        Kind = "end-atomic-region"
	KindBeginRemoteWrite       Kind = "begin-remote-write"
	KindEndRemoteWrite         Kind = "end-remote-write"
	KindBeginRemoteTransaction Kind = "begin-remote-transaction"
	KindPreCommit              Kind = "pre-commit"
	KindPreRollback            Kind = "pre-rollback"
	KindCommitted              Kind = "committed"
	KindRolledBack             Kind = "rolled-back"

	// Observability
	KindLog              Kind = "log"
	KindStartSpan        Kind = "start-span"
	KindFinishSpan       Kind = "finish-span"
	KindSetSpanAttribute Kind = "set-span-attribute"

	// Policy
	KindChangeRetryPolicy      Kind = "change-retry-policy"
	KindChangePersistenceLevel Kind = "change-persistence-level"

	// Memory / resources
	KindGrowMemory     Kind = "grow-memory"
	KindCreateResource Kind = "create-resource"
	KindDropResource   Kind = "drop-resource"

	// Plugins
	KindActivatePlugin   Kind = "activate-plugin"
	KindDeactivatePlugin Kind = "deactivate-plugin"

	// Archival
	KindSnapshot Kind = "snapshot"

	// Errors
	KindError Kind = "error"
)

// Entry is one journaled event in a worker's history.
type Entry interface {
	EntryKind() Kind
}

// Timestamp carries absolute wall time as data. During replay it is served
// from the log, never re-read from the clock.
type Timestamp struct {
	Seconds int64 `json:"s"`
	Nanos   int32 `json:"ns"`
}

// Now captures the current wall time.
func Now() Timestamp {
	t := time.Now()
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

// Time converts back to time.Time.
func (t Timestamp) Time() time.Time {
	return time.Unix(t.Seconds, int64(t.Nanos))
}

// PayloadRef points at an out-of-line payload in blob storage. The blob is
// written before the referring entry; a surviving entry whose blob cannot be
// recovered makes the worker fatal.
type PayloadRef struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// Payload is a byte payload stored either inline or out-of-line.
type Payload struct {
	Inline []byte      `json:"inline,omitempty"`
	Ref    *PayloadRef `json:"ref,omitempty"`
}

// NewPayload wraps raw bytes; offloading happens at commit time.
func NewPayload(data []byte) Payload {
	return Payload{Inline: data}
}

// Offloaded reports whether the payload lives in blob storage.
func (p Payload) Offloaded() bool {
	return p.Ref != nil
}

// CreateEntry is the first entry of every oplog.
type CreateEntry struct {
	WorkerID          types.WorkerId `json:"worker_id"`
	ComponentRevision uint64         `json:"component_revision"`
	Env               []string       `json:"env,omitempty"`
	Args              []string       `json:"args,omitempty"`
	Account           types.AccountId `json:"account,omitempty"`
}

func (e *CreateEntry) EntryKind() Kind { return KindCreate }

// ExitedEntry marks voluntary termination; the worker rejects further
// invocations.
type ExitedEntry struct{}

func (e *ExitedEntry) EntryKind() Kind { return KindExited }

// InterruptedEntry marks an external interrupt.
type InterruptedEntry struct{}

func (e *InterruptedEntry) EntryKind() Kind { return KindInterrupted }

// RestartEntry marks a restart after an interrupt.
type RestartEntry struct{}

func (e *RestartEntry) EntryKind() Kind { return KindRestart }

// SuspendEntry marks the worker going to sleep awaiting a wake condition.
type SuspendEntry struct {
	// Until is set for time-based sleeps.
	Until *Timestamp `json:"until,omitempty"`
	// Promise is set when awaiting an incomplete promise.
	Promise *types.PromiseId `json:"promise,omitempty"`
}

func (e *SuspendEntry) EntryKind() Kind { return KindSuspend }

// JumpEntry invalidates the half-open region [Start, End): replay skips
// entries inside it. Reverts and atomic-region retries are expressed as
// jumps.
type JumpEntry struct {
	Start types.OplogIndex `json:"start"`
	End   types.OplogIndex `json:"end"`
}

func (e *JumpEntry) EntryKind() Kind { return KindJump }

// ExportedFunctionInvokedEntry records the start of an invocation.
type ExportedFunctionInvokedEntry struct {
	FunctionName   string               `json:"function_name"`
	Args           Payload              `json:"args"`
	IdempotencyKey types.IdempotencyKey `json:"idempotency_key"`
	TraceID        string               `json:"trace_id,omitempty"`
}

func (e *ExportedFunctionInvokedEntry) EntryKind() Kind { return KindExportedFunctionInvoked }

// ExportedFunctionCompletedEntry records the result of the invocation
// started by the closest preceding invoked entry.
type ExportedFunctionCompletedEntry struct {
	Response Payload `json:"response"`
}

func (e *ExportedFunctionCompletedEntry) EntryKind() Kind { return KindExportedFunctionCompleted }

// PendingWorkerInvocationEntry records an invocation that was enqueued while
// the worker could not dispatch it.
type PendingWorkerInvocationEntry struct {
	FunctionName   string               `json:"function_name"`
	Args           Payload              `json:"args"`
	IdempotencyKey types.IdempotencyKey `json:"idempotency_key"`
}

func (e *PendingWorkerInvocationEntry) EntryKind() Kind { return KindPendingWorkerInvocation }

// CancelPendingInvocationEntry records cancellation of a still-pending
// invocation by idempotency key.
type CancelPendingInvocationEntry struct {
	IdempotencyKey types.IdempotencyKey `json:"idempotency_key"`
}

func (e *CancelPendingInvocationEntry) EntryKind() Kind { return KindCancelPendingInvocation }

// HostCallEntry journals one non-deterministic host call: the request for
// replay validation and the response for replay service.
type HostCallEntry struct {
	FunctionName string  `json:"function_name"`
	Request      Payload `json:"request"`
	Response     Payload `json:"response"`
	Error        string  `json:"error,omitempty"`
}

func (e *HostCallEntry) EntryKind() Kind { return KindHostCall }

// PendingUpdateEntry records an update request awaiting a safe point.
type PendingUpdateEntry struct {
	TargetRevision uint64           `json:"target_revision"`
	Mode           types.UpdateMode `json:"mode"`
}

func (e *PendingUpdateEntry) EntryKind() Kind { return KindPendingUpdate }

// SuccessfulUpdateEntry records a completed component update.
type SuccessfulUpdateEntry struct {
	TargetRevision uint64 `json:"target_revision"`
}

func (e *SuccessfulUpdateEntry) EntryKind() Kind { return KindSuccessfulUpdate }

// FailedUpdateEntry records a failed component update with diagnostics.
type FailedUpdateEntry struct {
	TargetRevision uint64 `json:"target_revision"`
	Details        string `json:"details,omitempty"`
}

func (e *FailedUpdateEntry) EntryKind() Kind { return KindFailedUpdate }

// BeginAtomicRegionEntry opens a region retried as a unit on inner failure.
type BeginAtomicRegionEntry struct{}

func (e *BeginAtomicRegionEntry) EntryKind() Kind { return KindBeginAtomicRegion }

// EndAtomicRegionEntry closes the region opened at BeginIndex.
type EndAtomicRegionEntry struct {
	BeginIndex types.OplogIndex `json:"begin_index"`
}

func (e *EndAtomicRegionEntry) EntryKind() Kind { return KindEndAtomicRegion }

// BeginRemoteWriteEntry / EndRemoteWriteEntry bracket a remote write whose
// marker sequence must survive replay.
type BeginRemoteWriteEntry struct{}

func (e *BeginRemoteWriteEntry) EntryKind() Kind { return KindBeginRemoteWrite }

type EndRemoteWriteEntry struct {
	BeginIndex types.OplogIndex `json:"begin_index"`
}

func (e *EndRemoteWriteEntry) EntryKind() Kind { return KindEndRemoteWrite }

// Remote transaction markers: the guest drives a 2-phase commit against
// external systems; the runtime only preserves the marker sequence.
type BeginRemoteTransactionEntry struct {
	TransactionID string `json:"transaction_id"`
}

func (e *BeginRemoteTransactionEntry) EntryKind() Kind { return KindBeginRemoteTransaction }

type PreCommitEntry struct {
	TransactionID string  `json:"transaction_id"`
	Data          Payload `json:"data,omitempty"`
}

func (e *PreCommitEntry) EntryKind() Kind { return KindPreCommit }

type PreRollbackEntry struct {
	TransactionID string `json:"transaction_id"`
}

func (e *PreRollbackEntry) EntryKind() Kind { return KindPreRollback }

type CommittedEntry struct {
	TransactionID string `json:"transaction_id"`
}

func (e *CommittedEntry) EntryKind() Kind { return KindCommitted }

type RolledBackEntry struct {
	TransactionID string `json:"transaction_id"`
}

func (e *RolledBackEntry) EntryKind() Kind { return KindRolledBack }

// LogEntry journals a guest log emission.
type LogEntry struct {
	Level   string `json:"level"`
	Context string `json:"context,omitempty"`
	Message string `json:"message"`
}

func (e *LogEntry) EntryKind() Kind { return KindLog }

// Span entries journal the invocation context tree so traces replay
// deterministically.
type StartSpanEntry struct {
	SpanID     string            `json:"span_id"`
	ParentID   string            `json:"parent_id,omitempty"`
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (e *StartSpanEntry) EntryKind() Kind { return KindStartSpan }

type FinishSpanEntry struct {
	SpanID string `json:"span_id"`
}

func (e *FinishSpanEntry) EntryKind() Kind { return KindFinishSpan }

type SetSpanAttributeEntry struct {
	SpanID string `json:"span_id"`
	Key    string `json:"key"`
	Value  string `json:"value"`
}

func (e *SetSpanAttributeEntry) EntryKind() Kind { return KindSetSpanAttribute }

// ChangeRetryPolicyEntry journals a mid-run retry policy override.
type ChangeRetryPolicyEntry struct {
	Policy types.RetryPolicy `json:"policy"`
}

func (e *ChangeRetryPolicyEntry) EntryKind() Kind { return KindChangeRetryPolicy }

// ChangePersistenceLevelEntry journals a persistence level switch.
type ChangePersistenceLevelEntry struct {
	Level types.PersistenceLevel `json:"level"`
}

func (e *ChangePersistenceLevelEntry) EntryKind() Kind { return KindChangePersistenceLevel }

// GrowMemoryEntry journals guest linear memory growth.
type GrowMemoryEntry struct {
	Delta uint64 `json:"delta"`
}

func (e *GrowMemoryEntry) EntryKind() Kind { return KindGrowMemory }

// CreateResourceEntry / DropResourceEntry journal guest resource handles.
type CreateResourceEntry struct {
	ResourceID uint64 `json:"resource_id"`
}

func (e *CreateResourceEntry) EntryKind() Kind { return KindCreateResource }

type DropResourceEntry struct {
	ResourceID uint64 `json:"resource_id"`
}

func (e *DropResourceEntry) EntryKind() Kind { return KindDropResource }

// ActivatePluginEntry / DeactivatePluginEntry journal plugin host-call
// handler registration.
type ActivatePluginEntry struct {
	PluginID string `json:"plugin_id"`
}

func (e *ActivatePluginEntry) EntryKind() Kind { return KindActivatePlugin }

type DeactivatePluginEntry struct {
	PluginID string `json:"plugin_id"`
}

func (e *DeactivatePluginEntry) EntryKind() Kind { return KindDeactivatePlugin }

// SnapshotEntry carries a serialized guest state snapshot taken for
// archival or updates.
type SnapshotEntry struct {
	Data Payload `json:"data"`
}

func (e *SnapshotEntry) EntryKind() Kind { return KindSnapshot }

// ErrorEntry records a failed attempt; consecutive trailing error entries
// count against the retry policy.
type ErrorEntry struct {
	Message string `json:"message"`
	// Attempt is the 1-based count of consecutive failures at append time.
	Attempt uint32 `json:"attempt"`
	// RetryDelayNanos is the backoff scheduled after this failure, zero
	// when the policy was exhausted.
	RetryDelayNanos int64 `json:"retry_delay_nanos,omitempty"`
}

func (e *ErrorEntry) EntryKind() Kind { return KindError }

// payloadFields returns pointers to every payload of an entry so the commit
// path can offload them and readers can resolve them.
func payloadFields(e Entry) []*Payload {
	switch entry := e.(type) {
	case *ExportedFunctionInvokedEntry:
		return []*Payload{&entry.Args}
	case *ExportedFunctionCompletedEntry:
		return []*Payload{&entry.Response}
	case *PendingWorkerInvocationEntry:
		return []*Payload{&entry.Args}
	case *HostCallEntry:
		return []*Payload{&entry.Request, &entry.Response}
	case *PreCommitEntry:
		return []*Payload{&entry.Data}
	case *SnapshotEntry:
		return []*Payload{&entry.Data}
	default:
		return nil
	}
}
