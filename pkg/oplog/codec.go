package oplog

import (
	"encoding/json"
	"fmt"
)

// codecVersion is written into every envelope. Older versions are decoded
// by the same path; unknown fields are ignored, missing fields take their
// zero values.
const codecVersion = 1

// envelope is the persisted form of an entry: a versioned tagged wrapper
// around the kind-specific payload.
type envelope struct {
	V    int             `json:"v"`
	Kind Kind            `json:"kind"`
	At   Timestamp       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// entryFactories constructs the zero value for each kind during decoding.
var entryFactories = map[Kind]func() Entry{
	KindCreate:                    func() Entry { return &CreateEntry{} },
	KindExited:                    func() Entry { return &ExitedEntry{} },
	KindInterrupted:               func() Entry { return &InterruptedEntry{} },
	KindRestart:                   func() Entry { return &RestartEntry{} },
	KindSuspend:                   func() Entry { return &SuspendEntry{} },
	KindJump:                      func() Entry { return &JumpEntry{} },
	KindExportedFunctionInvoked:   func() Entry { return &ExportedFunctionInvokedEntry{} },
	KindExportedFunctionCompleted: func() Entry { return &ExportedFunctionCompletedEntry{} },
	KindPendingWorkerInvocation:   func() Entry { return &PendingWorkerInvocationEntry{} },
	KindCancelPendingInvocation:   func() Entry { return &CancelPendingInvocationEntry{} },
	KindHostCall:                  func() Entry { return &HostCallEntry{} },
	KindPendingUpdate:             func() Entry { return &PendingUpdateEntry{} },
	KindSuccessfulUpdate:          func() Entry { return &SuccessfulUpdateEntry{} },
	KindFailedUpdate:              func() Entry { return &FailedUpdateEntry{} },
	KindBeginAtomicRegion:         func() Entry { return &BeginAtomicRegionEntry{} },
	KindEndAtomicRegion:           func() Entry { return &EndAtomicRegionEntry{} },
	KindBeginRemoteWrite:          func() Entry { return &BeginRemoteWriteEntry{} },
	KindEndRemoteWrite:            func() Entry { return &EndRemoteWriteEntry{} },
	KindBeginRemoteTransaction:    func() Entry { return &BeginRemoteTransactionEntry{} },
	KindPreCommit:                 func() Entry { return &PreCommitEntry{} },
	KindPreRollback:               func() Entry { return &PreRollbackEntry{} },
	KindCommitted:                 func() Entry { return &CommittedEntry{} },
	KindRolledBack:                func() Entry { return &RolledBackEntry{} },
	KindLog:                       func() Entry { return &LogEntry{} },
	KindStartSpan:                 func() Entry { return &StartSpanEntry{} },
	KindFinishSpan:                func() Entry { return &FinishSpanEntry{} },
	KindSetSpanAttribute:          func() Entry { return &SetSpanAttributeEntry{} },
	KindChangeRetryPolicy:         func() Entry { return &ChangeRetryPolicyEntry{} },
	KindChangePersistenceLevel:    func() Entry { return &ChangePersistenceLevelEntry{} },
	KindGrowMemory:                func() Entry { return &GrowMemoryEntry{} },
	KindCreateResource:            func() Entry { return &CreateResourceEntry{} },
	KindDropResource:              func() Entry { return &DropResourceEntry{} },
	KindActivatePlugin:            func() Entry { return &ActivatePluginEntry{} },
	KindDeactivatePlugin:          func() Entry { return &DeactivatePluginEntry{} },
	KindSnapshot:                  func() Entry { return &SnapshotEntry{} },
	KindError:                     func() Entry { return &ErrorEntry{} },
}

// AllKinds lists every known entry kind.
func AllKinds() []Kind {
	kinds := make([]Kind, 0, len(entryFactories))
	for k := range entryFactories {
		kinds = append(kinds, k)
	}
	return kinds
}

// encodeEntry wraps an entry into its persisted envelope form.
func encodeEntry(entry Entry, at Timestamp) ([]byte, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s entry: %w", entry.EntryKind(), err)
	}
	return json.Marshal(envelope{V: codecVersion, Kind: entry.EntryKind(), At: at, Data: data})
}

// decodeEntry unwraps a persisted envelope.
func decodeEntry(raw []byte) (Entry, Timestamp, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, Timestamp{}, fmt.Errorf("failed to decode oplog envelope: %w", err)
	}
	factory, ok := entryFactories[env.Kind]
	if !ok {
		return nil, Timestamp{}, fmt.Errorf("unknown oplog entry kind %q", env.Kind)
	}
	entry := factory()
	if err := json.Unmarshal(env.Data, entry); err != nil {
		return nil, Timestamp{}, fmt.Errorf("failed to decode %s entry: %w", env.Kind, err)
	}
	return entry, env.At, nil
}
