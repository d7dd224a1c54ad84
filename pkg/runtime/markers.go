package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/golemcloud/golem-sub021/pkg/oplog"
	"github.com/golemcloud/golem-sub021/pkg/types"
)

// Marker host calls: the guest drives remote writes, 2-phase commits
// against external systems and resource accounting; the runtime's only job
// is to journal the marker sequence so it survives replay byte for byte.
const (
	hostFnRemoteWriteBegin = "golem::remote-write::begin"
	hostFnRemoteWriteEnd   = "golem::remote-write::end"
	hostFnTxBegin          = "golem::tx::begin"
	hostFnTxPreCommit      = "golem::tx::pre-commit"
	hostFnTxPreRollback    = "golem::tx::pre-rollback"
	hostFnTxCommitted      = "golem::tx::committed"
	hostFnTxRolledBack     = "golem::tx::rolled-back"
	hostFnMemoryGrow       = "golem::memory::grow"
	hostFnResourceCreate   = "golem::resource::create"
	hostFnResourceDrop     = "golem::resource::drop"
)

type markerRequest struct {
	TransactionID string `json:"transaction_id,omitempty"`
	Delta         uint64 `json:"delta,omitempty"`
	ResourceID    uint64 `json:"resource_id,omitempty"`
}

// handleMarker intercepts marker host calls. Returns handled=false for
// ordinary host functions.
func (h *hostContext) handleMarker(ctx context.Context, function string, request []byte) (response []byte, handled bool, err error) {
	var req markerRequest
	w := h.worker
	var build func(next types.OplogIndex) oplog.Entry
	switch function {
	case hostFnRemoteWriteBegin:
		build = func(types.OplogIndex) oplog.Entry { return &oplog.BeginRemoteWriteEntry{} }
	case hostFnRemoteWriteEnd:
		build = func(types.OplogIndex) oplog.Entry { return &oplog.EndRemoteWriteEntry{} }
	case hostFnTxBegin:
		build = func(types.OplogIndex) oplog.Entry {
			return &oplog.BeginRemoteTransactionEntry{TransactionID: req.TransactionID}
		}
	case hostFnTxPreCommit:
		build = func(types.OplogIndex) oplog.Entry {
			return &oplog.PreCommitEntry{TransactionID: req.TransactionID}
		}
	case hostFnTxPreRollback:
		build = func(types.OplogIndex) oplog.Entry {
			return &oplog.PreRollbackEntry{TransactionID: req.TransactionID}
		}
	case hostFnTxCommitted:
		build = func(types.OplogIndex) oplog.Entry {
			return &oplog.CommittedEntry{TransactionID: req.TransactionID}
		}
	case hostFnTxRolledBack:
		build = func(types.OplogIndex) oplog.Entry {
			return &oplog.RolledBackEntry{TransactionID: req.TransactionID}
		}
	case hostFnMemoryGrow:
		build = func(types.OplogIndex) oplog.Entry { return &oplog.GrowMemoryEntry{Delta: req.Delta} }
	case hostFnResourceCreate:
		build = func(next types.OplogIndex) oplog.Entry {
			return &oplog.CreateResourceEntry{ResourceID: uint64(next)}
		}
	case hostFnResourceDrop:
		build = func(types.OplogIndex) oplog.Entry { return &oplog.DropResourceEntry{ResourceID: req.ResourceID} }
	default:
		return nil, false, nil
	}

	if len(request) > 0 {
		if err := json.Unmarshal(request, &req); err != nil {
			return nil, true, &HostCallError{Message: "invalid marker request: " + err.Error()}
		}
	}

	// Replay: the marker must appear at the cursor with matching content.
	if e := w.peekGuest(false); e != nil {
		next := build(e.Index)
		want := next.EntryKind()
		if e.Entry.EntryKind() != want {
			return nil, true, &divergenceError{detail: fmt.Sprintf(
				"expected %s marker at index %d, oplog has %s", want, e.Index, e.Entry.EntryKind())}
		}
		w.consumeGuest(e)
		return markerResponse(e.Entry), true, nil
	}

	next := w.olog.CurrentIndex().Next()
	entry := build(next)
	if _, err := w.olog.Append(ctx, entry); err != nil {
		return nil, true, err
	}
	if isCommitPoint(function) {
		// Marker visibility is part of the external protocol: a
		// pre-commit that is not durable before the external commit
		// defeats its purpose.
		if err := w.olog.Commit(ctx); err != nil {
			return nil, true, err
		}
	}
	return markerResponse(entry), true, nil
}

// isCommitPoint marks the markers that must be durable before the guest
// proceeds with the external protocol step they announce.
func isCommitPoint(function string) bool {
	switch function {
	case hostFnTxPreCommit, hostFnTxPreRollback, hostFnTxCommitted,
		hostFnTxRolledBack, hostFnRemoteWriteBegin:
		return true
	default:
		return false
	}
}

// markerResponse returns the payload a marker call answers with; only
// resource creation has one.
func markerResponse(entry oplog.Entry) []byte {
	if create, ok := entry.(*oplog.CreateResourceEntry); ok {
		data, _ := json.Marshal(map[string]uint64{"resource_id": create.ResourceID})
		return data
	}
	return nil
}
