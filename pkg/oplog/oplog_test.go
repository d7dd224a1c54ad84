package oplog

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golemcloud/golem-sub021/pkg/storage"
	"github.com/golemcloud/golem-sub021/pkg/types"
)

func testService(cfg Config) (*Service, *storage.MemoryStorage) {
	backend := storage.NewMemoryStorage()
	return NewService(backend.Indexed(), backend.Blob(), cfg), backend
}

func testWorkerID() types.WorkerId {
	return types.WorkerId{ComponentID: types.NewComponentId(), WorkerName: "w1"}
}

func TestAppendAssignsDenseIndices(t *testing.T) {
	ctx := context.Background()
	svc, _ := testService(DefaultConfig())
	workerID := testWorkerID()

	o, err := svc.Open(ctx, workerID)
	require.NoError(t, err)

	idx, err := o.Append(ctx, &CreateEntry{WorkerID: workerID})
	require.NoError(t, err)
	assert.Equal(t, types.OplogIndex(1), idx)

	idx, err = o.Append(ctx,
		&ExportedFunctionInvokedEntry{FunctionName: "run", Args: NewPayload([]byte(`[1,2]`)), IdempotencyKey: types.NewIdempotencyKey("k")},
		&ExportedFunctionCompletedEntry{Response: NewPayload([]byte(`3`))},
	)
	require.NoError(t, err)
	assert.Equal(t, types.OplogIndex(3), idx)

	// Density invariant: length always equals the newest index.
	assert.Equal(t, uint64(3), o.Length())

	require.NoError(t, o.Commit(ctx))

	entries, err := o.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, types.OplogIndex(i+1), e.Index)
	}
	assert.Equal(t, KindCreate, entries[0].Entry.EntryKind())
	assert.Equal(t, KindExportedFunctionInvoked, entries[1].Entry.EntryKind())
	assert.Equal(t, KindExportedFunctionCompleted, entries[2].Entry.EntryKind())
}

func TestCommitIsForcedByBatchLimit(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxOperationsBeforeCommit = 3
	svc, _ := testService(cfg)
	workerID := testWorkerID()

	o, err := svc.Open(ctx, workerID)
	require.NoError(t, err)

	_, err = o.Append(ctx, &CreateEntry{WorkerID: workerID})
	require.NoError(t, err)
	_, err = o.Append(ctx, &LogEntry{Level: "info", Message: "one"})
	require.NoError(t, err)
	assert.Equal(t, types.OplogIndex(0), o.CommittedIndex(), "below the limit nothing is flushed")

	_, err = o.Append(ctx, &LogEntry{Level: "info", Message: "two"})
	require.NoError(t, err)
	assert.Equal(t, types.OplogIndex(3), o.CommittedIndex(), "reaching the limit forces a flush")
}

func TestEntriesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	svc, _ := testService(DefaultConfig())
	workerID := testWorkerID()

	o, err := svc.Open(ctx, workerID)
	require.NoError(t, err)
	_, err = o.Append(ctx, &CreateEntry{WorkerID: workerID}, &ExitedEntry{})
	require.NoError(t, err)
	require.NoError(t, o.Commit(ctx))
	svc.Release(workerID)

	reopened, err := svc.Open(ctx, workerID)
	require.NoError(t, err)
	assert.Equal(t, types.OplogIndex(2), reopened.CommittedIndex())

	entries, err := reopened.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, KindExited, entries[1].Entry.EntryKind())
}

func TestDiscardRewindsStagedEntries(t *testing.T) {
	ctx := context.Background()
	svc, _ := testService(DefaultConfig())
	workerID := testWorkerID()

	o, err := svc.Open(ctx, workerID)
	require.NoError(t, err)
	_, err = o.Append(ctx, &CreateEntry{WorkerID: workerID})
	require.NoError(t, err)
	require.NoError(t, o.Commit(ctx))

	_, err = o.Append(ctx, &LogEntry{Message: "staged only"})
	require.NoError(t, err)
	o.Discard()

	assert.Equal(t, types.OplogIndex(1), o.CurrentIndex())
	_, err = o.Append(ctx, &LogEntry{Message: "replacement"})
	require.NoError(t, err)
	require.NoError(t, o.Commit(ctx))

	entries, err := o.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "replacement", entries[1].Entry.(*LogEntry).Message)
}

func TestPayloadOffloadedBeforeEntryVisible(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxPayloadSize = 8
	svc, backend := testService(cfg)
	workerID := testWorkerID()

	o, err := svc.Open(ctx, workerID)
	require.NoError(t, err)

	big := []byte(`"this payload is far larger than eight bytes"`)
	_, err = o.Append(ctx, &CreateEntry{WorkerID: workerID})
	require.NoError(t, err)
	_, err = o.Append(ctx, &HostCallEntry{FunctionName: "golem::random", Request: NewPayload([]byte(`{}`)), Response: NewPayload(big)})
	require.NoError(t, err)
	require.NoError(t, o.Commit(ctx))

	entries, err := o.ReadAll(ctx)
	require.NoError(t, err)
	hostCall := entries[1].Entry.(*HostCallEntry)
	require.True(t, hostCall.Response.Offloaded(), "oversized payload must be replaced by a reference")
	assert.Equal(t, storage.ContentHash(big), hostCall.Response.Ref.Hash)
	assert.Equal(t, int64(len(big)), hostCall.Response.Ref.Size)

	// The referenced blob exists (payload-first ordering means it was
	// written before the entry became readable).
	exists, err := backend.Blob().BlobExists(ctx, payloadPath(workerID, hostCall.Response.Ref.Hash))
	require.NoError(t, err)
	assert.True(t, exists)

	// And it resolves back to the original bytes.
	data, err := svc.ResolvePayload(ctx, workerID, hostCall.Response)
	require.NoError(t, err)
	assert.Equal(t, big, data)

	// Small payloads stay inline.
	assert.False(t, hostCall.Request.Offloaded())
}

func TestResolveMissingPayloadIsFatal(t *testing.T) {
	ctx := context.Background()
	svc, _ := testService(DefaultConfig())
	workerID := testWorkerID()

	_, err := svc.ResolvePayload(ctx, workerID, Payload{Ref: &PayloadRef{Hash: "deadbeef", Size: 4}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unrecoverable")
}

func TestArchiveMigrationAndTransparentReads(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		MaxOperationsBeforeCommit: 64,
		MaxPayloadSize:            64 * 1024,
		ArchiveLayers:             2,
		ArchiveThreshold:          10,
		ArchiveKeep:               4,
		CompressedLayerThreshold:  4,
	}
	svc, _ := testService(cfg)
	workerID := testWorkerID()

	o, err := svc.Open(ctx, workerID)
	require.NoError(t, err)
	_, err = o.Append(ctx, &CreateEntry{WorkerID: workerID})
	require.NoError(t, err)
	for i := 2; i <= 20; i++ {
		_, err = o.Append(ctx, &LogEntry{Level: "info", Message: fmt.Sprintf("entry %d", i)})
		require.NoError(t, err)
	}
	require.NoError(t, o.Commit(ctx))

	// First pass: primary(20) > threshold(10), move 16 into compressed;
	// compressed(16) > 4, fold into a blob chunk.
	require.NoError(t, svc.Archive(ctx, workerID))

	// All 20 entries still read back densely across three layers.
	entries, err := svc.ReadRange(ctx, workerID, types.OplogIndexInitial, 20)
	require.NoError(t, err)
	require.Len(t, entries, 20)
	assert.Equal(t, KindCreate, entries[0].Entry.EntryKind())
	assert.Equal(t, "entry 20", entries[19].Entry.(*LogEntry).Message)

	// Mid-range reads spanning the layer boundary work too.
	entries, err = svc.ReadRange(ctx, workerID, 15, 4)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, types.OplogIndex(15), entries[0].Index)

	// Appends continue on the primary after archival.
	idx, err := o.Append(ctx, &LogEntry{Message: "entry 21"})
	require.NoError(t, err)
	assert.Equal(t, types.OplogIndex(21), idx)
	require.NoError(t, o.Commit(ctx))

	entries, err = svc.ReadRange(ctx, workerID, 21, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestReadPageCursorWalk(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.ArchiveThreshold = 8
	cfg.ArchiveKeep = 3
	cfg.CompressedLayerThreshold = 100
	svc, _ := testService(cfg)
	workerID := testWorkerID()

	o, err := svc.Open(ctx, workerID)
	require.NoError(t, err)
	_, err = o.Append(ctx, &CreateEntry{WorkerID: workerID})
	require.NoError(t, err)
	for i := 2; i <= 12; i++ {
		_, err = o.Append(ctx, &LogEntry{Message: fmt.Sprintf("entry %d", i)})
		require.NoError(t, err)
	}
	require.NoError(t, o.Commit(ctx))
	require.NoError(t, svc.Archive(ctx, workerID))

	var all []IndexedEntry
	cursor := types.ScanCursor{}
	pages := 0
	for {
		entries, next, err := svc.ReadPage(ctx, workerID, cursor, 5)
		require.NoError(t, err)
		all = append(all, entries...)
		pages++
		if next == (types.ScanCursor{}) {
			break
		}
		cursor = next
	}
	require.Len(t, all, 12)
	assert.GreaterOrEqual(t, pages, 3)
	for i, e := range all {
		assert.Equal(t, types.OplogIndex(i+1), e.Index)
	}
}

func TestCopyPrefixForFork(t *testing.T) {
	ctx := context.Background()
	svc, _ := testService(DefaultConfig())
	source := testWorkerID()
	target := types.WorkerId{ComponentID: source.ComponentID, WorkerName: "w2"}

	o, err := svc.Open(ctx, source)
	require.NoError(t, err)
	_, err = o.Append(ctx, &CreateEntry{WorkerID: source})
	require.NoError(t, err)
	for i := 2; i <= 10; i++ {
		_, err = o.Append(ctx, &LogEntry{Message: fmt.Sprintf("entry %d", i)})
		require.NoError(t, err)
	}
	require.NoError(t, o.Commit(ctx))

	require.NoError(t, svc.CopyPrefix(ctx, source, target, 7))

	sourceEntries, err := svc.ReadRange(ctx, source, 1, 7)
	require.NoError(t, err)
	targetEntries, err := svc.ReadRange(ctx, target, 1, 100)
	require.NoError(t, err)
	require.Len(t, targetEntries, 7)
	for i := range targetEntries {
		assert.Equal(t, sourceEntries[i].Index, targetEntries[i].Index)
		assert.Equal(t, sourceEntries[i].At, targetEntries[i].At)
		assert.Equal(t, sourceEntries[i].Entry, targetEntries[i].Entry)
	}

	// Source is unchanged beyond the cut.
	all, err := svc.ReadRange(ctx, source, 1, 100)
	require.NoError(t, err)
	assert.Len(t, all, 10)

	// Cut-off below 2 and existing targets are rejected.
	err = svc.CopyPrefix(ctx, source, types.WorkerId{ComponentID: source.ComponentID, WorkerName: "w3"}, 1)
	assert.Error(t, err)
	err = svc.CopyPrefix(ctx, source, target, 5)
	assert.Error(t, err)
}

func TestDeleteRemovesAllLayers(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxPayloadSize = 4
	svc, backend := testService(cfg)
	workerID := testWorkerID()

	o, err := svc.Open(ctx, workerID)
	require.NoError(t, err)
	_, err = o.Append(ctx, &CreateEntry{WorkerID: workerID})
	require.NoError(t, err)
	_, err = o.Append(ctx, &SnapshotEntry{Data: NewPayload([]byte(`"a large snapshot payload"`))})
	require.NoError(t, err)
	require.NoError(t, o.Commit(ctx))

	require.NoError(t, svc.Delete(ctx, workerID))

	exists, err := svc.Exists(ctx, workerID)
	require.NoError(t, err)
	assert.False(t, exists)

	blobs, err := backend.Blob().ListBlobs(ctx, "oplog_payload/"+workerID.String()+"/")
	require.NoError(t, err)
	assert.Empty(t, blobs)
}

func TestCodecRoundTripPreservesTimestamps(t *testing.T) {
	at := Timestamp{Seconds: 1712345678, Nanos: 987654321}
	raw, err := encodeEntry(&LogEntry{Level: "warn", Context: "guest", Message: "hello"}, at)
	require.NoError(t, err)

	entry, decodedAt, err := decodeEntry(raw)
	require.NoError(t, err)
	assert.Equal(t, at, decodedAt)
	logEntry := entry.(*LogEntry)
	assert.Equal(t, "warn", logEntry.Level)
	assert.Equal(t, "hello", logEntry.Message)
}

func TestDecodeUnknownKindFails(t *testing.T) {
	_, _, err := decodeEntry([]byte(`{"v":1,"kind":"no-such-kind","at":{"s":0,"ns":0},"data":{}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown oplog entry kind")
}

func TestBrokenHandleAfterFailedCommit(t *testing.T) {
	ctx := context.Background()
	svc, backend := testService(DefaultConfig())
	workerID := testWorkerID()

	o, err := svc.Open(ctx, workerID)
	require.NoError(t, err)
	_, err = o.Append(ctx, &CreateEntry{WorkerID: workerID})
	require.NoError(t, err)
	require.NoError(t, o.Commit(ctx))

	// Poison the underlying stream so the next commit hits an index gap.
	require.NoError(t, backend.Indexed().Append(ctx, primaryStream(workerID), 2, []byte("{}")))

	_, err = o.Append(ctx, &LogEntry{Message: "will fail"})
	require.NoError(t, err)
	require.Error(t, o.Commit(ctx))

	// The handle stays broken; in-memory worker state must be discarded.
	_, err = o.Append(ctx, &LogEntry{Message: "after"})
	assert.Error(t, err)
}
