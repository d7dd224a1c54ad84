package oplog

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/golemcloud/golem-sub021/pkg/apperror"
	"github.com/golemcloud/golem-sub021/pkg/log"
	"github.com/golemcloud/golem-sub021/pkg/metrics"
	"github.com/golemcloud/golem-sub021/pkg/storage"
	"github.com/golemcloud/golem-sub021/pkg/types"
)

// Config controls batching, payload offloading and archival.
type Config struct {
	// MaxOperationsBeforeCommit is how many entries may be staged in
	// memory before a flush is forced. The durability barrier (Commit)
	// is stricter: it is always forced before externally observable
	// actions regardless of this limit.
	MaxOperationsBeforeCommit int
	// MaxPayloadSize is the largest payload stored inline; larger ones
	// go to blob storage under their content hash.
	MaxPayloadSize int
	// ArchiveLayers enables tiered archival: 0 disables it, 1 adds the
	// compressed-indexed layer, 2 additionally adds the blob layer.
	ArchiveLayers int
	// ArchiveThreshold is the primary entry count that triggers
	// migration of the oldest prefix into the first archive layer.
	ArchiveThreshold uint64
	// ArchiveKeep is how many newest entries stay in the primary after a
	// migration.
	ArchiveKeep uint64
	// CompressedLayerThreshold triggers migration from the compressed
	// layer into the blob layer.
	CompressedLayerThreshold uint64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxOperationsBeforeCommit: 16,
		MaxPayloadSize:            64 * 1024,
		ArchiveLayers:             2,
		ArchiveThreshold:          4096,
		ArchiveKeep:               1024,
		CompressedLayerThreshold:  16384,
	}
}

// IndexedEntry is an entry together with its position and timestamp.
type IndexedEntry struct {
	Index types.OplogIndex
	At    Timestamp
	Entry Entry
}

// Service manages the oplogs of all workers on this host.
type Service struct {
	indexed storage.IndexedStorage
	blobs   storage.BlobStorage
	cfg     Config
	logger  zerolog.Logger

	mu   sync.Mutex
	open map[types.WorkerId]*Oplog
}

// NewService creates the oplog service on top of the given storage.
func NewService(indexed storage.IndexedStorage, blobs storage.BlobStorage, cfg Config) *Service {
	return &Service{
		indexed: indexed,
		blobs:   blobs,
		cfg:     cfg,
		logger:  log.WithComponent("oplog"),
		open:    make(map[types.WorkerId]*Oplog),
	}
}

func primaryStream(workerID types.WorkerId) string {
	return "oplog:" + workerID.String()
}

func compressedStream(workerID types.WorkerId) string {
	return "oplog_compressed:" + workerID.String()
}

func chunkPrefix(workerID types.WorkerId) string {
	return "oplog_archive/" + workerID.String() + "/"
}

func payloadPath(workerID types.WorkerId, hash string) string {
	return "oplog_payload/" + workerID.String() + "/" + hash
}

// Open returns the exclusive handle for a worker's oplog, creating the
// in-memory state on first use. The handle serializes all appends under its
// own mutex; shard ownership guarantees no other host opens the same log.
func (s *Service) Open(ctx context.Context, workerID types.WorkerId) (*Oplog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.open[workerID]; ok {
		return o, nil
	}
	last, err := s.tailIndex(ctx, workerID)
	if err != nil {
		return nil, err
	}
	o := &Oplog{
		svc:       s,
		workerID:  workerID,
		lastIndex: last,
		committed: last,
	}
	s.open[workerID] = o
	return o, nil
}

// Release drops the in-memory handle. The owner must have committed or
// discarded all staged entries first.
func (s *Service) Release(workerID types.WorkerId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, workerID)
}

// Exists reports whether any oplog data exists for the worker.
func (s *Service) Exists(ctx context.Context, workerID types.WorkerId) (bool, error) {
	if ok, err := s.indexed.StreamExists(ctx, primaryStream(workerID)); err != nil || ok {
		return ok, err
	}
	if ok, err := s.indexed.StreamExists(ctx, compressedStream(workerID)); err != nil || ok {
		return ok, err
	}
	chunks, err := s.blobs.ListBlobs(ctx, chunkPrefix(workerID))
	if err != nil {
		return false, err
	}
	return len(chunks) > 0, nil
}

// Delete removes every trace of a worker's oplog across all layers,
// including offloaded payloads.
func (s *Service) Delete(ctx context.Context, workerID types.WorkerId) error {
	s.Release(workerID)
	if err := s.indexed.Drop(ctx, primaryStream(workerID)); err != nil {
		return err
	}
	if err := s.indexed.Drop(ctx, compressedStream(workerID)); err != nil {
		return err
	}
	for _, prefix := range []string{chunkPrefix(workerID), "oplog_payload/" + workerID.String() + "/"} {
		paths, err := s.blobs.ListBlobs(ctx, prefix)
		if err != nil {
			return err
		}
		for _, p := range paths {
			if err := s.blobs.DeleteBlob(ctx, p); err != nil {
				return err
			}
		}
	}
	return nil
}

// tailIndex returns the newest committed index across all layers.
func (s *Service) tailIndex(ctx context.Context, workerID types.WorkerId) (types.OplogIndex, error) {
	last, err := s.indexed.LastIndex(ctx, primaryStream(workerID))
	if err != nil {
		return 0, err
	}
	if last != 0 {
		return types.OplogIndex(last), nil
	}
	last, err = s.indexed.LastIndex(ctx, compressedStream(workerID))
	if err != nil {
		return 0, err
	}
	if last != 0 {
		return types.OplogIndex(last), nil
	}
	_, chunkLast, err := s.chunkBounds(ctx, workerID)
	return types.OplogIndex(chunkLast), err
}

// ResolvePayload returns the raw bytes of a payload, fetching offloaded
// ones from blob storage. A missing blob is fatal for the worker.
func (s *Service) ResolvePayload(ctx context.Context, workerID types.WorkerId, p Payload) ([]byte, error) {
	if p.Ref == nil {
		return p.Inline, nil
	}
	data, err := s.blobs.GetBlob(ctx, payloadPath(workerID, p.Ref.Hash))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperror.Newf(apperror.CodePayloadLost,
				"out-of-line payload %s of worker %s is unrecoverable", p.Ref.Hash, workerID)
		}
		return nil, err
	}
	return data, nil
}

// CopyPrefix copies entries [1, cutOff] of the source oplog into a fresh
// target oplog, preserving timestamps. Used by fork.
func (s *Service) CopyPrefix(ctx context.Context, source, target types.WorkerId, cutOff types.OplogIndex) error {
	if cutOff < 2 {
		return apperror.Newf(apperror.CodeInvalidRequest, "fork cut-off must be at least 2, got %d", cutOff)
	}
	exists, err := s.Exists(ctx, target)
	if err != nil {
		return err
	}
	if exists {
		return apperror.Newf(apperror.CodeWorkerAlreadyExists, "worker %s already exists", target)
	}
	entries, err := s.ReadRange(ctx, source, types.OplogIndexInitial, uint64(cutOff))
	if err != nil {
		return err
	}
	if uint64(len(entries)) < uint64(cutOff) {
		return apperror.Newf(apperror.CodeInvalidRequest,
			"fork cut-off %d exceeds oplog length %d of %s", cutOff, len(entries), source)
	}
	for _, e := range entries {
		// Offloaded payloads are copied under the target's namespace so
		// that deleting the source never orphans the fork.
		for _, p := range payloadFields(e.Entry) {
			if p.Ref == nil {
				continue
			}
			data, err := s.ResolvePayload(ctx, source, *p)
			if err != nil {
				return err
			}
			if err := s.blobs.PutBlob(ctx, payloadPath(target, p.Ref.Hash), data); err != nil {
				return err
			}
		}
		raw, err := encodeEntry(e.Entry, e.At)
		if err != nil {
			return err
		}
		if err := s.indexed.Append(ctx, primaryStream(target), uint64(e.Index), raw); err != nil {
			return err
		}
	}
	return nil
}

// Oplog is the exclusive append handle plus read view of one worker's log.
// All methods are safe for concurrent use; appends are serialized.
type Oplog struct {
	svc      *Service
	workerID types.WorkerId

	mu        sync.Mutex
	staged    []stagedEntry
	lastIndex types.OplogIndex // newest assigned index, including staged
	committed types.OplogIndex // newest durable index
	broken    bool
}

type stagedEntry struct {
	index types.OplogIndex
	at    Timestamp
	entry Entry
}

// WorkerID returns the owner of this oplog.
func (o *Oplog) WorkerID() types.WorkerId {
	return o.workerID
}

// Append stages entries and assigns their indices. When the staged batch
// reaches MaxOperationsBeforeCommit it is flushed immediately. The returned
// index is that of the last appended entry.
func (o *Oplog) Append(ctx context.Context, entries ...Entry) (types.OplogIndex, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.broken {
		return 0, apperror.New(apperror.CodeOplogCorrupt, "oplog handle is broken after a failed commit")
	}
	for _, e := range entries {
		o.lastIndex = o.lastIndex.Next()
		o.staged = append(o.staged, stagedEntry{index: o.lastIndex, at: Now(), entry: e})
	}
	if len(o.staged) >= o.svc.cfg.MaxOperationsBeforeCommit {
		if err := o.commitLocked(ctx); err != nil {
			return 0, err
		}
	}
	return o.lastIndex, nil
}

// Commit is the durability barrier: it offloads large payloads
// (payload-first) and flushes every staged entry. It must run before any
// externally observable action. A failure poisons the handle; the caller
// must discard all in-memory worker state.
func (o *Oplog) Commit(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.commitLocked(ctx)
}

func (o *Oplog) commitLocked(ctx context.Context) error {
	if o.broken {
		return apperror.New(apperror.CodeOplogCorrupt, "oplog handle is broken after a failed commit")
	}
	for len(o.staged) > 0 {
		s := o.staged[0]
		for _, p := range payloadFields(s.entry) {
			if err := o.offloadPayload(ctx, p); err != nil {
				o.broken = true
				return err
			}
		}
		raw, err := encodeEntry(s.entry, s.at)
		if err != nil {
			o.broken = true
			return err
		}
		if err := o.svc.indexed.Append(ctx, primaryStream(o.workerID), uint64(s.index), raw); err != nil {
			o.broken = true
			return apperror.Wrap(apperror.CodeStorage, "oplog append failed", err)
		}
		o.staged = o.staged[1:]
		o.committed = s.index
		metrics.OplogEntriesAppended.Inc()
	}
	return nil
}

// offloadPayload moves an oversized payload into blob storage before the
// referring entry becomes visible. Never the reverse order.
func (o *Oplog) offloadPayload(ctx context.Context, p *Payload) error {
	if p.Ref != nil || len(p.Inline) <= o.svc.cfg.MaxPayloadSize {
		return nil
	}
	hash := storage.ContentHash(p.Inline)
	if err := o.svc.blobs.PutBlob(ctx, payloadPath(o.workerID, hash), p.Inline); err != nil {
		return apperror.Wrap(apperror.CodeStorage, "payload offload failed", err)
	}
	p.Ref = &PayloadRef{Hash: hash, Size: int64(len(p.Inline))}
	p.Inline = nil
	metrics.OplogPayloadsOffloaded.Inc()
	return nil
}

// Discard drops staged entries without writing them; the in-memory indices
// rewind to the committed tail. Used when a worker is torn down after a
// failure.
func (o *Oplog) Discard() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.staged = nil
	o.lastIndex = o.committed
}

// CurrentIndex is the newest assigned index including staged entries.
func (o *Oplog) CurrentIndex() types.OplogIndex {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastIndex
}

// CommittedIndex is the newest durable index.
func (o *Oplog) CommittedIndex() types.OplogIndex {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.committed
}

// Length is the total number of entries. Indices are dense from 1, so the
// length always equals the newest index.
func (o *Oplog) Length() uint64 {
	return uint64(o.CurrentIndex())
}

// Read returns up to count committed entries starting at from, transparently
// spanning archive layers.
func (o *Oplog) Read(ctx context.Context, from types.OplogIndex, count uint64) ([]IndexedEntry, error) {
	return o.svc.ReadRange(ctx, o.workerID, from, count)
}

// ReadAll returns the whole committed log.
func (o *Oplog) ReadAll(ctx context.Context) ([]IndexedEntry, error) {
	return o.Read(ctx, types.OplogIndexInitial, uint64(o.CommittedIndex()))
}
