package oplog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/golemcloud/golem-sub021/pkg/apperror"
	"github.com/golemcloud/golem-sub021/pkg/metrics"
	"github.com/golemcloud/golem-sub021/pkg/types"
)

// The oplog is tiered: the primary indexed stream holds the newest suffix,
// the compressed-indexed layer holds older entries (one zstd frame each),
// and the blob layer holds the oldest prefix as compressed chunks. Writes
// always go to the primary; reads span layers transparently.

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// archiveChunk is the blob-layer unit: a dense run of envelopes.
type archiveChunk struct {
	First   uint64            `json:"first"`
	Last    uint64            `json:"last"`
	Entries []json.RawMessage `json:"entries"`
}

func chunkPath(workerID types.WorkerId, first, last uint64) string {
	return fmt.Sprintf("%s%020d-%020d", chunkPrefix(workerID), first, last)
}

func parseChunkName(name string) (first, last uint64, ok bool) {
	base := name[strings.LastIndex(name, "/")+1:]
	if _, err := fmt.Sscanf(base, "%d-%d", &first, &last); err != nil {
		return 0, 0, false
	}
	return first, last, true
}

// chunkBounds returns the index range covered by the blob layer, or zeros.
func (s *Service) chunkBounds(ctx context.Context, workerID types.WorkerId) (first, last uint64, err error) {
	names, err := s.blobs.ListBlobs(ctx, chunkPrefix(workerID))
	if err != nil {
		return 0, 0, err
	}
	for _, name := range names {
		f, l, ok := parseChunkName(name)
		if !ok {
			continue
		}
		if first == 0 || f < first {
			first = f
		}
		if l > last {
			last = l
		}
	}
	return first, last, nil
}

func (s *Service) decodeIndexed(raw []byte, index uint64) (IndexedEntry, error) {
	entry, at, err := decodeEntry(raw)
	if err != nil {
		return IndexedEntry{}, apperror.Wrap(apperror.CodeOplogCorrupt,
			fmt.Sprintf("oplog entry %d is undecodable", index), err)
	}
	return IndexedEntry{Index: types.OplogIndex(index), At: at, Entry: entry}, nil
}

// readChunkLayer reads entries [from, from+count) that live in the blob
// layer, appending them to out. Returns the updated out slice and the next
// index still to read.
func (s *Service) readChunkLayer(ctx context.Context, workerID types.WorkerId, out []IndexedEntry, from, limit uint64) ([]IndexedEntry, uint64, error) {
	names, err := s.blobs.ListBlobs(ctx, chunkPrefix(workerID))
	if err != nil {
		return out, from, err
	}
	sort.Strings(names) // zero-padded ranges sort by first index
	for _, name := range names {
		if uint64(len(out)) >= limit {
			break
		}
		_, last, ok := parseChunkName(name)
		if !ok || last < from {
			continue
		}
		compressed, err := s.blobs.GetBlob(ctx, name)
		if err != nil {
			return out, from, apperror.Wrap(apperror.CodeOplogCorrupt, "archive chunk unreadable", err)
		}
		raw, err := zstdDecoder.DecodeAll(compressed, nil)
		if err != nil {
			return out, from, apperror.Wrap(apperror.CodeOplogCorrupt, "archive chunk undecodable", err)
		}
		var chunk archiveChunk
		if err := json.Unmarshal(raw, &chunk); err != nil {
			return out, from, apperror.Wrap(apperror.CodeOplogCorrupt, "archive chunk undecodable", err)
		}
		for i, entry := range chunk.Entries {
			idx := chunk.First + uint64(i)
			if idx < from || uint64(len(out)) >= limit {
				continue
			}
			decoded, err := s.decodeIndexed(entry, idx)
			if err != nil {
				return out, from, err
			}
			out = append(out, decoded)
			from = idx + 1
		}
	}
	return out, from, nil
}

// readIndexedLayer reads entries from an indexed stream (primary or
// compressed), appending to out until limit entries are gathered.
func (s *Service) readIndexedLayer(ctx context.Context, stream string, compressed bool, out []IndexedEntry, from, limit uint64) ([]IndexedEntry, uint64, error) {
	first, err := s.indexed.FirstIndex(ctx, stream)
	if err != nil || first == 0 {
		return out, from, err
	}
	last, err := s.indexed.LastIndex(ctx, stream)
	if err != nil {
		return out, from, err
	}
	start := from
	if start < first {
		start = first
	}
	if start > last || uint64(len(out)) >= limit {
		return out, from, nil
	}
	values, err := s.indexed.Read(ctx, stream, start, limit-uint64(len(out)))
	if err != nil {
		return out, from, apperror.Wrap(apperror.CodeOplogCorrupt, "oplog read failed", err)
	}
	for i, raw := range values {
		if compressed {
			raw, err = zstdDecoder.DecodeAll(raw, nil)
			if err != nil {
				return out, from, apperror.Wrap(apperror.CodeOplogCorrupt, "compressed oplog entry undecodable", err)
			}
		}
		decoded, err := s.decodeIndexed(raw, start+uint64(i))
		if err != nil {
			return out, from, err
		}
		out = append(out, decoded)
		from = start + uint64(i) + 1
	}
	return out, from, nil
}

// ReadRange returns up to count committed entries starting at from. The
// range must be dense across layers; a gap is reported as corruption.
func (s *Service) ReadRange(ctx context.Context, workerID types.WorkerId, from types.OplogIndex, count uint64) ([]IndexedEntry, error) {
	if from == types.OplogIndexNone {
		from = types.OplogIndexInitial
	}
	var (
		out []IndexedEntry
		cur = uint64(from)
		err error
	)
	out, cur, err = s.readChunkLayer(ctx, workerID, out, cur, count)
	if err != nil {
		return nil, err
	}
	out, cur, err = s.readIndexedLayer(ctx, compressedStream(workerID), true, out, cur, count)
	if err != nil {
		return nil, err
	}
	out, _, err = s.readIndexedLayer(ctx, primaryStream(workerID), false, out, cur, count)
	if err != nil {
		return nil, err
	}
	// Density check: entries must be consecutive from the first returned.
	for i := 1; i < len(out); i++ {
		if out[i].Index != out[i-1].Index+1 {
			return nil, apperror.Newf(apperror.CodeOplogCorrupt,
				"oplog of %s has a gap between %d and %d", workerID, out[i-1].Index, out[i].Index)
		}
	}
	metrics.OplogEntriesRead.Add(float64(len(out)))
	return out, nil
}

// ReadPage reads a page of entries for cursor-based scans. A zero cursor
// starts at the oldest entry; the returned cursor is zero when the scan is
// complete.
func (s *Service) ReadPage(ctx context.Context, workerID types.WorkerId, cursor types.ScanCursor, count uint64) ([]IndexedEntry, types.ScanCursor, error) {
	from := types.OplogIndex(cursor.Offset)
	if from == types.OplogIndexNone {
		from = types.OplogIndexInitial
	}
	entries, err := s.ReadRange(ctx, workerID, from, count)
	if err != nil {
		return nil, types.ScanCursor{}, err
	}
	if len(entries) == 0 {
		return nil, types.ScanCursor{}, nil
	}
	next := uint64(entries[len(entries)-1].Index) + 1
	tail, err := s.tailIndex(ctx, workerID)
	if err != nil {
		return nil, types.ScanCursor{}, err
	}
	if next > uint64(tail) {
		return entries, types.ScanCursor{}, nil
	}
	layer, err := s.layerOf(ctx, workerID, next)
	if err != nil {
		return nil, types.ScanCursor{}, err
	}
	return entries, types.ScanCursor{Layer: layer, Offset: next}, nil
}

// layerOf reports which layer currently holds the given index: 2 for the
// blob layer, 1 for the compressed layer, 0 for the primary.
func (s *Service) layerOf(ctx context.Context, workerID types.WorkerId, index uint64) (uint32, error) {
	_, chunkLast, err := s.chunkBounds(ctx, workerID)
	if err != nil {
		return 0, err
	}
	if chunkLast != 0 && index <= chunkLast {
		return 2, nil
	}
	compLast, err := s.indexed.LastIndex(ctx, compressedStream(workerID))
	if err != nil {
		return 0, err
	}
	if compLast != 0 && index <= compLast {
		return 1, nil
	}
	return 0, nil
}

// Archive runs one migration pass for a worker: the oldest primary prefix
// moves into the compressed layer, and an oversized compressed layer is
// folded into a blob chunk. Safe to run in the background; writes to the
// primary are unaffected.
func (s *Service) Archive(ctx context.Context, workerID types.WorkerId) error {
	if s.cfg.ArchiveLayers < 1 {
		return nil
	}
	primary := primaryStream(workerID)
	length, err := s.indexed.Length(ctx, primary)
	if err != nil {
		return err
	}
	if length > s.cfg.ArchiveThreshold {
		moveCount := length - s.cfg.ArchiveKeep
		first, err := s.indexed.FirstIndex(ctx, primary)
		if err != nil {
			return err
		}
		values, err := s.indexed.Read(ctx, primary, first, moveCount)
		if err != nil {
			return err
		}
		for i, raw := range values {
			compressed := zstdEncoder.EncodeAll(raw, nil)
			if err := s.indexed.Append(ctx, compressedStream(workerID), first+uint64(i), compressed); err != nil {
				return err
			}
		}
		if err := s.indexed.Trim(ctx, primary, first+moveCount-1); err != nil {
			return err
		}
		metrics.OplogEntriesArchived.Add(float64(moveCount))
		s.logger.Debug().
			Str("worker_id", workerID.String()).
			Uint64("moved", moveCount).
			Msg("Migrated oplog prefix to compressed layer")
	}

	if s.cfg.ArchiveLayers < 2 {
		return nil
	}
	compressed := compressedStream(workerID)
	compLength, err := s.indexed.Length(ctx, compressed)
	if err != nil {
		return err
	}
	if compLength <= s.cfg.CompressedLayerThreshold {
		return nil
	}
	first, err := s.indexed.FirstIndex(ctx, compressed)
	if err != nil {
		return err
	}
	last, err := s.indexed.LastIndex(ctx, compressed)
	if err != nil {
		return err
	}
	values, err := s.indexed.Read(ctx, compressed, first, compLength)
	if err != nil {
		return err
	}
	chunk := archiveChunk{First: first, Last: last, Entries: make([]json.RawMessage, 0, len(values))}
	for _, v := range values {
		raw, err := zstdDecoder.DecodeAll(v, nil)
		if err != nil {
			return apperror.Wrap(apperror.CodeOplogCorrupt, "compressed oplog entry undecodable", err)
		}
		chunk.Entries = append(chunk.Entries, json.RawMessage(raw))
	}
	encoded, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	// Chunk first, trim after: readers must never observe a hole.
	if err := s.blobs.PutBlob(ctx, chunkPath(workerID, first, last), zstdEncoder.EncodeAll(encoded, nil)); err != nil {
		return err
	}
	if err := s.indexed.Trim(ctx, compressed, last); err != nil {
		return err
	}
	s.logger.Debug().
		Str("worker_id", workerID.String()).
		Uint64("first", first).
		Uint64("last", last).
		Msg("Folded compressed oplog layer into archive chunk")
	return nil
}
