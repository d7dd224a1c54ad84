package oplog

import (
	"context"

	"github.com/golemcloud/golem-sub021/pkg/types"
)

// searchScanBatch bounds how many entries one search page scans at a time.
const searchScanBatch = 256

// Search evaluates a query over the whole oplog of a worker.
func (s *Service) Search(ctx context.Context, workerID types.WorkerId, query string) ([]IndexedEntry, error) {
	q, err := ParseQuery(query)
	if err != nil {
		return nil, err
	}
	tail, err := s.tailIndex(ctx, workerID)
	if err != nil {
		return nil, err
	}
	entries, err := s.ReadRange(ctx, workerID, types.OplogIndexInitial, uint64(tail))
	if err != nil {
		return nil, err
	}
	var matched []IndexedEntry
	for _, e := range entries {
		resolved, err := s.resolveEntryPayloads(ctx, workerID, e)
		if err != nil {
			return nil, err
		}
		if Matches(resolved.Entry, q) {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

// SearchPage scans forward from the cursor collecting up to count matches.
// The returned cursor resumes the scan; it is zero when the log is
// exhausted.
func (s *Service) SearchPage(ctx context.Context, workerID types.WorkerId, query string, cursor types.ScanCursor, count uint64) ([]IndexedEntry, types.ScanCursor, error) {
	q, err := ParseQuery(query)
	if err != nil {
		return nil, types.ScanCursor{}, err
	}
	var matched []IndexedEntry
	for uint64(len(matched)) < count {
		entries, next, err := s.ReadPage(ctx, workerID, cursor, searchScanBatch)
		if err != nil {
			return nil, types.ScanCursor{}, err
		}
		for _, e := range entries {
			if uint64(len(matched)) >= count {
				// Resume from the first unscanned entry next page.
				return matched, types.ScanCursor{Layer: cursor.Layer, Offset: uint64(e.Index)}, nil
			}
			resolved, err := s.resolveEntryPayloads(ctx, workerID, e)
			if err != nil {
				return nil, types.ScanCursor{}, err
			}
			if Matches(resolved.Entry, q) {
				matched = append(matched, e)
			}
		}
		cursor = next
		if cursor == (types.ScanCursor{}) {
			break
		}
	}
	return matched, cursor, nil
}

// resolveEntryPayloads returns a copy of the entry with offloaded payloads
// fetched inline so the matcher can see them. The original entry is left
// untouched.
func (s *Service) resolveEntryPayloads(ctx context.Context, workerID types.WorkerId, e IndexedEntry) (IndexedEntry, error) {
	refs := payloadFields(e.Entry)
	needsResolve := false
	for _, p := range refs {
		if p.Ref != nil {
			needsResolve = true
			break
		}
	}
	if !needsResolve {
		return e, nil
	}
	raw, err := encodeEntry(e.Entry, e.At)
	if err != nil {
		return e, err
	}
	clone, at, err := decodeEntry(raw)
	if err != nil {
		return e, err
	}
	for _, p := range payloadFields(clone) {
		if p.Ref == nil {
			continue
		}
		data, err := s.ResolvePayload(ctx, workerID, *p)
		if err != nil {
			return e, err
		}
		p.Inline = data
		p.Ref = nil
	}
	return IndexedEntry{Index: e.Index, At: at, Entry: clone}, nil
}
