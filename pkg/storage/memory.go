package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStorage keeps everything in process memory. Used in tests and as the
// default backend for single-host development.
type MemoryStorage struct {
	blob    *memoryBlob
	kv      *memoryKV
	indexed *memoryIndexed
}

// NewMemoryStorage creates an empty in-memory backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		blob:    &memoryBlob{blobs: make(map[string][]byte)},
		kv:      &memoryKV{buckets: make(map[string]map[string][]byte)},
		indexed: &memoryIndexed{streams: make(map[string]*memoryStream)},
	}
}

func (s *MemoryStorage) Blob() BlobStorage          { return s.blob }
func (s *MemoryStorage) KeyValue() KeyValueStorage  { return s.kv }
func (s *MemoryStorage) Indexed() IndexedStorage    { return s.indexed }
func (s *MemoryStorage) Close() error               { return nil }

type memoryBlob struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func (b *memoryBlob) PutBlob(_ context.Context, path string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	b.blobs[path] = cp
	return nil
}

func (b *memoryBlob) GetBlob(_ context.Context, path string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.blobs[path]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (b *memoryBlob) DeleteBlob(_ context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, path)
	return nil
}

func (b *memoryBlob) BlobExists(_ context.Context, path string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.blobs[path]
	return ok, nil
}

func (b *memoryBlob) ListBlobs(_ context.Context, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var paths []string
	for path := range b.blobs {
		if strings.HasPrefix(path, prefix) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

type memoryKV struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

func (k *memoryKV) Get(_ context.Context, bucket, key string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	b, ok := k.buckets[bucket]
	if !ok {
		return nil, ErrNotFound
	}
	data, ok := b[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (k *memoryKV) Set(_ context.Context, bucket, key string, value []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	b, ok := k.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		k.buckets[bucket] = b
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	b[key] = cp
	return nil
}

func (k *memoryKV) Delete(_ context.Context, bucket, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if b, ok := k.buckets[bucket]; ok {
		delete(b, key)
	}
	return nil
}

func (k *memoryKV) Keys(_ context.Context, bucket string) ([]string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	b, ok := k.buckets[bucket]
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(b))
	for key := range b {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

type memoryStream struct {
	first   uint64
	last    uint64
	entries map[uint64][]byte
}

type memoryIndexed struct {
	mu      sync.RWMutex
	streams map[string]*memoryStream
}

func (m *memoryIndexed) Append(_ context.Context, stream string, index uint64, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[stream]
	if !ok || len(s.entries) == 0 {
		s = &memoryStream{first: index, last: index, entries: make(map[uint64][]byte)}
		m.streams[stream] = s
	} else {
		if index != s.last+1 {
			return ErrIndexGap
		}
		s.last = index
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.entries[index] = cp
	return nil
}

func (m *memoryIndexed) Read(_ context.Context, stream string, from, count uint64) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[stream]
	if !ok {
		return nil, nil
	}
	var out [][]byte
	for i := from; i < from+count && i <= s.last; i++ {
		data, ok := s.entries[i]
		if !ok {
			if len(out) == 0 {
				continue // before the trimmed prefix
			}
			return nil, ErrIndexGap
		}
		cp := make([]byte, len(data))
		copy(cp, data)
		out = append(out, cp)
	}
	return out, nil
}

func (m *memoryIndexed) FirstIndex(_ context.Context, stream string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[stream]
	if !ok || len(s.entries) == 0 {
		return 0, nil
	}
	return s.first, nil
}

func (m *memoryIndexed) LastIndex(_ context.Context, stream string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[stream]
	if !ok || len(s.entries) == 0 {
		return 0, nil
	}
	return s.last, nil
}

func (m *memoryIndexed) Length(_ context.Context, stream string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[stream]
	if !ok {
		return 0, nil
	}
	return uint64(len(s.entries)), nil
}

func (m *memoryIndexed) Trim(_ context.Context, stream string, toInclusive uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[stream]
	if !ok {
		return nil
	}
	for i := s.first; i <= toInclusive && i <= s.last; i++ {
		delete(s.entries, i)
	}
	if toInclusive >= s.first {
		s.first = toInclusive + 1
	}
	return nil
}

func (m *memoryIndexed) Drop(_ context.Context, stream string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, stream)
	return nil
}

func (m *memoryIndexed) StreamExists(_ context.Context, stream string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[stream]
	return ok && len(s.entries) > 0, nil
}
