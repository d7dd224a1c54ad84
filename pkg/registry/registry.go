package registry

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/golemcloud/golem-sub021/pkg/log"
	"github.com/golemcloud/golem-sub021/pkg/metrics"
	"github.com/golemcloud/golem-sub021/pkg/types"
)

// Instance is a live worker held by the registry. The runtime's Worker
// satisfies this; the registry itself never looks inside.
type Instance interface {
	WorkerID() types.WorkerId
	Status() types.WorkerStatus
	// Passivate flushes state and releases the sandbox; called on
	// eviction.
	Passivate(ctx context.Context)
}

// Registry is the capacity-limited cache of live worker instances. Idle
// workers are evicted least-recently-used when the capacity is reached;
// running workers are never evicted.
type Registry struct {
	capacity int
	logger   zerolog.Logger

	mu      sync.Mutex
	entries map[types.WorkerId]*entry
	lru     *list.List // front = most recently used
}

type entry struct {
	instance Instance
	element  *list.Element
	ready    chan struct{}
	err      error
}

// New creates a registry holding at most capacity instances.
func New(capacity int) *Registry {
	return &Registry{
		capacity: capacity,
		logger:   log.WithComponent("registry"),
		entries:  make(map[types.WorkerId]*entry),
		lru:      list.New(),
	}
}

// GetOrCreate returns the live instance for a worker, activating it with
// create on first use. Concurrent callers share a single activation; losers
// wait for the winner's result.
func (r *Registry) GetOrCreate(ctx context.Context, workerID types.WorkerId, create func(context.Context) (Instance, error)) (Instance, error) {
	r.mu.Lock()
	if e, ok := r.entries[workerID]; ok {
		r.lru.MoveToFront(e.element)
		r.mu.Unlock()
		<-e.ready
		if e.err != nil {
			return nil, e.err
		}
		return e.instance, nil
	}

	e := &entry{ready: make(chan struct{})}
	e.element = r.lru.PushFront(workerID)
	r.entries[workerID] = e
	r.evictOverCapacityLocked(ctx)
	r.mu.Unlock()

	instance, err := create(ctx)

	r.mu.Lock()
	if err != nil {
		r.lru.Remove(e.element)
		delete(r.entries, workerID)
	} else {
		e.instance = instance
		metrics.ActiveWorkers.Set(float64(len(r.entries)))
	}
	e.err = err
	close(e.ready)
	r.mu.Unlock()

	return instance, err
}

// Get returns a live instance without activating anything.
func (r *Registry) Get(workerID types.WorkerId) (Instance, bool) {
	r.mu.Lock()
	e, ok := r.entries[workerID]
	if ok {
		r.lru.MoveToFront(e.element)
	}
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	<-e.ready
	if e.err != nil {
		return nil, false
	}
	return e.instance, true
}

// Remove drops an instance without passivating it; used after delete or
// when the instance already shut itself down.
func (r *Registry) Remove(workerID types.WorkerId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[workerID]; ok {
		r.lru.Remove(e.element)
		delete(r.entries, workerID)
		metrics.ActiveWorkers.Set(float64(len(r.entries)))
	}
}

// List snapshots the live instances.
func (r *Registry) List() []Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Instance, 0, len(r.entries))
	for _, e := range r.entries {
		select {
		case <-e.ready:
			if e.err == nil {
				out = append(out, e.instance)
			}
		default:
		}
	}
	return out
}

// Len returns the number of cached instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// evictOverCapacityLocked walks the LRU tail evicting passive workers until
// the registry fits its capacity. Running workers are skipped; if every
// instance is running the registry temporarily exceeds capacity rather than
// killing work in flight.
func (r *Registry) evictOverCapacityLocked(ctx context.Context) {
	if r.capacity <= 0 {
		return
	}
	for el := r.lru.Back(); el != nil && len(r.entries) > r.capacity; {
		prev := el.Prev()
		workerID := el.Value.(types.WorkerId)
		e := r.entries[workerID]
		if evictable(e) {
			r.lru.Remove(el)
			delete(r.entries, workerID)
			metrics.WorkerEvictions.Inc()
			r.logger.Debug().Str("worker_id", workerID.String()).Msg("Evicting idle worker")
			go e.instance.Passivate(ctx)
		}
		el = prev
	}
	metrics.ActiveWorkers.Set(float64(len(r.entries)))
}

func evictable(e *entry) bool {
	select {
	case <-e.ready:
	default:
		return false // still activating
	}
	if e.err != nil || e.instance == nil {
		return false
	}
	switch e.instance.Status() {
	case types.WorkerStatusRunning, types.WorkerStatusRetrying:
		return false
	default:
		return true
	}
}

// String implements fmt.Stringer for debug logs.
func (r *Registry) String() string {
	return fmt.Sprintf("registry(%d/%d)", r.Len(), r.capacity)
}
