package promise

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/golemcloud/golem-sub021/pkg/apperror"
	"github.com/golemcloud/golem-sub021/pkg/log"
	"github.com/golemcloud/golem-sub021/pkg/storage"
	"github.com/golemcloud/golem-sub021/pkg/types"
)

const bucket = "promises"

// Promise is an externally completable handle anchored at the oplog index
// of its creation.
type Promise struct {
	ID        types.PromiseId `json:"id"`
	Completed bool            `json:"completed"`
	Payload   []byte          `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Service stores promises durably and wakes in-process waiters on
// completion.
type Service struct {
	kv     storage.KeyValueStorage
	logger zerolog.Logger

	mu        sync.Mutex
	waiters   map[types.PromiseId][]chan []byte
	onComplete func(types.PromiseId)
}

// NewService creates the promise service.
func NewService(kv storage.KeyValueStorage) *Service {
	return &Service{
		kv:      kv,
		logger:  log.WithComponent("promise"),
		waiters: make(map[types.PromiseId][]chan []byte),
	}
}

// SetCompletionHandler registers a callback fired after a successful
// completion; the executor uses it to wake suspended workers.
func (s *Service) SetCompletionHandler(handler func(types.PromiseId)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = handler
}

// Create registers a new incomplete promise. Creating the same promise
// twice is a no-op: the id encodes its oplog position, so a replayed worker
// re-creates exactly the same promise.
func (s *Service) Create(ctx context.Context, id types.PromiseId) error {
	if _, err := s.get(ctx, id); err == nil {
		return nil
	} else if !apperror.HasCode(err, apperror.CodePromiseNotFound) {
		return err
	}
	return s.put(ctx, &Promise{ID: id, CreatedAt: time.Now()})
}

// Complete fulfils a promise. Returns true when this call completed it,
// false when it was already complete (the original payload wins).
func (s *Service) Complete(ctx context.Context, id types.PromiseId, payload []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.get(ctx, id)
	if err != nil {
		return false, err
	}
	if p.Completed {
		return false, nil
	}
	p.Completed = true
	p.Payload = payload
	if err := s.put(ctx, p); err != nil {
		return false, err
	}

	for _, waiter := range s.waiters[id] {
		waiter <- payload
		close(waiter)
	}
	delete(s.waiters, id)

	if s.onComplete != nil {
		handler := s.onComplete
		go handler(id)
	}
	return true, nil
}

// Poll returns the current state of a promise.
func (s *Service) Poll(ctx context.Context, id types.PromiseId) (*Promise, error) {
	return s.get(ctx, id)
}

// Await blocks until the promise completes or the context is cancelled.
func (s *Service) Await(ctx context.Context, id types.PromiseId) ([]byte, error) {
	s.mu.Lock()
	p, err := s.get(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if p.Completed {
		s.mu.Unlock()
		return p.Payload, nil
	}
	waiter := make(chan []byte, 1)
	s.waiters[id] = append(s.waiters[id], waiter)
	s.mu.Unlock()

	select {
	case payload := <-waiter:
		return payload, nil
	case <-ctx.Done():
		s.mu.Lock()
		remaining := s.waiters[id][:0]
		for _, w := range s.waiters[id] {
			if w != waiter {
				remaining = append(remaining, w)
			}
		}
		s.waiters[id] = remaining
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Delete removes a promise, completed or not.
func (s *Service) Delete(ctx context.Context, id types.PromiseId) error {
	return s.kv.Delete(ctx, bucket, id.String())
}

func (s *Service) get(ctx context.Context, id types.PromiseId) (*Promise, error) {
	data, err := s.kv.Get(ctx, bucket, id.String())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperror.Newf(apperror.CodePromiseNotFound, "promise %s does not exist", id)
		}
		return nil, err
	}
	var p Promise
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Service) put(ctx context.Context, p *Promise) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, bucket, p.ID.String(), data)
}
