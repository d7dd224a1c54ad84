package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/golemcloud/golem-sub021/pkg/log"
	"github.com/golemcloud/golem-sub021/pkg/metrics"
	"github.com/golemcloud/golem-sub021/pkg/storage"
	"github.com/golemcloud/golem-sub021/pkg/types"
)

const bucket = "scheduled_actions"

// ActionKind is what a scheduled wake-up does.
type ActionKind string

const (
	ActionResumeSuspended ActionKind = "resume-suspended"
	ActionExpirePromise   ActionKind = "expire-promise"
	ActionFireInvocation  ActionKind = "fire-invocation"
	ActionRunArchival     ActionKind = "run-archival"
)

// Action is one persisted scheduled wake-up, keyed by (wake time, worker,
// kind).
type Action struct {
	ID        string          `json:"id"`
	WakeTime  time.Time       `json:"wake_time"`
	WorkerID  types.WorkerId  `json:"worker_id"`
	Kind      ActionKind      `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Cancelled bool            `json:"cancelled,omitempty"`
}

// Handler processes a due action.
type Handler func(ctx context.Context, action Action)

// Scheduler fires time-based actions: waking suspended workers, expiring
// promises, firing scheduled invocations and running oplog archival. Actions
// are persisted, so wake-ups missed during downtime fire immediately after
// restart.
type Scheduler struct {
	kv       storage.KeyValueStorage
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.RWMutex
	handler Handler
	stopCh  chan struct{}
	once    sync.Once
}

// New creates a scheduler polling at the given interval.
func New(kv storage.KeyValueStorage, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Scheduler{
		kv:       kv,
		interval: interval,
		logger:   log.WithComponent("scheduler"),
		stopCh:   make(chan struct{}),
	}
}

// SetHandler registers the action processor. Must be called before Start.
func (s *Scheduler) SetHandler(handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// Start begins the scheduler loop
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.fireDue(context.Background()); err != nil {
				s.logger.Error().Err(err).Msg("Scheduler cycle failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// actionKey builds the primary key: zero-padded wake nanos first so that
// lexicographic key order is wake order.
func actionKey(wakeTime time.Time, workerID types.WorkerId, kind ActionKind) string {
	return fmt.Sprintf("%020d|%s|%s", wakeTime.UnixNano(), workerID, kind)
}

// Schedule persists an action and returns its id. Scheduling the same
// (wake time, worker, kind) twice overwrites, which makes replayed
// schedule requests harmless.
func (s *Scheduler) Schedule(ctx context.Context, wakeTime time.Time, workerID types.WorkerId, kind ActionKind, payload json.RawMessage) (string, error) {
	action := Action{
		ID:       actionKey(wakeTime, workerID, kind),
		WakeTime: wakeTime,
		WorkerID: workerID,
		Kind:     kind,
		Payload:  payload,
	}
	data, err := json.Marshal(action)
	if err != nil {
		return "", err
	}
	if err := s.kv.Set(ctx, bucket, action.ID, data); err != nil {
		return "", err
	}
	return action.ID, nil
}

// Cancel tombstones a scheduled action. Unknown ids are a no-op.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	data, err := s.kv.Get(ctx, bucket, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	var action Action
	if err := json.Unmarshal(data, &action); err != nil {
		return err
	}
	action.Cancelled = true
	updated, err := json.Marshal(action)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, bucket, id, updated)
}

// fireDue pops and processes every action whose wake time has passed.
// Tombstoned actions are dropped without firing.
func (s *Scheduler) fireDue(ctx context.Context) error {
	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()

	keys, err := s.kv.Keys(ctx, bucket)
	if err != nil {
		return err
	}
	now := time.Now().UnixNano()
	for _, key := range keys {
		nanosStr, _, ok := strings.Cut(key, "|")
		if !ok {
			continue
		}
		nanos, err := strconv.ParseInt(nanosStr, 10, 64)
		if err != nil || nanos > now {
			// Keys sort by wake time; the first future key ends the
			// pass.
			break
		}
		data, err := s.kv.Get(ctx, bucket, key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return err
		}
		if err := s.kv.Delete(ctx, bucket, key); err != nil {
			return err
		}
		var action Action
		if err := json.Unmarshal(data, &action); err != nil {
			s.logger.Error().Err(err).Str("key", key).Msg("Dropping undecodable scheduled action")
			continue
		}
		if action.Cancelled {
			continue
		}
		metrics.ScheduledActionsTotal.WithLabelValues(string(action.Kind)).Inc()
		if handler != nil {
			handler(ctx, action)
		}
	}
	return nil
}

// Pending lists actions not yet fired, in wake order. Mostly for tests and
// diagnostics.
func (s *Scheduler) Pending(ctx context.Context) ([]Action, error) {
	keys, err := s.kv.Keys(ctx, bucket)
	if err != nil {
		return nil, err
	}
	var actions []Action
	for _, key := range keys {
		data, err := s.kv.Get(ctx, bucket, key)
		if err != nil {
			continue
		}
		var action Action
		if err := json.Unmarshal(data, &action); err != nil {
			continue
		}
		actions = append(actions, action)
	}
	return actions, nil
}
