package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golemcloud/golem-sub021/pkg/storage"
	"github.com/golemcloud/golem-sub021/pkg/types"
)

func testWorkerID(name string) types.WorkerId {
	return types.WorkerId{ComponentID: types.ComponentId{}, WorkerName: name}
}

type recorder struct {
	mu      sync.Mutex
	actions []Action
}

func (r *recorder) handle(_ context.Context, action Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
}

func (r *recorder) snapshot() []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Action{}, r.actions...)
}

func TestDueActionsFireInWakeOrder(t *testing.T) {
	ctx := context.Background()
	s := New(storage.NewMemoryStorage().KeyValue(), 5*time.Millisecond)
	rec := &recorder{}
	s.SetHandler(rec.handle)

	base := time.Now().Add(-time.Second)
	_, err := s.Schedule(ctx, base.Add(20*time.Millisecond), testWorkerID("b"), ActionRunArchival, nil)
	require.NoError(t, err)
	_, err = s.Schedule(ctx, base, testWorkerID("a"), ActionResumeSuspended, nil)
	require.NoError(t, err)

	require.NoError(t, s.fireDue(ctx))

	actions := rec.snapshot()
	require.Len(t, actions, 2)
	assert.Equal(t, ActionResumeSuspended, actions[0].Kind)
	assert.Equal(t, ActionRunArchival, actions[1].Kind)

	// Fired actions are gone.
	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFutureActionsDoNotFire(t *testing.T) {
	ctx := context.Background()
	s := New(storage.NewMemoryStorage().KeyValue(), time.Hour)
	rec := &recorder{}
	s.SetHandler(rec.handle)

	_, err := s.Schedule(ctx, time.Now().Add(time.Hour), testWorkerID("w"), ActionExpirePromise, nil)
	require.NoError(t, err)

	require.NoError(t, s.fireDue(ctx))
	assert.Empty(t, rec.snapshot())

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestCancelledActionLeavesTombstone(t *testing.T) {
	ctx := context.Background()
	s := New(storage.NewMemoryStorage().KeyValue(), time.Hour)
	rec := &recorder{}
	s.SetHandler(rec.handle)

	id, err := s.Schedule(ctx, time.Now().Add(-time.Second), testWorkerID("w"), ActionFireInvocation, nil)
	require.NoError(t, err)
	require.NoError(t, s.Cancel(ctx, id))

	require.NoError(t, s.fireDue(ctx))
	assert.Empty(t, rec.snapshot(), "cancelled actions must not fire")

	// Unknown ids are a no-op.
	assert.NoError(t, s.Cancel(ctx, "00000000000000000001|nobody|resume-suspended"))
}

func TestMissedWakeUpsFireAfterRestart(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStorage().KeyValue()

	// First scheduler persists an action due in the past, then "crashes"
	// without firing it.
	first := New(kv, time.Hour)
	_, err := first.Schedule(ctx, time.Now().Add(-time.Minute), testWorkerID("w"), ActionResumeSuspended, nil)
	require.NoError(t, err)

	// A fresh scheduler over the same storage fires it immediately.
	second := New(kv, time.Millisecond)
	rec := &recorder{}
	second.SetHandler(rec.handle)
	second.Start()
	defer second.Stop()

	assert.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestScheduleSameKeyOverwrites(t *testing.T) {
	ctx := context.Background()
	s := New(storage.NewMemoryStorage().KeyValue(), time.Hour)

	at := time.Now().Add(time.Hour)
	id1, err := s.Schedule(ctx, at, testWorkerID("w"), ActionResumeSuspended, nil)
	require.NoError(t, err)
	id2, err := s.Schedule(ctx, at, testWorkerID("w"), ActionResumeSuspended, nil)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
