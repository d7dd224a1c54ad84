package promise

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golemcloud/golem-sub021/pkg/apperror"
	"github.com/golemcloud/golem-sub021/pkg/storage"
	"github.com/golemcloud/golem-sub021/pkg/types"
)

func testPromiseID(index types.OplogIndex) types.PromiseId {
	return types.PromiseId{
		WorkerID:   types.WorkerId{ComponentID: types.NewComponentId(), WorkerName: "w1"},
		OplogIndex: index,
	}
}

func TestCompleteOnce(t *testing.T) {
	ctx := context.Background()
	svc := NewService(storage.NewMemoryStorage().KeyValue())
	id := testPromiseID(5)

	require.NoError(t, svc.Create(ctx, id))

	completed, err := svc.Complete(ctx, id, []byte("first"))
	require.NoError(t, err)
	assert.True(t, completed)

	// Second completion loses; the original payload wins.
	completed, err = svc.Complete(ctx, id, []byte("second"))
	require.NoError(t, err)
	assert.False(t, completed)

	p, err := svc.Poll(ctx, id)
	require.NoError(t, err)
	assert.True(t, p.Completed)
	assert.Equal(t, []byte("first"), p.Payload)
}

func TestCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := NewService(storage.NewMemoryStorage().KeyValue())
	id := testPromiseID(3)

	require.NoError(t, svc.Create(ctx, id))
	_, err := svc.Complete(ctx, id, []byte("v"))
	require.NoError(t, err)

	// A replayed worker re-creates the promise; completion must survive.
	require.NoError(t, svc.Create(ctx, id))
	p, err := svc.Poll(ctx, id)
	require.NoError(t, err)
	assert.True(t, p.Completed)
}

func TestCompleteUnknownPromise(t *testing.T) {
	ctx := context.Background()
	svc := NewService(storage.NewMemoryStorage().KeyValue())

	_, err := svc.Complete(ctx, testPromiseID(1), nil)
	assert.True(t, apperror.HasCode(err, apperror.CodePromiseNotFound))
}

func TestAwaitWakesOnCompletion(t *testing.T) {
	ctx := context.Background()
	svc := NewService(storage.NewMemoryStorage().KeyValue())
	id := testPromiseID(7)
	require.NoError(t, svc.Create(ctx, id))

	var wg sync.WaitGroup
	results := make([][]byte, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload, err := svc.Await(ctx, id)
			require.NoError(t, err)
			results[i] = payload
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	_, err := svc.Complete(ctx, id, []byte("done"))
	require.NoError(t, err)
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, []byte("done"), r)
	}
}

func TestAwaitAlreadyCompleted(t *testing.T) {
	ctx := context.Background()
	svc := NewService(storage.NewMemoryStorage().KeyValue())
	id := testPromiseID(2)
	require.NoError(t, svc.Create(ctx, id))
	_, err := svc.Complete(ctx, id, []byte("v"))
	require.NoError(t, err)

	payload, err := svc.Await(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), payload)
}

func TestAwaitCancellation(t *testing.T) {
	svc := NewService(storage.NewMemoryStorage().KeyValue())
	id := testPromiseID(9)
	require.NoError(t, svc.Create(context.Background(), id))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.Await(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCompletionHandlerFires(t *testing.T) {
	ctx := context.Background()
	svc := NewService(storage.NewMemoryStorage().KeyValue())
	id := testPromiseID(4)
	require.NoError(t, svc.Create(ctx, id))

	fired := make(chan types.PromiseId, 1)
	svc.SetCompletionHandler(func(completed types.PromiseId) {
		fired <- completed
	})

	_, err := svc.Complete(ctx, id, nil)
	require.NoError(t, err)

	select {
	case got := <-fired:
		assert.Equal(t, id, got)
	case <-time.After(time.Second):
		t.Fatal("completion handler did not fire")
	}
}
