package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *CommandQueue {
	t.Helper()
	cq := New(Config{})
	t.Cleanup(func() { cq.Close() })
	return cq
}

// blockLane occupies lane until the returned release func is called.
func blockLane(t *testing.T, cq *CommandQueue, lane string) (release func(), done <-chan struct{}) {
	t.Helper()
	started := make(chan struct{})
	gate := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_, _ = cq.Enqueue(context.Background(), lane, func(ctx context.Context) (any, error) {
			close(started)
			<-gate
			return nil, nil
		}, nil)
	}()
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("blocking task did not start")
	}
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }, finished
}

func TestCommandQueue_BasicEnqueue(t *testing.T) {
	cq := newTestQueue(t)

	result, err := cq.Enqueue(context.Background(), "session-a", func(ctx context.Context) (any, error) {
		return "result", nil
	}, nil)

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
}

func TestCommandQueue_TaskError(t *testing.T) {
	cq := newTestQueue(t)

	expected := errors.New("task failed")
	result, err := cq.Enqueue(context.Background(), "session-a", func(ctx context.Context) (any, error) {
		return nil, expected
	}, nil)

	assert.ErrorIs(t, err, expected)
	assert.Nil(t, result)
}

func TestCommandQueue_FIFOWithinLane(t *testing.T) {
	cq := newTestQueue(t)
	release, _ := blockLane(t, cq, "session-a")

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 1; i <= 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), "session-a", func(ctx context.Context) (any, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			}, nil)
		}()
		require.Eventually(t, func() bool { return cq.QueueSize("session-a") == i }, time.Second, 5*time.Millisecond)
	}

	assert.Equal(t, 1, cq.RunningCount("session-a"))
	release()
	wg.Wait()

	assert.Equal(t, []int{1, 2, 3, 4}, order)
}

func TestCommandQueue_LanesRunInParallel(t *testing.T) {
	cq := newTestQueue(t)

	var both sync.WaitGroup
	both.Add(2)
	errs := make(chan error, 2)
	for _, lane := range []string{"session-a", "session-b"} {
		lane := lane
		go func() {
			_, err := cq.Enqueue(context.Background(), lane, func(ctx context.Context) (any, error) {
				both.Done()
				waited := make(chan struct{})
				go func() { both.Wait(); close(waited) }()
				select {
				case <-waited:
					return nil, nil
				case <-time.After(time.Second):
					return nil, errors.New("lanes did not overlap")
				}
			}, nil)
			errs <- err
		}()
	}

	for i := 0; i < 2; i++ {
		assert.NoError(t, <-errs)
	}
}

func TestCommandQueue_ClearLane(t *testing.T) {
	cq := newTestQueue(t)
	release, _ := blockLane(t, cq, "session-a")
	defer release()

	queued := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue(context.Background(), "session-a", func(ctx context.Context) (any, error) {
			return "never", nil
		}, nil)
		queued <- err
	}()
	require.Eventually(t, func() bool { return cq.QueueSize("session-a") == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, cq.ClearLane("session-a"))
	assert.ErrorIs(t, <-queued, ErrLaneCleared)
	assert.Equal(t, 0, cq.ClearLane("unknown"))
}

func TestCommandQueue_CancelledWhileQueued(t *testing.T) {
	cq := newTestQueue(t)
	release, _ := blockLane(t, cq, "session-a")

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	queued := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue(ctx, "session-a", func(ctx context.Context) (any, error) {
			ran.Store(true)
			return nil, nil
		}, nil)
		queued <- err
	}()
	require.Eventually(t, func() bool { return cq.QueueSize("session-a") == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	release()

	assert.ErrorIs(t, <-queued, context.Canceled)
	assert.False(t, ran.Load())
}

func TestCommandQueue_RequestIDDedup(t *testing.T) {
	cq := newTestQueue(t)

	var runs atomic.Int32
	task := func(ctx context.Context) (any, error) {
		return runs.Add(1), nil
	}
	opts := &TaskOptions{RequestID: "req-1"}

	first, err := cq.Enqueue(context.Background(), "session-a", task, opts)
	require.NoError(t, err)
	second, err := cq.Enqueue(context.Background(), "session-a", task, opts)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), runs.Load())

	_, err = cq.Enqueue(context.Background(), "session-a", task, &TaskOptions{RequestID: "req-2"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), runs.Load())
}

func TestCommandQueue_OnWait(t *testing.T) {
	cq := newTestQueue(t)
	release, _ := blockLane(t, cq, "session-a")

	waitedPos := make(chan int, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = cq.Enqueue(context.Background(), "session-a", func(ctx context.Context) (any, error) {
			return nil, nil
		}, &TaskOptions{
			WarnAfter: 20 * time.Millisecond,
			OnWait:    func(waited time.Duration, pos int) { waitedPos <- pos },
		})
	}()

	select {
	case pos := <-waitedPos:
		assert.Equal(t, 0, pos)
	case <-time.After(time.Second):
		t.Fatal("OnWait was not called")
	}
	release()
	<-done
}

func TestCommandQueue_IdleLaneDropped(t *testing.T) {
	cq := newTestQueue(t)

	_, err := cq.Enqueue(context.Background(), "session-a", func(ctx context.Context) (any, error) {
		return nil, nil
	}, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(cq.Stats()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestCommandQueue_WaitForActive(t *testing.T) {
	cq := newTestQueue(t)
	release, done := blockLane(t, cq, "session-a")

	assert.False(t, cq.WaitForActive(30*time.Millisecond))
	release()
	<-done
	assert.True(t, cq.WaitForActive(time.Second))
}

func TestCommandQueue_CloseCancelsRunningTasks(t *testing.T) {
	cq := New(Config{})

	started := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue(context.Background(), "session-a", func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}, nil)
		result <- err
	}()
	<-started

	require.NoError(t, cq.Close())
	assert.ErrorIs(t, <-result, context.Canceled)

	_, err := cq.Enqueue(context.Background(), "session-a", func(ctx context.Context) (any, error) {
		return nil, nil
	}, nil)
	assert.ErrorIs(t, err, ErrQueueClosed)
}
