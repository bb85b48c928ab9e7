package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTasksRunInEnqueueOrder(t *testing.T) {
	q := New(context.Background())
	defer q.Stop()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, q.Enqueue("task", func(release func()) {
			mu.Lock()
			order = append(order, i)
			last := len(order) == 10
			mu.Unlock()
			release()
			if last {
				close(done)
			}
		}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not complete")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

// A task whose body finishes asynchronously still blocks the queue until
// its release fires, and bodies never overlap.
func TestNoOverlapWithAsyncBodies(t *testing.T) {
	q := New(context.Background())
	defer q.Stop()

	var mu sync.Mutex
	running := 0
	maxRunning := 0
	done := make(chan struct{})

	const n = 5
	for i := 0; i < n; i++ {
		last := i == n-1
		require.NoError(t, q.Enqueue("async", func(release func()) {
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()
			go func() {
				time.Sleep(10 * time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				release()
				if last {
					close(done)
				}
			}()
		}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not complete")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxRunning)
}

func TestDoubleReleaseIsIgnored(t *testing.T) {
	q := New(context.Background())
	defer q.Stop()

	ran := make(chan struct{})
	require.NoError(t, q.Enqueue("double", func(release func()) {
		release()
		release()
	}))
	require.NoError(t, q.Enqueue("after", func(release func()) {
		defer release()
		close(ran)
	}))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("queue stalled after double release")
	}
}

func TestEnqueueAfterStopFails(t *testing.T) {
	q := New(context.Background())
	q.Stop()
	err := q.Enqueue("late", func(release func()) { release() })
	assert.Error(t, err)
}
