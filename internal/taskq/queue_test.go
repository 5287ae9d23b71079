// ABOUTME: Tests for the serial task queue.
// ABOUTME: Validates FIFO ordering, failure isolation, and return-to-idle behavior.

package taskq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_RunsTask(t *testing.T) {
	q := New(nil)

	done := make(chan struct{})
	q.Enqueue("one", func(ctx context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestQueue_FIFOOrder(t *testing.T) {
	q := New(nil)

	var mu sync.Mutex
	var order []int

	// The first task sleeps so the rest stack up behind it; side effects
	// of task i must all be visible before task i+1 starts.
	for i := 0; i < 10; i++ {
		i := i
		q.Enqueue(fmt.Sprintf("task-%d", i), func(ctx context.Context) error {
			if i == 0 {
				time.Sleep(20 * time.Millisecond)
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}

	q.Wait()

	require.Len(t, order, 10)
	for i, got := range order {
		assert.Equal(t, i, got)
	}
}

func TestQueue_FailingTaskDoesNotBlockLaterTasks(t *testing.T) {
	q := New(nil)

	ran := make(chan string, 3)
	q.Enqueue("fails", func(ctx context.Context) error {
		ran <- "fails"
		return errors.New("boom")
	})
	q.Enqueue("panics", func(ctx context.Context) error {
		ran <- "panics"
		panic("boom")
	})
	q.Enqueue("succeeds", func(ctx context.Context) error {
		ran <- "succeeds"
		return nil
	})

	q.Wait()

	require.Len(t, ran, 3)
	assert.Equal(t, "fails", <-ran)
	assert.Equal(t, "panics", <-ran)
	assert.Equal(t, "succeeds", <-ran)
}

func TestQueue_ReturnsToIdleAndResumes(t *testing.T) {
	q := New(nil)

	q.Enqueue("first", func(ctx context.Context) error { return nil })
	q.Wait()
	assert.Equal(t, 0, q.Len())

	// A fresh enqueue after the worker exited must start a new one.
	done := make(chan struct{})
	q.Enqueue("second", func(ctx context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queue did not resume after going idle")
	}
}

func TestQueue_ConcurrentEnqueue(t *testing.T) {
	q := New(nil)

	var mu sync.Mutex
	var running int
	var maxRunning int
	var total int

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue("concurrent", func(ctx context.Context) error {
				mu.Lock()
				running++
				if running > maxRunning {
					maxRunning = running
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				running--
				total++
				mu.Unlock()
				return nil
			})
		}()
	}

	wg.Wait()
	q.Wait()

	assert.Equal(t, 50, total)
	assert.Equal(t, 1, maxRunning, "at most one task may run at a time")
}
