// ABOUTME: Tests for the command queue ordering, urgent lane, rate cap and shutdown.
// ABOUTME: goleak verifies that every worker exits once its queue is closed.

package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	q := New(opts)
	t.Cleanup(func() {
		q.Close()
		<-q.Done()
	})
	return q
}

func wait(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for job result")
		return nil
	}
}

// recorder collects job names in execution order.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) job(name string) Job {
	return func(context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.order = append(r.order, name)
		return nil
	}
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func TestQueueOrdering(t *testing.T) {
	t.Run("urgent jobs jump the queue but not the running job", func(t *testing.T) {
		q := newQueue(t, Options{})
		rec := &recorder{}

		started := make(chan struct{})
		release := make(chan struct{})
		first := q.Enqueue(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return rec.job("first")(ctx)
		}, false)
		<-started

		a := q.Enqueue(context.Background(), rec.job("a"), false)
		b := q.Enqueue(context.Background(), rec.job("b"), false)
		u := q.Enqueue(context.Background(), rec.job("urgent"), true)
		assert.Equal(t, 3, q.Len())

		close(release)
		for _, ch := range []<-chan error{first, a, b, u} {
			require.NoError(t, wait(t, ch))
		}
		assert.Equal(t, []string{"first", "urgent", "a", "b"}, rec.get())
	})

	t.Run("runs one job at a time", func(t *testing.T) {
		q := newQueue(t, Options{})

		var running, peak atomic.Int32
		var results []<-chan error
		for range 20 {
			results = append(results, q.Enqueue(context.Background(), func(context.Context) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				running.Add(-1)
				return nil
			}, false))
		}
		for _, ch := range results {
			require.NoError(t, wait(t, ch))
		}
		assert.Equal(t, int32(1), peak.Load())
	})

	t.Run("a failing job does not stop the queue", func(t *testing.T) {
		q := newQueue(t, Options{})
		rec := &recorder{}

		failed := q.Enqueue(context.Background(), func(context.Context) error {
			return assert.AnError
		}, false)
		next := q.Enqueue(context.Background(), rec.job("next"), false)

		assert.ErrorIs(t, wait(t, failed), assert.AnError)
		require.NoError(t, wait(t, next))
		assert.Equal(t, []string{"next"}, rec.get())
	})
}

func TestQueueRateLimit(t *testing.T) {
	t.Run("delays the job past the limit until the window rolls", func(t *testing.T) {
		const limit = 5
		window := 200 * time.Millisecond
		q := newQueue(t, Options{Limit: limit, Window: window})

		var mu sync.Mutex
		var starts []time.Time
		var results []<-chan error
		begin := time.Now()
		for range limit + 1 {
			results = append(results, q.Enqueue(context.Background(), func(context.Context) error {
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
				return nil
			}, false))
		}
		for _, ch := range results {
			require.NoError(t, wait(t, ch))
		}

		require.Len(t, starts, limit+1)
		assert.Less(t, starts[limit-1].Sub(starts[0]), window, "first %d jobs run immediately", limit)
		assert.GreaterOrEqual(t, starts[limit].Sub(begin), window, "job %d waits out the window", limit+1)
	})

	t.Run("never exceeds the limit in any trailing window", func(t *testing.T) {
		const limit = 3
		window := 100 * time.Millisecond
		q := newQueue(t, Options{Limit: limit, Window: window})

		var mu sync.Mutex
		var starts []time.Time
		var results []<-chan error
		for range 10 {
			results = append(results, q.Enqueue(context.Background(), func(context.Context) error {
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
				return nil
			}, false))
		}
		for _, ch := range results {
			require.NoError(t, wait(t, ch))
		}

		// Starts are recorded inside the job, a hair after the queue admits it.
		slack := 2 * time.Millisecond
		for i := limit; i < len(starts); i++ {
			assert.GreaterOrEqual(t, starts[i].Sub(starts[i-limit]), window-slack)
		}
	})

	t.Run("cancelled job stops waiting for the window", func(t *testing.T) {
		q := newQueue(t, Options{Limit: 1, Window: time.Hour})
		require.NoError(t, wait(t, q.Enqueue(context.Background(), func(context.Context) error { return nil }, false)))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := wait(t, q.Enqueue(ctx, func(context.Context) error { return nil }, false))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestQueueClose(t *testing.T) {
	q := New(Options{})

	started := make(chan struct{})
	release := make(chan struct{})
	running := q.Enqueue(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	}, false)
	<-started

	pending := q.Enqueue(context.Background(), func(context.Context) error { return nil }, false)
	q.Close()
	q.Close()

	assert.ErrorIs(t, wait(t, pending), ErrClosed)
	assert.ErrorIs(t, wait(t, q.Enqueue(context.Background(), func(context.Context) error { return nil }, true)), ErrClosed)

	close(release)
	require.NoError(t, wait(t, running))

	select {
	case <-q.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not exit")
	}
}
