// ABOUTME: Serialized outbound command queue with an urgent lane and a send-rate cap.
// ABOUTME: One job runs at a time; at most Limit jobs start within any trailing Window.

package queue

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultLimit is the number of sends allowed per window.
	DefaultLimit = 120

	// DefaultWindow is the trailing window the limit applies to.
	DefaultWindow = 60 * time.Second
)

// ErrClosed is returned for jobs that were still queued when the queue closed.
var ErrClosed = errors.New("queue closed")

// Job is one outbound write.
type Job func(ctx context.Context) error

// Options configures a Queue.
type Options struct {
	Limit  int
	Window time.Duration
	Logger *slog.Logger
}

type entry struct {
	ctx    context.Context
	job    Job
	result chan error
}

// Queue runs jobs one at a time in FIFO order, except that urgent jobs are
// placed at the head. An urgent job never interrupts a job already running.
type Queue struct {
	mu      sync.Mutex
	jobs    *list.List
	started []time.Time
	closed  bool

	limit  int
	window time.Duration

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
}

// New creates a Queue and starts its worker.
func New(opts Options) *Queue {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		jobs:   list.New(),
		limit:  opts.Limit,
		window: opts.Window,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: opts.Logger,
	}
	go q.run()
	return q
}

// Enqueue schedules job and returns a channel that receives its result.
// The channel is buffered; callers may ignore it.
func (q *Queue) Enqueue(ctx context.Context, job Job, urgent bool) <-chan error {
	e := &entry{ctx: ctx, job: job, result: make(chan error, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		e.result <- ErrClosed
		return e.result
	}
	if urgent {
		q.jobs.PushFront(e)
	} else {
		q.jobs.PushBack(e)
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return e.result
}

// Len returns the number of jobs waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs.Len()
}

// Close rejects every queued job with ErrClosed and stops the worker once the
// running job, if any, returns. It does not wait; use Done for that.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.jobs
	q.jobs = list.New()
	q.started = nil
	q.mu.Unlock()

	for el := pending.Front(); el != nil; el = el.Next() {
		el.Value.(*entry).result <- ErrClosed
	}
	q.cancel()
}

// Done is closed when the worker has exited.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

func (q *Queue) run() {
	defer close(q.done)

	for {
		e := q.next()
		if e == nil {
			return
		}
		if err := q.acquire(e.ctx); err != nil {
			e.result <- err
			continue
		}
		e.result <- e.job(e.ctx)
	}
}

// next blocks until a job is available or the queue closes.
func (q *Queue) next() *entry {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil
		}
		if front := q.jobs.Front(); front != nil {
			q.jobs.Remove(front)
			q.mu.Unlock()
			return front.Value.(*entry)
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.ctx.Done():
			return nil
		}
	}
}

// acquire waits until starting another job keeps the trailing window under
// the limit, then records the start.
func (q *Queue) acquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		q.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-q.window)
		drop := 0
		for drop < len(q.started) && !q.started[drop].After(cutoff) {
			drop++
		}
		q.started = q.started[drop:]

		if len(q.started) < q.limit {
			q.started = append(q.started, now)
			q.mu.Unlock()
			return nil
		}
		wait := q.started[0].Sub(cutoff)
		q.mu.Unlock()

		q.logger.Debug("send rate limit reached, waiting",
			"limit", q.limit,
			"window", q.window,
			"wait", wait,
		)

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-q.ctx.Done():
			timer.Stop()
			return ErrClosed
		}
	}
}
