package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/cerver/internal/logger"
	"github.com/sourcegraph/conc"
)

// ErrQueueClosed is returned by Push after Close.
var ErrQueueClosed = errors.New("work queue closed")

// Job is a unit of work run by a WorkQueue worker.
type Job func()

// WorkQueue runs jobs on a fixed set of worker goroutines.
//
// Push blocks while the buffer is full, which applies backpressure to the
// multiplexer feeding the queue.
type WorkQueue struct {
	jobs chan Job
	wg   conc.WaitGroup

	// mu orders Push against Close so no job is sent on a closed channel.
	mu     sync.RWMutex
	closed bool

	alive   atomic.Int32
	working atomic.Int32
	pending atomic.Int64
}

// NewWorkQueue starts workers goroutines reading from a buffer of size jobs.
func NewWorkQueue(workers, size int) *WorkQueue {
	if workers < 1 {
		workers = 1
	}
	if size < 0 {
		size = 0
	}
	q := &WorkQueue{jobs: make(chan Job, size)}
	for i := 0; i < workers; i++ {
		q.alive.Add(1)
		q.wg.Go(q.worker)
	}
	return q
}

func (q *WorkQueue) worker() {
	defer q.alive.Add(-1)
	for job := range q.jobs {
		q.working.Add(1)
		q.run(job)
		q.working.Add(-1)
		q.pending.Add(-1)
	}
}

func (q *WorkQueue) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in work queue job: %v", r)
		}
	}()
	job()
}

// Push enqueues job.
func (q *WorkQueue) Push(job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}
	q.pending.Add(1)
	q.jobs <- job
	return nil
}

// WaitUntilIdle blocks until every pushed job has finished.
func (q *WorkQueue) WaitUntilIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for q.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Alive returns the number of running workers.
func (q *WorkQueue) Alive() int { return int(q.alive.Load()) }

// Working returns the number of workers currently running a job.
func (q *WorkQueue) Working() int { return int(q.working.Load()) }

// Pending returns the number of jobs pushed and not yet finished.
func (q *WorkQueue) Pending() int { return int(q.pending.Load()) }

// Close stops accepting jobs, lets the workers drain the buffer and waits
// for them to exit or for ctx to expire.
func (q *WorkQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
