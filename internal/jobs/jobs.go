// Package jobs runs ingestion work asynchronously on a bounded worker pool.
// Submission returns a job ID immediately; each job either completes or ends
// in a terminal failed state that Status reports. Jobs that fail because the
// vector index was unreachable are requeued a bounded number of times, so
// processing is at least once and callers must tolerate re-runs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/studiora/studiora-go/internal/index"
	"github.com/studiora/studiora-go/internal/logging"
)

// State is the lifecycle state of a job.
type State string

const (
	// StateQueued means the job is waiting for a worker.
	StateQueued State = "queued"
	// StateRunning means a worker is processing the job.
	StateRunning State = "running"
	// StateDone means the job completed successfully.
	StateDone State = "done"
	// StateFailed means the job ended without completing.
	StateFailed State = "failed"
)

// ErrQueueFull is returned by Submit when the queue cannot take more work.
var ErrQueueFull = errors.New("jobs: queue full")

// ErrUnknownJob is returned by Status for IDs this dispatcher never issued.
var ErrUnknownJob = errors.New("jobs: unknown job")

// maxAttempts bounds how many times a job is run before it fails for good.
const maxAttempts = 3

// Task is one unit of work. Returning an error that wraps
// index.ErrIndexUnavailable marks the attempt retryable.
type Task func(ctx context.Context) error

// Job is the tracked record of one submission.
type Job struct {
	// ID is the dispatcher-issued job identifier.
	ID string
	// State is the current lifecycle state.
	State State
	// Attempts counts how many times the job has started running.
	Attempts int
	// Err holds the final error message for failed jobs.
	Err string
}

type queued struct {
	id   string
	task Task
}

// Dispatcher owns the worker pool and the job table.
type Dispatcher struct {
	queue chan queued

	mu   sync.RWMutex
	jobs map[string]*Job

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New starts a Dispatcher with the given number of workers and queue
// capacity. Close stops it.
func New(workers, capacity int) *Dispatcher {
	if workers <= 0 {
		workers = 2
	}
	if capacity <= 0 {
		capacity = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		queue:  make(chan queued, capacity),
		jobs:   make(map[string]*Job),
		cancel: cancel,
	}
	for range workers {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	return d
}

// Submit queues a task and returns its job ID without waiting for it to
// run. It fails fast with ErrQueueFull instead of blocking the caller.
func (d *Dispatcher) Submit(task Task) (string, error) {
	id := uuid.NewString()

	d.mu.Lock()
	d.jobs[id] = &Job{ID: id, State: StateQueued}
	d.mu.Unlock()

	select {
	case d.queue <- queued{id: id, task: task}:
		return id, nil
	default:
		d.mu.Lock()
		delete(d.jobs, id)
		d.mu.Unlock()
		return "", ErrQueueFull
	}
}

// Status returns a snapshot of the job's current record.
func (d *Dispatcher) Status(id string) (Job, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	j, ok := d.jobs[id]
	if !ok {
		return Job{}, ErrUnknownJob
	}
	return *j, nil
}

// Close stops accepting the queue's workers and waits for in-flight jobs.
// Queued jobs that never ran are marked failed.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()

	for {
		select {
		case q := <-d.queue:
			d.setState(q.id, StateFailed, "dispatcher shut down before the job ran")
		default:
			return
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	log := logging.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-d.queue:
			d.run(ctx, log, q)
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, log *slog.Logger, q queued) {
	attempts := d.bumpAttempts(q.id)
	err := q.task(ctx)
	if err == nil {
		d.setState(q.id, StateDone, "")
		return
	}

	if errors.Is(err, index.ErrIndexUnavailable) && attempts < maxAttempts {
		log.Warn("jobs: retryable failure, requeueing",
			slog.String("job_id", q.id),
			slog.Int("attempt", attempts),
			slog.Any("error", err),
		)
		select {
		case d.queue <- q:
			d.setState(q.id, StateQueued, "")
			return
		default:
			// Queue full: fall through to terminal failure.
		}
	}

	log.Error("jobs: job failed",
		slog.String("job_id", q.id),
		slog.Int("attempt", attempts),
		slog.Any("error", err),
	)
	d.setState(q.id, StateFailed, err.Error())
}

func (d *Dispatcher) bumpAttempts(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[id]
	if !ok {
		return 0
	}
	j.State = StateRunning
	j.Attempts++
	return j.Attempts
}

func (d *Dispatcher) setState(id string, state State, errMsg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[id]
	if !ok {
		return
	}
	j.State = state
	j.Err = errMsg
	if errMsg == "" && state == StateFailed {
		j.Err = fmt.Sprintf("job failed after %d attempts", j.Attempts)
	}
}
