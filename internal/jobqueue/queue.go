// Package jobqueue is an in-process delayed job queue. A job is created
// delayed, optionally promoted to run at once, and executed by a named
// handler on a bounded number of workers. Status is kept for inspection.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jumiknows/AleasatV2-sub002/internal/clock"
	"github.com/jumiknows/AleasatV2-sub002/internal/metrics"
)

var tracer = otel.Tracer("github.com/jumiknows/AleasatV2-sub002/internal/jobqueue")

var (
	ErrUnknownJob = errors.New("unknown job")
	// ErrNotPending is returned when promoting or cancelling a job that has
	// already started.
	ErrNotPending = errors.New("job is not pending")
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusDelayed   Status = "delayed"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Finished reports whether the job will not change again.
func (s Status) Finished() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Job is a snapshot of one queued unit of work.
type Job struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Status     Status          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	RunAt      time.Time       `json:"run_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// Handler runs one job. A returned error marks the job failed.
type Handler func(ctx context.Context, job Job) error

type entry struct {
	job  Job
	done chan struct{}
}

// Queue holds jobs and runs them once Run is started.
type Queue struct {
	clock       clock.Clock
	workers     int
	maxFinished int
	logger      *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	jobs     map[string]*entry
	delayed  []*entry // ordered by RunAt
	ready    []*entry
	finished []string // oldest first
	running  int

	wake chan struct{}
	wg   sync.WaitGroup
}

// New returns a Queue running at most workers jobs at once.
func New(clk clock.Clock, workers int, logger *slog.Logger) *Queue {
	if workers <= 0 {
		workers = 1
	}
	return &Queue{
		clock:       clk,
		workers:     workers,
		maxFinished: 1000,
		logger:      logger,
		handlers:    make(map[string]Handler),
		jobs:        make(map[string]*entry),
		wake:        make(chan struct{}, 1),
	}
}

// Handle registers the handler for kind.
func (q *Queue) Handle(kind string, h Handler) {
	q.mu.Lock()
	q.handlers[kind] = h
	q.mu.Unlock()
}

// Create adds a job that becomes runnable after delay. A zero delay makes it
// runnable at once.
func (q *Queue) Create(kind string, payload any, delay time.Duration) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encoding %s payload: %w", kind, err)
	}

	now := q.clock.Now()
	e := &entry{
		job: Job{
			ID:        uuid.NewString(),
			Kind:      kind,
			Payload:   raw,
			Status:    StatusDelayed,
			CreatedAt: now,
			RunAt:     now.Add(delay),
		},
		done: make(chan struct{}),
	}

	q.mu.Lock()
	q.jobs[e.job.ID] = e
	if delay <= 0 {
		e.job.Status = StatusReady
		q.ready = append(q.ready, e)
	} else {
		q.insertDelayedLocked(e)
	}
	q.mu.Unlock()

	q.signal()
	return e.job, nil
}

func (q *Queue) insertDelayedLocked(e *entry) {
	idx := sort.Search(len(q.delayed), func(i int) bool {
		return q.delayed[i].job.RunAt.After(e.job.RunAt)
	})
	q.delayed = append(q.delayed, nil)
	copy(q.delayed[idx+1:], q.delayed[idx:])
	q.delayed[idx] = e
}

func (q *Queue) removeDelayedLocked(e *entry) {
	for i, d := range q.delayed {
		if d == e {
			q.delayed = append(q.delayed[:i], q.delayed[i+1:]...)
			return
		}
	}
}

// Promote makes a delayed job runnable now.
func (q *Queue) Promote(id string) error {
	q.mu.Lock()
	e, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrUnknownJob)
	}
	switch e.job.Status {
	case StatusReady:
		q.mu.Unlock()
		return nil
	case StatusDelayed:
	default:
		q.mu.Unlock()
		return fmt.Errorf("%s is %s: %w", id, e.job.Status, ErrNotPending)
	}
	q.removeDelayedLocked(e)
	e.job.Status = StatusReady
	e.job.RunAt = q.clock.Now()
	q.ready = append(q.ready, e)
	q.mu.Unlock()

	q.signal()
	return nil
}

// Cancel drops a job that has not started.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownJob)
	}
	switch e.job.Status {
	case StatusDelayed:
		q.removeDelayedLocked(e)
	case StatusReady:
		for i, r := range q.ready {
			if r == e {
				q.ready = append(q.ready[:i], q.ready[i+1:]...)
				break
			}
		}
	default:
		return fmt.Errorf("%s is %s: %w", id, e.job.Status, ErrNotPending)
	}
	q.finishLocked(e, StatusCancelled, "")
	return nil
}

// Get returns a snapshot of job id.
func (q *Queue) Get(id string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%s: %w", id, ErrUnknownJob)
	}
	return e.job, nil
}

// Done returns a channel closed once job id has finished.
func (q *Queue) Done(id string) (<-chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownJob)
	}
	return e.done, nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run dispatches jobs until ctx is done, then waits for running jobs.
func (q *Queue) Run(ctx context.Context) {
	q.logger.Info("job queue started", "workers", q.workers)
	for {
		q.mu.Lock()
		now := q.clock.Now()
		for len(q.delayed) > 0 && !q.delayed[0].job.RunAt.After(now) {
			e := q.delayed[0]
			q.delayed = q.delayed[1:]
			e.job.Status = StatusReady
			q.ready = append(q.ready, e)
		}
		for len(q.ready) > 0 && q.running < q.workers {
			e := q.ready[0]
			q.ready = q.ready[1:]
			q.startLocked(ctx, e)
		}
		var timer <-chan time.Time
		if len(q.delayed) > 0 {
			timer = q.clock.After(q.delayed[0].job.RunAt.Sub(now))
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			q.wg.Wait()
			q.logger.Info("job queue stopped")
			return
		case <-q.wake:
		case <-timer:
		}
	}
}

func (q *Queue) startLocked(ctx context.Context, e *entry) {
	h, ok := q.handlers[e.job.Kind]
	if !ok {
		q.finishLocked(e, StatusFailed, "no handler for kind "+e.job.Kind)
		return
	}

	started := q.clock.Now()
	e.job.Status = StatusRunning
	e.job.StartedAt = &started
	q.running++
	job := e.job

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		err := q.execute(ctx, h, job)

		q.mu.Lock()
		q.running--
		if err != nil {
			q.finishLocked(e, StatusFailed, err.Error())
		} else {
			q.finishLocked(e, StatusSucceeded, "")
		}
		q.mu.Unlock()
		q.signal()
	}()
}

func (q *Queue) execute(ctx context.Context, h Handler, job Job) (err error) {
	ctx, span := tracer.Start(ctx, "job."+job.Kind)
	defer span.End()
	span.SetAttributes(attribute.String("job.id", job.ID))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			q.logger.Error("job failed", "job_id", job.ID, "kind", job.Kind, "error", err)
		}
		metrics.RecordJob(job.Kind, err)
	}()
	return h(ctx, job)
}

func (q *Queue) finishLocked(e *entry, status Status, msg string) {
	now := q.clock.Now()
	e.job.Status = status
	e.job.FinishedAt = &now
	e.job.Error = msg
	close(e.done)

	q.finished = append(q.finished, e.job.ID)
	for len(q.finished) > q.maxFinished {
		delete(q.jobs, q.finished[0])
		q.finished = q.finished[1:]
	}
}
