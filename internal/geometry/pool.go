package geometry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/jumiknows/AleasatV2-sub002/internal/metrics"
)

var tracer = otel.Tracer("github.com/jumiknows/AleasatV2-sub002/internal/geometry")

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("geometry pool closed")

// job is one unit of work. Workers never see the caller's context: the trace
// context travels in carrier and cancellation in done.
type job struct {
	name    string
	carrier propagation.MapCarrier
	done    <-chan struct{}
	run     func(ctx context.Context) (any, error)
	result  chan<- jobResult
}

type jobResult struct {
	value any
	err   error
}

// Pool is a fixed set of long-lived goroutines that run geometry tasks.
// With one worker, tasks run strictly one at a time in submission order.
type Pool struct {
	workers    int
	jobs       chan job
	propagator propagation.TextMapPropagator
	logger     *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewPool starts workers goroutines (at least one).
func NewPool(workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	p := &Pool{
		workers:    workers,
		jobs:       make(chan job, workers*2),
		propagator: propagation.TraceContext{},
		logger:     logger,
		closed:     make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	logger.Info("geometry pool started", "workers", workers)
	return p
}

// Close stops the workers after their current task. Queued tasks are
// abandoned and their callers receive ErrPoolClosed.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
	p.wg.Wait()
}

// Submit runs fn on a pool worker and waits for its result. The worker's
// context carries ctx's trace and cancellation but nothing else.
func Submit[T any](ctx context.Context, p *Pool, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	carrier := propagation.MapCarrier{}
	p.propagator.Inject(ctx, carrier)

	result := make(chan jobResult, 1)
	j := job{
		name:    name,
		carrier: carrier,
		done:    ctx.Done(),
		run: func(ctx context.Context) (any, error) {
			return fn(ctx)
		},
		result: result,
	}

	select {
	case p.jobs <- j:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-p.closed:
		return zero, ErrPoolClosed
	}

	select {
	case r := <-result:
		if r.err != nil {
			return zero, r.err
		}
		v, _ := r.value.(T)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-p.closed:
		return zero, ErrPoolClosed
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		select {
		case <-p.closed:
			return
		case j := <-p.jobs:
			j.result <- p.runJob(j)
		}
	}
}

func (p *Pool) runJob(j job) jobResult {
	select {
	case <-j.done:
		return jobResult{err: context.Canceled}
	default:
	}

	ctx, cancel := context.WithCancel(p.propagator.Extract(context.Background(), j.carrier))
	defer cancel()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-j.done:
			cancel()
		case <-stop:
		}
	}()

	ctx, span := tracer.Start(ctx, "geometry."+j.name)
	defer span.End()

	start := time.Now()
	v, err := j.run(ctx)
	metrics.ObserveGeometryTask(j.name, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Warn("geometry task failed", "task", j.name, "error", err)
	}
	return jobResult{value: v, err: err}
}
