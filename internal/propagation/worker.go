package propagation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jumiknows/AleasatV2-sub002/internal/tle"
)

// crossCheckJob is one independently seeded segment of a cross-check.
type crossCheckJob struct {
	index int
	start time.Time
}

type crossCheckResult struct {
	index int
	div   Divergence
	err   error
}

// SegmentDivergence is the analytic/numerical drift over one segment.
type SegmentDivergence struct {
	Start time.Time `json:"start"`
	Divergence
}

// CrossCheckReport summarises a cross-check run.
type CrossCheckReport struct {
	NORADID  int                 `json:"norad_id"`
	Segments []SegmentDivergence `json:"segments"`
	Failed   int                 `json:"failed"`
	MaxKm    float64             `json:"max_km"`
}

// WorkerPool runs cross-check segments on a fixed number of goroutines.
type WorkerPool struct {
	workers int
	logger  *slog.Logger
}

// NewWorkerPool creates a worker pool with the given number of workers.
func NewWorkerPool(workers int, logger *slog.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	return &WorkerPool{
		workers: workers,
		logger:  logger,
	}
}

// CrossCheck splits [start, start+span) into segments, seeds each from SGP4
// and integrates it numerically, reporting how far the two diverge. Segments
// that fail are logged and counted, not fatal.
func (wp *WorkerPool) CrossCheck(ctx context.Context, e tle.Elements, nm Numerical, start time.Time, span, segment, sample time.Duration) (CrossCheckReport, error) {
	prop, err := NewSGP4Propagator(e)
	if err != nil {
		return CrossCheckReport{}, err
	}
	count := int(span / segment)
	perSegment := int(segment/sample) + 1

	jobs := make(chan crossCheckJob, wp.workers*2)
	results := make(chan crossCheckResult, wp.workers*2)

	// Start workers.
	var wg sync.WaitGroup
	for i := 0; i < wp.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				result := checkSegment(ctx, prop, nm, job, sample, perSegment)
				select {
				case results <- result:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	// Feed jobs in a goroutine.
	go func() {
		defer close(jobs)
		for i := 0; i < count; i++ {
			job := crossCheckJob{index: i, start: start.Add(time.Duration(i) * segment)}
			select {
			case jobs <- job:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Close results when all workers are done.
	go func() {
		wg.Wait()
		close(results)
	}()

	rep := CrossCheckReport{NORADID: e.NORADID, Segments: make([]SegmentDivergence, count)}
	done := make([]bool, count)
	for result := range results {
		if result.err != nil {
			rep.Failed++
			wp.logger.Warn("cross-check segment failed",
				"segment", result.index,
				"error", result.err,
			)
			continue
		}
		done[result.index] = true
		rep.Segments[result.index] = SegmentDivergence{
			Start:      start.Add(time.Duration(result.index) * segment),
			Divergence: result.div,
		}
		rep.MaxKm = max(rep.MaxKm, result.div.MaxKm)
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}

	kept := rep.Segments[:0]
	for i, s := range rep.Segments {
		if done[i] {
			kept = append(kept, s)
		}
	}
	rep.Segments = kept
	return rep, nil
}

// checkSegment propagates one segment both ways and compares them.
func checkSegment(ctx context.Context, prop Propagator, nm Numerical, job crossCheckJob, sample time.Duration, n int) crossCheckResult {
	analytic, err := Series(prop, job.start, sample, n)
	if err != nil {
		return crossCheckResult{index: job.index, err: err}
	}
	numeric, err := nm.Integrate(ctx, analytic[0], sample, n)
	if err != nil {
		return crossCheckResult{index: job.index, err: err}
	}
	return crossCheckResult{index: job.index, div: Compare(analytic, numeric)}
}
