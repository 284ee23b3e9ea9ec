package ephemeris

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jumiknows/AleasatV2-sub002/internal/clock"
	"github.com/jumiknows/AleasatV2-sub002/internal/metrics"
	"github.com/jumiknows/AleasatV2-sub002/internal/propagation"
	"github.com/jumiknows/AleasatV2-sub002/internal/tle"
)

var tracer = otel.Tracer("github.com/jumiknows/AleasatV2-sub002/internal/ephemeris")

// RefreshKind is the job kind that runs one on-demand refresh.
const RefreshKind = "refresh_ephemeris"

// ElementSource yields the spacecraft's current element set.
type ElementSource interface {
	Latest(ctx context.Context) (tle.Elements, error)
	Name() string
}

// Hook runs after every successful refresh. Hooks must not block for long
// and their failures never affect the refresh.
type Hook func(ctx context.Context, snap *Snapshot)

// Config controls propagation and refresh cadence.
type Config struct {
	Step         time.Duration // sample stride (default 1m)
	Horizon      time.Duration // window length from today's UTC midnight (default 21 days)
	Interval     time.Duration // refresh period (default 2h)
	SnapshotPath string        // empty disables persistence
	RetryInitial time.Duration // first backoff delay (default 5s)
	RetryMax     time.Duration // backoff ceiling (default 5m)
	MaxTries     uint          // attempts per refresh cycle (default 8)
}

func (c *Config) setDefaults() {
	if c.Step <= 0 {
		c.Step = time.Minute
	}
	if c.Horizon <= 0 {
		c.Horizon = 21 * 24 * time.Hour
	}
	if c.Interval <= 0 {
		c.Interval = 2 * time.Hour
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 5 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Minute
	}
	if c.MaxTries == 0 {
		c.MaxTries = 8
	}
}

// Refresher rebuilds the Store's window from the element source.
type Refresher struct {
	store  *Store
	source ElementSource
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex // serializes refreshes
	hooks []Hook
}

// NewRefresher creates a Refresher feeding store.
func NewRefresher(store *Store, source ElementSource, cfg Config, clk clock.Clock, logger *slog.Logger) *Refresher {
	cfg.setDefaults()
	return &Refresher{
		store:  store,
		source: source,
		cfg:    cfg,
		clock:  clk,
		logger: logger,
	}
}

// OnRefresh registers a post-refresh hook.
func (r *Refresher) OnRefresh(h Hook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

// Bootstrap installs the persisted snapshot, if any, so queries can be served
// before the first live refresh completes. A missing file is not an error.
func (r *Refresher) Bootstrap() error {
	if r.cfg.SnapshotPath == "" {
		return nil
	}
	snap, err := ReadFile(r.cfg.SnapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if snap.End().Before(r.clock.Now()) {
		r.logger.Warn("ignoring expired ephemeris snapshot", "path", r.cfg.SnapshotPath, "end", snap.End())
		return nil
	}
	r.store.Swap(snap)
	metrics.SetEphemerisSamples(snap.SampleCount())
	r.logger.Info("ephemeris bootstrapped from snapshot",
		"state_id", snap.StateID,
		"days", len(snap.Days),
		"loaded_at", snap.LoadedAt,
	)
	return nil
}

// Refresh performs one fetch-propagate-swap cycle.
func (r *Refresher) Refresh(ctx context.Context) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, span := tracer.Start(ctx, "ephemeris.refresh")
	defer span.End()

	start := time.Now()
	snap, err := r.build(ctx)
	metrics.RecordEphemerisRefresh(time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("state_id", snap.StateID),
		attribute.Int("days", len(snap.Days)),
	)

	prev := r.store.Swap(snap)
	metrics.SetEphemerisSamples(snap.SampleCount())

	attrs := []any{
		"state_id", snap.StateID,
		"elements_epoch", snap.Elements.Epoch,
		"days", len(snap.Days),
		"samples", snap.SampleCount(),
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if prev != nil {
		attrs = append(attrs, "previous_state_id", prev.StateID)
	}
	r.logger.Info("ephemeris refreshed", attrs...)

	if r.cfg.SnapshotPath != "" {
		if err := WriteFile(r.cfg.SnapshotPath, snap); err != nil {
			r.logger.Warn("persisting ephemeris snapshot failed", "path", r.cfg.SnapshotPath, "error", err)
		}
	}

	for _, h := range r.hooks {
		h(ctx, snap)
	}
	return snap, nil
}

func (r *Refresher) build(ctx context.Context) (*Snapshot, error) {
	elements, err := r.source.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching elements: %w", err)
	}

	prop, err := propagation.NewSGP4Propagator(elements)
	if err != nil {
		// Retrying the same elements cannot help.
		return nil, backoff.Permanent(err)
	}

	now := r.clock.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	n := int(r.cfg.Horizon / r.cfg.Step)

	series, err := propagation.Series(prop, midnight, r.cfg.Step, n)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("propagating: %w", err))
	}
	return NewSnapshot(elements, r.source.Name(), r.cfg.Step, series, now)
}

// RefreshWithRetry retries Refresh with exponential backoff. When every
// attempt fails the previous window stays in service.
func (r *Refresher) RefreshWithRetry(ctx context.Context) (*Snapshot, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryInitial
	b.MaxInterval = r.cfg.RetryMax

	return backoff.Retry(ctx, func() (*Snapshot, error) {
		return r.Refresh(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.cfg.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("ephemeris refresh failed, retrying", "error", err, "retry_in", next)
		}),
	)
}

// Run refreshes once immediately and then every Interval until ctx ends.
func (r *Refresher) Run(ctx context.Context) {
	r.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(r.cfg.Interval):
			r.cycle(ctx)
		}
	}
}

func (r *Refresher) cycle(ctx context.Context) {
	if _, err := r.RefreshWithRetry(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("ephemeris refresh cycle failed; serving previous window",
			"error", err,
			"ready", r.store.Ready(),
		)
	}
}
