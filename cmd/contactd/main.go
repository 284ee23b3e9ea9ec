// Command contactd runs the contact scheduling service: ephemeris refresh,
// pass prediction and reconciliation, the mission timeline and command
// execution behind one HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jumiknows/AleasatV2-sub002/internal/api"
	"github.com/jumiknows/AleasatV2-sub002/internal/auth"
	"github.com/jumiknows/AleasatV2-sub002/internal/clock"
	"github.com/jumiknows/AleasatV2-sub002/internal/cmdspec"
	"github.com/jumiknows/AleasatV2-sub002/internal/config"
	"github.com/jumiknows/AleasatV2-sub002/internal/ephemeris"
	"github.com/jumiknows/AleasatV2-sub002/internal/geometry"
	"github.com/jumiknows/AleasatV2-sub002/internal/jobqueue"
	"github.com/jumiknows/AleasatV2-sub002/internal/logging"
	"github.com/jumiknows/AleasatV2-sub002/internal/notify"
	"github.com/jumiknows/AleasatV2-sub002/internal/observability"
	"github.com/jumiknows/AleasatV2-sub002/internal/orchestrator"
	"github.com/jumiknows/AleasatV2-sub002/internal/passes"
	"github.com/jumiknows/AleasatV2-sub002/internal/propagation"
	"github.com/jumiknows/AleasatV2-sub002/internal/scheduler"
	"github.com/jumiknows/AleasatV2-sub002/internal/store"
	"github.com/jumiknows/AleasatV2-sub002/internal/stream"
	"github.com/jumiknows/AleasatV2-sub002/internal/tle"
	"github.com/jumiknows/AleasatV2-sub002/internal/transport"
)

// crossCheckKind is the job kind that compares SGP4 against the numerical
// propagator over the start of a fresh window.
const crossCheckKind = "numerical_crosscheck"

func main() {
	configPath := flag.String("config", "", "optional config file (yaml, toml or json)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(logging.Config(cfg.Log))
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid log configuration:", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("contactd exited", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig(cfg.Tracing), logger)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(ctx, shutdownTracing, logger)

	authCfg, err := loadAuthConfig(cfg.Auth, logger)
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var specs *cmdspec.Registry
	if cfg.Execution.CommandSpecs != "" {
		if specs, err = cmdspec.LoadFile(cfg.Execution.CommandSpecs); err != nil {
			return fmt.Errorf("command specs: %w", err)
		}
		logger.Info("command specs loaded", "firmware_versions", specs.Versions())
	} else {
		logger.Warn("no command specs configured; arguments are sent unchecked")
	}

	clk := clock.Real{}

	// Ephemeris.
	var tleCache *tle.Cache
	if cfg.TLE.CacheDir != "" {
		tleCache = tle.NewCache(cfg.TLE.CacheDir, 20)
	}
	source := tle.NewSource(tle.NewFetcher(cfg.TLE.ElementURL(), logger, cfg.TLE.Mirrors...), tleCache, cfg.TLE.NoradID, cfg.TLE.MaxStale, logger)
	eph := ephemeris.NewStore()
	refresher := ephemeris.NewRefresher(eph, source, ephemeris.Config{
		Step:         cfg.Ephemeris.Step,
		Horizon:      cfg.Ephemeris.Horizon,
		Interval:     cfg.Ephemeris.RefreshInterval,
		SnapshotPath: cfg.Ephemeris.SnapshotPath,
	}, clk, logger)
	if err := refresher.Bootstrap(); err != nil {
		logger.Warn("ephemeris snapshot unusable; waiting for first refresh", "error", err)
	}

	// Passes.
	pool := geometry.NewPool(cfg.Geometry.Workers, logger)
	defer pool.Close()
	predictor := passes.NewPredictor(eph, pool, cfg.Passes.CacheSize, cfg.Passes.CacheTTL, logger)
	reconciler := passes.NewReconciler(st, eph, predictor, clk, cfg.Passes.MatchTolerance, logger)

	// Missions.
	jobs := jobqueue.New(clk, cfg.Jobs.Workers, logger)
	streamHandler := stream.NewHandler(stream.Config{
		MaxConcurrentPerIP: cfg.Stream.MaxConcurrentPerIP,
		MaxTotal:           cfg.Stream.MaxTotal,
		KeepaliveInterval:  cfg.Stream.KeepaliveInterval,
		TrustProxy:         cfg.Stream.TrustProxy,
	}, logger)
	sched := scheduler.New(st, jobs, clk, schedulerConfig(cfg.Scheduler), streamHandler, logger)
	orch := orchestrator.New(st, transport.NewHTTPClient(cfg.Execution.TransportURL, logger), specs, clk,
		cfg.Execution.DispatchTimeout, streamHandler, logger)

	crossCheck := propagation.NewWorkerPool(2, logger)
	jobs.Handle(scheduler.DispatchKind, orch.HandleJob)
	jobs.Handle(passes.ReconcileKind, func(ctx context.Context, job jobqueue.Job) error {
		_, err := reconciler.Reconcile(ctx)
		return err
	})
	jobs.Handle(ephemeris.RefreshKind, func(ctx context.Context, job jobqueue.Job) error {
		_, err := refresher.RefreshWithRetry(ctx)
		return err
	})
	jobs.Handle(crossCheckKind, func(ctx context.Context, job jobqueue.Job) error {
		snap, err := eph.Current()
		if err != nil {
			return err
		}
		rep, err := crossCheck.CrossCheck(ctx, snap.Elements, propagation.Numerical{Step: 10 * time.Second},
			snap.Start(), 24*time.Hour, 90*time.Minute, time.Minute)
		if err != nil {
			return err
		}
		logger.Info("numerical cross-check finished",
			"state_id", snap.StateID,
			"segments", len(rep.Segments),
			"failed_segments", rep.Failed,
			"max_divergence_km", rep.MaxKm,
		)
		return nil
	})

	// Refresh hooks run in registration order.
	refresher.OnRefresh(predictor.Purge)
	var webhook *notify.Webhook
	if cfg.Webhook.EphemerisURL != "" {
		webhook = notify.NewWebhook(cfg.Webhook.EphemerisURL, cfg.Webhook.EphemerisToken, logger)
		refresher.OnRefresh(webhook.Hook)
	} else {
		refresher.OnRefresh(reconciler.Hook)
	}
	wireCrossCheck(refresher, cfg.Ephemeris.NumericalCheck, jobs, logger)

	srv := api.NewServer(cfg.HTTP.Addr, api.Deps{
		Store:      st,
		Ephemeris:  eph,
		Predictor:  predictor,
		Reconciler: reconciler,
		Scheduler:  sched,
		Jobs:       jobs,
		Specs:      specs,
		Stream:     streamHandler,
		Clock:      clk,
	}, authCfg, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { jobs.Run(gctx); return nil })
	g.Go(func() error { refresher.Run(gctx); return nil })
	g.Go(func() error { sched.RunDrain(gctx); return nil })
	g.Go(func() error { sched.RunSweep(gctx); return nil })
	g.Go(func() error {
		logger.Info("starting server", "addr", cfg.HTTP.Addr, "auth_enabled", authCfg.Enabled, "norad_id", cfg.TLE.NoradID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.HTTPServer().Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if webhook != nil {
		webhook.Wait()
	}
	logger.Info("server stopped")
	return err
}

func loadAuthConfig(c config.AuthConfig, logger *slog.Logger) (auth.Config, error) {
	cfg := auth.Config{Enabled: c.Enabled}
	if !cfg.Enabled {
		logger.Warn("auth disabled; every caller is treated as an operator")
		return cfg, nil
	}
	tokens, err := auth.ParseTokens(c.Tokens)
	if err != nil {
		return cfg, fmt.Errorf("auth.tokens: %w", err)
	}
	if len(tokens) == 0 {
		return cfg, errors.New("auth.tokens is required when auth is enabled")
	}
	cfg.Tokens = tokens
	logger.Info("auth enabled", "tokens", len(tokens))
	return cfg, nil
}

func openStore(ctx context.Context, c config.DatabaseConfig, logger *slog.Logger) (store.Store, error) {
	if c.URL == "" {
		logger.Warn("no database configured; missions and passes are kept in memory")
		return store.NewMemStore(), nil
	}
	pg, err := store.OpenPG(ctx, c.URL)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	logger.Info("database connected")
	return pg, nil
}

func schedulerConfig(c config.SchedulerConfig) scheduler.Config {
	return scheduler.Config{
		Overheads: scheduler.Overheads{
			ExecTime:         c.ExecTime,
			ExecOverhead:     c.ExecOverhead,
			InitialOverhead:  c.InitialOverhead,
			DirectOverhead:   c.DirectOverhead,
			IndirectOverhead: c.IndirectOverhead,
			MinChunk:         c.MinChunk,
		},
		ScheduleAhead: c.ScheduleAhead,
		LeadMin:       c.LeadMin,
		LeadMax:       c.LeadMax,
		DrainInterval: c.DrainInterval,
		SweepInterval: c.SweepInterval,
	}
}

// jobCreator is the part of the job queue refresh hooks need.
type jobCreator interface {
	Create(kind string, payload any, delay time.Duration) (jobqueue.Job, error)
}

// wireCrossCheck queues a numerical cross-check after every successful
// refresh unless disabled. The check is best-effort: a failed enqueue is
// logged and the refresh still counts.
func wireCrossCheck(r *ephemeris.Refresher, enabled bool, jobs jobCreator, logger *slog.Logger) {
	if !enabled {
		logger.Info("numerical cross-check disabled")
		return
	}
	r.OnRefresh(enqueueHook(jobs, crossCheckKind, logger))
}

// enqueueHook returns a refresh hook that queues a job of kind carrying the
// new window's identity.
func enqueueHook(jobs jobCreator, kind string, logger *slog.Logger) ephemeris.Hook {
	return func(ctx context.Context, snap *ephemeris.Snapshot) {
		ev := notify.EphemerisUpdated{
			StateID:     snap.StateID,
			Source:      snap.Source,
			LoadedAt:    snap.LoadedAt,
			WindowStart: snap.Start(),
			WindowEnd:   snap.End(),
		}
		if _, err := jobs.Create(kind, ev, 0); err != nil {
			logger.Error("queueing post-refresh job failed", "kind", kind, "state_id", snap.StateID, "error", err)
		}
	}
}
