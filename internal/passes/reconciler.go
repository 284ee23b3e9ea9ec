package passes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jumiknows/AleasatV2-sub002/internal/clock"
	"github.com/jumiknows/AleasatV2-sub002/internal/ephemeris"
	"github.com/jumiknows/AleasatV2-sub002/internal/geometry"
	"github.com/jumiknows/AleasatV2-sub002/internal/metrics"
	"github.com/jumiknows/AleasatV2-sub002/internal/model"
	"github.com/jumiknows/AleasatV2-sub002/internal/store"
)

var tracer = otel.Tracer("github.com/jumiknows/AleasatV2-sub002/internal/passes")

// DefaultMatchTolerance is how far a predicted rise or set may drift from a
// stored one and still be the same physical pass.
const DefaultMatchTolerance = 20 * time.Minute

// ReconcileKind is the job kind that runs one reconciliation cycle.
const ReconcileKind = "reconcile_passes"

// Report summarises one reconciliation cycle.
type Report struct {
	StateID  string `json:"state_id"`
	Stations int    `json:"stations"`
	Skipped  int    `json:"skipped"` // already current
	Added    int    `json:"added"`
	Updated  int    `json:"updated"`
	Deleted  int    `json:"deleted"`
}

// Reconciler keeps stored passes in line with the latest predictions.
type Reconciler struct {
	store     store.Store
	eph       *ephemeris.Store
	predictor *Predictor
	clock     clock.Clock
	tolerance time.Duration
	logger    *slog.Logger
}

// NewReconciler builds a Reconciler. tolerance <= 0 uses DefaultMatchTolerance.
func NewReconciler(st store.Store, eph *ephemeris.Store, predictor *Predictor, clk clock.Clock, tolerance time.Duration, logger *slog.Logger) *Reconciler {
	if tolerance <= 0 {
		tolerance = DefaultMatchTolerance
	}
	return &Reconciler{
		store:     st,
		eph:       eph,
		predictor: predictor,
		clock:     clk,
		tolerance: tolerance,
		logger:    logger,
	}
}

// SiteOf returns the geometry site of a ground station.
func SiteOf(gs model.GroundStation) geometry.Site {
	return geometry.Site{Lat: gs.Lat, Lng: gs.Lng, MinElevation: gs.MinElevation}
}

// Reconcile predicts passes for every station and writes the difference
// against the stored passes in one serializable transaction. Stations whose
// stored passes already reference the current state are left alone.
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	ctx, span := tracer.Start(ctx, "passes.Reconcile")
	defer span.End()

	snap, err := r.eph.Current()
	if err != nil {
		return Report{}, err
	}
	now := r.clock.Now()

	var stations []model.GroundStation
	err = r.store.WithTx(ctx, store.ReadCommitted, func(tx store.Tx) error {
		var err error
		stations, err = tx.ListGroundStations(ctx)
		return err
	})
	if err != nil {
		return Report{}, fmt.Errorf("listing ground stations: %w", err)
	}

	// Geometry runs before the transaction opens, against the same snapshot
	// whose state ID the rise/set records carry.
	predicted := make(map[string][]Prediction, len(stations))
	for _, gs := range stations {
		ps, err := r.predictor.FindFullPassesIn(ctx, snap, SiteOf(gs), now)
		if err != nil {
			return Report{}, fmt.Errorf("predicting passes for %s: %w", gs.ID, err)
		}
		predicted[gs.ID] = ps
	}

	var rep Report
	err = r.store.WithTx(ctx, store.Serializable, func(tx store.Tx) error {
		rep = Report{StateID: snap.StateID, Stations: len(stations)}
		for _, gs := range stations {
			if err := r.reconcileStation(ctx, tx, gs, snap.StateID, predicted[gs.ID], now, &rep); err != nil {
				return fmt.Errorf("station %s: %w", gs.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Report{}, err
	}

	metrics.RecordReconcile(rep.Added, rep.Updated, rep.Deleted)
	span.SetAttributes(
		attribute.String("state_id", rep.StateID),
		attribute.Int("added", rep.Added),
		attribute.Int("updated", rep.Updated),
		attribute.Int("deleted", rep.Deleted),
	)
	r.logger.Info("passes reconciled",
		"state_id", rep.StateID,
		"stations", rep.Stations,
		"skipped", rep.Skipped,
		"added", rep.Added,
		"updated", rep.Updated,
		"deleted", rep.Deleted,
	)
	return rep, nil
}

func (r *Reconciler) reconcileStation(ctx context.Context, tx store.Tx, gs model.GroundStation, stateID string, predicted []Prediction, now time.Time, rep *Report) error {
	stored, err := tx.ListPassesFrom(ctx, gs.ID, now)
	if err != nil {
		return err
	}
	for _, p := range stored {
		if p.RiseSet.StateID == stateID {
			rep.Skipped++
			return nil
		}
	}

	pl := diff(stored, predicted, r.tolerance, gs.AutoAddPasses)

	for _, id := range pl.deletes {
		if err := tx.DeletePass(ctx, id); err != nil {
			return err
		}
		rep.Deleted++
	}

	var prev *string
	last, err := tx.LastPassBefore(ctx, gs.ID, now)
	switch {
	case err == nil:
		prev = &last.ID
	case !errors.Is(err, store.ErrNotFound):
		return err
	}

	for _, o := range pl.ops {
		rs := model.RiseSet{
			ID:             uuid.NewString(),
			PassID:         o.passID,
			Rise:           o.pass.Rise,
			Set:            o.pass.Set,
			StateID:        stateID,
			PreviousPassID: prev,
			CreatedAt:      now,
		}
		if o.add {
			rs.PassID = uuid.NewString()
			if err := tx.CreatePass(ctx, model.Pass{ID: rs.PassID, GroundStationID: gs.ID, RiseSet: rs}); err != nil {
				return err
			}
			rep.Added++
		} else {
			if err := tx.AddRiseSet(ctx, rs); err != nil {
				return err
			}
			rep.Updated++
		}
		id := rs.PassID
		prev = &id
	}
	return nil
}

// op is one add or update, in rise order.
type op struct {
	add    bool
	passID string // stored pass for updates
	pred   int    // index into the predictions
	pass   geometry.FullPass
}

type plan struct {
	deletes []string
	ops     []op
}

// within reports whether two instants are at most tol apart.
func within(a, b time.Time, tol time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= tol
}

func absDiff(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}

// diff matches stored passes to predictions. A pair matches when either the
// rise or the set is within tol; each stored pass takes the unclaimed match
// with the closest rise. Unmatched stored passes are deleted, matched ones
// updated, and unmatched predictions added only when addNew is set.
func diff(stored []model.Pass, predicted []Prediction, tol time.Duration, addNew bool) plan {
	var pl plan
	claimed := make([]bool, len(predicted))

	for _, s := range stored {
		best := -1
		for i, p := range predicted {
			if claimed[i] {
				continue
			}
			if !within(p.Rise.T, s.RiseSet.Rise.T, tol) && !within(p.Set.T, s.RiseSet.Set.T, tol) {
				continue
			}
			if best < 0 || absDiff(p.Rise.T, s.RiseSet.Rise.T) < absDiff(predicted[best].Rise.T, s.RiseSet.Rise.T) {
				best = i
			}
		}
		if best < 0 {
			pl.deletes = append(pl.deletes, s.ID)
			continue
		}
		claimed[best] = true
		pl.ops = append(pl.ops, op{passID: s.ID, pred: best, pass: predicted[best].FullPass})
	}

	if addNew {
		for i, p := range predicted {
			if !claimed[i] {
				pl.ops = append(pl.ops, op{add: true, pred: i, pass: p.FullPass})
			}
		}
	}

	sort.SliceStable(pl.ops, func(i, j int) bool { return pl.ops[i].pass.Rise.T.Before(pl.ops[j].pass.Rise.T) })
	return pl
}

// StationPasses predicts passes for a stored station and tags each with the
// ID of the stored pass it matches, if any.
func (r *Reconciler) StationPasses(ctx context.Context, stationID string, from time.Time) ([]Prediction, error) {
	var (
		gs     model.GroundStation
		stored []model.Pass
	)
	err := r.store.WithTx(ctx, store.ReadCommitted, func(tx store.Tx) error {
		var err error
		if gs, err = tx.GetGroundStation(ctx, stationID); err != nil {
			return err
		}
		stored, err = tx.ListPassesFrom(ctx, stationID, from)
		return err
	})
	if err != nil {
		return nil, err
	}

	ps, err := r.predictor.FindFullPasses(ctx, SiteOf(gs), from)
	if err != nil {
		return nil, err
	}

	for _, o := range diff(stored, ps, r.tolerance, false).ops {
		ps[o.pred].ID = o.passID
	}
	return ps, nil
}

// Hook adapts Reconcile to an ephemeris refresh hook.
func (r *Reconciler) Hook(ctx context.Context, snap *ephemeris.Snapshot) {
	if _, err := r.Reconcile(ctx); err != nil {
		r.logger.Error("pass reconciliation failed", "state_id", snap.StateID, "error", err)
	}
}
