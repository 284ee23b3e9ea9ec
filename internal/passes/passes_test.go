package passes

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jumiknows/AleasatV2-sub002/internal/clock"
	"github.com/jumiknows/AleasatV2-sub002/internal/ephemeris"
	"github.com/jumiknows/AleasatV2-sub002/internal/geometry"
	"github.com/jumiknows/AleasatV2-sub002/internal/model"
	"github.com/jumiknows/AleasatV2-sub002/internal/propagation"
	"github.com/jumiknows/AleasatV2-sub002/internal/store"
	"github.com/jumiknows/AleasatV2-sub002/internal/tle"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

var issElements = tle.Elements{
	NORADID: 25544,
	Name:    "ISS",
	Epoch:   time.Date(2024, 4, 9, 12, 0, 0, 0, time.UTC),
	Line1:   "1 25544U 98067A   24100.50000000  .00016717  00000-0  10270-3 0  9005",
	Line2:   "2 25544  51.6400 100.0000 0001000   0.0000   0.0000 15.50000000    09",
}

var (
	windowStart = time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC)
	vancouver   = geometry.Site{Lat: 49.26, Lng: -123.25, MinElevation: 10}
)

// loadedStore returns an ephemeris store holding two days of ISS samples.
func loadedStore(t *testing.T) (*ephemeris.Store, *ephemeris.Snapshot) {
	t.Helper()
	snap := issSnapshot(t, 2)
	eph := ephemeris.NewStore()
	eph.Swap(snap)
	return eph, snap
}

// issSnapshot propagates the ISS elements over days from windowStart.
func issSnapshot(t *testing.T, days int) *ephemeris.Snapshot {
	t.Helper()
	prop, err := propagation.NewSGP4Propagator(issElements)
	if err != nil {
		t.Fatalf("NewSGP4Propagator: %v", err)
	}
	series, err := propagation.Series(prop, windowStart, time.Minute, days*24*60)
	if err != nil {
		t.Fatalf("Series: %v", err)
	}
	snap, err := ephemeris.NewSnapshot(issElements, "test", time.Minute, series, windowStart)
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	return snap
}

func newPredictor(t *testing.T, eph *ephemeris.Store) *Predictor {
	t.Helper()
	pool := geometry.NewPool(1, testLogger())
	t.Cleanup(pool.Close)
	return NewPredictor(eph, pool, 64, time.Hour, testLogger())
}

func TestFindFullPasses(t *testing.T) {
	eph, _ := loadedStore(t)
	p := newPredictor(t, eph)
	from := windowStart.Add(time.Hour)

	ps, err := p.FindFullPasses(context.Background(), vancouver, from)
	if err != nil {
		t.Fatalf("FindFullPasses: %v", err)
	}
	if len(ps) == 0 {
		t.Fatal("expected at least one pass over two days")
	}
	for i, pass := range ps {
		if pass.Rise.T.Before(from) {
			t.Errorf("pass %d rises at %v, before %v", i, pass.Rise.T, from)
		}
		if pass.Culmination.T.Before(pass.Rise.T) || pass.Set.T.Before(pass.Culmination.T) {
			t.Errorf("pass %d out of order: rise=%v culm=%v set=%v", i, pass.Rise.T, pass.Culmination.T, pass.Set.T)
		}
		if pass.Culmination.Alt < vancouver.MinElevation {
			t.Errorf("pass %d culminates at %.2f deg, below floor", i, pass.Culmination.Alt)
		}
		if d := pass.Set.T.Sub(pass.Rise.T); d > 15*time.Minute {
			t.Errorf("pass %d lasts %v, too long for LEO", i, d)
		}
		if i > 0 && !ps[i-1].Rise.T.Before(pass.Rise.T) {
			t.Errorf("passes not in rise order at %d", i)
		}
	}
}

func TestFindFullPassesCacheIsolation(t *testing.T) {
	eph, _ := loadedStore(t)
	p := newPredictor(t, eph)
	ctx := context.Background()

	first, err := p.FindFullPasses(ctx, vancouver, windowStart)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) == 0 {
		t.Fatal("no passes")
	}
	first[0].ID = "mutated"

	second, err := p.FindFullPasses(ctx, vancouver, windowStart)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != len(first) {
		t.Fatalf("cached result has %d passes, want %d", len(second), len(first))
	}
	if second[0].ID != "" {
		t.Errorf("cached prediction was mutated through a returned slice")
	}

	// A later start within the same minute drops passes rising before it.
	later, err := p.FindFullPasses(ctx, vancouver, first[0].Rise.T.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(later) != len(first)-1 {
		t.Errorf("later query has %d passes, want %d", len(later), len(first)-1)
	}
}

func TestFindFullPassesNotReady(t *testing.T) {
	p := newPredictor(t, ephemeris.NewStore())
	_, err := p.FindFullPasses(context.Background(), vancouver, windowStart)
	if !errors.Is(err, ephemeris.ErrNotReady) {
		t.Errorf("err = %v, want ErrNotReady", err)
	}
}

func TestGroundTrack(t *testing.T) {
	eph, snap := loadedStore(t)
	p := newPredictor(t, eph)

	gt, err := p.GroundTrack(context.Background(), windowStart.Add(12*time.Hour))
	if err != nil {
		t.Fatalf("GroundTrack: %v", err)
	}
	if gt.StateID != snap.StateID {
		t.Errorf("state id = %s, want %s", gt.StateID, snap.StateID)
	}
	if len(gt.Points) != 91 {
		t.Errorf("points = %d, want 91", len(gt.Points))
	}
	for _, pt := range gt.Points {
		if pt.Lat > 52 || pt.Lat < -52 {
			t.Errorf("latitude %.2f beyond ISS inclination", pt.Lat)
		}
		if pt.Height < 300 || pt.Height > 500 {
			t.Errorf("height %.1f km outside LEO band", pt.Height)
		}
	}

	_, err = p.GroundTrack(context.Background(), windowStart.Add(-time.Hour))
	if !errors.Is(err, ErrOutsideWindow) {
		t.Errorf("err = %v, want ErrOutsideWindow", err)
	}
}

func predicted(rise time.Time) Prediction {
	return Prediction{FullPass: geometry.FullPass{
		Rise: model.Point{T: rise},
		Set:  model.Point{T: rise.Add(10 * time.Minute)},
	}}
}

func storedPass(id string, rise time.Time) model.Pass {
	return model.Pass{ID: id, RiseSet: model.RiseSet{
		Rise: model.Point{T: rise},
		Set:  model.Point{T: rise.Add(10 * time.Minute)},
	}}
}

func TestDiff(t *testing.T) {
	base := windowStart
	tol := DefaultMatchTolerance

	tests := []struct {
		name        string
		stored      []model.Pass
		predicted   []Prediction
		addNew      bool
		wantDeletes []string
		wantUpdates []string
		wantAdds    int
	}{
		{
			name:      "all new, network station",
			predicted: []Prediction{predicted(base), predicted(base.Add(90 * time.Minute))},
			addNew:    true,
			wantAdds:  2,
		},
		{
			name:      "all new, owner station",
			predicted: []Prediction{predicted(base), predicted(base.Add(90 * time.Minute))},
		},
		{
			name:        "drift within tolerance updates",
			stored:      []model.Pass{storedPass("a", base)},
			predicted:   []Prediction{predicted(base.Add(19 * time.Minute))},
			addNew:      true,
			wantUpdates: []string{"a"},
		},
		{
			name:   "set alone matches",
			stored: []model.Pass{storedPass("a", base)},
			predicted: []Prediction{{FullPass: geometry.FullPass{
				Rise: model.Point{T: base.Add(-25 * time.Minute)},
				Set:  model.Point{T: base.Add(5 * time.Minute)},
			}}},
			wantUpdates: []string{"a"},
		},
		{
			name:        "too far deletes and adds",
			stored:      []model.Pass{storedPass("a", base)},
			predicted:   []Prediction{predicted(base.Add(45 * time.Minute))},
			addNew:      true,
			wantDeletes: []string{"a"},
			wantAdds:    1,
		},
		{
			name:        "closest rise wins",
			stored:      []model.Pass{storedPass("a", base)},
			predicted:   []Prediction{predicted(base.Add(-15 * time.Minute)), predicted(base.Add(2 * time.Minute))},
			wantUpdates: []string{"a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pl := diff(tt.stored, tt.predicted, tol, tt.addNew)

			if len(pl.deletes) != len(tt.wantDeletes) {
				t.Fatalf("deletes = %v, want %v", pl.deletes, tt.wantDeletes)
			}
			for i := range pl.deletes {
				if pl.deletes[i] != tt.wantDeletes[i] {
					t.Errorf("deletes = %v, want %v", pl.deletes, tt.wantDeletes)
				}
			}

			var updates []string
			adds := 0
			for i, o := range pl.ops {
				if i > 0 && o.pass.Rise.T.Before(pl.ops[i-1].pass.Rise.T) {
					t.Errorf("ops not in rise order")
				}
				if o.add {
					adds++
					continue
				}
				updates = append(updates, o.passID)
			}
			if adds != tt.wantAdds {
				t.Errorf("adds = %d, want %d", adds, tt.wantAdds)
			}
			if len(updates) != len(tt.wantUpdates) {
				t.Fatalf("updates = %v, want %v", updates, tt.wantUpdates)
			}
			for i := range updates {
				if updates[i] != tt.wantUpdates[i] {
					t.Errorf("updates = %v, want %v", updates, tt.wantUpdates)
				}
			}
		})
	}

	// The closest candidate must be the one claimed.
	pl := diff([]model.Pass{storedPass("a", base)},
		[]Prediction{predicted(base.Add(-15 * time.Minute)), predicted(base.Add(2 * time.Minute))}, tol, false)
	if pl.ops[0].pred != 1 {
		t.Errorf("matched prediction %d, want 1", pl.ops[0].pred)
	}
}

type reconcileEnv struct {
	eph   *ephemeris.Store
	store *store.MemStore
	rec   *Reconciler
	snap  *ephemeris.Snapshot
	pred  *Predictor
	now   time.Time
}

func newReconcileEnv(t *testing.T, stations ...model.GroundStation) reconcileEnv {
	t.Helper()
	eph, snap := loadedStore(t)
	pred := newPredictor(t, eph)
	st := seededStore(t, stations...)
	now := windowStart.Add(time.Hour)
	rec := NewReconciler(st, eph, pred, clock.NewFake(now), 0, testLogger())
	return reconcileEnv{eph: eph, store: st, rec: rec, snap: snap, pred: pred, now: now}
}

// seededStore returns a MemStore holding stations.
func seededStore(t *testing.T, stations ...model.GroundStation) *store.MemStore {
	t.Helper()
	st := store.NewMemStore()
	err := st.WithTx(context.Background(), store.ReadCommitted, func(tx store.Tx) error {
		for _, gs := range stations {
			if err := tx.CreateGroundStation(context.Background(), gs); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seeding stations: %v", err)
	}
	return st
}

func station(id string, owner *string) model.GroundStation {
	return model.GroundStation{
		ID:            id,
		OwnerID:       owner,
		Name:          id,
		Lat:           vancouver.Lat,
		Lng:           vancouver.Lng,
		MinElevation:  vancouver.MinElevation,
		CreatedAt:     windowStart,
		AutoAddPasses: owner == nil,
	}
}

func listPasses(t *testing.T, st store.Store, stationID string, from time.Time) []model.Pass {
	t.Helper()
	var ps []model.Pass
	err := st.WithTx(context.Background(), store.ReadCommitted, func(tx store.Tx) error {
		var err error
		ps, err = tx.ListPassesFrom(context.Background(), stationID, from)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return ps
}

func TestReconcileNetworkStationAddsThenSettles(t *testing.T) {
	env := newReconcileEnv(t, station("net", nil))
	ctx := context.Background()

	want, err := env.pred.FindFullPasses(ctx, vancouver, env.now)
	if err != nil {
		t.Fatal(err)
	}

	rep, err := env.rec.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rep.Added != len(want) || rep.Updated != 0 || rep.Deleted != 0 {
		t.Errorf("first report = %+v, want %d adds", rep, len(want))
	}

	ps := listPasses(t, env.store, "net", env.now)
	if len(ps) != len(want) {
		t.Fatalf("stored %d passes, want %d", len(ps), len(want))
	}
	for i, p := range ps {
		if p.RiseSet.StateID != env.snap.StateID {
			t.Errorf("pass %d state = %s", i, p.RiseSet.StateID)
		}
		if i == 0 {
			if p.RiseSet.PreviousPassID != nil {
				t.Errorf("first pass links to %s", *p.RiseSet.PreviousPassID)
			}
			continue
		}
		if p.RiseSet.PreviousPassID == nil || *p.RiseSet.PreviousPassID != ps[i-1].ID {
			t.Errorf("pass %d not chained to %s", i, ps[i-1].ID)
		}
	}

	rep, err = env.rec.Reconcile(ctx)
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if rep.Skipped != 1 || rep.Added+rep.Updated+rep.Deleted != 0 {
		t.Errorf("second report = %+v, want a no-op", rep)
	}
}

func TestReconcileLongerWindowSameElements(t *testing.T) {
	env := newReconcileEnv(t, station("net", nil))
	ctx := context.Background()

	first, err := env.rec.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	longer := issSnapshot(t, 3)
	if longer.StateID == env.snap.StateID {
		t.Fatal("a longer window kept the previous state id")
	}
	env.eph.Swap(longer)
	want, err := env.pred.FindFullPassesIn(ctx, longer, vancouver, env.now)
	if err != nil {
		t.Fatal(err)
	}
	if len(want) <= first.Added {
		t.Fatalf("3-day window predicts %d passes, 2-day stored %d", len(want), first.Added)
	}

	rep, err := env.rec.Reconcile(ctx)
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if rep.Skipped != 0 || rep.StateID != longer.StateID {
		t.Errorf("second report = %+v, want station reconciled against %s", rep, longer.StateID)
	}
	if rep.Added != len(want)-first.Added || rep.Deleted != 0 {
		t.Errorf("second report = %+v, want %d adds", rep, len(want)-first.Added)
	}
	ps := listPasses(t, env.store, "net", env.now)
	if len(ps) != len(want) {
		t.Fatalf("stored %d passes, want %d", len(ps), len(want))
	}
	for i, p := range ps {
		if p.RiseSet.StateID != longer.StateID {
			t.Errorf("pass %d state = %s", i, p.RiseSet.StateID)
		}
	}
}

func TestReconcilePinsSnapshot(t *testing.T) {
	env := newReconcileEnv(t, station("net", nil))
	ctx := context.Background()

	// Predictions from the pinned snapshot match those of the live store.
	pinned, err := env.pred.FindFullPassesIn(ctx, env.snap, vancouver, env.now)
	if err != nil {
		t.Fatal(err)
	}
	env.eph.Swap(issSnapshot(t, 3))
	live, err := env.pred.FindFullPasses(ctx, vancouver, env.now)
	if err != nil {
		t.Fatal(err)
	}
	if len(live) <= len(pinned) {
		t.Errorf("live window gave %d passes, pinned 2-day window %d", len(live), len(pinned))
	}
	for i := range pinned {
		if !pinned[i].Rise.T.Equal(live[i].Rise.T) {
			t.Errorf("pass %d rise differs: %s vs %s", i, pinned[i].Rise.T, live[i].Rise.T)
		}
	}
}

func TestReconcileOwnerStationNeverAdds(t *testing.T) {
	owner := "user-1"
	env := newReconcileEnv(t, station("own", &owner))

	rep, err := env.rec.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Added != 0 {
		t.Errorf("added %d passes to an owner-scoped station", rep.Added)
	}
	if ps := listPasses(t, env.store, "own", env.now); len(ps) != 0 {
		t.Errorf("stored %d passes", len(ps))
	}
}

func TestReconcileUpdatesAndDeletes(t *testing.T) {
	owner := "user-1"
	env := newReconcileEnv(t, station("own", &owner))
	ctx := context.Background()

	want, err := env.pred.FindFullPasses(ctx, vancouver, env.now)
	if err != nil || len(want) == 0 {
		t.Fatalf("predictions: %d, %v", len(want), err)
	}

	drifted := storedPass("known", want[0].Rise.T.Add(5*time.Minute))
	drifted.GroundStationID = "own"
	drifted.RiseSet.ID = "rs-old"
	drifted.RiseSet.StateID = "old-state"
	stale := storedPass("stale", env.snap.End().Add(6*time.Hour))
	stale.GroundStationID = "own"
	stale.RiseSet.ID = "rs-stale"
	stale.RiseSet.StateID = "old-state"

	err = env.store.WithTx(ctx, store.Serializable, func(tx store.Tx) error {
		if err := tx.CreatePass(ctx, drifted); err != nil {
			return err
		}
		return tx.CreatePass(ctx, stale)
	})
	if err != nil {
		t.Fatal(err)
	}

	rep, err := env.rec.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Updated != 1 || rep.Deleted != 1 || rep.Added != 0 {
		t.Errorf("report = %+v, want 1 update and 1 delete", rep)
	}

	err = env.store.WithTx(ctx, store.ReadCommitted, func(tx store.Tx) error {
		hist, err := tx.PassHistory(ctx, "known")
		if err != nil {
			return err
		}
		if len(hist) != 2 || hist[0].ID != "rs-old" {
			t.Errorf("history = %+v", hist)
		}
		cur := hist[len(hist)-1]
		if cur.StateID != env.snap.StateID || !cur.Rise.T.Equal(want[0].Rise.T) {
			t.Errorf("current rise set = %+v", cur)
		}
		if _, err := tx.GetPass(ctx, "stale"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("stale pass survived: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	ps, err := env.rec.StationPasses(ctx, "own", env.now)
	if err != nil {
		t.Fatal(err)
	}
	if ps[0].ID != "known" {
		t.Errorf("first prediction id = %q, want known", ps[0].ID)
	}
	for _, p := range ps[1:] {
		if p.ID != "" {
			t.Errorf("unmatched prediction tagged %q", p.ID)
		}
	}
}

func TestReconcileRetriesConflicts(t *testing.T) {
	env := newReconcileEnv(t, station("net", nil))
	env.store.InjectConflicts(2)

	rep, err := env.rec.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got := len(listPasses(t, env.store, "net", env.now)); got != rep.Added {
		t.Errorf("stored %d passes, report says %d", got, rep.Added)
	}
}
