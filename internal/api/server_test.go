package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jumiknows/AleasatV2-sub002/internal/auth"
	"github.com/jumiknows/AleasatV2-sub002/internal/clock"
	"github.com/jumiknows/AleasatV2-sub002/internal/cmdspec"
	"github.com/jumiknows/AleasatV2-sub002/internal/ephemeris"
	"github.com/jumiknows/AleasatV2-sub002/internal/geometry"
	"github.com/jumiknows/AleasatV2-sub002/internal/jobqueue"
	"github.com/jumiknows/AleasatV2-sub002/internal/model"
	"github.com/jumiknows/AleasatV2-sub002/internal/passes"
	"github.com/jumiknows/AleasatV2-sub002/internal/propagation"
	"github.com/jumiknows/AleasatV2-sub002/internal/scheduler"
	"github.com/jumiknows/AleasatV2-sub002/internal/store"
	"github.com/jumiknows/AleasatV2-sub002/internal/tle"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
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
	now         = windowStart.Add(time.Hour)
)

const testSpecs = `{"specs": [{"fw_version": "1.0.0", "commands": [
  {"name": "ping", "id": 10, "args": []},
  {"name": "beacon", "id": 11, "args": [{"name": "period", "kind": "number"}]}
]}]}`

type env struct {
	t       *testing.T
	deps    Deps
	handler http.Handler
	jobs    *jobqueue.Queue
}

// newEnv wires every route against in-memory services. loaded controls
// whether an ephemeris window is in service.
func newEnv(t *testing.T, loaded bool, authCfg auth.Config) *env {
	t.Helper()
	clk := clock.NewFake(now)
	st := store.NewMemStore()
	eph := ephemeris.NewStore()
	if loaded {
		prop, err := propagation.NewSGP4Propagator(issElements)
		if err != nil {
			t.Fatalf("NewSGP4Propagator: %v", err)
		}
		series, err := propagation.Series(prop, windowStart, time.Minute, 2*24*60)
		if err != nil {
			t.Fatalf("Series: %v", err)
		}
		snap, err := ephemeris.NewSnapshot(issElements, "test", time.Minute, series, windowStart)
		if err != nil {
			t.Fatalf("NewSnapshot: %v", err)
		}
		eph.Swap(snap)
	}

	pool := geometry.NewPool(1, testLogger())
	t.Cleanup(pool.Close)
	predictor := passes.NewPredictor(eph, pool, 16, time.Hour, testLogger())
	jobs := jobqueue.New(clk, 1, testLogger())
	specs, err := cmdspec.LoadRegistry(strings.NewReader(testSpecs))
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}

	d := Deps{
		Store:      st,
		Ephemeris:  eph,
		Predictor:  predictor,
		Reconciler: passes.NewReconciler(st, eph, predictor, clk, 0, testLogger()),
		Scheduler:  scheduler.New(st, jobs, clk, scheduler.DefaultConfig(), nil, testLogger()),
		Jobs:       jobs,
		Specs:      specs,
		Clock:      clk,
	}
	return &env{t: t, deps: d, handler: NewHandler(d, authCfg, testLogger()), jobs: jobs}
}

func (e *env) do(method, target, token string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			e.t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
	return v
}

func wantStatus(t *testing.T, w *httptest.ResponseRecorder, code int) {
	t.Helper()
	if w.Code != code {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, code, w.Body.String())
	}
}

var tokens = auth.Config{
	Enabled: true,
	Tokens: map[string]auth.Identity{
		"alice-token": {Subject: "alice"},
		"bob-token":   {Subject: "bob"},
		"ops-token":   {Subject: "ops", Groups: []string{auth.GroupOperators}},
	},
}

func TestProbes(t *testing.T) {
	cold := newEnv(t, false, tokens)
	wantStatus(t, cold.do("GET", "/healthz", "", nil), http.StatusOK)
	wantStatus(t, cold.do("GET", "/readyz", "", nil), http.StatusServiceUnavailable)

	warm := newEnv(t, true, tokens)
	wantStatus(t, warm.do("GET", "/readyz", "", nil), http.StatusOK)
}

func TestRequiresToken(t *testing.T) {
	e := newEnv(t, true, tokens)
	wantStatus(t, e.do("GET", "/api/v1/missions", "", nil), http.StatusUnauthorized)
	wantStatus(t, e.do("GET", "/api/v1/missions", "nope", nil), http.StatusUnauthorized)
	wantStatus(t, e.do("GET", "/api/v1/missions", "alice-token", nil), http.StatusOK)
}

func TestFindPassesValidation(t *testing.T) {
	e := newEnv(t, true, auth.Config{})

	tests := []struct {
		name      string
		query     string
		wantField string
	}{
		{"no site", "", "ground_station_id"},
		{"bad number", "?lat=north&lng=0", "lat"},
		{"latitude out of range", "?lat=95&lng=0", "lat"},
		{"latitude without longitude", "?lat=10", "lng"},
		{"negative elevation", "?lat=10&lng=0&min_elevation=-5", "min_elevation"},
		{"bad start", "?lat=10&lng=0&start=tomorrow", "start"},
		{"start too far ahead", "?lat=10&lng=0&start=" + now.Add(6*24*time.Hour).Format(time.RFC3339), "start"},
		{"start too far back", "?lat=10&lng=0&start=" + now.Add(-8*24*time.Hour).Format(time.RFC3339), "start"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do("GET", "/api/v1/passes"+tt.query, "", nil)
			wantStatus(t, w, http.StatusBadRequest)
			p := decode[problem](t, w)
			if p.Error != "validation failed" {
				t.Errorf("error = %q", p.Error)
			}
			if _, ok := p.Fields[tt.wantField]; !ok {
				t.Errorf("fields = %v, want %q flagged", p.Fields, tt.wantField)
			}
		})
	}
}

func TestFindPassesNotReady(t *testing.T) {
	e := newEnv(t, false, auth.Config{})
	w := e.do("GET", "/api/v1/passes?lat=49.26&lng=-123.25", "", nil)
	wantStatus(t, w, http.StatusServiceUnavailable)
	if p := decode[problem](t, w); p.Error != "ephemeris not ready" {
		t.Errorf("error = %q", p.Error)
	}
}

func TestFindPassesAdHocSite(t *testing.T) {
	e := newEnv(t, true, auth.Config{})
	w := e.do("GET", "/api/v1/passes?lat=49.26&lng=-123.25&min_elevation=10", "", nil)
	wantStatus(t, w, http.StatusOK)

	ps := decode[[]passes.Prediction](t, w)
	if len(ps) == 0 {
		t.Fatal("expected passes over Vancouver")
	}
	for i, p := range ps {
		if p.Rise.T.Before(now) {
			t.Errorf("pass %d rises before the query start", i)
		}
		if p.ID != "" {
			t.Errorf("ad hoc pass %d carries stored id %q", i, p.ID)
		}
	}
}

func TestGroundStationsAndStoredPasses(t *testing.T) {
	e := newEnv(t, true, auth.Config{})

	w := e.do("POST", "/api/v1/groundstations", "", map[string]any{
		"name": "UBC", "lat": 49.26, "lng": -123.25, "min_elevation": 10,
	})
	wantStatus(t, w, http.StatusCreated)
	gs := decode[model.GroundStation](t, w)
	if !gs.NetworkOwned() || !gs.AutoAddPasses {
		t.Errorf("network station = %+v, want auto-add", gs)
	}

	wantStatus(t, e.do("GET", "/api/v1/groundstations/"+gs.ID, "", nil), http.StatusOK)
	wantStatus(t, e.do("GET", "/api/v1/groundstations/missing", "", nil), http.StatusNotFound)
	if list := decode[[]model.GroundStation](t, e.do("GET", "/api/v1/groundstations", "", nil)); len(list) != 1 {
		t.Errorf("listed %d stations, want 1", len(list))
	}

	if _, err := e.deps.Reconciler.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	w = e.do("GET", "/api/v1/groundstations/"+gs.ID+"/passes", "", nil)
	wantStatus(t, w, http.StatusOK)
	ps := decode[[]passes.Prediction](t, w)
	if len(ps) == 0 || ps[0].ID == "" {
		t.Fatalf("station passes = %+v, want stored ids", ps)
	}

	w = e.do("GET", "/api/v1/passes?ground_station_id="+gs.ID, "", nil)
	wantStatus(t, w, http.StatusOK)
	if byQuery := decode[[]passes.Prediction](t, w); len(byQuery) != len(ps) || byQuery[0].ID != ps[0].ID {
		t.Errorf("query by station id disagrees with the station route")
	}

	w = e.do("GET", "/api/v1/passes/"+ps[0].ID+"/history", "", nil)
	wantStatus(t, w, http.StatusOK)
	if h := decode[[]model.RiseSet](t, w); len(h) != 1 {
		t.Errorf("history has %d entries, want 1", len(h))
	}
	wantStatus(t, e.do("GET", "/api/v1/passes/missing/history", "", nil), http.StatusNotFound)
}

func TestCreateStation(t *testing.T) {
	e := newEnv(t, true, tokens)

	tests := []struct {
		name   string
		token  string
		body   map[string]any
		status int
	}{
		{"missing name", "ops-token", map[string]any{"lat": 1, "lng": 1}, http.StatusBadRequest},
		{"latitude out of range", "ops-token", map[string]any{"name": "x", "lat": 91, "lng": 1}, http.StatusBadRequest},
		{"unknown field", "ops-token", map[string]any{"name": "x", "lat": 1, "lng": 1, "altitude": 3}, http.StatusBadRequest},
		{"network station by user", "alice-token", map[string]any{"name": "x", "lat": 1, "lng": 1}, http.StatusForbidden},
		{"owned station by user", "alice-token", map[string]any{"name": "x", "lat": 1, "lng": 1, "owned": true}, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do("POST", "/api/v1/groundstations", tt.token, tt.body)
			wantStatus(t, w, tt.status)
			if tt.status != http.StatusCreated {
				return
			}
			gs := decode[model.GroundStation](t, w)
			if gs.OwnerID == nil || *gs.OwnerID != "alice" || gs.AutoAddPasses {
				t.Errorf("owned station = %+v", gs)
			}
		})
	}
}

func TestGroundTrack(t *testing.T) {
	e := newEnv(t, true, auth.Config{})

	w := e.do("GET", "/api/v1/groundtrack?t="+windowStart.Add(12*time.Hour).Format(time.RFC3339), "", nil)
	wantStatus(t, w, http.StatusOK)
	gt := decode[groundTrackResponse](t, w)
	snap, _ := e.deps.Ephemeris.Current()
	if gt.StateID != snap.StateID || gt.StateElement.NORADID != 25544 {
		t.Errorf("state = %q / %+v", gt.StateID, gt.StateElement)
	}
	if len(gt.GroundTrack) < 80 {
		t.Fatalf("ground track has %d points", len(gt.GroundTrack))
	}
	for _, p := range gt.GroundTrack {
		if p[0] < -53 || p[0] > 53 || p[2] < 300 || p[2] > 500 {
			t.Fatalf("implausible ISS point %v", p)
		}
	}

	wantStatus(t, e.do("GET", "/api/v1/groundtrack?t=2030-01-01T00:00:00Z", "", nil), http.StatusBadRequest)
	wantStatus(t, e.do("GET", "/api/v1/groundtrack?t=noon", "", nil), http.StatusBadRequest)
}

func missionBody(scheduledAt *time.Time, commands ...map[string]any) map[string]any {
	b := map[string]any{"fw_version": "1.0.0", "commands": commands}
	if scheduledAt != nil {
		b["scheduled_at"] = scheduledAt.Format(time.RFC3339)
	}
	return b
}

func ping(seq int, offset float64) map[string]any {
	return map[string]any{"sequence_number": seq, "command_id": 10, "command_name": "ping", "time_offset": offset}
}

func TestSubmitMissionLifecycle(t *testing.T) {
	e := newEnv(t, true, tokens)

	w := e.do("POST", "/api/v1/missions", "alice-token", missionBody(nil, ping(1, 0), ping(2, 5)))
	wantStatus(t, w, http.StatusCreated)
	created := decode[missionCreated](t, w)
	if created.ID == "" || created.Status != model.StatusQueued {
		t.Fatalf("created = %+v", created)
	}

	if _, err := e.deps.Scheduler.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	w = e.do("GET", "/api/v1/missions/"+created.ID, "alice-token", nil)
	wantStatus(t, w, http.StatusOK)
	view := decode[missionView](t, w)
	if view.Status != model.StatusScheduled || view.Schedule == nil {
		t.Fatalf("mission = %+v", view)
	}
	if want := now.Add(5 * time.Minute); !view.Schedule.MissionStart.Equal(want) {
		t.Errorf("mission start = %v, want %v", view.Schedule.MissionStart, want)
	}

	wantStatus(t, e.do("GET", "/api/v1/missions/"+created.ID, "bob-token", nil), http.StatusNotFound)
	wantStatus(t, e.do("GET", "/api/v1/missions/"+created.ID, "ops-token", nil), http.StatusOK)

	if list := decode[[]model.Mission](t, e.do("GET", "/api/v1/missions", "alice-token", nil)); len(list) != 1 {
		t.Errorf("alice lists %d missions", len(list))
	}
	if list := decode[[]model.Mission](t, e.do("GET", "/api/v1/missions", "bob-token", nil)); len(list) != 0 {
		t.Errorf("bob lists %d missions", len(list))
	}
	wantStatus(t, e.do("GET", "/api/v1/missions?user_id=alice", "bob-token", nil), http.StatusForbidden)
	wantStatus(t, e.do("GET", "/api/v1/missions?user_id=alice", "ops-token", nil), http.StatusOK)

	wantStatus(t, e.do("DELETE", "/api/v1/missions/"+created.ID, "alice-token", nil), http.StatusConflict)
}

func TestCancelQueuedMission(t *testing.T) {
	e := newEnv(t, true, tokens)

	created := decode[missionCreated](t, e.do("POST", "/api/v1/missions", "alice-token", missionBody(nil, ping(1, 0))))
	wantStatus(t, e.do("DELETE", "/api/v1/missions/"+created.ID, "bob-token", nil), http.StatusNotFound)
	wantStatus(t, e.do("DELETE", "/api/v1/missions/"+created.ID, "alice-token", nil), http.StatusNoContent)
	wantStatus(t, e.do("GET", "/api/v1/missions/"+created.ID, "alice-token", nil), http.StatusNotFound)
}

func TestSubmitMissionValidation(t *testing.T) {
	e := newEnv(t, true, auth.Config{})
	past := now.Add(-time.Minute)

	tests := []struct {
		name      string
		body      map[string]any
		wantField string
	}{
		{"no commands", missionBody(nil), "commands"},
		{"missing firmware", map[string]any{"commands": []any{ping(1, 0)}}, "fw_version"},
		{"missing command name", missionBody(nil, map[string]any{"sequence_number": 1, "command_id": 10}), "commands[0].command_name"},
		{"negative offset", missionBody(nil, ping(1, -1)), "commands[0].time_offset"},
		{"start in the past", missionBody(&past, ping(1, 0)), "scheduled_at"},
		{"unknown command", missionBody(nil, map[string]any{"sequence_number": 1, "command_id": 99, "command_name": "warp"}), "commands[0]"},
		{"missing argument", missionBody(nil, map[string]any{"sequence_number": 1, "command_id": 11, "command_name": "beacon"}), "commands[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do("POST", "/api/v1/missions", "", tt.body)
			wantStatus(t, w, http.StatusBadRequest)
			if p := decode[problem](t, w); p.Fields[tt.wantField] == "" {
				t.Errorf("fields = %v, want %q flagged", p.Fields, tt.wantField)
			}
		})
	}

	w := e.do("POST", "/api/v1/missions", "", missionBody(nil,
		map[string]any{"sequence_number": 1, "command_id": 11, "command_name": "beacon", "arguments": map[string]any{"period": 30}}))
	wantStatus(t, w, http.StatusCreated)
}

func TestQueueMissionWebhook(t *testing.T) {
	e := newEnv(t, true, tokens)
	const id = "6f1c2a5e-7b0e-4e43-9d59-0d6a4f0c9e11"
	at := now.Add(10 * time.Minute)

	body := missionBody(&at, ping(1, 0))
	body["id"] = id
	body["user_id"] = "alice"

	wantStatus(t, e.do("POST", "/api/v1/webhooks/queue-mission", "alice-token", body), http.StatusForbidden)

	w := e.do("POST", "/api/v1/webhooks/queue-mission", "ops-token", body)
	wantStatus(t, w, http.StatusCreated)
	if got := decode[missionCreated](t, w); got.ID != id {
		t.Errorf("id = %q, want %q", got.ID, id)
	}

	w = e.do("POST", "/api/v1/webhooks/queue-mission", "ops-token", body)
	wantStatus(t, w, http.StatusConflict)

	if _, err := e.deps.Scheduler.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	other := missionBody(&at, ping(1, 0))
	other["id"] = "0b6f8a3c-2d1e-4f5a-8b7c-9d0e1f2a3b4c"
	other["user_id"] = "bob"
	w = e.do("POST", "/api/v1/webhooks/queue-mission", "ops-token", other)
	wantStatus(t, w, http.StatusConflict)
	if p := decode[problem](t, w); !strings.Contains(p.Error, id) {
		t.Errorf("collision error %q does not name the reserved mission", p.Error)
	}

	anon := missionBody(nil, ping(1, 0))
	w = e.do("POST", "/api/v1/webhooks/queue-mission", "ops-token", anon)
	wantStatus(t, w, http.StatusBadRequest)
	p := decode[problem](t, w)
	if p.Fields["id"] == "" || p.Fields["user_id"] == "" {
		t.Errorf("fields = %v, want id and user_id flagged", p.Fields)
	}
}

func TestEphemerisRoutes(t *testing.T) {
	cold := newEnv(t, false, tokens)
	wantStatus(t, cold.do("GET", "/api/v1/ephemeris", "alice-token", nil), http.StatusServiceUnavailable)

	e := newEnv(t, true, tokens)
	w := e.do("GET", "/api/v1/ephemeris", "alice-token", nil)
	wantStatus(t, w, http.StatusOK)
	st := decode[ephemerisStatus](t, w)
	if st.StateID == "" || len(st.Days) != 2 || st.Days[0] != "2024-04-10" || st.Samples != 2*24*60 {
		t.Errorf("status = %+v", st)
	}

	wantStatus(t, e.do("POST", "/api/v1/ephemeris/refresh", "alice-token", nil), http.StatusForbidden)
	w = e.do("POST", "/api/v1/ephemeris/refresh", "ops-token", nil)
	wantStatus(t, w, http.StatusAccepted)
	accepted := decode[jobAccepted](t, w)

	w = e.do("GET", "/api/v1/jobs/"+accepted.JobID, "alice-token", nil)
	wantStatus(t, w, http.StatusOK)
	if job := decode[jobqueue.Job](t, w); job.Kind != ephemeris.RefreshKind || job.Status != jobqueue.StatusReady {
		t.Errorf("job = %+v", job)
	}
	wantStatus(t, e.do("GET", "/api/v1/jobs/missing", "alice-token", nil), http.StatusNotFound)
}

func TestEphemerisUpdatedWebhook(t *testing.T) {
	e := newEnv(t, true, tokens)

	w := e.do("POST", "/api/v1/webhooks/ephemeris-updated", "ops-token", map[string]any{"source": "x"})
	wantStatus(t, w, http.StatusBadRequest)

	w = e.do("POST", "/api/v1/webhooks/ephemeris-updated", "ops-token", map[string]any{"state_id": "s-1"})
	wantStatus(t, w, http.StatusAccepted)
	accepted := decode[jobAccepted](t, w)

	job, err := e.jobs.Get(accepted.JobID)
	if err != nil {
		t.Fatal(err)
	}
	var payload struct {
		StateID string `json:"state_id"`
	}
	if err := job.Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if job.Kind != passes.ReconcileKind || payload.StateID != "s-1" {
		t.Errorf("job = %+v, payload = %+v", job, payload)
	}
}
