package main

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jumiknows/AleasatV2-sub002/internal/clock"
	"github.com/jumiknows/AleasatV2-sub002/internal/ephemeris"
	"github.com/jumiknows/AleasatV2-sub002/internal/jobqueue"
	"github.com/jumiknows/AleasatV2-sub002/internal/notify"
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

type staticSource struct{}

func (staticSource) Latest(ctx context.Context) (tle.Elements, error) { return issElements, nil }
func (staticSource) Name() string                                     { return "static" }

type recordedJobs struct {
	mu   sync.Mutex
	jobs []jobqueue.Job
	evs  []notify.EphemerisUpdated
}

func (r *recordedJobs) Create(kind string, payload any, delay time.Duration) (jobqueue.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := jobqueue.Job{ID: "job", Kind: kind, Status: jobqueue.StatusReady}
	r.jobs = append(r.jobs, j)
	if ev, ok := payload.(notify.EphemerisUpdated); ok {
		r.evs = append(r.evs, ev)
	}
	return j, nil
}

func TestRefreshQueuesCrossCheck(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		want    int
	}{
		{"enabled", true, 1},
		{"opted out", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewFake(time.Date(2024, 4, 10, 2, 0, 0, 0, time.UTC))
			r := ephemeris.NewRefresher(ephemeris.NewStore(), staticSource{}, ephemeris.Config{
				Step:    time.Minute,
				Horizon: 6 * time.Hour,
			}, clk, testLogger())
			jobs := &recordedJobs{}
			wireCrossCheck(r, tt.enabled, jobs, testLogger())

			snap, err := r.Refresh(context.Background())
			if err != nil {
				t.Fatalf("Refresh: %v", err)
			}
			if len(jobs.jobs) != tt.want {
				t.Fatalf("queued %d jobs, want %d", len(jobs.jobs), tt.want)
			}
			if tt.want == 0 {
				return
			}
			if jobs.jobs[0].Kind != crossCheckKind {
				t.Errorf("kind = %q, want %q", jobs.jobs[0].Kind, crossCheckKind)
			}
			if ev := jobs.evs[0]; ev.StateID != snap.StateID || !ev.WindowStart.Equal(snap.Start()) {
				t.Errorf("payload = %+v, want window of %s", ev, snap.StateID)
			}
		})
	}
}
