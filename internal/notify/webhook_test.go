package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jumiknows/AleasatV2-sub002/internal/ephemeris"
	"github.com/jumiknows/AleasatV2-sub002/internal/propagation"
	"github.com/jumiknows/AleasatV2-sub002/internal/tle"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testSnapshot(t *testing.T) *ephemeris.Snapshot {
	t.Helper()
	start := time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC)
	series := make([]propagation.StateVector, 3)
	for i := range series {
		series[i] = propagation.StateVector{Epoch: start.Add(time.Duration(i) * time.Minute)}
	}
	snap, err := ephemeris.NewSnapshot(tle.Elements{Line1: "1", Line2: "2"}, "test", time.Minute, series, start)
	if err != nil {
		t.Fatal(err)
	}
	return snap
}

func TestWebhookDelivers(t *testing.T) {
	var got EphemerisUpdated
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	snap := testSnapshot(t)
	wh := NewWebhook(server.URL, "s3cret", testLogger())
	wh.Hook(context.Background(), snap)
	wh.Wait()

	if got.StateID != snap.StateID || got.Source != "test" || !got.WindowEnd.Equal(snap.End()) {
		t.Errorf("body = %+v", got)
	}
	if auth != "Bearer s3cret" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestWebhookSurvivesCancelledCaller(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	wh := NewWebhook(server.URL, "", testLogger())
	wh.Hook(ctx, testSnapshot(t))
	cancel()
	wh.Wait()

	if calls.Load() != 1 {
		t.Errorf("server saw %d calls, want 1 without retries", calls.Load())
	}
}
