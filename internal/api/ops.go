package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/jumiknows/AleasatV2-sub002/internal/ephemeris"
	"github.com/jumiknows/AleasatV2-sub002/internal/notify"
	"github.com/jumiknows/AleasatV2-sub002/internal/passes"
	"github.com/jumiknows/AleasatV2-sub002/internal/tle"
)

type ephemerisStatus struct {
	StateID  string       `json:"state_id"`
	Source   string       `json:"source"`
	LoadedAt time.Time    `json:"loaded_at"`
	Elements tle.Elements `json:"elements"`
	Start    time.Time    `json:"start"`
	End      time.Time    `json:"end"`
	Days     []string     `json:"days"`
	Samples  int          `json:"samples"`
}

type jobAccepted struct {
	JobID string `json:"job_id"`
}

// GET /api/v1/ephemeris
func ephemerisStatusHandler(logger *slog.Logger, d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := d.Ephemeris.Current()
		if err != nil {
			writeFailure(w, logger, err)
			return
		}
		st := ephemerisStatus{
			StateID:  snap.StateID,
			Source:   snap.Source,
			LoadedAt: snap.LoadedAt,
			Elements: snap.Elements,
			Start:    snap.Start(),
			End:      snap.End(),
			Days:     make([]string, len(snap.Days)),
			Samples:  snap.SampleCount(),
		}
		for i, day := range snap.Days {
			st.Days[i] = day.Key
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// refreshEphemerisHandler queues an immediate refresh.
// POST /api/v1/ephemeris/refresh
func refreshEphemerisHandler(logger *slog.Logger, d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := d.Jobs.Create(ephemeris.RefreshKind, nil, 0)
		if err != nil {
			writeFailure(w, logger, err)
			return
		}
		logger.Info("ephemeris refresh requested", "job_id", job.ID)
		writeJSON(w, http.StatusAccepted, jobAccepted{JobID: job.ID})
	}
}

// ephemerisUpdatedHandler queues pass reconciliation for a new window.
// POST /api/v1/webhooks/ephemeris-updated
func ephemerisUpdatedHandler(logger *slog.Logger, d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ev notify.EphemerisUpdated
		if err := decodeBody(r, &ev); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if ev.StateID == "" {
			writeValidation(w, map[string]string{"state_id": "required"})
			return
		}

		job, err := d.Jobs.Create(passes.ReconcileKind, ev, 0)
		if err != nil {
			writeFailure(w, logger, err)
			return
		}
		logger.Info("pass reconciliation queued", "state_id", ev.StateID, "job_id", job.ID)
		writeJSON(w, http.StatusAccepted, jobAccepted{JobID: job.ID})
	}
}

// GET /api/v1/jobs/{id}
func getJobHandler(logger *slog.Logger, d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := d.Jobs.Get(r.PathValue("id"))
		if err != nil {
			writeFailure(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}
