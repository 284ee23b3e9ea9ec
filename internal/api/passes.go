package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jumiknows/AleasatV2-sub002/internal/geometry"
	"github.com/jumiknows/AleasatV2-sub002/internal/model"
	"github.com/jumiknows/AleasatV2-sub002/internal/store"
	"github.com/jumiknows/AleasatV2-sub002/internal/tle"
)

// Pass query windows: start may lie at most maxStartAhead in the future and
// at most maxStartBehind in the past, so one query spans at most 12 days.
const (
	maxStartAhead  = 5 * 24 * time.Hour
	maxStartBehind = 7 * 24 * time.Hour
)

type passQuery struct {
	GroundStationID string   `json:"ground_station_id" validate:"required_without=Lat"`
	Lat             *float64 `json:"lat" validate:"required_without=GroundStationID,omitempty,min=-90,max=90"`
	Lng             *float64 `json:"lng" validate:"required_with=Lat,omitempty,min=-180,max=180"`
	MinElevation    *float64 `json:"min_elevation" validate:"omitempty,min=0,max=90"`
}

// parseFloat reads an optional float query parameter.
func parseFloat(q map[string][]string, key string, fields map[string]string) *float64 {
	vs := q[key]
	if len(vs) == 0 || vs[0] == "" {
		return nil
	}
	f, err := strconv.ParseFloat(vs[0], 64)
	if err != nil {
		fields[key] = "number"
		return nil
	}
	return &f
}

// parseStart reads the start parameter, defaulting to now, and enforces the
// query window.
func parseStart(r *http.Request, now time.Time, fields map[string]string) time.Time {
	raw := r.URL.Query().Get("start")
	if raw == "" {
		return now
	}
	start, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		fields["start"] = "rfc3339"
		return now
	}
	switch {
	case start.After(now.Add(maxStartAhead)):
		fields["start"] = "at most 5 days in the future"
	case start.Before(now.Add(-maxStartBehind)):
		fields["start"] = "at most 7 days in the past"
	}
	return start.UTC()
}

// findPassesHandler predicts passes over a stored station or an ad hoc site.
// GET /api/v1/passes?ground_station_id=...|lat=..&lng=..&min_elevation=..&start=...
func findPassesHandler(logger *slog.Logger, d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fields := map[string]string{}
		q := r.URL.Query()
		pq := passQuery{
			GroundStationID: q.Get("ground_station_id"),
			Lat:             parseFloat(q, "lat", fields),
			Lng:             parseFloat(q, "lng", fields),
			MinElevation:    parseFloat(q, "min_elevation", fields),
		}
		start := parseStart(r, d.Clock.Now(), fields)
		if fields = merge(fields, fieldErrors(pq)); len(fields) > 0 {
			writeValidation(w, fields)
			return
		}

		if pq.GroundStationID != "" {
			ps, err := d.Reconciler.StationPasses(r.Context(), pq.GroundStationID, start)
			if err != nil {
				writeFailure(w, logger, err)
				return
			}
			writeJSON(w, http.StatusOK, ps)
			return
		}

		site := geometry.Site{Lat: *pq.Lat, Lng: *pq.Lng}
		if pq.MinElevation != nil {
			site.MinElevation = *pq.MinElevation
		}
		ps, err := d.Predictor.FindFullPasses(r.Context(), site, start)
		if err != nil {
			writeFailure(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, ps)
	}
}

// stationPassesHandler is findPasses scoped by path.
// GET /api/v1/groundstations/{id}/passes?start=...
func stationPassesHandler(logger *slog.Logger, d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fields := map[string]string{}
		start := parseStart(r, d.Clock.Now(), fields)
		if len(fields) > 0 {
			writeValidation(w, fields)
			return
		}
		ps, err := d.Reconciler.StationPasses(r.Context(), r.PathValue("id"), start)
		if err != nil {
			writeFailure(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, ps)
	}
}

// passHistoryHandler lists every prediction a stored pass has had.
// GET /api/v1/passes/{id}/history
func passHistoryHandler(logger *slog.Logger, d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var history []model.RiseSet
		err := d.Store.WithTx(r.Context(), store.ReadCommitted, func(tx store.Tx) error {
			if _, err := tx.GetPass(r.Context(), id); err != nil {
				return err
			}
			var err error
			history, err = tx.PassHistory(r.Context(), id)
			return err
		})
		if err != nil {
			writeFailure(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, history)
	}
}

type groundTrackResponse struct {
	StateID      string       `json:"state_id"`
	StateElement tle.Elements `json:"state_element"`
	GroundTrack  [][3]float64 `json:"ground_track"` // lat, lng, height (km)
}

// groundTrackHandler returns the sub-satellite path around an instant.
// GET /api/v1/groundtrack?t=...
func groundTrackHandler(logger *slog.Logger, d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := d.Clock.Now()
		if raw := r.URL.Query().Get("t"); raw != "" {
			var err error
			if t, err = time.Parse(time.RFC3339, raw); err != nil {
				writeValidation(w, map[string]string{"t": "rfc3339"})
				return
			}
		}

		gt, err := d.Predictor.GroundTrack(r.Context(), t)
		if err != nil {
			writeFailure(w, logger, err)
			return
		}
		resp := groundTrackResponse{
			StateID:      gt.StateID,
			StateElement: gt.Elements,
			GroundTrack:  make([][3]float64, len(gt.Points)),
		}
		for i, p := range gt.Points {
			resp.GroundTrack[i] = [3]float64{p.Lat, p.Lng, p.Height}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
