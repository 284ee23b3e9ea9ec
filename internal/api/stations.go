package api

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/jumiknows/AleasatV2-sub002/internal/auth"
	"github.com/jumiknows/AleasatV2-sub002/internal/model"
	"github.com/jumiknows/AleasatV2-sub002/internal/store"
)

type stationRequest struct {
	Name         string   `json:"name" validate:"required,max=128"`
	Lat          *float64 `json:"lat" validate:"required,min=-90,max=90"`
	Lng          *float64 `json:"lng" validate:"required,min=-180,max=180"`
	MinElevation float64  `json:"min_elevation" validate:"min=0,max=90"`
	// Owned registers the station to the caller instead of the network.
	Owned         bool  `json:"owned"`
	AutoAddPasses *bool `json:"auto_add_passes"`
}

// createStationHandler registers a ground station. Only operators may add
// network-owned stations.
// POST /api/v1/groundstations
func createStationHandler(logger *slog.Logger, d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.FromContext(r.Context())

		var req stationRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if fields := fieldErrors(req); fields != nil {
			writeValidation(w, fields)
			return
		}
		if !req.Owned && !id.InGroup(auth.GroupOperators) {
			writeError(w, http.StatusForbidden, "only operators may add network-owned stations")
			return
		}

		gs := model.GroundStation{
			ID:           uuid.NewString(),
			Name:         req.Name,
			Lat:          *req.Lat,
			Lng:          *req.Lng,
			MinElevation: req.MinElevation,
			CreatedAt:    d.Clock.Now(),
		}
		if req.Owned {
			owner := id.Subject
			gs.OwnerID = &owner
		}
		gs.AutoAddPasses = gs.NetworkOwned()
		if req.AutoAddPasses != nil {
			gs.AutoAddPasses = *req.AutoAddPasses
		}

		err := d.Store.WithTx(r.Context(), store.Serializable, func(tx store.Tx) error {
			return tx.CreateGroundStation(r.Context(), gs)
		})
		if err != nil {
			writeFailure(w, logger, err)
			return
		}
		logger.Info("ground station created", "station_id", gs.ID, "network_owned", gs.NetworkOwned())
		writeJSON(w, http.StatusCreated, gs)
	}
}

// GET /api/v1/groundstations
func listStationsHandler(logger *slog.Logger, d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var out []model.GroundStation
		err := d.Store.WithTx(r.Context(), store.ReadCommitted, func(tx store.Tx) error {
			var err error
			out, err = tx.ListGroundStations(r.Context())
			return err
		})
		if err != nil {
			writeFailure(w, logger, err)
			return
		}
		if out == nil {
			out = []model.GroundStation{}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// GET /api/v1/groundstations/{id}
func getStationHandler(logger *slog.Logger, d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var gs model.GroundStation
		err := d.Store.WithTx(r.Context(), store.ReadCommitted, func(tx store.Tx) error {
			var err error
			gs, err = tx.GetGroundStation(r.Context(), r.PathValue("id"))
			return err
		})
		if err != nil {
			writeFailure(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, gs)
	}
}
