package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jumiknows/AleasatV2-sub002/internal/auth"
	"github.com/jumiknows/AleasatV2-sub002/internal/model"
	"github.com/jumiknows/AleasatV2-sub002/internal/store"
)

type commandRequest struct {
	SequenceNumber int            `json:"sequence_number" validate:"min=0"`
	CommandID      int            `json:"command_id" validate:"min=0"`
	CommandName    string         `json:"command_name" validate:"required"`
	TimeOffset     float64        `json:"time_offset" validate:"min=0"`
	Arguments      map[string]any `json:"arguments"`
}

type missionRequest struct {
	ID          string           `json:"id" validate:"omitempty,uuid"`
	UserID      string           `json:"user_id"`
	FWVersion   string           `json:"fw_version" validate:"required"`
	ScheduledAt *time.Time       `json:"scheduled_at"`
	Commands    []commandRequest `json:"commands" validate:"required,min=1,dive"`
}

type missionCreated struct {
	ID     string              `json:"id"`
	Status model.MissionStatus `json:"status"`
}

// missionView is a mission with its timeline reservation, once it has one.
type missionView struct {
	model.Mission
	Schedule *model.MissionSchedule `json:"schedule,omitempty"`
}

// buildMission validates req and converts it to a mission owned by userID.
// Arguments are checked against the firmware's command spec when one is
// loaded.
func buildMission(d Deps, req missionRequest, userID string) (model.Mission, map[string]string) {
	fields := fieldErrors(req)
	if req.ScheduledAt != nil && !req.ScheduledAt.After(d.Clock.Now()) {
		fields = merge(fields, map[string]string{"scheduled_at": "must be in the future"})
	}

	m := model.Mission{
		ID:        req.ID,
		UserID:    userID,
		FWVersion: req.FWVersion,
		Commands:  make([]model.Command, len(req.Commands)),
	}
	if req.ScheduledAt != nil {
		at := req.ScheduledAt.UTC()
		m.ScheduledAt = &at
	}
	for i, c := range req.Commands {
		m.Commands[i] = model.Command{
			SequenceNumber: c.SequenceNumber,
			CommandID:      c.CommandID,
			CommandName:    c.CommandName,
			TimeOffset:     c.TimeOffset,
			Arguments:      c.Arguments,
		}
		if d.Specs == nil || req.FWVersion == "" || c.CommandName == "" {
			continue
		}
		cmd, err := d.Specs.Lookup(req.FWVersion, c.CommandName, c.CommandID)
		if err == nil {
			_, err = cmd.EncodeArgs(c.Arguments)
		}
		if err != nil {
			fields = merge(fields, map[string]string{fmt.Sprintf("commands[%d]", i): err.Error()})
		}
	}
	return m, fields
}

// submitMissionHandler creates a mission for the caller and queues it.
// POST /api/v1/missions
func submitMissionHandler(logger *slog.Logger, d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.FromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		var req missionRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.ID = ""
		m, fields := buildMission(d, req, id.Subject)
		if len(fields) > 0 {
			writeValidation(w, fields)
			return
		}

		m, err := d.Scheduler.QueueMission(r.Context(), m)
		if err != nil {
			writeFailure(w, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, missionCreated{ID: m.ID, Status: m.Status})
	}
}

// queueMissionHandler accepts a fully identified mission from an upstream
// service. Replaying a mission ID is rejected, never applied twice.
// POST /api/v1/webhooks/queue-mission
func queueMissionHandler(logger *slog.Logger, d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req missionRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		m, fields := buildMission(d, req, req.UserID)
		if req.ID == "" {
			fields = merge(fields, map[string]string{"id": "required"})
		}
		if req.UserID == "" {
			fields = merge(fields, map[string]string{"user_id": "required"})
		}
		if len(fields) > 0 {
			writeValidation(w, fields)
			return
		}

		m, err := d.Scheduler.QueueMission(r.Context(), m)
		if err != nil {
			writeFailure(w, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, missionCreated{ID: m.ID, Status: m.Status})
	}
}

// visible reports whether the caller may see m.
func visible(id auth.Identity, m model.Mission) bool {
	return m.UserID == id.Subject || id.InGroup(auth.GroupOperators)
}

// GET /api/v1/missions/{id}
func getMissionHandler(logger *slog.Logger, d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.FromContext(r.Context())

		var view missionView
		err := d.Store.WithTx(r.Context(), store.ReadCommitted, func(tx store.Tx) error {
			m, err := tx.GetMission(r.Context(), r.PathValue("id"))
			if err != nil {
				return err
			}
			if !visible(id, m) {
				return store.ErrNotFound
			}
			view = missionView{Mission: m}
			s, err := tx.GetMissionSchedule(r.Context(), m.ID)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			view.Schedule = &s
			return nil
		})
		if err != nil {
			writeFailure(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// listMissionsHandler lists the caller's missions. Operators may list
// another user's with ?user_id=.
// GET /api/v1/missions
func listMissionsHandler(logger *slog.Logger, d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.FromContext(r.Context())
		userID := id.Subject
		if u := r.URL.Query().Get("user_id"); u != "" {
			if u != id.Subject && !id.InGroup(auth.GroupOperators) {
				writeError(w, http.StatusForbidden, "operators only")
				return
			}
			userID = u
		}

		var out []model.Mission
		err := d.Store.WithTx(r.Context(), store.ReadCommitted, func(tx store.Tx) error {
			var err error
			out, err = tx.ListMissions(r.Context(), userID)
			return err
		})
		if err != nil {
			writeFailure(w, logger, err)
			return
		}
		if out == nil {
			out = []model.Mission{}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// cancelMissionHandler withdraws a mission that has not been scheduled.
// DELETE /api/v1/missions/{id}
func cancelMissionHandler(logger *slog.Logger, d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.FromContext(r.Context())
		if err := d.Scheduler.Cancel(r.Context(), r.PathValue("id"), id.Subject); err != nil {
			writeFailure(w, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
