package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jumiknows/AleasatV2-sub002/internal/cmdspec"
	"github.com/jumiknows/AleasatV2-sub002/internal/ephemeris"
	"github.com/jumiknows/AleasatV2-sub002/internal/jobqueue"
	"github.com/jumiknows/AleasatV2-sub002/internal/passes"
	"github.com/jumiknows/AleasatV2-sub002/internal/scheduler"
	"github.com/jumiknows/AleasatV2-sub002/internal/store"
)

const maxBodyBytes = 1 << 20

// problem is the body of every error response.
type problem struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, problem{Error: msg})
}

func writeValidation(w http.ResponseWriter, fields map[string]string) {
	writeJSON(w, http.StatusBadRequest, problem{Error: "validation failed", Fields: fields})
}

// writeFailure maps a service error onto a status code. Unexpected errors
// are logged and reported without detail.
func writeFailure(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, ephemeris.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, "ephemeris not ready")
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, scheduler.ErrMissionNotFound),
		errors.Is(err, jobqueue.ErrUnknownJob):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrDuplicateMission),
		errors.Is(err, scheduler.ErrScheduleCollision),
		errors.Is(err, scheduler.ErrNotCancellable),
		errors.Is(err, store.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, passes.ErrOutsideWindow),
		errors.Is(err, ephemeris.ErrDayNotLoaded),
		errors.Is(err, scheduler.ErrEmptyMission),
		errors.Is(err, scheduler.ErrDuplicateSequence),
		errors.Is(err, cmdspec.ErrUnknownFirmware),
		errors.Is(err, cmdspec.ErrUnknownCommand),
		errors.Is(err, cmdspec.ErrCommandMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their JSON names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// fieldErrors runs struct validation and flattens failures to
// "path": "rule" pairs. It returns nil when v is valid.
func fieldErrors(v any) map[string]string {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"": err.Error()}
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		_, path, _ := strings.Cut(fe.Namespace(), ".")
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		out[path] = rule
	}
	return out
}

// decodeBody reads a JSON request body, rejecting unknown fields.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func merge(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
