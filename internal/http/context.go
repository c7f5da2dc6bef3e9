package http

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/example/session-scheduler/internal/apperrors"
)

const (
	patientIDParam  = "patientID"
	scheduleIDParam = "scheduleID"
)

// pathID returns the trimmed route parameter or an INVALID_INPUT error.
func pathID(r *http.Request, param string) (string, error) {
	id := strings.TrimSpace(chi.URLParam(r, param))
	if id == "" {
		return "", apperrors.InvalidInput(param, "is required")
	}
	return id, nil
}
