package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/example/session-scheduler/internal/apperrors"
	"github.com/example/session-scheduler/internal/audit"
)

type batchAuditor interface {
	AuditAll(ctx context.Context) (audit.Report, error)
	AuditSchedules(ctx context.Context, scheduleIDs []string) audit.Report
}

// AdminHandler serves operator endpoints.
type AdminHandler struct {
	auditor   batchAuditor
	logger    zerolog.Logger
	responder responder
}

func NewAdminHandler(auditor batchAuditor, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{auditor: auditor, logger: logger, responder: newResponder(logger)}
}

type auditRequest struct {
	ScheduleIDs []string `json:"schedule_ids"`
}

// POST /admin/audit
//
// An empty body audits every active schedule. Per-schedule failures are in
// the report; the status is 200 whenever the run happened.
func (h *AdminHandler) Audit(w http.ResponseWriter, r *http.Request) {
	var req auditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.responder.writeError(r.Context(), w, apperrors.InvalidInput("body", err.Error()))
		return
	}

	var report audit.Report
	if len(req.ScheduleIDs) > 0 {
		report = h.auditor.AuditSchedules(r.Context(), req.ScheduleIDs)
	} else {
		var err error
		if report, err = h.auditor.AuditAll(r.Context()); err != nil {
			h.responder.writeError(r.Context(), w, err)
			return
		}
	}

	logger := handlerLogger(r.Context(), h.logger, "admin", "audit")
	logger.Info().
		Int("schedules", report.Totals.Schedules).
		Int("failed", report.Totals.Failed).
		Msg("audit requested")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, report)
}
