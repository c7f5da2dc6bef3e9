package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/session-scheduler/internal/application"
	"github.com/example/session-scheduler/internal/apperrors"
	"github.com/example/session-scheduler/internal/audit"
	"github.com/example/session-scheduler/internal/persistence"
	"github.com/example/session-scheduler/internal/recurrence"
)

type recurrenceService interface {
	GetRecurrence(ctx context.Context, patientID string) (persistence.Schedule, error)
	SetRecurrence(ctx context.Context, patientID string, input application.RecurrenceInput) (application.RecurrenceChange, error)
	DeactivateRecurrence(ctx context.Context, patientID string) (application.RecurrenceChange, error)
}

type patientAuditor interface {
	AuditOne(ctx context.Context, patientID string) (audit.Outcome, error)
}

type occurrencePreviewer interface {
	Preview(ctx context.Context, scheduleID string, from, to time.Time) (recurrence.Result, error)
	HorizonMonths() int
	Location() *time.Location
}

// ScheduleHandler serves the per-patient recurrence endpoints.
type ScheduleHandler struct {
	service   recurrenceService
	auditor   patientAuditor
	previewer occurrencePreviewer
	now       func() time.Time
	logger    zerolog.Logger
	responder responder
}

func NewScheduleHandler(service recurrenceService, auditor patientAuditor, previewer occurrencePreviewer, now func() time.Time, logger zerolog.Logger) *ScheduleHandler {
	if now == nil {
		now = time.Now
	}
	return &ScheduleHandler{
		service:   service,
		auditor:   auditor,
		previewer: previewer,
		now:       now,
		logger:    logger,
		responder: newResponder(logger),
	}
}

// GET /patients/{patientID}/schedule
func (h *ScheduleHandler) Get(w http.ResponseWriter, r *http.Request) {
	patientID, err := pathID(r, patientIDParam)
	if err != nil {
		h.responder.writeError(r.Context(), w, err)
		return
	}

	schedule, err := h.service.GetRecurrence(r.Context(), patientID)
	if err != nil {
		h.responder.writeError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, toScheduleDTO(schedule))
}

// PUT /patients/{patientID}/schedule
func (h *ScheduleHandler) Put(w http.ResponseWriter, r *http.Request) {
	patientID, err := pathID(r, patientIDParam)
	if err != nil {
		h.responder.writeError(r.Context(), w, err)
		return
	}

	var req scheduleRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		var rule *recurrence.InvalidRuleError
		if !errors.As(err, &rule) {
			err = apperrors.InvalidInput("body", err.Error())
		}
		h.responder.writeError(r.Context(), w, err)
		return
	}

	change, err := h.service.SetRecurrence(r.Context(), patientID, req.toInput())
	if err != nil {
		h.writeChangeError(r.Context(), w, change, err)
		return
	}

	status := http.StatusOK
	if change.Previous == nil {
		status = http.StatusCreated
	}
	h.responder.writeJSON(r.Context(), w, status, toChangeResponse(change, nil))
}

// DELETE /patients/{patientID}/schedule
func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	patientID, err := pathID(r, patientIDParam)
	if err != nil {
		h.responder.writeError(r.Context(), w, err)
		return
	}

	change, err := h.service.DeactivateRecurrence(r.Context(), patientID)
	if err != nil {
		h.writeChangeError(r.Context(), w, change, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, toChangeResponse(change, nil))
}

// POST /patients/{patientID}/schedule/regenerate
func (h *ScheduleHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	patientID, err := pathID(r, patientIDParam)
	if err != nil {
		h.responder.writeError(r.Context(), w, err)
		return
	}

	outcome, err := h.auditor.AuditOne(r.Context(), patientID)
	if err != nil {
		appErr := toAppError(err)
		status := statusFromCode(appErr.Code)
		logger := handlerLogger(r.Context(), h.logger, "schedule", "regenerate")
		logger.Warn().Err(err).Str("patient_id", patientID).Str("error_kind", outcome.ErrorKind).Int("status", status).
			Msg("regeneration failed")
		h.responder.writeJSON(r.Context(), w, status, outcome)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, outcome)
}

// GET /schedules/{scheduleID}/occurrences?from=&to=
func (h *ScheduleHandler) Occurrences(w http.ResponseWriter, r *http.Request) {
	scheduleID, err := pathID(r, scheduleIDParam)
	if err != nil {
		h.responder.writeError(r.Context(), w, err)
		return
	}

	loc := h.previewer.Location()
	from := h.now().In(loc)
	if value := r.URL.Query().Get("from"); value != "" {
		if from, err = parseInstant(value, loc, false); err != nil {
			h.responder.writeError(r.Context(), w, apperrors.InvalidInput("from", err.Error()))
			return
		}
	}
	to := recurrence.HorizonEnd(from, h.previewer.HorizonMonths())
	if value := r.URL.Query().Get("to"); value != "" {
		if to, err = parseInstant(value, loc, true); err != nil {
			h.responder.writeError(r.Context(), w, apperrors.InvalidInput("to", err.Error()))
			return
		}
	}

	result, err := h.previewer.Preview(r.Context(), scheduleID, from, to)
	if err != nil {
		h.responder.writeError(r.Context(), w, err)
		return
	}

	starts := make([]string, 0, len(result.Occurrences))
	for _, o := range result.Occurrences {
		starts = append(starts, o.Start.Format(time.RFC3339))
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, occurrencesResponse{
		ScheduleID:  scheduleID,
		From:        from.Format(time.RFC3339),
		To:          to.Format(time.RFC3339),
		Occurrences: starts,
		Truncated:   result.Truncated,
	})
}

func (h *ScheduleHandler) writeChangeError(ctx context.Context, w http.ResponseWriter, change application.RecurrenceChange, err error) {
	if change.Previous == nil && change.Schedule.ID == "" {
		h.responder.writeError(ctx, w, err)
		return
	}
	// The schedule change is committed; report it together with the failure.
	appErr := toAppError(err)
	status := statusFromCode(appErr.Code)
	logger := handlerLogger(ctx, h.logger, "schedule", "change")
	logger.Error().Err(err).Int("status", status).Msg("schedule changed but sessions not maintained")
	h.responder.writeJSON(ctx, w, status, toChangeResponse(change, appErr))
}

// parseInstant accepts RFC 3339 or a bare date. A bare "to" date covers the
// whole day.
func parseInstant(value string, loc *time.Location, endOfDay bool) (time.Time, error) {
	value = strings.TrimSpace(value)
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.In(loc), nil
	}
	day, err := time.ParseInLocation(time.DateOnly, value, loc)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		return day.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
	}
	return day, nil
}

type scheduleRequest struct {
	Pattern         patternDTO `json:"pattern"`
	DurationMinutes int        `json:"duration_minutes"`
	SessionType     string     `json:"session_type"`
	SessionValue    *int64     `json:"session_value"`
}

func (r scheduleRequest) toInput() application.RecurrenceInput {
	return application.RecurrenceInput{
		Pattern:         r.Pattern.toPattern(),
		DurationMinutes: r.DurationMinutes,
		SessionType:     strings.TrimSpace(r.SessionType),
		SessionValue:    r.SessionValue,
	}
}

// patternDTO is the wire form of a recurrence pattern. Weekdays use 0 for
// Sunday through 6 for Saturday.
type patternDTO struct {
	Frequency        recurrence.Frequency `json:"frequency"`
	Interval         int                  `json:"interval"`
	DaysOfWeek       []int                `json:"days_of_week,omitempty"`
	DaysOfMonth      []int                `json:"days_of_month,omitempty"`
	SessionsPerCycle int                  `json:"sessions_per_cycle,omitempty"`
	StartDate        recurrence.Date      `json:"start_date"`
	StartTime        recurrence.TimeOfDay `json:"start_time"`
}

func (p patternDTO) toPattern() recurrence.Pattern {
	var days []time.Weekday
	for _, d := range p.DaysOfWeek {
		days = append(days, time.Weekday(d))
	}
	return recurrence.Pattern{
		Frequency:        p.Frequency,
		Interval:         p.Interval,
		DaysOfWeek:       days,
		DaysOfMonth:      append([]int(nil), p.DaysOfMonth...),
		SessionsPerCycle: p.SessionsPerCycle,
		StartDate:        p.StartDate,
		StartTime:        p.StartTime,
	}
}

func toPatternDTO(p recurrence.Pattern) patternDTO {
	var days []int
	for _, d := range p.DaysOfWeek {
		days = append(days, int(d))
	}
	return patternDTO{
		Frequency:        p.Frequency,
		Interval:         p.Interval,
		DaysOfWeek:       days,
		DaysOfMonth:      append([]int(nil), p.DaysOfMonth...),
		SessionsPerCycle: p.SessionsPerCycle,
		StartDate:        p.StartDate,
		StartTime:        p.StartTime,
	}
}

type scheduleDTO struct {
	ID               string     `json:"id"`
	PatientID        string     `json:"patient_id"`
	Pattern          patternDTO `json:"pattern"`
	DurationMinutes  int        `json:"duration_minutes"`
	SessionType      string     `json:"session_type"`
	SessionValue     *int64     `json:"session_value,omitempty"`
	SessionsPerMonth int        `json:"estimated_sessions_per_month"`
	IsActive         bool       `json:"is_active"`
	CreatedAt        string     `json:"created_at"`
	UpdatedAt        string     `json:"updated_at"`
	DeactivatedAt    *string    `json:"deactivated_at,omitempty"`
}

func toScheduleDTO(s persistence.Schedule) scheduleDTO {
	dto := scheduleDTO{
		ID:               s.ID,
		PatientID:        s.PatientID,
		Pattern:          toPatternDTO(s.Pattern),
		DurationMinutes:  s.DurationMinutes,
		SessionType:      s.SessionType,
		SessionValue:     s.SessionValue,
		SessionsPerMonth: recurrence.EstimateSessionsPerMonth(s.Pattern),
		IsActive:         s.IsActive,
		CreatedAt:        s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        s.UpdatedAt.Format(time.RFC3339),
	}
	if s.DeactivatedAt != nil {
		at := s.DeactivatedAt.Format(time.RFC3339)
		dto.DeactivatedAt = &at
	}
	return dto
}

type changeResponse struct {
	Schedule   *scheduleDTO        `json:"schedule,omitempty"`
	Previous   *scheduleDTO        `json:"previous_schedule,omitempty"`
	Retired    *audit.Outcome      `json:"retired,omitempty"`
	Reconciled *audit.Outcome      `json:"reconciled,omitempty"`
	Error      *apperrors.AppError `json:"error,omitempty"`
}

func toChangeResponse(change application.RecurrenceChange, appErr *apperrors.AppError) changeResponse {
	resp := changeResponse{
		Retired:    change.Retired,
		Reconciled: change.Reconciled,
		Error:      appErr,
	}
	if change.Schedule.ID != "" {
		dto := toScheduleDTO(change.Schedule)
		resp.Schedule = &dto
	}
	if change.Previous != nil {
		dto := toScheduleDTO(*change.Previous)
		resp.Previous = &dto
	}
	return resp
}

type occurrencesResponse struct {
	ScheduleID  string   `json:"schedule_id"`
	From        string   `json:"from"`
	To          string   `json:"to"`
	Occurrences []string `json:"occurrences"`
	Truncated   bool     `json:"truncated"`
}
