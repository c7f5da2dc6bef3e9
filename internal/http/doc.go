// Package http exposes the scheduler over a JSON API.
//
// The router exposes the following endpoints:
//   - GET /patients/{patientID}/schedule: the patient's active schedule.
//   - PUT /patients/{patientID}/schedule: sets or replaces the recurrence.
//     Body: {"pattern":{"frequency","interval","days_of_week","days_of_month",
//     "sessions_per_cycle","start_date","start_time"},"duration_minutes",
//     "session_type","session_value"}. The previous schedule is deactivated,
//     its future recurring sessions removed, and the new schedule
//     materialized. 201 for a first schedule, 200 for a replacement.
//   - DELETE /patients/{patientID}/schedule: deactivates the recurrence and
//     removes its future recurring sessions.
//   - POST /patients/{patientID}/schedule/regenerate: reconciles the active
//     schedule and returns the audit outcome. 404 without an active schedule,
//     409 for a stale schedule or a lock held elsewhere, 422 for an invalid
//     rule; the outcome is the body in every case.
//   - GET /schedules/{scheduleID}/occurrences?from=&to=: previews occurrences
//     without writing. Bounds are RFC 3339 or YYYY-MM-DD; the default window
//     is now through the configured horizon.
//   - POST /admin/audit: reconciles every active schedule, or the ids in
//     {"schedule_ids":[...]}, and returns the report.
//   - GET /healthz.
//
// Errors use {"code","message","details"} with codes from apperrors.
package http
