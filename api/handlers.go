/*
handlers.go - HTTP API handlers for the allocation engine

PURPOSE:
  Exposes the allocation Service via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the Service.

ENDPOINTS:
  Kinds:
    GET    /api/kinds                                   Registered schedule kinds

  Schedules:
    GET    /api/schedules                               List schedules with summaries
    POST   /api/schedules                               Create schedule from terms JSON
    GET    /api/schedules/{id}                          Terms + summary
    GET    /api/schedules/{id}/periods                  Current projection
    GET    /api/schedules/{id}/events?since=N           Event log after N

  Events:
    POST   /api/schedules/{id}/events                   Append an event
    POST   /api/schedules/{id}/periods/{period}/close   Close a period
    POST   /api/schedules/{id}/terminate                Early termination
    POST   /api/schedules/{id}/advance                  Advance an open-ended schedule

  Maintenance:
    POST   /api/schedules/{id}/rebuild                  Replay log, rewrite cache
    POST   /api/schedules/{id}/verify                   Compare cache with replay
    GET    /api/audit/last                              Last audit pass
    POST   /api/audit/run                               Run an audit pass now

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input (validator tags on DTOs)
  3. Convert through factory to engine types
  4. Call the Service
  5. Serialize response, map errors to status codes

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid terms, invalid event, malformed body
  - 404: Unknown schedule
  - 409: Closed period, duplicate schedule, concurrent writer
  - 500: Reconciliation failures and internal errors

SUMMARY FIGURES:
  Remaining balance, current-period expense, allocated to date and the
  closed-through period are folds over the projection computed here.
  The engine never stores them. ?as_of=YYYY-MM picks the period, default
  is the current calendar month.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/factory"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *allocation.Service
	Logger  *slog.Logger

	// Auditor is optional; the audit endpoints answer 503 without it.
	Auditor *AuditScheduler

	validate *validator.Validate
	now      func() time.Time
}

// NewHandler creates a new handler over svc.
func NewHandler(svc *allocation.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Service:  svc,
		Logger:   logger,
		validate: validator.New(),
		now:      time.Now,
	}
}

// WithClock overrides the clock used for the default as-of period.
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// =============================================================================
// KINDS
// =============================================================================

// ListKinds returns every registered schedule kind.
// GET /api/kinds
func (h *Handler) ListKinds(w http.ResponseWriter, r *http.Request) {
	kinds := allocation.ListKinds()
	dtos := make([]KindDTO, len(kinds))
	for i, k := range kinds {
		dtos[i] = KindDTO{ID: k.KindID(), Domain: k.KindDomain()}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// SCHEDULE HANDLERS
// =============================================================================

// ListSchedules returns every schedule with its summary.
// GET /api/schedules
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.asOf(w, r)
	if !ok {
		return
	}
	ids, err := h.Service.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list schedules", err)
		return
	}

	dtos := make([]ScheduleDTO, 0, len(ids))
	for _, id := range ids {
		st, err := h.Service.State(r.Context(), id)
		if err != nil {
			h.writeServiceError(w, "Failed to load schedule", err)
			return
		}
		dtos = append(dtos, toScheduleDTO(st, asOf))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateSchedule creates a schedule and generates its base projection.
// POST /api/schedules
func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	terms, err := req.Terms.ToTerms()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid terms", err)
		return
	}

	actor := req.CreatedBy
	if actor == "" {
		actor = "api"
	}
	id, _, err := h.Service.Create(r.Context(), allocation.ScheduleID(req.ID), terms, actor)
	if err != nil {
		h.writeServiceError(w, "Failed to create schedule", err)
		return
	}

	st, err := h.Service.State(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "Failed to load schedule", err)
		return
	}
	writeJSON(w, http.StatusCreated, toScheduleDTO(st, allocation.PeriodOf(h.now())))
}

// GetSchedule returns a schedule's terms and summary.
// GET /api/schedules/{id}
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.asOf(w, r)
	if !ok {
		return
	}
	st, err := h.Service.State(r.Context(), scheduleID(r))
	if err != nil {
		h.writeServiceError(w, "Failed to load schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleDTO(st, asOf))
}

// GetPeriods returns the current projection.
// GET /api/schedules/{id}/periods
func (h *Handler) GetPeriods(w http.ResponseWriter, r *http.Request) {
	id := scheduleID(r)
	lines, err := h.Service.Projection(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "Failed to load projection", err)
		return
	}
	writeJSON(w, http.StatusOK, ProjectionResponse{
		ScheduleID: string(id),
		Digest:     allocation.Digest(lines),
		Lines:      lines,
	})
}

// GetEvents returns the schedule's events with ID greater than ?since.
// GET /api/schedules/{id}/events?since=N
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	id := scheduleID(r)
	var since int64
	if s := r.URL.Query().Get("since"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "Invalid since (expected a non-negative event id)", err)
			return
		}
		since = v
	}

	events, err := h.Service.Events(r.Context(), id, allocation.EventID(since))
	if err != nil {
		h.writeServiceError(w, "Failed to load events", err)
		return
	}
	writeJSON(w, http.StatusOK, EventsResponse{
		ScheduleID: string(id),
		Since:      since,
		Events:     toEventDTOs(events),
	})
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// AppendEvent validates and appends one event, returning the new projection.
// POST /api/schedules/{id}/events
func (h *Handler) AppendEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	ev, err := req.ToEvent()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid event", err)
		return
	}
	ev.ID = 0 // assigned by the log
	if ev.CreatedBy == "" {
		ev.CreatedBy = "api"
	}

	res, err := h.Service.ApplyEvent(r.Context(), scheduleID(r), ev)
	if err != nil {
		h.writeServiceError(w, "Event rejected", err)
		return
	}
	writeJSON(w, http.StatusCreated, toApplyResponse(res))
}

// ClosePeriod freezes a period.
// POST /api/schedules/{id}/periods/{period}/close
func (h *Handler) ClosePeriod(w http.ResponseWriter, r *http.Request) {
	period, err := allocation.ParsePeriodID(chi.URLParam(r, "period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}
	var req ClosePeriodRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	actor := req.CreatedBy
	if actor == "" {
		actor = "api"
	}

	res, err := h.Service.ClosePeriod(r.Context(), scheduleID(r), period, actor)
	if err != nil {
		h.writeServiceError(w, "Failed to close period", err)
		return
	}
	writeJSON(w, http.StatusCreated, toApplyResponse(res))
}

// Terminate stops a schedule early.
// POST /api/schedules/{id}/terminate
func (h *Handler) Terminate(w http.ResponseWriter, r *http.Request) {
	var req TerminateRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	period, err := allocation.ParsePeriodID(req.Period)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}
	actor := req.CreatedBy
	if actor == "" {
		actor = "api"
	}

	res, err := h.Service.Terminate(r.Context(), scheduleID(r), period, req.Reason, actor)
	if err != nil {
		h.writeServiceError(w, "Failed to terminate schedule", err)
		return
	}
	writeJSON(w, http.StatusCreated, toApplyResponse(res))
}

// Advance moves an open-ended schedule's current period forward.
// POST /api/schedules/{id}/advance
func (h *Handler) Advance(w http.ResponseWriter, r *http.Request) {
	var req AdvanceRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	to, err := allocation.ParsePeriodID(req.CurrentPeriod)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid current_period", err)
		return
	}

	res, err := h.Service.Advance(r.Context(), scheduleID(r), to)
	if err != nil {
		h.writeServiceError(w, "Failed to advance schedule", err)
		return
	}
	writeJSON(w, http.StatusCreated, toApplyResponse(res))
}

// =============================================================================
// MAINTENANCE HANDLERS
// =============================================================================

// Rebuild replays the log from scratch and rewrites the stored projection.
// POST /api/schedules/{id}/rebuild
func (h *Handler) Rebuild(w http.ResponseWriter, r *http.Request) {
	id := scheduleID(r)
	lines, err := h.Service.Rebuild(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "Failed to rebuild schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, ProjectionResponse{
		ScheduleID: string(id),
		Digest:     allocation.Digest(lines),
		Lines:      lines,
	})
}

// Verify compares the stored projection with a fresh replay.
// POST /api/schedules/{id}/verify
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.Verify(r.Context(), scheduleID(r))
	if err != nil {
		h.writeServiceError(w, "Failed to verify schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// LastAudit returns the most recent audit pass.
// GET /api/audit/last
func (h *Handler) LastAudit(w http.ResponseWriter, r *http.Request) {
	if h.Auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit scheduler not configured", nil)
		return
	}
	run, ok := h.Auditor.LastRun()
	if !ok {
		writeError(w, http.StatusNotFound, "No audit has run yet", nil)
		return
	}
	writeJSON(w, http.StatusOK, toAuditRunDTO(run))
}

// RunAudit runs one audit pass synchronously.
// POST /api/audit/run
func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	if h.Auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit scheduler not configured", nil)
		return
	}
	writeJSON(w, http.StatusOK, toAuditRunDTO(h.Auditor.RunOnce(r.Context())))
}

// Health reports liveness.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// SUMMARY
// =============================================================================

func toScheduleDTO(st *allocation.State, asOf allocation.PeriodID) ScheduleDTO {
	return ScheduleDTO{
		ID:          string(st.ScheduleID),
		Kind:        st.Terms.Kind,
		KindDomain:  allocation.GetOrCreateKind(st.Terms.Kind).KindDomain(),
		Terms:       factory.FromTerms(st.Terms),
		LastEventID: int64(st.LastEventID),
		Summary:     summarize(st, asOf),
	}
}

// summarize folds the projection up to and including asOf.
func summarize(st *allocation.State, asOf allocation.PeriodID) ScheduleSummaryDTO {
	cur := st.Terms.ReportingCurrency
	allocated, current := decimal.Zero, decimal.Zero
	for _, l := range st.Lines {
		if l.Period.After(asOf) {
			break
		}
		allocated = allocated.Add(l.AmountReporting)
		if l.Period == asOf {
			current = l.AmountReporting
		}
	}

	s := ScheduleSummaryDTO{
		AsOf:                 string(asOf),
		Currency:             string(cur),
		TotalReporting:       st.TargetReporting,
		AllocatedToDate:      allocated,
		RemainingBalance:     st.TargetReporting.Sub(allocated),
		CurrentPeriodExpense: current,
		ClosedThrough:        string(st.ClosedThrough()),
		FirstOpenPeriod:      string(st.FirstOpen()),
		Periods:              len(st.Lines),
		Terminated:           st.Terminated,
		Display:              fmt.Sprintf("%s of %s allocated", cur.Format(allocated), cur.Format(st.TargetReporting)),
	}
	if n := len(st.Lines); n > 0 {
		s.StartPeriod = string(st.Lines[0].Period)
		s.EndPeriod = string(st.Lines[n-1].Period)
	}
	return s
}

func toApplyResponse(res allocation.ApplyResult) ApplyResponse {
	return ApplyResponse{Event: toEventDTO(res.Event), Lines: res.Projection}
}

// =============================================================================
// HELPERS
// =============================================================================

func scheduleID(r *http.Request) allocation.ScheduleID {
	return allocation.ScheduleID(chi.URLParam(r, "id"))
}

// asOf reads ?as_of, defaulting to the current calendar month.
func (h *Handler) asOf(w http.ResponseWriter, r *http.Request) (allocation.PeriodID, bool) {
	s := r.URL.Query().Get("as_of")
	if s == "" {
		return allocation.PeriodOf(h.now()), true
	}
	p, err := allocation.ParsePeriodID(s)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of (expected YYYY-MM)", err)
		return "", false
	}
	return p, true
}

// decode reads and validates a JSON body. With optional set an empty body
// is accepted.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return false
		}
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// writeServiceError maps engine errors to HTTP status codes.
func (h *Handler) writeServiceError(w http.ResponseWriter, message string, err error) {
	var closed *allocation.PeriodClosedError
	switch {
	case errors.As(err, &closed):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:          message,
			Details:        err.Error(),
			NextOpenPeriod: string(closed.NextOpen),
		})
	case allocation.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, allocation.ErrInvalidTerms), errors.Is(err, allocation.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, allocation.ErrScheduleExists), allocation.IsRetryable(err):
		writeError(w, http.StatusConflict, message, err)
	case errors.Is(err, allocation.ErrReconciliation):
		h.Logger.Error("reconciliation failure", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, message, err)
	default:
		h.Logger.Error(message, slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
