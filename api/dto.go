/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine types from the external API contract. Terms and events reuse
  the factory schema so a schedule file and an API body look the same.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Schedules:
    CreateScheduleRequest, ScheduleDTO, ScheduleSummaryDTO

  Periods:
    ProjectionResponse (allocation.PeriodLine carries its own JSON tags)

  Events:
    EventRequest, EventDTO, ApplyResponse, TerminateRequest, AdvanceRequest

  Scenarios:
    ScenarioDTO, LoadScenarioRequest, LoadScenarioResponse

VALIDATION:
  Request types carry go-playground/validator tags. Handlers run
  h.validate.Struct before converting to engine types; engine-level
  validation still happens in the Service.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/terms.go: TermsJSON and EventJSON
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/factory"
)

// =============================================================================
// SCHEDULES
// =============================================================================

// CreateScheduleRequest is the request to create a schedule.
// ID is optional; a UUID is generated when empty.
type CreateScheduleRequest struct {
	ID        string            `json:"id,omitempty" validate:"omitempty,max=64,excludesall=/ "`
	CreatedBy string            `json:"created_by,omitempty" validate:"omitempty,max=128"`
	Terms     factory.TermsJSON `json:"terms"`
}

// ScheduleDTO represents a schedule in API responses.
type ScheduleDTO struct {
	ID          string             `json:"id"`
	Kind        string             `json:"kind"`
	KindDomain  string             `json:"kind_domain"`
	Terms       factory.TermsJSON  `json:"terms"`
	LastEventID int64              `json:"last_event_id"`
	Summary     ScheduleSummaryDTO `json:"summary"`
}

// ScheduleSummaryDTO holds the figures shown on a schedule card. All of
// them are folds over the current projection.
type ScheduleSummaryDTO struct {
	AsOf                 string          `json:"as_of"`
	Currency             string          `json:"currency"`
	TotalReporting       decimal.Decimal `json:"total_reporting"`
	AllocatedToDate      decimal.Decimal `json:"allocated_to_date"`
	RemainingBalance     decimal.Decimal `json:"remaining_balance"`
	CurrentPeriodExpense decimal.Decimal `json:"current_period_expense"`
	ClosedThrough        string          `json:"closed_through,omitempty"`
	FirstOpenPeriod      string          `json:"first_open_period,omitempty"`
	StartPeriod          string          `json:"start_period"`
	EndPeriod            string          `json:"end_period"`
	Periods              int             `json:"periods"`
	Terminated           bool            `json:"terminated"`
	Display              string          `json:"display"`
}

// ProjectionResponse is a schedule's period lines.
type ProjectionResponse struct {
	ScheduleID string                  `json:"schedule_id"`
	Digest     string                  `json:"digest"`
	Lines      []allocation.PeriodLine `json:"lines"`
}

// =============================================================================
// EVENTS
// =============================================================================

// EventRequest is the request to append a schedule event.
type EventRequest struct {
	factory.EventJSON
}

// TerminateRequest stops a schedule at Period.
type TerminateRequest struct {
	Period    string `json:"period" validate:"required,len=7"`
	Reason    string `json:"reason" validate:"required,max=500"`
	CreatedBy string `json:"created_by,omitempty" validate:"omitempty,max=128"`
}

// AdvanceRequest moves an open-ended schedule's current period.
type AdvanceRequest struct {
	CurrentPeriod string `json:"current_period" validate:"required,len=7"`
}

// ClosePeriodRequest is the optional body of a close-period call.
type ClosePeriodRequest struct {
	CreatedBy string `json:"created_by,omitempty" validate:"omitempty,max=128"`
}

// EventDTO represents a stored event.
type EventDTO struct {
	factory.EventJSON
	CreatedAt string `json:"created_at"`
}

// ApplyResponse is returned after an event has been appended.
type ApplyResponse struct {
	Event EventDTO                `json:"event"`
	Lines []allocation.PeriodLine `json:"lines"`
}

// EventsResponse is a page of a schedule's event log.
type EventsResponse struct {
	ScheduleID string     `json:"schedule_id"`
	Since      int64      `json:"since"`
	Events     []EventDTO `json:"events"`
}

// KindDTO represents a registered schedule kind.
type KindDTO struct {
	ID     string `json:"id"`
	Domain string `json:"domain"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// RejectedEventDTO is a scenario step the engine refused.
type RejectedEventDTO struct {
	Event factory.EventJSON `json:"event"`
	Error string            `json:"error"`
}

// LoadScenarioResponse reports what a scenario load did.
type LoadScenarioResponse struct {
	ScenarioID string             `json:"scenario_id"`
	ScheduleID string             `json:"schedule_id"`
	Applied    int                `json:"applied"`
	Rejected   []RejectedEventDTO `json:"rejected"`
	Summary    ScheduleSummaryDTO `json:"summary"`
}

// =============================================================================
// AUDIT
// =============================================================================

// AuditRunDTO reports one audit pass.
type AuditRunDTO struct {
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
	Mode       string `json:"mode"`
	Checked    int    `json:"checked"`
	Enqueued   int    `json:"enqueued"`
	Mismatches int    `json:"mismatches"`
	Repaired   int    `json:"repaired"`
	Errors     int    `json:"errors"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error          string `json:"error"`
	Details        string `json:"details,omitempty"`
	NextOpenPeriod string `json:"next_open_period,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toEventDTO(ev allocation.ScheduleEvent) EventDTO {
	return EventDTO{
		EventJSON: factory.FromEvent(ev),
		CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toEventDTOs(events []allocation.ScheduleEvent) []EventDTO {
	dtos := make([]EventDTO, len(events))
	for i, ev := range events {
		dtos[i] = toEventDTO(ev)
	}
	return dtos
}

func toAuditRunDTO(run AuditRun) AuditRunDTO {
	dto := AuditRunDTO{
		StartedAt:  run.StartedAt.UTC().Format(time.RFC3339),
		Mode:       run.Mode,
		Checked:    run.Checked,
		Enqueued:   run.Enqueued,
		Mismatches: run.Mismatches,
		Repaired:   run.Repaired,
		Errors:     run.Errors,
	}
	if !run.FinishedAt.IsZero() {
		dto.FinishedAt = run.FinishedAt.UTC().Format(time.RFC3339)
	}
	return dto
}
