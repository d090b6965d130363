/*
event.go - Schedule events (the append-only facts)

PURPOSE:
  A ScheduleEvent records one change to a schedule. The payload is a closed
  set of variants, one per event type, each carrying only the fields that
  type needs. Validation of the payload shape happens before append.

EVENT TYPES:
  AMOUNT_ADJUSTMENT    reporting/local deltas added to one period
  TIMELINE_EXTENSION   end date moved later, periods regenerated
  TIMELINE_REDUCTION   end date moved earlier, periods regenerated
  PROFILE_CHANGE       recognition method swapped from a period forward
  ONBOARDING_BOUNDARY  external periods from a period forward become system
  PERIOD_CLOSE         period frozen by the close process
  TERMINATION          schedule stopped early, balance written off

ORDERING:
  Events are ordered by ID, a per-schedule sequence starting at 1.
  CreatedAt is informational only and never used for replay order.

CORRECTIONS:
  Events are never edited. A wrong AMOUNT_ADJUSTMENT of +600 is corrected
  by appending another AMOUNT_ADJUSTMENT of -600.

SEE ALSO:
  - eventlog.go: Append and listSince
  - engine.go: How each payload is applied
*/
package allocation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventAmountAdjustment   EventType = "AMOUNT_ADJUSTMENT"
	EventTimelineExtension  EventType = "TIMELINE_EXTENSION"
	EventTimelineReduction  EventType = "TIMELINE_REDUCTION"
	EventProfileChange      EventType = "PROFILE_CHANGE"
	EventOnboardingBoundary EventType = "ONBOARDING_BOUNDARY"
	EventPeriodClose        EventType = "PERIOD_CLOSE"
	EventTermination        EventType = "TERMINATION"
)

// SystemActor is the CreatedBy value for events the engine emits itself.
const SystemActor = "system"

// EventPayload is the type-specific part of an event.
type EventPayload interface {
	EventType() EventType
	isPayload()
}

// =============================================================================
// PAYLOAD VARIANTS
// =============================================================================

type AmountAdjustment struct {
	AmountReportingDelta decimal.Decimal `json:"amount_reporting_delta"`
	AmountLocalDelta     decimal.Decimal `json:"amount_local_delta"`
}

type TimelineExtension struct {
	NewEndDate time.Time `json:"new_end_date"`
}

type TimelineReduction struct {
	NewEndDate time.Time `json:"new_end_date"`
}

type ProfileChange struct {
	Recognition Recognition `json:"recognition"`
}

type OnboardingBoundary struct{}

type PeriodClose struct{}

type Termination struct{}

func (AmountAdjustment) EventType() EventType   { return EventAmountAdjustment }
func (TimelineExtension) EventType() EventType  { return EventTimelineExtension }
func (TimelineReduction) EventType() EventType  { return EventTimelineReduction }
func (ProfileChange) EventType() EventType      { return EventProfileChange }
func (OnboardingBoundary) EventType() EventType { return EventOnboardingBoundary }
func (PeriodClose) EventType() EventType        { return EventPeriodClose }
func (Termination) EventType() EventType        { return EventTermination }

func (AmountAdjustment) isPayload()   {}
func (TimelineExtension) isPayload()  {}
func (TimelineReduction) isPayload()  {}
func (ProfileChange) isPayload()      {}
func (OnboardingBoundary) isPayload() {}
func (PeriodClose) isPayload()        {}
func (Termination) isPayload()        {}

// =============================================================================
// SCHEDULE EVENT
// =============================================================================

// ScheduleEvent is an immutable fact appended to a schedule's log.
type ScheduleEvent struct {
	ID              EventID
	ScheduleID      ScheduleID
	EffectivePeriod PeriodID
	Payload         EventPayload
	Reason          string
	CreatedAt       time.Time
	CreatedBy       string
}

// Type returns the event type derived from the payload.
func (e ScheduleEvent) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}

// Validate checks the payload shape. Whether the effective period is
// mutable is decided by the engine against the current projection.
func (e ScheduleEvent) Validate() error {
	if e.Payload == nil {
		return invalidEvent(e, "payload", "missing payload")
	}
	if !e.EffectivePeriod.Valid() {
		return invalidEvent(e, "effective_period", "%q is not YYYY-MM", e.EffectivePeriod)
	}
	switch p := e.Payload.(type) {
	case AmountAdjustment:
		if p.AmountReportingDelta.IsZero() && p.AmountLocalDelta.IsZero() {
			return invalidEvent(e, "amount_reporting_delta", "at least one delta must be non-zero")
		}
	case TimelineExtension:
		if p.NewEndDate.IsZero() {
			return invalidEvent(e, "new_end_date", "required")
		}
	case TimelineReduction:
		if p.NewEndDate.IsZero() {
			return invalidEvent(e, "new_end_date", "required")
		}
	case ProfileChange:
		if err := p.Recognition.Validate(); err != nil {
			return invalidEvent(e, "recognition", "%v", err)
		}
	case OnboardingBoundary, PeriodClose, Termination:
	default:
		return invalidEvent(e, "payload", "unsupported payload %T", e.Payload)
	}
	return nil
}

// =============================================================================
// PAYLOAD ENCODING - Used by stores and the JSON form of events
// =============================================================================

// EncodePayload serializes a payload for storage.
func EncodePayload(p EventPayload) ([]byte, error) {
	return json.Marshal(p)
}

// DecodePayload rebuilds a payload from its type tag and stored form.
func DecodePayload(t EventType, data []byte) (EventPayload, error) {
	if len(data) == 0 {
		data = []byte("{}")
	}
	switch t {
	case EventAmountAdjustment:
		var p AmountAdjustment
		err := json.Unmarshal(data, &p)
		return p, err
	case EventTimelineExtension:
		var p TimelineExtension
		err := json.Unmarshal(data, &p)
		return p, err
	case EventTimelineReduction:
		var p TimelineReduction
		err := json.Unmarshal(data, &p)
		return p, err
	case EventProfileChange:
		var p ProfileChange
		err := json.Unmarshal(data, &p)
		return p, err
	case EventOnboardingBoundary:
		return OnboardingBoundary{}, nil
	case EventPeriodClose:
		return PeriodClose{}, nil
	case EventTermination:
		return Termination{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
}

type eventJSON struct {
	ID              EventID         `json:"id"`
	ScheduleID      ScheduleID      `json:"schedule_id"`
	Type            EventType       `json:"type"`
	EffectivePeriod PeriodID        `json:"effective_period"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	CreatedBy       string          `json:"created_by,omitempty"`
}

func (e ScheduleEvent) MarshalJSON() ([]byte, error) {
	out := eventJSON{
		ID:              e.ID,
		ScheduleID:      e.ScheduleID,
		Type:            e.Type(),
		EffectivePeriod: e.EffectivePeriod,
		Reason:          e.Reason,
		CreatedAt:       e.CreatedAt,
		CreatedBy:       e.CreatedBy,
	}
	if e.Payload != nil {
		raw, err := EncodePayload(e.Payload)
		if err != nil {
			return nil, err
		}
		out.Payload = raw
	}
	return json.Marshal(out)
}

func (e *ScheduleEvent) UnmarshalJSON(data []byte) error {
	var in eventJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	payload, err := DecodePayload(in.Type, in.Payload)
	if err != nil {
		return err
	}
	*e = ScheduleEvent{
		ID:              in.ID,
		ScheduleID:      in.ScheduleID,
		EffectivePeriod: in.EffectivePeriod,
		Payload:         payload,
		Reason:          in.Reason,
		CreatedAt:       in.CreatedAt,
		CreatedBy:       in.CreatedBy,
	}
	return nil
}
