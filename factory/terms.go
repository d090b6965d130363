/*
Package factory provides JSON/YAML to Go schedule conversion.

PURPOSE:
  Converts schedule definitions, events and replay scenarios written as JSON
  or YAML into allocation types. Finance teams keep schedules in files or
  send them over the API; the factory turns them into the proper Go structs
  and fills kind defaults.

AMOUNTS:
  Amounts are decimals. Quoted strings ("12000.00") and bare numbers are
  both accepted; strings are recommended so no float ever touches a value.

DATES:
  start_date / end_date / new_end_date accept "2026-01-01", "2026-01" or
  RFC3339. Periods are always "YYYY-MM".

JSON SCHEMA (terms):
  {
    "kind": "prepaid_expense",
    "total_amount_reporting": "12000.00",
    "total_amount_local": "11000.00",
    "reporting_currency": "USD",
    "local_currency": "EUR",
    "start_date": "2026-01-01",
    "end_date": "2026-12-31",
    "recognition": {"method": "straight_line"}
  }

YAML SCENARIO:
  name: Scenario A
  schedule_id: sch-a
  terms: { ... as above ... }
  events:
    - type: AMOUNT_ADJUSTMENT
      effective_period: 2026-06
      amount_reporting_delta: "600"
      reason: price increase

USAGE:
  terms, err := factory.ParseTerms(data)
  scenario, err := factory.LoadScenarioFile("scenarios/a.yaml")
  schedule, err := scenario.Replay()

SEE ALSO:
  - prepaid/presets.go, capital/presets.go: Preset terms per kind
  - api/dto.go: HTTP request bodies built on these types
*/
package factory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/allocation-engine/allocation"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// TermsJSON is the JSON/YAML representation of ScheduleTerms.
type TermsJSON struct {
	Kind                 string           `json:"kind,omitempty" yaml:"kind,omitempty"`
	TotalAmountReporting decimal.Decimal  `json:"total_amount_reporting" yaml:"total_amount_reporting"`
	TotalAmountLocal     *decimal.Decimal `json:"total_amount_local,omitempty" yaml:"total_amount_local,omitempty"` // Defaults to reporting when currencies match
	ReportingCurrency    string           `json:"reporting_currency" yaml:"reporting_currency" validate:"required,len=3,alpha"`
	LocalCurrency        string           `json:"local_currency,omitempty" yaml:"local_currency,omitempty" validate:"omitempty,len=3,alpha"` // Defaults to reporting currency
	StartDate            string           `json:"start_date" yaml:"start_date" validate:"required"`
	EndDate              string           `json:"end_date,omitempty" yaml:"end_date,omitempty"`
	CurrentPeriod        string           `json:"current_period,omitempty" yaml:"current_period,omitempty"`
	Recognition          *RecognitionJSON `json:"recognition,omitempty" yaml:"recognition,omitempty"`
	OnboardingPeriod     string           `json:"onboarding_period,omitempty" yaml:"onboarding_period,omitempty"`
	ExternalHistory      []ExternalJSON   `json:"external_history,omitempty" yaml:"external_history,omitempty"`
}

// RecognitionJSON represents a recognition method and its parameters.
type RecognitionJSON struct {
	Method     string                     `json:"method" yaml:"method"` // straight_line, declining_balance, usage_based, milestone
	Rate       *decimal.Decimal           `json:"rate,omitempty" yaml:"rate,omitempty"`
	Drivers    map[string]decimal.Decimal `json:"drivers,omitempty" yaml:"drivers,omitempty"`
	Milestones []MilestoneJSON            `json:"milestones,omitempty" yaml:"milestones,omitempty"`
}

// MilestoneJSON represents one milestone.
type MilestoneJSON struct {
	Name   string          `json:"name" yaml:"name"`
	Period string          `json:"period" yaml:"period"`
	Weight decimal.Decimal `json:"weight" yaml:"weight"`
}

// ExternalJSON represents one period of prior-system history.
type ExternalJSON struct {
	Period          string          `json:"period" yaml:"period"`
	AmountReporting decimal.Decimal `json:"amount_reporting" yaml:"amount_reporting"`
	AmountLocal     decimal.Decimal `json:"amount_local" yaml:"amount_local"`
}

// EventJSON is the JSON/YAML representation of a ScheduleEvent. Only the
// fields relevant to Type are read.
type EventJSON struct {
	ID                   int64            `json:"id,omitempty" yaml:"id,omitempty"`
	Type                 string           `json:"type" yaml:"type" validate:"required"`
	EffectivePeriod      string           `json:"effective_period" yaml:"effective_period" validate:"required,len=7"`
	AmountReportingDelta *decimal.Decimal `json:"amount_reporting_delta,omitempty" yaml:"amount_reporting_delta,omitempty"`
	AmountLocalDelta     *decimal.Decimal `json:"amount_local_delta,omitempty" yaml:"amount_local_delta,omitempty"`
	NewEndDate           string           `json:"new_end_date,omitempty" yaml:"new_end_date,omitempty"`
	Recognition          *RecognitionJSON `json:"recognition,omitempty" yaml:"recognition,omitempty"`
	Reason               string           `json:"reason,omitempty" yaml:"reason,omitempty"`
	CreatedBy            string           `json:"created_by,omitempty" yaml:"created_by,omitempty"`
}

// ScenarioJSON is a schedule plus the events to replay on it.
type ScenarioJSON struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	ScheduleID  string      `json:"schedule_id,omitempty" yaml:"schedule_id,omitempty"`
	Terms       TermsJSON   `json:"terms" yaml:"terms"`
	Events      []EventJSON `json:"events,omitempty" yaml:"events,omitempty"`
}

// =============================================================================
// TERMS
// =============================================================================

// ParseTerms parses JSON or YAML terms.
func ParseTerms(data []byte) (allocation.ScheduleTerms, error) {
	var tj TermsJSON
	if err := unmarshal(data, &tj); err != nil {
		return allocation.ScheduleTerms{}, fmt.Errorf("failed to parse terms: %w", err)
	}
	return tj.ToTerms()
}

// ToTerms converts TermsJSON to allocation.ScheduleTerms, filling kind
// defaults. Engine-level validation happens on Create.
func (tj TermsJSON) ToTerms() (allocation.ScheduleTerms, error) {
	t := allocation.ScheduleTerms{
		Kind:                 tj.Kind,
		TotalAmountReporting: tj.TotalAmountReporting,
		ReportingCurrency:    allocation.Currency(strings.ToUpper(tj.ReportingCurrency)),
		LocalCurrency:        allocation.Currency(strings.ToUpper(tj.LocalCurrency)),
		CurrentPeriod:        allocation.PeriodID(tj.CurrentPeriod),
		OnboardingPeriod:     allocation.PeriodID(tj.OnboardingPeriod),
	}
	if t.LocalCurrency == "" {
		t.LocalCurrency = t.ReportingCurrency
	}
	switch {
	case tj.TotalAmountLocal != nil:
		t.TotalAmountLocal = *tj.TotalAmountLocal
	case t.LocalCurrency == t.ReportingCurrency:
		t.TotalAmountLocal = tj.TotalAmountReporting
	default:
		return t, termsError("total_amount_local", "required when local currency differs from reporting currency")
	}

	start, err := parseDate(tj.StartDate)
	if err != nil {
		return t, termsError("start_date", err.Error())
	}
	t.StartDate = start
	if tj.EndDate != "" {
		end, err := parseDate(tj.EndDate)
		if err != nil {
			return t, termsError("end_date", err.Error())
		}
		t.EndDate = &end
	}

	if tj.Recognition != nil {
		t.Recognition = tj.Recognition.ToRecognition()
	}
	for _, ej := range tj.ExternalHistory {
		t.ExternalHistory = append(t.ExternalHistory, allocation.ExternalAmount{
			Period:          allocation.PeriodID(ej.Period),
			AmountReporting: ej.AmountReporting,
			AmountLocal:     ej.AmountLocal,
		})
	}

	// Look up kind defaults (domain packages register on init)
	return allocation.ApplyKindDefaults(t), nil
}

// FromTerms converts ScheduleTerms back to TermsJSON.
func FromTerms(t allocation.ScheduleTerms) TermsJSON {
	local := t.TotalAmountLocal
	rec := FromRecognition(t.Recognition)
	tj := TermsJSON{
		Kind:                 t.Kind,
		TotalAmountReporting: t.TotalAmountReporting,
		TotalAmountLocal:     &local,
		ReportingCurrency:    string(t.ReportingCurrency),
		LocalCurrency:        string(t.LocalCurrency),
		StartDate:            t.StartDate.Format(time.DateOnly),
		CurrentPeriod:        string(t.CurrentPeriod),
		Recognition:          &rec,
		OnboardingPeriod:     string(t.OnboardingPeriod),
	}
	if t.EndDate != nil {
		tj.EndDate = t.EndDate.Format(time.DateOnly)
	}
	for _, e := range t.ExternalHistory {
		tj.ExternalHistory = append(tj.ExternalHistory, ExternalJSON{
			Period:          string(e.Period),
			AmountReporting: e.AmountReporting,
			AmountLocal:     e.AmountLocal,
		})
	}
	return tj
}

// ToRecognition converts RecognitionJSON to allocation.Recognition.
func (rj RecognitionJSON) ToRecognition() allocation.Recognition {
	rec := allocation.Recognition{Method: parseMethod(rj.Method)}
	if rj.Rate != nil {
		rec.Rate = *rj.Rate
	}
	if len(rj.Drivers) > 0 {
		rec.Drivers = make(map[allocation.PeriodID]decimal.Decimal, len(rj.Drivers))
		for p, d := range rj.Drivers {
			rec.Drivers[allocation.PeriodID(p)] = d
		}
	}
	for _, m := range rj.Milestones {
		rec.Milestones = append(rec.Milestones, allocation.Milestone{
			Name:   m.Name,
			Period: allocation.PeriodID(m.Period),
			Weight: m.Weight,
		})
	}
	return rec
}

// FromRecognition converts allocation.Recognition to RecognitionJSON.
func FromRecognition(rec allocation.Recognition) RecognitionJSON {
	rj := RecognitionJSON{Method: string(rec.Method)}
	if rec.Method == allocation.MethodDecliningBalance {
		rate := rec.Rate
		rj.Rate = &rate
	}
	if len(rec.Drivers) > 0 {
		rj.Drivers = make(map[string]decimal.Decimal, len(rec.Drivers))
		for p, d := range rec.Drivers {
			rj.Drivers[string(p)] = d
		}
	}
	for _, m := range rec.Milestones {
		rj.Milestones = append(rj.Milestones, MilestoneJSON{Name: m.Name, Period: string(m.Period), Weight: m.Weight})
	}
	return rj
}

// =============================================================================
// EVENTS
// =============================================================================

// ParseEvent parses a JSON or YAML event.
func ParseEvent(data []byte) (allocation.ScheduleEvent, error) {
	var ej EventJSON
	if err := unmarshal(data, &ej); err != nil {
		return allocation.ScheduleEvent{}, fmt.Errorf("failed to parse event: %w", err)
	}
	return ej.ToEvent()
}

// ToEvent converts EventJSON to allocation.ScheduleEvent.
func (ej EventJSON) ToEvent() (allocation.ScheduleEvent, error) {
	ev := allocation.ScheduleEvent{
		ID:              allocation.EventID(ej.ID),
		EffectivePeriod: allocation.PeriodID(ej.EffectivePeriod),
		Reason:          ej.Reason,
		CreatedBy:       ej.CreatedBy,
	}

	t := allocation.EventType(strings.ToUpper(strings.TrimSpace(ej.Type)))
	switch t {
	case allocation.EventAmountAdjustment:
		p := allocation.AmountAdjustment{}
		if ej.AmountReportingDelta != nil {
			p.AmountReportingDelta = *ej.AmountReportingDelta
		}
		if ej.AmountLocalDelta != nil {
			p.AmountLocalDelta = *ej.AmountLocalDelta
		}
		ev.Payload = p

	case allocation.EventTimelineExtension, allocation.EventTimelineReduction:
		end, err := parseDate(ej.NewEndDate)
		if err != nil {
			return ev, eventError(t, ev.EffectivePeriod, "new_end_date", err.Error())
		}
		if t == allocation.EventTimelineExtension {
			ev.Payload = allocation.TimelineExtension{NewEndDate: end}
		} else {
			ev.Payload = allocation.TimelineReduction{NewEndDate: end}
		}

	case allocation.EventProfileChange:
		if ej.Recognition == nil {
			return ev, eventError(t, ev.EffectivePeriod, "recognition", "required")
		}
		ev.Payload = allocation.ProfileChange{Recognition: ej.Recognition.ToRecognition()}

	case allocation.EventOnboardingBoundary:
		ev.Payload = allocation.OnboardingBoundary{}

	case allocation.EventPeriodClose:
		ev.Payload = allocation.PeriodClose{}

	case allocation.EventTermination:
		ev.Payload = allocation.Termination{}

	default:
		return ev, eventError(t, ev.EffectivePeriod, "type", fmt.Sprintf("unknown event type %q", ej.Type))
	}
	return ev, nil
}

// FromEvent converts a ScheduleEvent to EventJSON.
func FromEvent(ev allocation.ScheduleEvent) EventJSON {
	ej := EventJSON{
		ID:              int64(ev.ID),
		Type:            string(ev.Type()),
		EffectivePeriod: string(ev.EffectivePeriod),
		Reason:          ev.Reason,
		CreatedBy:       ev.CreatedBy,
	}
	switch p := ev.Payload.(type) {
	case allocation.AmountAdjustment:
		r, l := p.AmountReportingDelta, p.AmountLocalDelta
		ej.AmountReportingDelta, ej.AmountLocalDelta = &r, &l
	case allocation.TimelineExtension:
		ej.NewEndDate = p.NewEndDate.Format(time.DateOnly)
	case allocation.TimelineReduction:
		ej.NewEndDate = p.NewEndDate.Format(time.DateOnly)
	case allocation.ProfileChange:
		rec := FromRecognition(p.Recognition)
		ej.Recognition = &rec
	}
	return ej
}

// =============================================================================
// SCENARIOS
// =============================================================================

// Scenario is a parsed ScenarioJSON.
type Scenario struct {
	Name        string
	Description string
	ScheduleID  allocation.ScheduleID
	Terms       allocation.ScheduleTerms
	Events      []allocation.ScheduleEvent
}

// ParseScenario parses a JSON or YAML scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var sj ScenarioJSON
	if err := unmarshal(data, &sj); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	return sj.ToScenario()
}

// LoadScenarioFile reads and parses a scenario file.
func LoadScenarioFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ToScenario converts ScenarioJSON to a Scenario.
func (sj ScenarioJSON) ToScenario() (*Scenario, error) {
	terms, err := sj.Terms.ToTerms()
	if err != nil {
		return nil, err
	}
	s := &Scenario{
		Name:        sj.Name,
		Description: sj.Description,
		ScheduleID:  allocation.ScheduleID(sj.ScheduleID),
		Terms:       terms,
	}
	if s.ScheduleID == "" {
		s.ScheduleID = allocation.ScheduleID(slug(sj.Name))
	}
	for i, ej := range sj.Events {
		ev, err := ej.ToEvent()
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i+1, err)
		}
		s.Events = append(s.Events, ev)
	}
	return s, nil
}

// Replay creates the schedule and applies every event in order.
func (s *Scenario) Replay() (*allocation.Schedule, error) {
	schedule, err := allocation.Create(s.ScheduleID, s.Terms)
	if err != nil {
		return nil, err
	}
	for i, ev := range s.Events {
		if _, err := schedule.ApplyEvent(ev); err != nil {
			return nil, fmt.Errorf("event %d (%s %s): %w", i+1, ev.Type(), ev.EffectivePeriod, err)
		}
	}
	return schedule, nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

// unmarshal decodes JSON when the document looks like JSON, YAML otherwise.
func unmarshal(data []byte, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		return dec.Decode(v)
	}
	dec := yaml.NewDecoder(bytes.NewReader(trimmed))
	dec.KnownFields(true)
	return dec.Decode(v)
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("date is required")
	}
	for _, layout := range []string{time.DateOnly, "2006-01", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD, YYYY-MM or RFC3339", s)
}

func parseMethod(s string) allocation.RecognitionMethod {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")) {
	case "declining_balance", "declining":
		return allocation.MethodDecliningBalance
	case "usage_based", "usage":
		return allocation.MethodUsageBased
	case "milestone", "milestones", "milestone_based":
		return allocation.MethodMilestone
	case "straight_line", "straight":
		return allocation.MethodStraightLine
	default:
		return allocation.RecognitionMethod(s)
	}
}

func termsError(field, reason string) error {
	return &allocation.InvalidTermsError{Field: field, Reason: reason}
}

func eventError(t allocation.EventType, p allocation.PeriodID, field, reason string) error {
	return &allocation.InvalidEventError{EventType: t, Period: p, Field: field, Reason: reason}
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	dash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "scenario"
	}
	return out
}
