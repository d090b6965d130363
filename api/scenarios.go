/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that create realistic schedules for testing
	and demos. Each scenario creates one schedule from preset terms and then
	replays a list of events through the Service, exactly like a client
	would over the API.

AVAILABLE SCENARIOS:

	straight-line:       12,000 USD / 11,000 EUR prepaid over 2026
	amount-adjustment:   Same schedule, +600 USD effective 2026-06
	closed-period:       Q1 closed, then an adjustment targets February (rejected)
	timeline-reduction:  Q1 closed, end pulled in to 2026-09 from 2026-07
	asset-disposal:      Fixed asset disposed after six months
	open-accrual:        Open-ended accrual with two periods closed
	milestone-contract:  Revenue contract recognised at two milestones

HOW SCENARIOS WORK:
 1. Parse the preset terms through the factory
 2. Create the schedule with a fresh ID (<scenario>-<8 hex>)
 3. Apply each event in order; rejections are collected, not fatal
 4. Return the schedule ID, counts and summary

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "amount-adjustment"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description, terms and events
 2. Build terms with a prepaid/ or capital/ preset

NOTE:

	Scenarios never reset the store. Loading the same scenario twice creates
	two schedules.

SEE ALSO:
  - handlers.go: Handler and summary fold
  - prepaid/presets.go, capital/presets.go: Preset terms
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/capital"
	"github.com/warp/allocation-engine/factory"
	"github.com/warp/allocation-engine/prepaid"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type demoScenario struct {
	ScenarioDTO
	terms  func() string
	events []factory.EventJSON
}

var scenarios = []demoScenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "straight-line",
			Name:        "Straight-Line Prepaid",
			Description: "12,000 USD / 11,000 EUR spread evenly over 2026",
			Category:    "prepaid",
		},
		terms: fxPrepaid,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "amount-adjustment",
			Name:        "Amount Adjustment",
			Description: "Price increase of 600 USD recognised in June",
			Category:    "prepaid",
		},
		terms: fxPrepaid,
		events: []factory.EventJSON{
			adjustment("2026-06", "600", "price increase"),
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "closed-period",
			Name:        "Closed Period",
			Description: "Q1 is closed; a later correction aimed at February is refused",
			Category:    "prepaid",
		},
		terms: fxPrepaid,
		events: []factory.EventJSON{
			closeEvent("2026-01"),
			closeEvent("2026-02"),
			closeEvent("2026-03"),
			adjustment("2026-02", "250", "late invoice correction"),
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "timeline-reduction",
			Name:        "Timeline Reduction",
			Description: "Contract shortened after June to end in September; July to September re-split",
			Category:    "prepaid",
		},
		terms: fxPrepaid,
		events: []factory.EventJSON{
			closeEvent("2026-01"),
			closeEvent("2026-02"),
			closeEvent("2026-03"),
			{
				Type:            string(allocation.EventTimelineReduction),
				EffectivePeriod: "2026-06",
				NewEndDate:      "2026-09-30",
				Reason:          "contract shortened",
				CreatedBy:       "demo",
			},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "asset-disposal",
			Name:        "Asset Disposal",
			Description: "36,000 USD machine, double-declining over 3 years, sold in June",
			Category:    "capital",
		},
		terms: func() string { return capital.FixedAssetJSON("36000.00", "USD", "2026-01", 36) },
		events: []factory.EventJSON{
			closeEvent("2026-01"),
			closeEvent("2026-02"),
			fromEvent(capital.DisposalEvent("2026-06", "asset sold", "demo")),
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "open-accrual",
			Name:        "Open-Ended Accrual",
			Description: "Accrual without an end date, extended month by month",
			Category:    "prepaid",
		},
		terms: func() string { return prepaid.OpenAccrualJSON("2400.00", "USD", "2026-01", "2026-03") },
		events: []factory.EventJSON{
			closeEvent("2026-01"),
			{
				Type:            string(allocation.EventTimelineExtension),
				EffectivePeriod: "2026-02",
				NewEndDate:      "2026-06",
				Reason:          "advance current period to 2026-06",
				CreatedBy:       allocation.SystemActor,
			},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "milestone-contract",
			Name:        "Milestone Contract",
			Description: "Revenue contract recognised 25% at kickoff and 75% at go-live",
			Category:    "prepaid",
		},
		terms: func() string {
			return prepaid.MilestoneContractJSON("10000.00", "USD", "2026-01", "2026-06", []prepaid.Milestone{
				{Name: "kickoff", Period: "2026-01", Weight: "25"},
				{Name: "go-live", Period: "2026-05", Weight: "75"},
			})
		},
	},
}

func fxPrepaid() string {
	return prepaid.ForeignPrepaidJSON("12000.00", "USD", "11000.00", "EUR", "2026-01", 12)
}

func adjustment(period, reporting, reason string) factory.EventJSON {
	d := decimal.RequireFromString(reporting)
	return factory.EventJSON{
		Type:                 string(allocation.EventAmountAdjustment),
		EffectivePeriod:      period,
		AmountReportingDelta: &d,
		Reason:               reason,
		CreatedBy:            "demo",
	}
}

func closeEvent(period string) factory.EventJSON {
	return factory.EventJSON{
		Type:            string(allocation.EventPeriodClose),
		EffectivePeriod: period,
		Reason:          "period close",
		CreatedBy:       "demo",
	}
}

func fromEvent(ev allocation.ScheduleEvent) factory.EventJSON {
	return factory.FromEvent(ev)
}

func findScenario(id string) (demoScenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return demoScenario{}, false
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns all available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// LoadScenario creates the scenario's schedule and replays its events.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	resp, err := h.loadScenario(r.Context(), s)
	if err != nil {
		h.writeServiceError(w, fmt.Sprintf("Failed to load scenario %s", s.ID), err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) loadScenario(ctx context.Context, s demoScenario) (LoadScenarioResponse, error) {
	terms, err := factory.ParseTerms([]byte(s.terms()))
	if err != nil {
		return LoadScenarioResponse{}, err
	}
	id := allocation.ScheduleID(fmt.Sprintf("%s-%s", s.ID, uuid.NewString()[:8]))
	if _, _, err := h.Service.Create(ctx, id, terms, "demo"); err != nil {
		return LoadScenarioResponse{}, err
	}

	resp := LoadScenarioResponse{ScenarioID: s.ID, ScheduleID: string(id), Rejected: []RejectedEventDTO{}}
	for _, ej := range s.events {
		ev, err := ej.ToEvent()
		if err != nil {
			return LoadScenarioResponse{}, err
		}
		if _, err := h.Service.ApplyEvent(ctx, id, ev); err != nil {
			if !allocation.IsClientError(err) {
				return LoadScenarioResponse{}, err
			}
			resp.Rejected = append(resp.Rejected, RejectedEventDTO{Event: ej, Error: err.Error()})
			continue
		}
		resp.Applied++
	}

	st, err := h.Service.State(ctx, id)
	if err != nil {
		return LoadScenarioResponse{}, err
	}
	resp.Summary = summarize(st, allocation.PeriodOf(h.now()))

	h.Logger.Info("scenario loaded",
		"scenario", s.ID,
		"schedule_id", string(id),
		"applied", resp.Applied,
		"rejected", len(resp.Rejected))
	return resp, nil
}
