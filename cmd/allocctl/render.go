package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/factory"
)

// printMarkdown renders md for the terminal, falling back to the raw text.
func printMarkdown(md string, raw bool) {
	if raw {
		fmt.Print(md)
		return
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(120))
	if err != nil {
		fmt.Print(md)
		return
	}
	out, err := r.Render(md)
	if err != nil {
		fmt.Print(md)
		return
	}
	fmt.Print(out)
}

func defaultDB() string {
	if p := os.Getenv("SQLITE_PATH"); p != "" {
		return p
	}
	return "allocation.db"
}

// cliLogger keeps engine logs off stdout, which carries the report.
func cliLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// projectionMarkdown renders terms and lines as a markdown document.
func projectionMarkdown(title string, terms allocation.ScheduleTerms, lines []allocation.PeriodLine) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)

	end := "open-ended"
	if !terms.IsOpenEnded() {
		end = string(terms.EndPeriod())
	}
	fmt.Fprintf(&b, "- Total: %s (%s local)\n",
		terms.ReportingCurrency.Format(terms.TotalAmountReporting),
		terms.LocalCurrency.Format(terms.TotalAmountLocal))
	fmt.Fprintf(&b, "- Periods: %s to %s\n", terms.StartPeriod(), end)
	fmt.Fprintf(&b, "- Method: %s\n\n", terms.Recognition.Method)

	writeLinesTable(&b, terms, lines)
	return b.String()
}

func writeLinesTable(w io.Writer, terms allocation.ScheduleTerms, lines []allocation.PeriodLine) {
	fmt.Fprintln(w, "| Period | State | Reporting | Local | FX | Cumulative | Remaining | Delta |")
	fmt.Fprintln(w, "|:--|:--|--:|--:|--:|--:|--:|--:|")
	for _, l := range lines {
		fx, delta := "", ""
		if l.EffectiveFX != nil {
			fx = l.EffectiveFX.StringFixed(4)
		}
		if l.AdjustmentDelta != nil {
			delta = terms.ReportingCurrency.Format(*l.AdjustmentDelta)
		}
		fmt.Fprintf(w, "| %s | %s | %s | %s | %s | %s | %s | %s |\n",
			l.Period, l.State,
			terms.ReportingCurrency.Format(l.AmountReporting),
			terms.LocalCurrency.Format(l.AmountLocal),
			fx,
			terms.ReportingCurrency.Format(l.CumulativeAmountReporting),
			terms.ReportingCurrency.Format(l.RemainingAmountReporting),
			delta)
	}
}

func writeVerifyTable(w io.Writer, results []allocation.VerifyResult) {
	mismatches := 0
	fmt.Fprintln(w, "# Projection verification")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "| Schedule | Through | Match | Repaired | First difference |")
	fmt.Fprintln(w, "|:--|--:|:--|:--|:--|")
	for _, r := range results {
		if !r.Match {
			mismatches++
		}
		fmt.Fprintf(w, "| %s | %d | %s | %s | %s |\n",
			r.ScheduleID, r.Through, yesNo(r.Match), yesNo(r.Repaired), r.FirstDifference)
	}
	fmt.Fprintf(w, "\n%d schedules checked, %d mismatched.\n", len(results), mismatches)
}

// eventsMarkdown renders an event log, one row per event.
func eventsMarkdown(id allocation.ScheduleID, events []allocation.ScheduleEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Events of %s\n\n", id)
	if len(events) == 0 {
		b.WriteString("No events.\n")
		return b.String()
	}
	fmt.Fprintln(&b, "| ID | Type | Period | Details | Reason | By | At |")
	fmt.Fprintln(&b, "|--:|:--|:--|:--|:--|:--|:--|")
	for _, ev := range events {
		fmt.Fprintf(&b, "| %d | %s | %s | %s | %s | %s | %s |\n",
			ev.ID, ev.Type(), ev.EffectivePeriod, eventDetails(factory.FromEvent(ev)),
			ev.Reason, ev.CreatedBy, ev.CreatedAt.UTC().Format("2006-01-02 15:04"))
	}
	return b.String()
}

func eventDetails(ej factory.EventJSON) string {
	var parts []string
	if ej.AmountReportingDelta != nil {
		parts = append(parts, "reporting "+ej.AmountReportingDelta.String())
	}
	if ej.AmountLocalDelta != nil {
		parts = append(parts, "local "+ej.AmountLocalDelta.String())
	}
	if ej.NewEndDate != "" {
		parts = append(parts, "end "+ej.NewEndDate)
	}
	if ej.Recognition != nil {
		parts = append(parts, "method "+ej.Recognition.Method)
	}
	return strings.Join(parts, ", ")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
