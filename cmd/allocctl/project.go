package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/factory"
)

// projectCmd holds the flags for the 'project' subcommand.
type projectCmd struct {
	raw bool
}

func (*projectCmd) Name() string     { return "project" }
func (*projectCmd) Synopsis() string { return "replay a scenario file and render the projection" }
func (*projectCmd) Usage() string {
	return `allocctl project [-raw] <scenario.yaml|scenario.json>

  Creates the schedule described by the scenario, applies its events in
  order and prints the resulting period lines.
`
}

func (c *projectCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.raw, "raw", false, "Print markdown without terminal rendering.")
}

func (c *projectCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "project takes exactly one scenario file")
		return subcommands.ExitUsageError
	}

	scenario, err := factory.LoadScenarioFile(f.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading scenario %q: %v\n", f.Arg(0), err)
		return subcommands.ExitFailure
	}
	schedule, err := scenario.Replay()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error replaying scenario %q: %v\n", scenario.Name, err)
		return subcommands.ExitFailure
	}

	lines := schedule.CurrentProjection()
	title := scenario.Name
	if title == "" {
		title = string(schedule.ID())
	}
	md := projectionMarkdown(title, schedule.Terms(), lines)
	md += fmt.Sprintf("\nEvents applied: %d. Digest: `%s`\n", len(scenario.Events), allocation.Digest(lines))

	printMarkdown(md, c.raw)
	return subcommands.ExitSuccess
}
