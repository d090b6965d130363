package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/store/sqlite"
)

// eventsCmd holds the flags for the 'events' subcommand.
type eventsCmd struct {
	db    string
	since int64
	raw   bool
}

func (*eventsCmd) Name() string     { return "events" }
func (*eventsCmd) Synopsis() string { return "print a schedule's event log" }
func (*eventsCmd) Usage() string {
	return `allocctl events [-db <path>] [-since <id>] <schedule-id>

  Prints the events of one schedule in append order.
`
}

func (c *eventsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.db, "db", defaultDB(), "SQLite database path.")
	f.Int64Var(&c.since, "since", 0, "Only events with a greater ID.")
	f.BoolVar(&c.raw, "raw", false, "Print markdown without terminal rendering.")
}

func (c *eventsCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "events takes exactly one schedule id")
		return subcommands.ExitUsageError
	}
	id := allocation.ScheduleID(f.Arg(0))

	st, err := sqlite.New(c.db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening %q: %v\n", c.db, err)
		return subcommands.ExitFailure
	}
	defer st.Close()

	svc := allocation.NewService(st, allocation.WithLogger(cliLogger()))
	events, err := svc.Events(ctx, id, allocation.EventID(c.since))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading events of %s: %v\n", id, err)
		return subcommands.ExitFailure
	}

	printMarkdown(eventsMarkdown(id, events), c.raw)
	return subcommands.ExitSuccess
}
