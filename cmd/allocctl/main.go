/*
allocctl - operator CLI for the allocation engine

COMMANDS:
  project   Replay a YAML/JSON scenario file and render its projection
  verify    Rebuild every schedule in a database and report mismatches
  events    Print a schedule's event log

EXAMPLES:
  allocctl project factory/testdata/timeline_reduction.yaml
  allocctl verify -db allocation.db
  allocctl events -db allocation.db sch-d
*/
package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/google/subcommands"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(commander.CommandsCommand(), "")

	commander.Register(&projectCmd{}, "scenarios")
	commander.Register(&verifyCmd{}, "database")
	commander.Register(&eventsCmd{}, "database")

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}
