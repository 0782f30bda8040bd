// Command crabwalk runs a directory of .sql files as a scheduled batch of
// materializations against an embedded DuckDB database.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

// Context threads shared state from the parsed CLI struct into each
// command's Run method, mirroring the teacher's cmd/snapsql Context.
type Context struct {
	Config string
}

// CLI is the root command, matching spec.md §6's CLI contract table.
var CLI struct {
	Config string  `help:"Path to crabwalk.yaml" default:"crabwalk.yaml"`
	Run    RunCmd  `cmd:"" help:"Schedule and execute every model under directory" default:"1"`
	Plan   PlanCmd `cmd:"" help:"Print the scheduled plan without executing anything"`
}

func main() {
	kctx := kong.Parse(&CLI,
		kong.Name("crabwalk"),
		kong.Description("Lightweight SQL transformation orchestrator over an embedded database."),
	)

	appCtx := &Context{Config: CLI.Config}

	err := kctx.Run(appCtx)
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return classify(err)
}
