package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/definite-app/crabwalk"
	"github.com/definite-app/crabwalk/internal/engine"
	"github.com/definite-app/crabwalk/internal/graph"
	"github.com/definite-app/crabwalk/internal/registry"
)

// planOnly builds the dependency graph under the strict policy and
// returns its level sets, for the plan subcommand's preview output.
func planOnly(models []*crabwalk.Model, known map[string]bool) ([][]string, error) {
	g, err := graph.New(models, known)
	if err != nil {
		return nil, err
	}
	plan, err := graph.Schedule(g)
	if err != nil {
		return nil, err
	}
	return plan.Levels(), nil
}

// RunCmd schedules and executes every model under Directory, per spec.md
// §6's CLI contract table.
type RunCmd struct {
	Directory             string `arg:"" help:"Root to scan for .sql files" type:"path"`
	DBPath                string `help:"Embedded-database file path" default:":memory:"`
	DefaultSchema         string `help:"Schema applied when a model omits one" default:"main"`
	DefaultOutputType     string `help:"Global default output kind" default:"table" enum:"table,view,parquet,csv,json"`
	DefaultOutputLocation string `help:"Directory prefix for file outputs" default:"./output"`
	CyclePolicy           string `help:"strict or tolerant" default:"strict" enum:"strict,tolerant"`
	DryRun                bool   `help:"Compute the plan but do not execute"`
	PerFile               bool   `help:"Execute every model in name order, bypassing dependency planning"`
}

// PlanCmd prints the scheduled order without touching the database.
type PlanCmd struct {
	Directory string `arg:"" help:"Root to scan for .sql files" type:"path"`
}

func (r *RunCmd) Run(appCtx *Context) error {
	runID := uuid.NewString()

	fileCfg, err := crabwalk.LoadConfig(appCtx.Config)
	if err != nil {
		return err
	}
	opts := fileCfg.ToRunOptions()
	applyRunFlags(&opts, r)

	defaultOutput := defaultOutputSpec(opts)

	reg, err := registry.Build(opts.Directory, defaultOutput)
	if err != nil {
		return err
	}
	for _, w := range reg.Warnings() {
		color.Yellow("warning: %s", w)
	}

	e, err := engine.Open(opts.DBPath)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	summary, err := engine.Run(ctx, e, reg, opts)
	if err != nil {
		return err
	}
	summary.RunID = runID

	printSummary(summary)

	if len(summary.Cancelled) > 0 {
		return errCancelled
	}
	if len(summary.Failed) > 0 {
		return errAnyFailed
	}
	return nil
}

func (p *PlanCmd) Run(appCtx *Context) error {
	fileCfg, err := crabwalk.LoadConfig(appCtx.Config)
	if err != nil {
		return err
	}
	opts := fileCfg.ToRunOptions()
	opts.Directory = p.Directory

	reg, err := registry.Build(opts.Directory, defaultOutputSpec(opts))
	if err != nil {
		return err
	}

	known := reg.Names()
	models := reg.All()
	plan, err := planOnly(models, known)
	if err != nil {
		return err
	}
	for i, level := range plan {
		color.Cyan("level %d:", i)
		for _, name := range level {
			fmt.Printf("  %s\n", name)
		}
	}
	return nil
}

func applyRunFlags(opts *crabwalk.RunOptions, r *RunCmd) {
	opts.Directory = r.Directory
	opts.DBPath = r.DBPath
	opts.DefaultSchema = r.DefaultSchema
	opts.DefaultOutputType = crabwalk.OutputKind(r.DefaultOutputType)
	opts.DefaultOutputLocation = r.DefaultOutputLocation
	opts.CyclePolicy = crabwalk.CyclePolicy(r.CyclePolicy)
	opts.DryRun = r.DryRun
	opts.PerFile = r.PerFile
}

func defaultOutputSpec(opts crabwalk.RunOptions) crabwalk.OutputSpec {
	kind := opts.DefaultOutputType
	switch kind {
	case crabwalk.OutputTable, crabwalk.OutputView:
		return crabwalk.OutputSpec{Kind: kind, Schema: opts.DefaultSchema}
	default:
		// parquet/csv/json select the File kind with the matching format.
		return crabwalk.OutputSpec{
			Kind:     crabwalk.OutputFile,
			Format:   crabwalk.FileFormat(kind),
			Location: opts.DefaultOutputLocation + "/{table_name}." + string(kind),
		}
	}
}

func printSummary(s *engine.RunSummary) {
	fmt.Printf("run %s\n", s.RunID)
	for _, name := range s.Ok {
		color.Green("  ok       %s", name)
	}
	for name, reason := range s.Skipped {
		color.Yellow("  skipped  %s (%s)", name, reason)
	}
	for name, err := range s.Failed {
		color.Red("  failed   %s: %v", name, err)
	}
	for _, name := range s.Cancelled {
		color.Yellow("  cancelled %s", name)
	}
}

var (
	errAnyFailed = errors.New("one or more models failed")
	errCancelled = errors.New("run cancelled")
)

// classify maps a top-level error to the exit code spec.md §6 mandates:
// 0 all Ok, 1 any Failed, 2 planning error, 3 configuration error,
// 130 cancelled.
func classify(err error) int {
	switch {
	case errors.Is(err, errCancelled):
		return 130
	case errors.Is(err, errAnyFailed):
		return 1
	}

	var cycleErr *crabwalk.CycleError
	var dupErr *crabwalk.DuplicateModelError
	var collErr *crabwalk.OutputCollisionError
	if errors.As(err, &cycleErr) || errors.As(err, &dupErr) || errors.As(err, &collErr) {
		return 2
	}

	var parseErr *crabwalk.SqlParseError
	var modelErr *crabwalk.ModelError
	if errors.As(err, &parseErr) || errors.As(err, &modelErr) {
		return 3
	}

	return 3
}
