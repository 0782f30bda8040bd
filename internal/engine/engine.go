// Package engine owns the single connection to the embedded database and
// turns a scheduled plan into materializations against it.
//
// Grounded on leapsql's internal/engine/engine.go for the lazy-connect /
// single-mutex-owner connection lifecycle (dbMu sync.Mutex, db opened on
// first use, not at construction), generalized from its adapter
// abstraction down to a direct database/sql handle over
// marcboeker/go-duckdb, since this spec only ever targets one dialect.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/definite-app/crabwalk"
	"github.com/definite-app/crabwalk/internal/graph"
	"github.com/definite-app/crabwalk/internal/registry"
)

var envPlaceholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// Engine owns the database connection for the duration of one run. No
// other component may issue queries against it concurrently (spec.md §5
// shared-resource policy).
type Engine struct {
	db             *sql.DB
	dialect        crabwalk.Dialect
	mu             sync.Mutex
	ensuredSchemas map[string]bool
}

// Open connects to dbPath (":memory:" for an in-memory database) using
// the DuckDB driver, per SPEC_FULL.md §1.
func Open(dbPath string) (*Engine, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}
	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", crabwalk.ErrExec, err)
	}
	return &Engine{db: db, dialect: crabwalk.DialectDuckDB, ensuredSchemas: map[string]bool{}}, nil
}

// Close releases the underlying connection.
func (e *Engine) Close() error { return e.db.Close() }

// EnsureSchema runs CREATE SCHEMA IF NOT EXISTS for schema, a no-op when
// schema is empty.
func (e *Engine) EnsureSchema(ctx context.Context, schema string) error {
	if schema == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ensureSchemaLocked(ctx, schema)
}

// ensureSchemaLocked issues CREATE SCHEMA IF NOT EXISTS for schema, with
// e.mu already held. Callers must hold the lock.
func (e *Engine) ensureSchemaLocked(ctx context.Context, schema string) error {
	_, err := e.db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdent(schema)))
	if err != nil {
		return fmt.Errorf("%w: %s", crabwalk.ErrExec, err)
	}
	return nil
}

// ensureSchemaOnce runs ensureSchemaLocked for schema at most once per
// Engine lifetime, tracked in e.ensuredSchemas, so every distinct schema a
// model resolves to (default or per-model override, spec.md §4.5
// pre-execution step 2) exists before its first CREATE, without
// re-issuing CREATE SCHEMA IF NOT EXISTS on every subsequent model that
// happens to share it.
func (e *Engine) ensureSchemaOnce(ctx context.Context, schema string) error {
	if schema == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ensuredSchemas[schema] {
		return nil
	}
	if err := e.ensureSchemaLocked(ctx, schema); err != nil {
		return err
	}
	e.ensuredSchemas[schema] = true
	return nil
}

// RunSummary aggregates terminal statuses across one run, per spec.md
// §4.6: counts and names per status, plus each failed model's first
// error detail.
type RunSummary struct {
	RunID     string
	Ok        []string
	Failed    map[string]error
	Skipped   map[string]crabwalk.SkipReason
	Cancelled []string
}

func newRunSummary() *RunSummary {
	return &RunSummary{
		Failed:  map[string]error{},
		Skipped: map[string]crabwalk.SkipReason{},
	}
}

// Run executes reg's models in plan order (or, when opts.PerFile is set,
// in lexicographic filename order bypassing planning entirely), applying
// the fail-fast-with-dependents policy (P9) and checking ctx between
// models for cooperative cancellation.
func Run(ctx context.Context, e *Engine, reg *registry.Registry, opts crabwalk.RunOptions) (*RunSummary, error) {
	summary := newRunSummary()

	if opts.PerFile {
		return runPerFile(ctx, e, reg, opts, summary)
	}

	known := reg.Names()
	models := reg.All()
	g, err := graph.New(models, known)
	if err != nil {
		return nil, err
	}

	if opts.CyclePolicy == crabwalk.CycleBreak {
		if cycles := g.Cycles(); len(cycles) > 0 {
			for _, u := range g.Break(cycles) {
				summary.Skipped[u] = crabwalk.SkipCycleBroken
			}
		}
	}

	plan, err := graph.Schedule(g)
	if err != nil {
		return nil, err
	}

	failed := map[string]bool{}
	for name, reason := range summary.Skipped {
		if reason == crabwalk.SkipCycleBroken {
			failed[name] = true // treat as unavailable for downstream dependents too
		}
	}

	for _, name := range plan.Order {
		if _, alreadySkipped := summary.Skipped[name]; alreadySkipped {
			continue
		}

		if err := ctx.Err(); err != nil {
			summary.Cancelled = append(summary.Cancelled, name)
			continue
		}

		m, _ := reg.Get(name)
		if dependsOnFailed(m, known, failed) {
			summary.Skipped[name] = crabwalk.SkipAncestorFailed
			failed[name] = true
			continue
		}

		if err := e.execute(ctx, m, opts, newEnvResolver()); err != nil {
			summary.Failed[name] = err
			failed[name] = true
			continue
		}
		summary.Ok = append(summary.Ok, name)
	}

	return summary, nil
}

func dependsOnFailed(m *crabwalk.Model, known, failed map[string]bool) bool {
	for _, dep := range m.EffectiveDeps(known) {
		if failed[dep] {
			return true
		}
	}
	return false
}

// runPerFile implements the --per-file bypass mode (SPEC_FULL.md §5):
// skip graph/plan construction, execute in lexicographic filename order,
// and let each model succeed or fail independent of its declared
// dependencies actually having run.
func runPerFile(ctx context.Context, e *Engine, reg *registry.Registry, opts crabwalk.RunOptions, summary *RunSummary) (*RunSummary, error) {
	models := reg.All()
	names := make([]string, len(models))
	byName := map[string]*crabwalk.Model{}
	for i, m := range models {
		names[i] = m.Name
		byName[m.Name] = m
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			summary.Cancelled = append(summary.Cancelled, name)
			continue
		}
		if err := e.execute(ctx, byName[name], opts, newEnvResolver()); err != nil {
			summary.Failed[name] = err
			continue
		}
		summary.Ok = append(summary.Ok, name)
	}
	return summary, nil
}

// envResolver resolves ${NAME} / ${NAME:-default} placeholders against
// the live process environment, failing on a required-but-unset name.
type envResolver struct{}

func newEnvResolver() *envResolver { return &envResolver{} }

func (r *envResolver) resolve(model string, sqlText string) (string, error) {
	var firstErr error
	resolved := envPlaceholderPattern.ReplaceAllStringFunc(sqlText, func(match string) string {
		groups := envPlaceholderPattern.FindStringSubmatch(match)
		name := groups[1]
		hasDefault := groups[2] != ""
		def := groups[3]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if hasDefault {
			return def
		}
		if firstErr == nil {
			firstErr = &crabwalk.EnvVarError{Model: model, Name: name}
		}
		return ""
	})
	if firstErr != nil {
		return "", firstErr
	}
	return resolved, nil
}

// execute materializes one model against e, per spec.md §4.5.
func (e *Engine) execute(ctx context.Context, m *crabwalk.Model, opts crabwalk.RunOptions, resolver *envResolver) error {
	sqlText, err := resolver.resolve(m.Name, m.SourceSQL)
	if err != nil {
		return crabwalk.NewModelError(m.Name, crabwalk.PhaseExecute, err)
	}

	schema := m.Config.Schema
	if schema == "" {
		schema = opts.DefaultSchema
	}

	if opts.DryRun {
		return nil
	}

	if err := e.ensureSchemaOnce(ctx, schema); err != nil {
		return crabwalk.NewModelError(m.Name, crabwalk.PhaseExecute, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch m.Config.Kind {
	case crabwalk.OutputTable:
		qualified := qualify(schema, m.Name)
		stmt := fmt.Sprintf("CREATE OR REPLACE TABLE %s AS (%s)", qualified, sqlText)
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return crabwalk.NewModelError(m.Name, crabwalk.PhaseExecute, fmt.Errorf("%w: %s", crabwalk.ErrExec, err))
		}
		return nil
	case crabwalk.OutputView:
		qualified := qualify(schema, m.Name)
		stmt := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS (%s)", qualified, sqlText)
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return crabwalk.NewModelError(m.Name, crabwalk.PhaseExecute, fmt.Errorf("%w: %s", crabwalk.ErrExec, err))
		}
		return nil
	case crabwalk.OutputFile:
		return e.executeFile(ctx, m, sqlText)
	default:
		return crabwalk.NewModelError(m.Name, crabwalk.PhaseExecute, fmt.Errorf("%w: unknown output kind %q", crabwalk.ErrExec, m.Config.Kind))
	}
}

func (e *Engine) executeFile(ctx context.Context, m *crabwalk.Model, sqlText string) error {
	location := strings.ReplaceAll(m.Config.Location, "{table_name}", m.Name)
	if err := os.MkdirAll(filepath.Dir(location), 0o755); err != nil {
		return crabwalk.NewModelError(m.Name, crabwalk.PhaseExecute, fmt.Errorf("%w: %s", crabwalk.ErrIO, err))
	}

	format := strings.ToUpper(string(m.Config.Format))

	if e.dialect.Supports(crabwalk.FeatureDirectCopy) {
		stmt := fmt.Sprintf("COPY (%s) TO '%s' (FORMAT %s)", sqlText, location, format)
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return crabwalk.NewModelError(m.Name, crabwalk.PhaseExecute, fmt.Errorf("%w: %s", crabwalk.ErrExec, err))
		}
		return nil
	}
	return e.copyViaTempTable(ctx, m, sqlText, location, format)
}

// copyViaTempTable is the fallback path for a dialect lacking
// FeatureDirectCopy (spec.md §9 Open Question 2): materialize into a
// temporary table first, then COPY that table to the target file. DuckDB
// always reports FeatureDirectCopy, so this path is never exercised in
// practice; it exists so the capability flag has somewhere to route to.
func (e *Engine) copyViaTempTable(ctx context.Context, m *crabwalk.Model, sqlText, location, format string) error {
	tmp := "__crabwalk_tmp_" + m.Name
	if _, err := e.db.ExecContext(ctx, fmt.Sprintf("CREATE OR REPLACE TEMP TABLE %s AS (%s)", quoteIdent(tmp), sqlText)); err != nil {
		return crabwalk.NewModelError(m.Name, crabwalk.PhaseExecute, fmt.Errorf("%w: %s", crabwalk.ErrExec, err))
	}
	defer e.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(tmp)))

	stmt := fmt.Sprintf("COPY %s TO '%s' (FORMAT %s)", quoteIdent(tmp), location, format)
	if _, err := e.db.ExecContext(ctx, stmt); err != nil {
		return crabwalk.NewModelError(m.Name, crabwalk.PhaseExecute, fmt.Errorf("%w: %s", crabwalk.ErrExec, err))
	}
	return nil
}

func qualify(schema, name string) string {
	if schema == "" {
		return quoteIdent(name)
	}
	return quoteIdent(schema) + "." + quoteIdent(name)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
