package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/definite-app/crabwalk"
	"github.com/definite-app/crabwalk/internal/registry"
)

func writeFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644))
}

func defaultOutput() crabwalk.OutputSpec {
	return crabwalk.OutputSpec{Kind: crabwalk.OutputTable, Schema: "main"}
}

// TestRun_TwoStagingTwoMart mirrors spec.md §8's first worked example:
// two staging models, a joined view, and a Parquet export.
func TestRun_TwoStagingTwoMart(t *testing.T) {
	dir := t.TempDir()
	outDir := filepath.Join(dir, "out")
	writeFile(t, dir, "stg_customers.sql", "SELECT 1 AS customer_id")
	writeFile(t, dir, "stg_orders.sql", "SELECT 1 AS customer_id, 10 AS amount")
	writeFile(t, dir, "customer_orders.sql", `-- @config: {output:{type:"view"}}
SELECT * FROM stg_customers c JOIN stg_orders o ON c.customer_id=o.customer_id`)
	writeFile(t, dir, "order_summary.sql", `-- @config: {output:{type:"parquet", location:"`+outDir+`/{table_name}.parquet"}}
SELECT customer_id, SUM(amount) AS total FROM stg_orders GROUP BY customer_id`)

	reg, err := registry.Build(dir, defaultOutput())
	require.NoError(t, err)

	e, err := Open(":memory:")
	require.NoError(t, err)
	defer e.Close()

	summary, err := Run(context.Background(), e, reg, crabwalk.RunOptions{DefaultSchema: "main"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"stg_customers", "stg_orders", "customer_orders", "order_summary"}, summary.Ok)
	assert.Empty(t, summary.Failed)
	assert.FileExists(t, filepath.Join(outDir, "order_summary.parquet"))
}

// TestRun_CTEShadowsRealTable covers a CTE whose name coincides with a
// real registered model; the CTE must mask the model inside its own
// query, per P3.
func TestRun_CTEShadowsRealTable(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "orders.sql", "SELECT 1 AS id")
	writeFile(t, dir, "report.sql", `WITH orders AS (SELECT 2 AS id)
SELECT * FROM orders`)

	reg, err := registry.Build(dir, defaultOutput())
	require.NoError(t, err)

	report, _ := reg.Get("report")
	assert.Empty(t, report.EffectiveDeps(reg.Names()))

	e, err := Open(":memory:")
	require.NoError(t, err)
	defer e.Close()

	summary, err := Run(context.Background(), e, reg, crabwalk.RunOptions{DefaultSchema: "main"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"orders", "report"}, summary.Ok)
}

// TestRun_CycleUnderStrictPolicyAbortsWithoutExecuting covers P6.
func TestRun_CycleUnderStrictPolicyAbortsWithoutExecuting(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.sql", `-- @depends_on: b
SELECT 1`)
	writeFile(t, dir, "b.sql", `-- @depends_on: a
SELECT 1`)

	reg, err := registry.Build(dir, defaultOutput())
	require.NoError(t, err)

	e, err := Open(":memory:")
	require.NoError(t, err)
	defer e.Close()

	summary, err := Run(context.Background(), e, reg, crabwalk.RunOptions{DefaultSchema: "main", CyclePolicy: crabwalk.CycleStrict})
	require.Error(t, err)
	assert.Nil(t, summary)
	var cycleErr *crabwalk.CycleError
	assert.ErrorAs(t, err, &cycleErr)
}

// TestRun_FailureContainment covers P9: a failing model's dependents are
// skipped, but independent subgraphs still run.
func TestRun_FailureContainment(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.sql", "SELECT * FROM nonexistent_base_table")
	writeFile(t, dir, "downstream.sql", `-- @depends_on: broken
SELECT 1`)
	writeFile(t, dir, "independent.sql", "SELECT 1")

	reg, err := registry.Build(dir, defaultOutput())
	require.NoError(t, err)

	e, err := Open(":memory:")
	require.NoError(t, err)
	defer e.Close()

	summary, err := Run(context.Background(), e, reg, crabwalk.RunOptions{DefaultSchema: "main"})
	require.NoError(t, err)

	assert.Contains(t, summary.Failed, "broken")
	assert.Equal(t, crabwalk.SkipAncestorFailed, summary.Skipped["downstream"])
	assert.Contains(t, summary.Ok, "independent")
}

// TestRun_EnvVarSubstitution covers the ${NAME} resolution round trip.
func TestRun_EnvVarSubstitution(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "region.sql", "SELECT '${REGION:-unknown}' AS region")
	t.Setenv("REGION", "eu-west-1")

	reg, err := registry.Build(dir, defaultOutput())
	require.NoError(t, err)

	e, err := Open(":memory:")
	require.NoError(t, err)
	defer e.Close()

	summary, err := Run(context.Background(), e, reg, crabwalk.RunOptions{DefaultSchema: "main"})
	require.NoError(t, err)
	assert.Contains(t, summary.Ok, "region")

	row := e.db.QueryRow(`SELECT region FROM main.region`)
	var got string
	require.NoError(t, row.Scan(&got))
	assert.Equal(t, "eu-west-1", got)
}

// TestRun_EnvVarMissingRequiredFails covers EnvVarError.
func TestRun_EnvVarMissingRequiredFails(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "needs_var.sql", "SELECT '${DEFINITELY_UNSET_VAR}' AS x")

	reg, err := registry.Build(dir, defaultOutput())
	require.NoError(t, err)

	e, err := Open(":memory:")
	require.NoError(t, err)
	defer e.Close()

	summary, err := Run(context.Background(), e, reg, crabwalk.RunOptions{DefaultSchema: "main"})
	require.NoError(t, err)
	require.Contains(t, summary.Failed, "needs_var")
	var envErr *crabwalk.EnvVarError
	assert.ErrorAs(t, summary.Failed["needs_var"], &envErr)
}

// TestRun_FileOutputCollisionDetectedAtBuildTime covers P7.
func TestRun_FileOutputCollisionDetectedAtBuildTime(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.sql", `-- @config: {output:{type:"csv", location:"./out/same.csv"}}
SELECT 1`)
	writeFile(t, dir, "b.sql", `-- @config: {output:{type:"csv", location:"./out/same.csv"}}
SELECT 2`)

	_, err := registry.Build(dir, defaultOutput())
	var collErr *crabwalk.OutputCollisionError
	require.ErrorAs(t, err, &collErr)
}

func TestRun_CancellationHaltsBeforeNextModel(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.sql", "SELECT 1")
	writeFile(t, dir, "b.sql", `-- @depends_on: a
SELECT 1`)

	reg, err := registry.Build(dir, defaultOutput())
	require.NoError(t, err)

	e, err := Open(":memory:")
	require.NoError(t, err)
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := Run(ctx, e, reg, crabwalk.RunOptions{DefaultSchema: "main"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, summary.Cancelled)
	assert.Empty(t, summary.Ok)
}

// TestRun_PerModelSchemaOverrideEnsuresTargetSchema covers spec.md §4.5
// pre-execution step 2: a model whose output.schema names a schema other
// than the run's default must have that schema created before its
// CREATE, not just the default schema.
func TestRun_PerModelSchemaOverrideEnsuresTargetSchema(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.sql", `-- @config: {output:{type:"table", schema:"alt"}}
SELECT 1 AS x`)

	reg, err := registry.Build(dir, defaultOutput())
	require.NoError(t, err)

	e, err := Open(":memory:")
	require.NoError(t, err)
	defer e.Close()

	summary, err := Run(context.Background(), e, reg, crabwalk.RunOptions{DefaultSchema: "main"})
	require.NoError(t, err)
	assert.Contains(t, summary.Ok, "a")

	row := e.db.QueryRow(`SELECT x FROM alt.a`)
	var got int
	require.NoError(t, row.Scan(&got))
	assert.Equal(t, 1, got)
}

func TestRun_PerFileModeIgnoresDependencyFailures(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "z_dependent.sql", `-- @depends_on: a_broken
SELECT 1`)
	writeFile(t, dir, "a_broken.sql", "SELECT * FROM nonexistent")

	reg, err := registry.Build(dir, defaultOutput())
	require.NoError(t, err)

	e, err := Open(":memory:")
	require.NoError(t, err)
	defer e.Close()

	summary, err := Run(context.Background(), e, reg, crabwalk.RunOptions{DefaultSchema: "main", PerFile: true})
	require.NoError(t, err)
	assert.Contains(t, summary.Failed, "a_broken")
	assert.Contains(t, summary.Ok, "z_dependent")
}
