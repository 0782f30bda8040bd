package graph

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/definite-app/crabwalk"
)

func model(name string, deps ...string) *crabwalk.Model {
	return &crabwalk.Model{Name: name, DeclaredRefs: deps}
}

func knownFrom(models ...*crabwalk.Model) map[string]bool {
	known := map[string]bool{}
	for _, m := range models {
		known[m.Name] = true
	}
	return known
}

func TestSchedule_LinearChain(t *testing.T) {
	models := []*crabwalk.Model{
		model("a"),
		model("b", "a"),
		model("c", "b"),
	}
	g, err := New(models, knownFrom(models...))
	require.NoError(t, err)

	plan, err := Schedule(g)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, plan.Order)
}

func TestSchedule_TwoStagingTwoMart(t *testing.T) {
	models := []*crabwalk.Model{
		model("stg_customers"),
		model("stg_orders"),
		model("customer_orders", "stg_customers", "stg_orders"),
		model("order_summary", "stg_orders"),
	}
	g, err := New(models, knownFrom(models...))
	require.NoError(t, err)

	plan, err := Schedule(g)
	require.NoError(t, err)
	assert.Equal(t, []string{"stg_customers", "stg_orders", "customer_orders", "order_summary"}, plan.Order)
}

func TestSchedule_LexicographicTieBreak(t *testing.T) {
	models := []*crabwalk.Model{
		model("z"),
		model("a"),
		model("m"),
	}
	g, err := New(models, knownFrom(models...))
	require.NoError(t, err)

	plan, err := Schedule(g)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "m", "z"}, plan.Order)
}

func TestSchedule_Deterministic(t *testing.T) {
	models := []*crabwalk.Model{
		model("a"),
		model("b", "a"),
		model("c", "a"),
		model("d", "b", "c"),
	}
	known := knownFrom(models...)

	g1, err := New(models, known)
	require.NoError(t, err)
	plan1, err := Schedule(g1)
	require.NoError(t, err)

	g2, err := New(models, known)
	require.NoError(t, err)
	plan2, err := Schedule(g2)
	require.NoError(t, err)

	assert.Equal(t, plan1.Order, plan2.Order)
}

func TestNew_SelfReferenceIsImmediateCycle(t *testing.T) {
	models := []*crabwalk.Model{model("a", "a")}
	_, err := New(models, knownFrom(models...))
	var cycleErr *crabwalk.CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, []string{"a"}, cycleErr.Cycle)
}

func TestSchedule_CycleUnderStrictPolicy(t *testing.T) {
	models := []*crabwalk.Model{
		model("a", "b"),
		model("b", "c"),
		model("c", "a"),
	}
	g, err := New(models, knownFrom(models...))
	require.NoError(t, err)

	_, err = Schedule(g)
	var cycleErr *crabwalk.CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, cycleErr.Cycle)
}

func TestGraph_BreakRemovesLexicographicallyLatestHead(t *testing.T) {
	models := []*crabwalk.Model{
		model("a", "b"),
		model("b", "c"),
		model("c", "a"),
	}
	g, err := New(models, knownFrom(models...))
	require.NoError(t, err)

	cycles := g.Cycles()
	require.Len(t, cycles, 1)

	// Among edges a->b, b->c, c->a, the head names are b, c, a; "c" sorts
	// latest, so the edge b->c is the one removed.
	broken := g.Break(cycles)
	assert.Equal(t, []string{"b"}, broken)

	plan, err := Schedule(g)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "c"}, plan.Order)
}

// TestPlan_LevelsMatchesExactStructureViaCmpDiff uses go-cmp instead of
// testify's reflect-based equality, since a mismatched Levels() nesting is
// easier to diagnose from a structural diff than a flat ElementsMatch
// failure.
func TestPlan_LevelsMatchesExactStructureViaCmpDiff(t *testing.T) {
	models := []*crabwalk.Model{
		model("stg_customers"),
		model("stg_orders"),
		model("customer_orders", "stg_customers", "stg_orders"),
	}
	g, err := New(models, knownFrom(models...))
	require.NoError(t, err)

	plan, err := Schedule(g)
	require.NoError(t, err)

	want := [][]string{
		{"stg_customers", "stg_orders"},
		{"customer_orders"},
	}
	if diff := cmp.Diff(want, plan.Levels()); diff != "" {
		t.Errorf("plan levels mismatch (-want +got):\n%s", diff)
	}
}

func TestPlan_LevelsGroupIndependentSubgraphs(t *testing.T) {
	models := []*crabwalk.Model{
		model("a"),
		model("b"),
		model("c", "a", "b"),
	}
	g, err := New(models, knownFrom(models...))
	require.NoError(t, err)

	plan, err := Schedule(g)
	require.NoError(t, err)
	levels := plan.Levels()
	require.Len(t, levels, 2)
	assert.Equal(t, []string{"a", "b"}, levels[0])
	assert.Equal(t, []string{"c"}, levels[1])
}
