package crabwalk

// Dialect names the embedded analytical database crabwalk drives. The
// reference implementation only ever connects to DuckDB; this type exists
// so the engine's capability checks read the same way the rest of the
// pack expresses dialect-specific behavior.
type Dialect string

const (
	DialectDuckDB Dialect = "duckdb"
)

// Feature names a capability that may or may not be available on a given
// connection, used to pick between an engine's primary and fallback
// strategy for a materialization without surfacing the choice to the
// model author.
type Feature int

const (
	// FeatureDirectCopy indicates COPY (<query>) TO '<path>' (FORMAT ...)
	// is supported directly; when absent the engine falls back to
	// materializing through a temporary table first.
	FeatureDirectCopy Feature = iota + 1
	// FeatureCreateOrReplace indicates CREATE OR REPLACE TABLE/VIEW is
	// supported. The engine does not consult it: table and view outputs
	// always use CREATE OR REPLACE.
	FeatureCreateOrReplace
)

// Capabilities records which features each known dialect supports. DuckDB
// supports both; the table exists so a future second dialect only needs an
// entry here, not a branch at every call site.
var Capabilities = map[Dialect]map[Feature]bool{
	DialectDuckDB: {
		FeatureDirectCopy:      true,
		FeatureCreateOrReplace: true,
	},
}

// Supports reports whether dialect d has feature f, defaulting to false
// for unknown dialects or features.
func (d Dialect) Supports(f Feature) bool {
	return Capabilities[d][f]
}
