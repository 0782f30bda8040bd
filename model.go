// Package crabwalk holds the shared data model (models, output specs, run
// state) that every subsystem under internal/ operates on, plus the
// sentinel error taxonomy and dialect capability table.
package crabwalk

import "sort"

// OutputKind names how a model's result is materialized.
type OutputKind string

const (
	OutputTable OutputKind = "table"
	OutputView  OutputKind = "view"
	OutputFile  OutputKind = "file"
)

// FileFormat names the on-disk format for a File output.
type FileFormat string

const (
	FormatParquet FileFormat = "parquet"
	FormatCSV     FileFormat = "csv"
	FormatJSON    FileFormat = "json"
)

// OutputSpec describes how a model's SELECT is materialized. Table and
// View carry an optional schema override; File carries a format and a
// location template. The registry substitutes the {table_name} token only
// into the global default location; a location taken from a
// "-- @config:" annotation keeps the token, and the engine substitutes it
// with the model name when it writes the file.
type OutputSpec struct {
	Kind     OutputKind
	Schema   string // resolved schema name, "" means "use the default"
	Format   FileFormat
	Location string // only meaningful when Kind == OutputFile; may still contain {table_name}
}

// EnvPlaceholder is a ${NAME} or ${NAME:-default} reference found in a
// model's SQL text, returned unevaluated by the config extractor so the
// engine can resolve it against the live process environment.
type EnvPlaceholder struct {
	Name       string
	Default    string
	HasDefault bool
}

// StatusKind enumerates the terminal and non-terminal states a Model
// passes through during a run. Transitions are strictly forward:
// Pending -> Running -> {Ok, Failed, Skipped}.
type StatusKind int

const (
	StatusPending StatusKind = iota
	StatusRunning
	StatusOk
	StatusFailed
	StatusSkipped
)

func (s StatusKind) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusRunning:
		return "Running"
	case StatusOk:
		return "Ok"
	case StatusFailed:
		return "Failed"
	case StatusSkipped:
		return "Skipped"
	default:
		return "Unknown"
	}
}

// SkipReason explains why a model was skipped rather than executed.
type SkipReason string

const (
	SkipAncestorFailed SkipReason = "AncestorFailed"
	SkipCycleBroken    SkipReason = "CycleBroken"
	SkipCancelled      SkipReason = "Cancelled"
)

// Status is a Model's current position in its lifecycle. Err is set only
// when Kind == StatusFailed; Reason is set only when Kind == StatusSkipped.
type Status struct {
	Kind   StatusKind
	Reason SkipReason
	Err    error
}

// Model is the unit of work: one SQL file producing one named relation.
// Name is derived from the file stem and is stable for the run; Config
// and InferredRefs are computed once at registration and never mutated.
type Model struct {
	Name         string
	SourcePath   string
	SourceSQL    string
	Config       OutputSpec
	EnvRefs      []EnvPlaceholder
	DeclaredRefs []string // from "-- @depends_on: ..." annotations
	InferredRefs []string          // from static SQL analysis, includes unknown names
	RawRefs      map[string]string // InferredRefs tail -> full dotted source form, e.g. "orders" -> "analytics.orders"

	Status Status
}

// EffectiveDeps returns declared_refs ∪ (inferred_refs ∩ known), where
// known is the set of registered model names. Unknown references (base
// tables, CSV-loaded relations) are preserved on InferredRefs for
// diagnostics but contribute no graph edge.
func (m *Model) EffectiveDeps(known map[string]bool) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}
	for _, r := range m.DeclaredRefs {
		add(r)
	}
	for _, r := range m.InferredRefs {
		if known[r] {
			add(r)
		}
	}
	sort.Strings(out)
	return out
}

// UnknownRefs returns the subset of InferredRefs that do not resolve to a
// known model name, for UnknownReferenceWarning diagnostics. A reference
// that appeared in a schema-qualified form is reported in that full form
// (e.g. "analytics.orders"), not just the bare tail used for matching.
func (m *Model) UnknownRefs(known map[string]bool) []string {
	var out []string
	for _, r := range m.InferredRefs {
		if known[r] {
			continue
		}
		if full, ok := m.RawRefs[r]; ok {
			out = append(out, full)
		} else {
			out = append(out, r)
		}
	}
	return out
}
