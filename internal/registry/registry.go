// Package registry discovers .sql files under a directory, turns each
// into a crabwalk.Model via internal/configextractor and internal/sqlref,
// and indexes the result by model name.
//
// Grounded on leapsql's internal/registry/registry.go (byPath/byName maps,
// ResolveDependencies splitting known deps from external sources) and its
// internal/parser/parser.go Scanner.ScanDir walk (skip hidden/non-.sql
// files), adapted here to reject symlinks outright per spec.md §4.3
// rather than follow them.
package registry

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/definite-app/crabwalk"
	"github.com/definite-app/crabwalk/internal/configextractor"
	"github.com/definite-app/crabwalk/internal/sqlref"
)

// Registry indexes every discovered model by name.
type Registry struct {
	models   map[string]*crabwalk.Model
	order    []string // discovery order, for stable diagnostics
	warnings []string
}

// Build walks dir recursively, registers every *.sql file as a model, and
// resolves each model's declared and inferred dependencies. defaultOutput
// supplies the output kind/schema/location applied when a file carries no
// "-- @config:" annotation.
func Build(dir string, defaultOutput crabwalk.OutputSpec) (*Registry, error) {
	paths, err := discover(dir)
	if err != nil {
		return nil, err
	}

	reg := &Registry{models: map[string]*crabwalk.Model{}}
	byName := map[string][]string{} // name -> all paths that produced it, for duplicate detection

	for _, path := range paths {
		name := modelName(path)
		byName[name] = append(byName[name], path)

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, crabwalk.NewModelError(name, crabwalk.PhaseParse, fmt.Errorf("%w: %s", crabwalk.ErrIO, err))
		}
		sourceSQL := string(data)

		refs, rawRefs, err := sqlref.Extract(sourceSQL)
		if err != nil {
			pos := -1
			if perr, ok := err.(*sqlref.ParseError); ok {
				pos = perr.Offset
			}
			return nil, &crabwalk.SqlParseError{Model: name, Position: pos, Detail: err.Error()}
		}

		cfg, err := configextractor.Extract(name, sourceSQL, resolveLocation(defaultOutput, name))
		if err != nil {
			return nil, err
		}
		reg.warnings = append(reg.warnings, prefixWarnings(name, cfg.Warnings)...)

		model := &crabwalk.Model{
			Name:         name,
			SourcePath:   path,
			SourceSQL:    sourceSQL,
			Config:       cfg.Output,
			EnvRefs:      cfg.EnvRefs,
			DeclaredRefs: cfg.DependsOn,
			InferredRefs: refs,
			RawRefs:      rawRefs,
		}

		reg.models[name] = model
		reg.order = append(reg.order, name)
	}

	for name, paths := range byName {
		if len(paths) > 1 {
			return nil, &crabwalk.DuplicateModelError{Name: name, Paths: paths}
		}
	}

	if err := reg.checkOutputCollisions(); err != nil {
		return nil, err
	}

	return reg, nil
}

func prefixWarnings(model string, warnings []string) []string {
	out := make([]string, len(warnings))
	for i, w := range warnings {
		out[i] = model + ": " + w
	}
	return out
}

// resolveLocation substitutes {table_name} into the global default file
// location template, so a model with no annotation still gets a concrete
// per-model location when the default output kind is a file format.
func resolveLocation(defaultOutput crabwalk.OutputSpec, name string) crabwalk.OutputSpec {
	out := defaultOutput
	if out.Location != "" {
		out.Location = strings.ReplaceAll(out.Location, "{table_name}", name)
	}
	return out
}

// checkOutputCollisions implements P7: two models resolving to the same
// file location is an OutputCollisionError raised at build time.
func (r *Registry) checkOutputCollisions() error {
	byLocation := map[string][]string{}
	for _, name := range r.order {
		m := r.models[name]
		if m.Config.Kind != crabwalk.OutputFile || m.Config.Location == "" {
			continue
		}
		loc := strings.ReplaceAll(m.Config.Location, "{table_name}", m.Name)
		byLocation[loc] = append(byLocation[loc], m.Name)
	}
	var locations []string
	for loc := range byLocation {
		locations = append(locations, loc)
	}
	sort.Strings(locations)
	for _, loc := range locations {
		models := byLocation[loc]
		if len(models) > 1 {
			sort.Strings(models)
			return &crabwalk.OutputCollisionError{Location: loc, Models: models}
		}
	}
	return nil
}

// discover walks dir recursively collecting *.sql file paths in
// lexicographic order, following spec.md §4.3's "symlinks disallowed"
// rule: any symlink encountered (to a file or a directory) is rejected.
func discover(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return crabwalk.ErrSymlinkNotAllowed
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != dir {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if strings.EqualFold(filepath.Ext(d.Name()), ".sql") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, crabwalk.NewModelError("", crabwalk.PhaseParse, fmt.Errorf("%w: %w", crabwalk.ErrIO, err))
	}
	sort.Strings(paths)
	return paths, nil
}

func modelName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Get looks up a model by name.
func (r *Registry) Get(name string) (*crabwalk.Model, bool) {
	m, ok := r.models[name]
	return m, ok
}

// All returns every registered model, in discovery order.
func (r *Registry) All() []*crabwalk.Model {
	out := make([]*crabwalk.Model, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.models[name])
	}
	return out
}

// Names returns the set of all registered model names.
func (r *Registry) Names() map[string]bool {
	out := make(map[string]bool, len(r.models))
	for name := range r.models {
		out[name] = true
	}
	return out
}

// Warnings returns non-fatal issues accumulated while building the
// registry (e.g. an ignored second @config annotation).
func (r *Registry) Warnings() []string { return r.warnings }

// Len returns the number of registered models.
func (r *Registry) Len() int { return len(r.models) }
