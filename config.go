package crabwalk

import (
	"fmt"
	"os"
	"regexp"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Config is crabwalk's on-disk configuration, loaded from an optional
// crabwalk.yaml. Every field has a sane default so the file itself is
// optional; CLI flags (see cmd/crabwalk) override whatever is loaded here.
type Config struct {
	Dialect               string   `yaml:"dialect"`
	Directory             string   `yaml:"directory"`
	DBPath                string   `yaml:"db_path"`
	DefaultSchema         string   `yaml:"default_schema"`
	DefaultOutputType     string   `yaml:"default_output_type"`
	DefaultOutputLocation string   `yaml:"default_output_location"`
	CyclePolicy           string   `yaml:"cycle_policy"`
	EnvFiles              []string `yaml:"env_files"`
}

// RunOptions is the resolved set of knobs a single run executes under,
// assembled from Config plus CLI overrides plus hardcoded defaults. It is
// the shape internal/engine actually consumes.
type RunOptions struct {
	Directory             string
	DBPath                string
	DefaultSchema         string
	DefaultOutputType     OutputKind
	DefaultOutputLocation string
	CyclePolicy           CyclePolicy
	DryRun                bool
	PerFile               bool
}

// CyclePolicy names how the scheduler handles a detected dependency cycle.
type CyclePolicy string

const (
	// CycleStrict fails the whole run with a CycleError (spec.md P6 default).
	CycleStrict CyclePolicy = "strict"
	// CycleBreak removes a deterministic minimum feedback-arc-set edge per
	// cycle and continues, marking the skipped edge's tail model Skipped.
	// Spelled "tolerant" at the CLI/config boundary (spec.md §6).
	CycleBreak CyclePolicy = "tolerant"
)

var configEnvPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// fileExists reports whether path names a regular, readable file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// LoadConfig loads crabwalk.yaml from configPath, applying defaults for any
// absent file or unset field. .env files are loaded via godotenv before
// this function returns so later ${NAME} substitution observes them,
// mirroring the teacher's loadEnvFiles-before-expandConfigEnvVars order.
func LoadConfig(configPath string) (*Config, error) {
	cfg := defaultConfig()

	if configPath == "" {
		configPath = "crabwalk.yaml"
	}
	if fileExists(configPath) {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, NewModelError("", PhaseParse, err)
		}
		if err := yaml.UnmarshalWithOptions(data, cfg, yaml.Strict()); err != nil {
			return nil, NewModelError("", PhaseParse, fmt.Errorf("%w: %s", ErrConfigParse, err))
		}
	}

	applyDefaults(cfg)
	loadEnvFiles(cfg.EnvFiles)

	cfg.Directory = expandEnvVars(cfg.Directory)
	cfg.DBPath = expandEnvVars(cfg.DBPath)
	cfg.DefaultOutputLocation = expandEnvVars(cfg.DefaultOutputLocation)

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Dialect:               string(DialectDuckDB),
		Directory:             "./models",
		DBPath:                "crabwalk.duckdb",
		DefaultSchema:         "main",
		DefaultOutputType:     string(OutputTable),
		DefaultOutputLocation: "./output",
		CyclePolicy:           string(CycleStrict),
		EnvFiles:              []string{".env"},
	}
}

func applyDefaults(cfg *Config) {
	defaults := defaultConfig()
	if cfg.Dialect == "" {
		cfg.Dialect = defaults.Dialect
	}
	if cfg.Directory == "" {
		cfg.Directory = defaults.Directory
	}
	if cfg.DBPath == "" {
		cfg.DBPath = defaults.DBPath
	}
	if cfg.DefaultSchema == "" {
		cfg.DefaultSchema = defaults.DefaultSchema
	}
	if cfg.DefaultOutputType == "" {
		cfg.DefaultOutputType = defaults.DefaultOutputType
	}
	if cfg.DefaultOutputLocation == "" {
		cfg.DefaultOutputLocation = defaults.DefaultOutputLocation
	}
	if cfg.CyclePolicy == "" {
		cfg.CyclePolicy = defaults.CyclePolicy
	}
	if cfg.EnvFiles == nil {
		cfg.EnvFiles = defaults.EnvFiles
	}
}

// loadEnvFiles loads each named .env file into the process environment,
// skipping files that don't exist. Later files do not override variables
// already set by an earlier one or by the shell, matching godotenv.Load's
// own first-wins semantics across multiple paths.
func loadEnvFiles(paths []string) {
	var existing []string
	for _, p := range paths {
		if fileExists(p) {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return
	}
	_ = godotenv.Load(existing...)
}

// ToRunOptions resolves a Config into RunOptions, the shape the engine and
// scheduler actually consume.
func (c *Config) ToRunOptions() RunOptions {
	return RunOptions{
		Directory:             c.Directory,
		DBPath:                c.DBPath,
		DefaultSchema:         c.DefaultSchema,
		DefaultOutputType:     OutputKind(c.DefaultOutputType),
		DefaultOutputLocation: c.DefaultOutputLocation,
		CyclePolicy:           CyclePolicy(c.CyclePolicy),
	}
}

// expandEnvVars resolves ${NAME} and ${NAME:-default} placeholders in s
// against the process environment. Unlike the engine's resolution of a
// model's SQL text, an unset name with no default expands to the empty
// string instead of failing. Bare $NAME is also accepted for
// parity with the teacher's expandEnvVars, though crabwalk's own config
// annotations always use the braced form.
func expandEnvVars(s string) string {
	return configEnvPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := configEnvPattern.FindStringSubmatch(match)
		name := groups[1]
		hasDefault := groups[2] != ""
		def := groups[3]
		if name == "" {
			name = groups[4]
		}
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if hasDefault {
			return def
		}
		return ""
	})
}

