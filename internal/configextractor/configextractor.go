// Package configextractor scans a model's SQL source for the embedded
// "-- @config:" and "-- @depends_on:" annotations plus any ${NAME}
// environment placeholders, and turns them into the pieces
// internal/registry assembles into a crabwalk.Model.
package configextractor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/definite-app/crabwalk"
)

var (
	configLinePattern     = regexp.MustCompile(`--\s*@config:\s*(.*)$`)
	dependsOnLinePattern  = regexp.MustCompile(`--\s*@depends_on:\s*(.*)$`)
	envPlaceholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)
)

// Result is everything the registry needs from one model's source text
// beyond its statically-inferred table references.
type Result struct {
	Output     crabwalk.OutputSpec
	DependsOn  []string
	EnvRefs    []crabwalk.EnvPlaceholder
	// Warnings records non-fatal issues, such as a second @config:
	// annotation in the same file (only the first is honored).
	Warnings []string
}

// Extract parses modelName's sql, returning the resolved OutputSpec
// (defaulted from defaultOutput when no annotation is present), any
// declared dependencies, and any environment placeholders found anywhere
// in the text.
func Extract(modelName, sql string, defaultOutput crabwalk.OutputSpec) (*Result, error) {
	res := &Result{Output: defaultOutput}

	lines := strings.Split(sql, "\n")
	configSeen := false
	for _, line := range lines {
		if m := configLinePattern.FindStringSubmatch(line); m != nil {
			if configSeen {
				res.Warnings = append(res.Warnings, "ignoring additional @config annotation: "+strings.TrimSpace(m[1]))
				continue
			}
			configSeen = true
			spec, err := parseConfigPayload(m[1])
			if err != nil {
				return nil, crabwalk.NewModelError(modelName, crabwalk.PhaseParse,
					fmt.Errorf("%w: %s", crabwalk.ErrConfigParse, err))
			}
			res.Output = mergeDefaults(spec, defaultOutput)
		}
		if m := dependsOnLinePattern.FindStringSubmatch(line); m != nil {
			for _, part := range strings.Split(m[1], ",") {
				name := strings.TrimSpace(part)
				if name != "" {
					res.DependsOn = append(res.DependsOn, name)
				}
			}
		}
	}

	res.EnvRefs = extractEnvRefs(sql)

	if res.Output.Kind != crabwalk.OutputTable && res.Output.Kind != crabwalk.OutputView && res.Output.Location == "" {
		return nil, crabwalk.NewModelError(modelName, crabwalk.PhaseParse,
			fmt.Errorf("%w: output.location is required for file output type %q", crabwalk.ErrConfigParse, res.Output.Kind))
	}

	return res, nil
}

func mergeDefaults(parsed, def crabwalk.OutputSpec) crabwalk.OutputSpec {
	out := parsed
	if out.Kind == "" {
		out.Kind = def.Kind
	}
	if out.Schema == "" {
		out.Schema = def.Schema
	}
	if (out.Kind != crabwalk.OutputTable && out.Kind != crabwalk.OutputView) && out.Location == "" {
		out.Location = def.Location
	}
	return out
}

func extractEnvRefs(sql string) []crabwalk.EnvPlaceholder {
	seen := map[string]bool{}
	var refs []crabwalk.EnvPlaceholder
	for _, m := range envPlaceholderPattern.FindAllStringSubmatch(sql, -1) {
		name := m[1]
		if seen[name] {
			continue
		}
		seen[name] = true
		refs = append(refs, crabwalk.EnvPlaceholder{
			Name:       name,
			Default:    m[3],
			HasDefault: m[2] != "",
		})
	}
	return refs
}

// parseConfigPayload parses the tolerant brace/colon object following
// "@config:". The grammar is deliberately looser than JSON: unquoted
// keys and values, either quote style, and trailing commas are all
// accepted.
func parseConfigPayload(raw string) (crabwalk.OutputSpec, error) {
	p := &payloadParser{src: []rune(raw)}
	p.skipSpace()
	obj, err := p.parseObject()
	if err != nil {
		return crabwalk.OutputSpec{}, err
	}

	var spec crabwalk.OutputSpec
	output, _ := obj["output"].(map[string]string)
	if output == nil {
		return spec, nil
	}
	if t, ok := output["type"]; ok {
		switch strings.ToLower(t) {
		case "table":
			spec.Kind = crabwalk.OutputTable
		case "view":
			spec.Kind = crabwalk.OutputView
		case "parquet":
			spec.Kind = crabwalk.OutputFile
			spec.Format = crabwalk.FormatParquet
		case "csv":
			spec.Kind = crabwalk.OutputFile
			spec.Format = crabwalk.FormatCSV
		case "json":
			spec.Kind = crabwalk.OutputFile
			spec.Format = crabwalk.FormatJSON
		default:
			return crabwalk.OutputSpec{}, fmt.Errorf("unrecognized output.type %q", t)
		}
	}
	if loc, ok := output["location"]; ok {
		spec.Location = loc
	}
	if schema, ok := output["schema"]; ok {
		spec.Schema = schema
	}
	return spec, nil
}

// payloadParser is a small hand-rolled recursive-descent scanner for the
// @config payload grammar: nested { key: value, ... } objects with
// bare or quoted keys and values. It never needs arrays or numbers since
// every recognized key (spec.md §6) takes a string value.
type payloadParser struct {
	src []rune
	pos int
}

func (p *payloadParser) atEnd() bool { return p.pos >= len(p.src) }

func (p *payloadParser) peek() rune {
	if p.atEnd() {
		return 0
	}
	return p.src[p.pos]
}

func (p *payloadParser) skipSpace() {
	for !p.atEnd() && (p.peek() == ' ' || p.peek() == '\t' || p.peek() == '\r' || p.peek() == '\n') {
		p.pos++
	}
}

// parseObject parses a braced object into a map whose values are either
// string or nested map[string]string (one level of nesting, enough for
// "output: { type: ..., location: ... }").
func (p *payloadParser) parseObject() (map[string]any, error) {
	p.skipSpace()
	if p.peek() != '{' {
		return nil, fmt.Errorf("expected '{' at offset %d", p.pos)
	}
	p.pos++
	obj := map[string]any{}

	for {
		p.skipSpace()
		if p.peek() == '}' {
			p.pos++
			return obj, nil
		}
		if p.atEnd() {
			return nil, fmt.Errorf("unterminated object")
		}

		key, err := p.parseKey()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.peek() != ':' {
			return nil, fmt.Errorf("expected ':' after key %q at offset %d", key, p.pos)
		}
		p.pos++
		p.skipSpace()

		if p.peek() == '{' {
			nested, err := p.parseNestedStringObject()
			if err != nil {
				return nil, err
			}
			obj[key] = nested
		} else {
			val, err := p.parseScalar()
			if err != nil {
				return nil, err
			}
			obj[key] = val
		}

		p.skipSpace()
		if p.peek() == ',' {
			p.pos++
			continue
		}
		if p.peek() == '}' {
			p.pos++
			return obj, nil
		}
		if p.atEnd() {
			return nil, fmt.Errorf("unterminated object")
		}
	}
}

func (p *payloadParser) parseNestedStringObject() (map[string]string, error) {
	p.skipSpace()
	if p.peek() != '{' {
		return nil, fmt.Errorf("expected '{' at offset %d", p.pos)
	}
	p.pos++
	obj := map[string]string{}
	for {
		p.skipSpace()
		if p.peek() == '}' {
			p.pos++
			return obj, nil
		}
		if p.atEnd() {
			return nil, fmt.Errorf("unterminated nested object")
		}
		key, err := p.parseKey()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.peek() != ':' {
			return nil, fmt.Errorf("expected ':' after key %q at offset %d", key, p.pos)
		}
		p.pos++
		p.skipSpace()
		val, err := p.parseScalar()
		if err != nil {
			return nil, err
		}
		obj[key] = val

		p.skipSpace()
		if p.peek() == ',' {
			p.pos++
			continue
		}
		if p.peek() == '}' {
			p.pos++
			return obj, nil
		}
		if p.atEnd() {
			return nil, fmt.Errorf("unterminated nested object")
		}
	}
}

func (p *payloadParser) parseKey() (string, error) {
	p.skipSpace()
	if p.peek() == '"' || p.peek() == '\'' {
		return p.parseQuotedString()
	}
	start := p.pos
	for !p.atEnd() && p.peek() != ':' && p.peek() != ' ' && p.peek() != '\t' {
		p.pos++
	}
	if p.pos == start {
		return "", fmt.Errorf("expected key at offset %d", p.pos)
	}
	return string(p.src[start:p.pos]), nil
}

func (p *payloadParser) parseScalar() (string, error) {
	p.skipSpace()
	if p.peek() == '"' || p.peek() == '\'' {
		return p.parseQuotedString()
	}
	start := p.pos
	for !p.atEnd() && p.peek() != ',' && p.peek() != '}' {
		p.pos++
	}
	return strings.TrimSpace(string(p.src[start:p.pos])), nil
}

func (p *payloadParser) parseQuotedString() (string, error) {
	quote := p.peek()
	p.pos++
	start := p.pos
	for !p.atEnd() && p.peek() != quote {
		p.pos++
	}
	if p.atEnd() {
		return "", fmt.Errorf("unterminated quoted string starting at offset %d", start)
	}
	s := string(p.src[start:p.pos])
	p.pos++ // closing quote
	unquoted, err := strconv.Unquote(`"` + strings.ReplaceAll(s, `"`, `\"`) + `"`)
	if err != nil {
		return s, nil
	}
	return unquoted, nil
}
