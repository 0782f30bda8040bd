// Package sqlref statically extracts the set of table-factor references
// from a SQL SELECT statement: every name that appears after FROM or
// JOIN, minus names that resolve to a CTE defined earlier in the same
// statement and minus bare aliases. It never evaluates column
// expressions; it only walks table-factor positions.
//
// Grounded on the teacher's own parser/parserstep7/dependency_graph.go
// (adjacency construction over statement-local scopes) and the
// leapsql pkg/parser/scope.go ScopeEntry/Scope design. CTE visibility is
// modeled as an explicit stack of scope frames (spec.md §9's design
// note: an explicit scope stack, not shared mutable state) so a WITH
// declared inside a subquery cannot leak its names past that subquery's
// closing parenthesis.
package sqlref

import (
	"strings"

	"github.com/definite-app/crabwalk/internal/tokenizer"
)

// ParseError reports a byte offset into the source alongside a message,
// for statements the extractor could not walk to completion. Offset is -1
// when the tokenizer itself failed and no offset is known.
type ParseError struct {
	Offset int
	Detail string
}

func (e *ParseError) Error() string { return e.Detail }

// Extract returns the deduplicated, order-preserved list of table names
// referenced by sql, after CTE masking (P3), alias masking (P4), and
// dotted-tail matching (P5): "schema.orders" and "orders" both yield
// "orders". The second return value maps each tail to the full
// dotted form it was first seen in, for diagnostics that want to report
// "analytics.orders" rather than just "orders" (spec.md §4.2 point 6);
// a tail with no qualifier in its source maps to itself.
func Extract(sql string) ([]string, map[string]string, error) {
	tokens, err := tokenizer.All(sql)
	if err != nil {
		return nil, nil, &ParseError{Offset: -1, Detail: err.Error()}
	}

	e := &extractor{
		tokens:  tokens,
		scopes:  []map[string]bool{{}},
		seen:    map[string]bool{},
		rawForm: map[string]string{},
	}
	if err := e.scanBlock(false); err != nil {
		return nil, nil, err
	}
	return e.refs, e.rawForm, nil
}

type extractor struct {
	tokens  []tokenizer.Token
	pos     int
	scopes  []map[string]bool // stack of CTE-name frames, innermost last
	refs    []string
	seen    map[string]bool
	rawForm map[string]string
}

func (e *extractor) atEnd() bool {
	return e.pos >= len(e.tokens) || e.tokens[e.pos].Type == tokenizer.EOF
}

func (e *extractor) peek() tokenizer.Token {
	if e.atEnd() {
		if len(e.tokens) > 0 {
			return e.tokens[len(e.tokens)-1]
		}
		return tokenizer.Token{Type: tokenizer.EOF}
	}
	return e.tokens[e.pos]
}

func (e *extractor) advance() tokenizer.Token {
	t := e.peek()
	if !e.atEnd() {
		e.pos++
	}
	return t
}

// pushScope opens a new CTE-name frame, entered for every parenthesized
// block that may itself contain a WITH clause (subqueries, derived
// tables, a CTE's own body).
func (e *extractor) pushScope() {
	e.scopes = append(e.scopes, map[string]bool{})
}

func (e *extractor) popScope() {
	e.scopes = e.scopes[:len(e.scopes)-1]
}

// defineCTE registers name in the frame enclosing the WITH clause that
// declared it (the frame on top of the stack wherever handleWith calls
// this, never the frame pushed for that CTE's own body).
func (e *extractor) defineCTE(name string) {
	e.scopes[len(e.scopes)-1][name] = true
}

// isCTE reports whether name resolves to a CTE visible from the current
// position: the current frame or any frame enclosing it.
func (e *extractor) isCTE(name string) bool {
	for i := len(e.scopes) - 1; i >= 0; i-- {
		if e.scopes[i][name] {
			return true
		}
	}
	return false
}

// scanBlock consumes tokens until either the input is exhausted (when
// expectClose is false, the top-level call) or a matching CLOSED_PARENS
// is found for an OPENED_PARENS the caller already consumed.
func (e *extractor) scanBlock(expectClose bool) error {
	for !e.atEnd() {
		tok := e.peek()
		switch tok.Type {
		case tokenizer.CLOSED_PARENS:
			e.advance()
			if expectClose {
				return nil
			}
		case tokenizer.OPENED_PARENS:
			e.advance()
			e.pushScope()
			err := e.scanBlock(true)
			e.popScope()
			if err != nil {
				return err
			}
		case tokenizer.WITH:
			if err := e.handleWith(); err != nil {
				return err
			}
		case tokenizer.FROM, tokenizer.JOIN:
			if err := e.handleFromJoin(); err != nil {
				return err
			}
		case tokenizer.SEMICOLON:
			e.advance()
			e.scopes = []map[string]bool{{}}
		default:
			e.advance()
		}
	}
	if expectClose {
		return &ParseError{Offset: e.lastOffset(), Detail: "unterminated parenthesis"}
	}
	return nil
}

func (e *extractor) lastOffset() int {
	if len(e.tokens) == 0 {
		return 0
	}
	return e.tokens[len(e.tokens)-1].Position.Offset
}

// handleWith consumes a WITH [RECURSIVE] clause: one or more
// "name [(cols)] AS ( body )" definitions, registering each name into
// the frame enclosing this WITH clause. For a RECURSIVE clause the name
// is registered before its own body is scanned, so a self-reference
// inside the body is masked (a real recursive step). For a non-RECURSIVE
// clause the name is registered only after its body is scanned, so a
// same-named reference inside the body resolves to an outer table of
// that name, not to the CTE being defined (spec P3's parenthetical). The
// body itself is scanned in its own pushed scope, so a nested WITH
// inside it cannot leak past its own closing parenthesis.
func (e *extractor) handleWith() error {
	e.advance() // WITH
	recursive := false
	if e.peek().Type == tokenizer.RECURSIVE {
		e.advance()
		recursive = true
	}

	for {
		nameTok := e.peek()
		if nameTok.Type != tokenizer.WORD && nameTok.Type != tokenizer.QUOTED_IDENT {
			return &ParseError{Offset: nameTok.Position.Offset, Detail: "expected CTE name"}
		}
		e.advance()
		name := normalizeIdent(nameTok)

		if e.peek().Type == tokenizer.OPENED_PARENS {
			e.advance()
			if err := e.skipBalanced(); err != nil {
				return err
			}
		}

		if e.peek().Type == tokenizer.AS {
			e.advance()
		}
		if e.peek().Type != tokenizer.OPENED_PARENS {
			return &ParseError{Offset: e.peek().Position.Offset, Detail: "expected ( after CTE AS"}
		}
		e.advance()

		if recursive {
			e.defineCTE(name)
		}
		e.pushScope()
		err := e.scanBlock(true)
		e.popScope()
		if err != nil {
			return err
		}
		if !recursive {
			e.defineCTE(name)
		}

		if e.peek().Type == tokenizer.COMMA {
			e.advance()
			continue
		}
		break
	}
	return nil
}

// skipBalanced consumes tokens until the CLOSED_PARENS matching the
// OPENED_PARENS the caller already consumed, without interpreting
// FROM/JOIN/WITH inside (used for column-alias lists, which cannot
// contain table references).
func (e *extractor) skipBalanced() error {
	depth := 1
	for depth > 0 {
		if e.atEnd() {
			return &ParseError{Offset: e.lastOffset(), Detail: "unterminated parenthesis"}
		}
		switch e.advance().Type {
		case tokenizer.OPENED_PARENS:
			depth++
		case tokenizer.CLOSED_PARENS:
			depth--
		}
	}
	return nil
}

// handleFromJoin consumes FROM/JOIN followed by one or more
// comma-separated table factors.
func (e *extractor) handleFromJoin() error {
	e.advance() // FROM or JOIN
	for {
		if err := e.parseTableFactor(); err != nil {
			return err
		}
		if e.peek().Type == tokenizer.COMMA {
			e.advance()
			continue
		}
		break
	}
	return nil
}

func (e *extractor) parseTableFactor() error {
	if e.peek().Type == tokenizer.OPENED_PARENS {
		e.advance()
		e.pushScope()
		err := e.scanBlock(true)
		e.popScope()
		if err != nil {
			return err
		}
		e.skipOptionalAlias()
		return nil
	}

	first := e.peek()
	if first.Type != tokenizer.WORD && first.Type != tokenizer.QUOTED_IDENT {
		return &ParseError{Offset: first.Position.Offset, Detail: "expected table reference"}
	}
	e.advance()
	segments := []tokenizer.Token{first}
	for e.peek().Type == tokenizer.DOT {
		e.advance()
		seg := e.peek()
		if seg.Type != tokenizer.WORD && seg.Type != tokenizer.QUOTED_IDENT {
			return &ParseError{Offset: seg.Position.Offset, Detail: "expected identifier after ."}
		}
		e.advance()
		segments = append(segments, seg)
	}

	if e.peek().Type == tokenizer.OPENED_PARENS {
		// Table-valued function call, e.g. read_csv('x.csv') or unnest(xs).
		// Its arguments may themselves contain subqueries, so still walk
		// them for nested references, but the call itself is not a model
		// reference.
		e.advance()
		e.pushScope()
		err := e.scanBlock(true)
		e.popScope()
		if err != nil {
			return err
		}
		e.skipOptionalAlias()
		return nil
	}

	last := segments[len(segments)-1]
	name := normalizeIdent(last)
	if !e.isCTE(name) {
		raw := make([]string, len(segments))
		for i, seg := range segments {
			raw[i] = normalizeIdent(seg)
		}
		e.addRef(name, strings.Join(raw, "."))
	}
	e.skipOptionalAlias()
	return nil
}

func (e *extractor) skipOptionalAlias() {
	switch e.peek().Type {
	case tokenizer.AS:
		e.advance()
		if e.peek().Type == tokenizer.WORD || e.peek().Type == tokenizer.QUOTED_IDENT {
			e.advance()
		}
	case tokenizer.WORD, tokenizer.QUOTED_IDENT:
		e.advance()
	default:
		return
	}
	if e.peek().Type == tokenizer.OPENED_PARENS {
		e.advance()
		_ = e.skipBalanced()
	}
}

// addRef records tail as a reference, remembering raw (the full dotted
// source form) the first time tail is seen.
func (e *extractor) addRef(tail, raw string) {
	if _, ok := e.rawForm[tail]; !ok {
		e.rawForm[tail] = raw
	}
	if e.seen[tail] {
		return
	}
	e.seen[tail] = true
	e.refs = append(e.refs, tail)
}

func normalizeIdent(tok tokenizer.Token) string {
	if tok.Type == tokenizer.QUOTED_IDENT {
		return tok.Value
	}
	return strings.ToLower(tok.Value)
}
