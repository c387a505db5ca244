// Package filter implements the keyword expression matching engine.
//
// An expression is a sequence of terms joined by AND/OR operators. Operators
// are applied strictly left to right without precedence, so "a OR b AND c"
// means "(a OR b) AND c". Terms next to each other without an operator are
// joined with AND. A term matches when it occurs as a case-insensitive
// substring of the entry text.
package filter

import (
	"strings"
	"unicode"

	"tender_bot/internal/model"
)

// MaxKeyBytes is the longest normalized expression used verbatim as its own
// key. Longer expressions are keyed by a content hash.
const MaxKeyBytes = 60

type operator int

const (
	opAnd operator = iota
	opOr
)

type clause struct {
	op   operator // how this term combines with the result so far
	term string
}

// Expression is a compiled keyword expression.
type Expression struct {
	text    string
	clauses []clause
}

// Compile parses text into an Expression. It never fails: malformed quoting
// falls back to plain whitespace splitting.
func Compile(text string) Expression {
	tokens, ok := splitQuoted(text)
	if !ok {
		tokens = plainTokens(text)
	}

	expr := Expression{text: text}
	pending := opAnd
	for _, tok := range tokens {
		if !tok.quoted {
			switch strings.ToUpper(tok.value) {
			case "AND":
				pending = opAnd
				continue
			case "OR":
				pending = opOr
				continue
			}
		}
		term := collapse(strings.ToLower(tok.value))
		if term == "" {
			continue
		}
		op := pending
		if len(expr.clauses) == 0 {
			op = opAnd
		}
		expr.clauses = append(expr.clauses, clause{op: op, term: term})
		pending = opAnd
	}
	return expr
}

// Text returns the source text of the expression.
func (e Expression) Text() string {
	return e.text
}

// Terms returns the lowercased terms of the expression in order.
func (e Expression) Terms() []string {
	terms := make([]string, len(e.clauses))
	for i, c := range e.clauses {
		terms[i] = c.term
	}
	return terms
}

// Empty reports whether the expression has no terms.
func (e Expression) Empty() bool {
	return len(e.clauses) == 0
}

// Matches evaluates the expression against an already lowercased haystack.
// An expression without terms matches nothing.
func (e Expression) Matches(haystack string) bool {
	if len(e.clauses) == 0 {
		return false
	}
	result := strings.Contains(haystack, e.clauses[0].term)
	for _, c := range e.clauses[1:] {
		hit := strings.Contains(haystack, c.term)
		switch c.op {
		case opOr:
			result = result || hit
		default:
			result = result && hit
		}
	}
	return result
}

// MatchEntry evaluates the expression against the title and summary of e.
func (e Expression) MatchEntry(entry model.Entry) bool {
	return e.Matches(Haystack(entry.Title, entry.Summary))
}

// Haystack builds the text an expression is evaluated against.
func Haystack(title, summary string) string {
	return collapse(strings.ToLower(title + " " + summary))
}

// Normalize returns the canonical form of an expression: lowercased with
// runs of whitespace collapsed to single spaces.
func Normalize(text string) string {
	return collapse(strings.ToLower(text))
}

// Key returns the identifier of an expression. Normalized text of at most
// MaxKeyBytes is its own key, anything longer is keyed by content hash.
func Key(text string) string {
	norm := Normalize(text)
	if len(norm) <= MaxKeyBytes {
		return norm
	}
	return model.ContentKey(norm)
}

// IsHashKey reports whether key was derived from a content hash and needs an
// expression record to be displayed.
func IsHashKey(key string) bool {
	digest, ok := strings.CutPrefix(key, model.ContentKeyPrefix)
	if !ok || len(digest) != 24 {
		return false
	}
	for _, r := range digest {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

type token struct {
	value  string
	quoted bool
}

// splitQuoted splits on whitespace, keeping double-quoted phrases together.
// It reports false when a quote is left open.
func splitQuoted(s string) ([]token, bool) {
	var (
		tokens  []token
		cur     strings.Builder
		inQuote bool
		quoted  bool
		started bool
	)
	flush := func() {
		if started {
			tokens = append(tokens, token{value: cur.String(), quoted: quoted})
		}
		cur.Reset()
		quoted = false
		started = false
	}

	for _, r := range s {
		switch {
		case r == '"':
			if inQuote {
				inQuote = false
			} else {
				inQuote = true
				quoted = true
				started = true
			}
		case !inQuote && unicode.IsSpace(r):
			flush()
		default:
			cur.WriteRune(r)
			started = true
		}
	}
	if inQuote {
		return nil, false
	}
	flush()
	return tokens, true
}

func plainTokens(s string) []token {
	fields := strings.Fields(s)
	tokens := make([]token, len(fields))
	for i, f := range fields {
		tokens[i] = token{value: f}
	}
	return tokens
}
