package rules

import (
	"errors"
	"fmt"
	"strings"
)

// Pattern errors.
var (
	ErrEmptyPattern   = errors.New("subject pattern is empty")
	ErrInvalidPattern = errors.New("invalid subject pattern")
)

const (
	tokenSeparator = "."
	singleWildcard = "*"
	tailWildcard   = ">"
)

// Pattern matches dot-separated subjects. "*" matches exactly one token and a
// trailing ">" matches one or more tokens.
type Pattern struct {
	raw    string
	tokens []string
}

// ParsePattern validates and compiles a subject pattern.
func ParsePattern(raw string) (Pattern, error) {
	if raw == "" {
		return Pattern{}, ErrEmptyPattern
	}

	tokens := strings.Split(raw, tokenSeparator)
	for i, tok := range tokens {
		if tok == "" {
			return Pattern{}, fmt.Errorf("%w %q: empty token", ErrInvalidPattern, raw)
		}
		if tok == tailWildcard && i != len(tokens)-1 {
			return Pattern{}, fmt.Errorf("%w %q: '>' must be the last token", ErrInvalidPattern, raw)
		}
		if tok != singleWildcard && tok != tailWildcard && strings.ContainsAny(tok, "*>") {
			return Pattern{}, fmt.Errorf("%w %q: wildcard must be a whole token", ErrInvalidPattern, raw)
		}
	}

	return Pattern{raw: raw, tokens: tokens}, nil
}

// String returns the source form of the pattern.
func (p Pattern) String() string {
	return p.raw
}

// Match reports whether subject matches the pattern.
func (p Pattern) Match(subject string) bool {
	if subject == "" || len(p.tokens) == 0 {
		return false
	}

	parts := strings.Split(subject, tokenSeparator)
	for i, tok := range p.tokens {
		if tok == tailWildcard {
			return len(parts) > i
		}
		if i >= len(parts) {
			return false
		}
		if tok != singleWildcard && tok != parts[i] {
			return false
		}
	}
	return len(parts) == len(p.tokens)
}
