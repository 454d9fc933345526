// Package match selects records by id using doublestar glob patterns.
package match

import (
	"errors"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher evaluates patterns against record ids.
//
// A Matcher is configured with include and exclude patterns:
//   - Include patterns: the id must match at least one
//   - Exclude patterns: the id must not match any
//
// The Matcher is safe for concurrent use after creation.
type Matcher struct {
	includes []string
	excludes []string
}

// Config configures a Matcher.
type Config struct {
	// Includes are glob patterns that ids must match (at least one).
	Includes []string

	// Excludes are glob patterns that ids must not match (any).
	Excludes []string
}

// Errors returned by Matcher operations.
var (
	// ErrNoIncludes is returned when no include patterns are provided.
	ErrNoIncludes = errors.New("at least one include pattern is required")

	// ErrInvalidPattern is returned when a pattern cannot be compiled.
	ErrInvalidPattern = errors.New("invalid glob pattern")
)

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// New creates a Matcher from the given configuration.
func New(cfg Config) (*Matcher, error) {
	if len(cfg.Includes) == 0 {
		return nil, ErrNoIncludes
	}
	includes, err := compile(cfg.Includes)
	if err != nil {
		return nil, err
	}
	excludes, err := compile(cfg.Excludes)
	if err != nil {
		return nil, err
	}
	return &Matcher{includes: includes, excludes: excludes}, nil
}

// Parse builds a Matcher from a comma-separated pattern list. Patterns
// starting with '!' are excludes. When only excludes are given every other
// id is included.
func Parse(spec string) (*Matcher, error) {
	var cfg Config
	for _, p := range strings.Split(spec, ",") {
		p = strings.TrimSpace(p)
		switch {
		case p == "":
		case strings.HasPrefix(p, "!"):
			cfg.Excludes = append(cfg.Excludes, p[1:])
		default:
			cfg.Includes = append(cfg.Includes, p)
		}
	}
	if len(cfg.Includes) == 0 && len(cfg.Excludes) > 0 {
		cfg.Includes = []string{"**"}
	}
	return New(cfg)
}

func compile(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p == "" || !doublestar.ValidatePattern(p) {
			return nil, &PatternError{Pattern: p, Err: ErrInvalidPattern}
		}
		out = append(out, p)
	}
	return out, nil
}

// Match returns true if id matches an include pattern and no exclude
// pattern. Ids are matched as-is.
func (m *Matcher) Match(id string) bool {
	matched := false
	for _, inc := range m.includes {
		if matchPattern(inc, id) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	for _, exc := range m.excludes {
		if matchPattern(exc, id) {
			return false
		}
	}
	return true
}

// IncludePatterns returns the include patterns.
func (m *Matcher) IncludePatterns() []string {
	return append([]string(nil), m.includes...)
}

// ExcludePatterns returns the exclude patterns.
func (m *Matcher) ExcludePatterns() []string {
	return append([]string(nil), m.excludes...)
}

// String renders the matcher in the form accepted by Parse.
func (m *Matcher) String() string {
	parts := append([]string(nil), m.includes...)
	for _, e := range m.excludes {
		parts = append(parts, "!"+e)
	}
	return strings.Join(parts, ",")
}

// matchPattern matches an id against a doublestar pattern.
func matchPattern(pattern, id string) bool {
	matched, err := doublestar.Match(pattern, id)
	if err != nil {
		// Pattern was validated at construction time
		return false
	}
	return matched
}
