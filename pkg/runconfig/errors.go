package runconfig

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConfig indicates the run configuration could not be built.
var ErrConfig = errors.New("invalid run configuration")

// Problem is a single configuration violation.
type Problem struct {
	// Option is the dotted option key the problem refers to.
	Option string

	// Message describes the violation.
	Message string
}

func (p Problem) String() string {
	if p.Option == "" {
		return p.Message
	}
	return fmt.Sprintf("%s: %s", p.Option, p.Message)
}

// ConfigError lists every problem found while building a configuration.
type ConfigError struct {
	Problems []Problem
}

// Error implements error interface.
func (e *ConfigError) Error() string {
	if len(e.Problems) == 0 {
		return ErrConfig.Error()
	}
	if len(e.Problems) == 1 {
		return ErrConfig.Error() + ": " + e.Problems[0].String()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d problems:", ErrConfig.Error(), len(e.Problems))
	for _, p := range e.Problems {
		b.WriteString("\n  - ")
		b.WriteString(p.String())
	}
	return b.String()
}

// Unwrap returns ErrConfig.
func (e *ConfigError) Unwrap() error {
	return ErrConfig
}

// Has reports whether a problem was recorded for the given option.
func (e *ConfigError) Has(option string) bool {
	for _, p := range e.Problems {
		if p.Option == option {
			return true
		}
	}
	return false
}
