package analysis

import (
	"context"
	"fmt"
	"strconv"
)

// LengthGate skips records shorter than MinLength.
type LengthGate struct {
	MinLength int
}

func (LengthGate) Name() string { return "length_gate" }

func (g LengthGate) Run(_ context.Context, t *Task) error {
	if t.Record.Len() < g.MinLength {
		return &SkipError{Reason: fmt.Sprintf("shorter than minimum length %d", g.MinLength)}
	}
	return nil
}

// Composition notes the record's length and GC content.
type Composition struct{}

func (Composition) Name() string { return "composition" }

func (Composition) Run(_ context.Context, t *Task) error {
	t.Note("length", strconv.Itoa(t.Record.Len()))
	t.Note("gc", strconv.FormatFloat(t.Record.GC(), 'f', 4, 64))
	return nil
}
