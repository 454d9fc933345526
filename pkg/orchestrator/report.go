package orchestrator

import (
	"time"

	"github.com/3leaps/gocluster/pkg/record"
	"github.com/3leaps/gocluster/pkg/region"
	"github.com/3leaps/gocluster/pkg/schema"
	"github.com/3leaps/gocluster/pkg/workerpool"
)

// Record statuses.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Outcome describes what happened to one record.
type Outcome struct {
	Status string
	Reason string

	// Worker is the worker that ran the task, or -1.
	Worker   int
	Duration time.Duration
}

// Failure is a per-record analysis failure.
type Failure struct {
	Index    int
	RecordID string
	Kind     workerpool.FailureKind
	Message  string
}

func (f Failure) Error() string {
	return f.RecordID + ": " + string(f.Kind) + ": " + f.Message
}

// Rejection is a sideload entry that failed validation. The record is still
// processed with its remaining definitions.
type Rejection struct {
	Index    int
	RecordID string
	Location string
	SchemaID string
	Errors   schema.ValidationErrors
	Message  string
}

// Report is the outcome of a run. Records and Outcomes are in input order
// and have one entry per input record.
type Report struct {
	RunID      string
	Records    []*record.Record
	Outcomes   []Outcome
	Failures   []Failure
	Rejections []Rejection
	Warnings   []region.Warning
	Summary    Summary
}

// Skipped returns the indexes of records that were not analysed.
func (r *Report) Skipped() []int {
	var out []int
	for i, o := range r.Outcomes {
		if o.Status == StatusSkipped {
			out = append(out, i)
		}
	}
	return out
}

// Summary contains aggregate statistics for a run.
type Summary struct {
	Records   int
	Succeeded int
	Failed    int
	Skipped   int
	Rejected  int
	Warnings  int
	Regions   int

	Duration time.Duration

	// Task duration percentiles over analysed records.
	TaskP50 time.Duration
	TaskP95 time.Duration
	TaskP99 time.Duration
	TaskMax time.Duration

	Cancelled bool
}
