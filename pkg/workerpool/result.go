package workerpool

import (
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/gocluster/pkg/analysis"
	"github.com/3leaps/gocluster/pkg/record"
	"github.com/3leaps/gocluster/pkg/region"
)

// Pool errors.
var (
	// ErrPoolClosed is returned by Submit after Shutdown or Abort.
	ErrPoolClosed = errors.New("worker pool is closed")

	// ErrPoolFatal matches every *PoolFatalError.
	ErrPoolFatal = errors.New("worker pool failure")
)

// PoolFatalError reports that the pool could not be created. It is fatal
// to the run.
type PoolFatalError struct {
	// Worker is the worker that failed to start, or -1.
	Worker int
	Err    error
}

func (e *PoolFatalError) Error() string {
	if e.Worker >= 0 {
		return fmt.Sprintf("worker pool: worker %d: %v", e.Worker, e.Err)
	}
	return fmt.Sprintf("worker pool: %v", e.Err)
}

func (e *PoolFatalError) Unwrap() error { return e.Err }

// Is reports whether target is ErrPoolFatal.
func (e *PoolFatalError) Is(target error) bool { return target == ErrPoolFatal }

// Task is one record to analyse.
type Task struct {
	// Index is the record's position in the input.
	Index int

	// Record is owned by the task for its duration; submit a clone.
	Record *record.Record

	Regions []region.Reconciled
}

// FailureKind classifies a task failure.
type FailureKind string

const (
	FailureAnalysis     FailureKind = "analysis"
	FailureTimeout      FailureKind = "timeout"
	FailurePanic        FailureKind = "panic"
	FailureCancelled    FailureKind = "cancelled"
	FailureInvalidInput FailureKind = "invalid_input"
)

// Success is the result of a completed analysis.
type Success struct {
	RecordID    string                `json:"record_id"`
	Annotations *analysis.Annotations `json:"annotations"`
}

// Failure is the result of a failed analysis.
type Failure struct {
	RecordID string      `json:"record_id"`
	Kind     FailureKind `json:"kind"`
	Message  string      `json:"message"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s: %s", f.RecordID, f.Kind, f.Message)
}

// Result resolves a Handle. Exactly one of Success and Failure is set.
type Result struct {
	Index   int
	Success *Success
	Failure *Failure

	// Worker is the worker that ran the task, or -1 if it never started.
	Worker   int
	Duration time.Duration
}

// OK reports whether the task succeeded.
func (r Result) OK() bool { return r.Success != nil }

func failed(t Task, worker int, kind FailureKind, msg string) Result {
	return Result{
		Index:   t.Index,
		Worker:  worker,
		Failure: &Failure{RecordID: recordID(t), Kind: kind, Message: msg},
	}
}

func recordID(t Task) string {
	if t.Record == nil {
		return ""
	}
	return t.Record.ID()
}
