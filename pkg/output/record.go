// Package output writes run results as JSONL.
//
// Every line is an envelope with a type, a timestamp, the run id and a
// type-specific payload, so a report can be consumed line by line while the
// run is still in progress.
package output

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/3leaps/gocluster/pkg/region"
	"github.com/3leaps/gocluster/pkg/schema"
)

// Record types follow the pattern gocluster.<type>.v<version>.
const (
	TypeRecord    = "gocluster.record.v1"
	TypeFailure   = "gocluster.failure.v1"
	TypeRejection = "gocluster.rejection.v1"
	TypeWarning   = "gocluster.warning.v1"
	TypeProgress  = "gocluster.progress.v1"
	TypeSummary   = "gocluster.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the payload (e.g. "gocluster.record.v1").
	Type string `json:"type"`

	// TS is when the line was written.
	TS time.Time `json:"ts"`

	// RunID correlates every line of one run.
	RunID string `json:"run_id"`

	Data json.RawMessage `json:"data"`
}

// Record statuses.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// RecordResult is the payload for one processed record. Lines are written
// in input order.
type RecordResult struct {
	Index       int                 `json:"index"`
	RecordID    string              `json:"record_id"`
	Length      int                 `json:"length"`
	Status      string              `json:"status"`
	Reason      string              `json:"reason,omitempty"`
	Regions     []region.Reconciled `json:"regions"`
	Features    int                 `json:"features"`
	Annotations map[string]string   `json:"annotations,omitempty"`
}

// FailureRecord is the payload for a record whose analysis failed. The
// record itself is still reported, unmodified, as a RecordResult.
type FailureRecord struct {
	Index    int    `json:"index"`
	RecordID string `json:"record_id"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
}

// RejectionRecord is the payload for a sideloaded region that failed
// validation.
type RejectionRecord struct {
	RecordID string                   `json:"record_id"`
	Location string                   `json:"location"`
	SchemaID string                   `json:"schema_id"`
	Errors   []schema.ValidationError `json:"errors,omitempty"`
	Message  string                   `json:"message"`
}

// WarningRecord is the payload for a definition dropped during
// reconciliation.
type WarningRecord struct {
	RecordID   string            `json:"record_id"`
	Reason     string            `json:"reason"`
	Definition region.Definition `json:"definition"`
}

// Progress phases.
const (
	PhaseStarting   = "starting"
	PhaseProcessing = "processing"
	PhaseComplete   = "complete"
)

// ProgressRecord is the payload for progress updates.
type ProgressRecord struct {
	Phase     string `json:"phase"`
	Total     int    `json:"total"`
	Submitted int    `json:"submitted"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

// SummaryRecord is the payload written once at the end of a run.
type SummaryRecord struct {
	Records   int `json:"records"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Rejected  int `json:"rejected"`
	Warnings  int `json:"warnings"`
	Regions   int `json:"regions"`

	Duration      time.Duration `json:"duration_ns"`
	DurationHuman string        `json:"duration"`

	// Task duration percentiles in milliseconds.
	TaskP50 float64 `json:"task_p50_ms"`
	TaskP95 float64 `json:"task_p95_ms"`
	TaskP99 float64 `json:"task_p99_ms"`
	TaskMax float64 `json:"task_max_ms"`

	// Cancelled is set when the run was interrupted.
	Cancelled bool `json:"cancelled,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
