// Package analysis runs the per-record analysis stages executed by pool
// workers.
//
// A Pipeline is built from one worker's configuration snapshot and is used
// by that worker only. Stages mutate the Task they are given, which owns a
// private clone of the record.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"go.uber.org/zap"

	"github.com/3leaps/gocluster/pkg/record"
	"github.com/3leaps/gocluster/pkg/region"
	"github.com/3leaps/gocluster/pkg/runconfig"
)

var (
	// ErrSkipRecord stops the pipeline without failing the record.
	ErrSkipRecord = errors.New("record skipped")

	// ErrToolFailed indicates an external tool exited unsuccessfully.
	ErrToolFailed = errors.New("external tool failed")

	// ErrToolOutput indicates an external tool produced unusable output.
	ErrToolOutput = errors.New("invalid external tool output")
)

// SkipError carries the reason a record was not analysed.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string { return "skipped: " + e.Reason }

// Unwrap returns ErrSkipRecord.
func (e *SkipError) Unwrap() error { return ErrSkipRecord }

// Task is the mutable state a stage works on.
type Task struct {
	// Record is owned by the task.
	Record *record.Record

	// Regions are the regions reconciled before the task started.
	Regions []region.Reconciled

	// Detected collects region definitions found by stages.
	Detected []region.Definition

	// Features collects features added by stages.
	Features []record.Feature

	Notes    map[string]string
	Warnings []region.Warning
}

// Note records a record-level annotation.
func (t *Task) Note(key, value string) {
	if t.Notes == nil {
		t.Notes = make(map[string]string)
	}
	t.Notes[key] = value
}

// Annotations are the derived results of analysing one record.
type Annotations struct {
	Features []record.Feature    `json:"features,omitempty"`
	Regions  []region.Reconciled `json:"regions"`
	Notes    map[string]string   `json:"notes,omitempty"`
	Warnings []region.Warning    `json:"warnings,omitempty"`

	// Skipped is set when the record was not analysed.
	Skipped string `json:"skipped,omitempty"`
}

// Apply returns a clone of rec with the annotations spliced in.
func (a *Annotations) Apply(rec *record.Record) *record.Record {
	out := rec.Clone()
	for _, f := range a.Features {
		out.Features = append(out.Features, f.Clone())
	}
	out.Regions = region.CloneAll(a.Regions)
	if len(a.Notes) > 0 {
		if out.Annotations == nil {
			out.Annotations = make(map[string]string, len(a.Notes))
		}
		maps.Copy(out.Annotations, a.Notes)
	}
	return out
}

// Stage is one analysis step.
type Stage interface {
	Name() string
	Run(ctx context.Context, t *Task) error
}

// Pipeline runs stages in order.
type Pipeline struct {
	stages []Stage
	logger *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithStages appends stages after the configured ones.
func WithStages(stages ...Stage) Option {
	return func(p *Pipeline) { p.stages = append(p.stages, stages...) }
}

// NewPipeline builds the stages selected by cfg:
// length gate, composition, gene finding (when a tool is configured) and
// region detection (when a detector executable is configured).
func NewPipeline(cfg *runconfig.Config, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("analysis: nil configuration")
	}
	p := &Pipeline{logger: zap.NewNop()}

	p.stages = append(p.stages, LengthGate{MinLength: cfg.Int(runconfig.KeyMinLength)}, Composition{})

	finder, err := NewGeneFinder(cfg)
	if err != nil {
		return nil, err
	}
	if finder != nil {
		p.stages = append(p.stages, finder)
	}
	if exe := cfg.String(runconfig.KeyDetectionExec); exe != "" {
		p.stages = append(p.stages, NewDetector(cfg))
	}

	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Analyze runs every stage on rec and reconciles the regions found by the
// stages with the regions supplied. rec must be owned by the caller.
func (p *Pipeline) Analyze(ctx context.Context, rec *record.Record, regions []region.Reconciled) (*Annotations, error) {
	t := &Task{Record: rec, Regions: regions}

	for _, s := range p.stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := s.Run(ctx, t)
		var skip *SkipError
		if errors.As(err, &skip) {
			p.logger.Debug("record skipped",
				zap.String("record_id", rec.ID()),
				zap.String("stage", s.Name()),
				zap.String("reason", skip.Reason))
			return &Annotations{Regions: region.CloneAll(regions), Notes: t.Notes, Skipped: skip.Reason}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", s.Name(), err)
		}
	}

	external, internal := region.Split(regions)
	res := region.Reconcile(rec, external, append(internal, t.Detected...))

	p.logger.Debug("record analysed",
		zap.String("record_id", rec.ID()),
		zap.Int("features_added", len(t.Features)),
		zap.Int("regions", len(res.Regions)))

	return &Annotations{
		Features: t.Features,
		Regions:  res.Regions,
		Notes:    t.Notes,
		Warnings: append(t.Warnings, res.Warnings...),
	}, nil
}
