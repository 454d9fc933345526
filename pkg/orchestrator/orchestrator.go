// Package orchestrator drives a run over an ordered set of records.
//
// For every record the orchestrator validates its sideloaded region
// annotations, reconciles them with the record's own region features and
// submits one analysis task to a worker pool. Results are collected back
// into input order regardless of completion order, and per-record problems
// (rejected annotations, reconciliation warnings, analysis failures) are
// gathered into a Report instead of stopping the run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/gocluster/pkg/match"
	"github.com/3leaps/gocluster/pkg/output"
	"github.com/3leaps/gocluster/pkg/record"
	"github.com/3leaps/gocluster/pkg/region"
	"github.com/3leaps/gocluster/pkg/runconfig"
	"github.com/3leaps/gocluster/pkg/schema"
	"github.com/3leaps/gocluster/pkg/sideload"
	"github.com/3leaps/gocluster/pkg/workerpool"
)

const (
	defaultProgressEvery = 100

	// Task durations are tracked in microseconds up to one hour.
	maxTrackedMicros = int64(time.Hour / time.Microsecond)
)

// Pool runs analysis tasks. *workerpool.Pool implements it.
type Pool interface {
	Submit(ctx context.Context, t workerpool.Task) (*workerpool.Handle, error)
	Shutdown(ctx context.Context) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithWriter streams JSONL output while the run progresses.
func WithWriter(w output.Writer) Option {
	return func(o *Orchestrator) { o.writer = w }
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(o *Orchestrator) {
		if id != "" {
			o.runID = id
		}
	}
}

// WithProgressEvery emits a progress record every n completed records.
func WithProgressEvery(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.progressEvery = n
		}
	}
}

// WithMatcher overrides the limit_to_record selection.
func WithMatcher(m *match.Matcher) Option {
	return func(o *Orchestrator) { o.matcher = m }
}

// Orchestrator processes records through a pool.
//
// An Orchestrator may run Process more than once; every call shares the
// run id.
type Orchestrator struct {
	pool      Pool
	validator *schema.Validator
	matcher   *match.Matcher
	writer    output.Writer
	logger    *zap.Logger

	runID         string
	progressEvery int
}

// New creates an orchestrator. cfg supplies limit_to_record; it may be nil.
func New(pool Pool, v *schema.Validator, cfg *runconfig.Config, opts ...Option) (*Orchestrator, error) {
	if pool == nil {
		return nil, errors.New("orchestrator: nil pool")
	}
	if v == nil {
		return nil, errors.New("orchestrator: nil schema validator")
	}

	o := &Orchestrator{
		pool:          pool,
		validator:     v,
		logger:        zap.NewNop(),
		runID:         uuid.New().String(),
		progressEvery: defaultProgressEvery,
	}
	if cfg != nil {
		if spec := cfg.String(runconfig.KeyLimitToRecord); spec != "" {
			m, err := match.Parse(spec)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", runconfig.ErrConfig, runconfig.KeyLimitToRecord, err)
			}
			o.matcher = m
		}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// RunID returns the id stamped on reports and output.
func (o *Orchestrator) RunID() string { return o.runID }

// slot carries one record from the submitter to the collector. Exactly one
// of handle, outcome and failure is set.
type slot struct {
	index   int
	handle  *workerpool.Handle
	outcome *Outcome
	failure *Failure

	rejections []Rejection
	warnings   []region.Warning
}

// Process analyses records and returns the report in input order.
//
// external maps record ids to their unvalidated sideload entries. Every
// record appears in the report exactly once. If ctx is cancelled the pool
// is shut down, unfinished records are reported as cancelled failures, and
// the full report is returned together with the context error.
func (o *Orchestrator) Process(ctx context.Context, records []*record.Record, external map[string][]sideload.Entry) (*Report, error) {
	start := time.Now()
	rep := &Report{
		RunID:    o.runID,
		Records:  make([]*record.Record, len(records)),
		Outcomes: make([]Outcome, len(records)),
	}
	em := &emitter{w: o.writer, ctx: context.WithoutCancel(ctx), logger: o.logger}

	o.logger.Info("run starting",
		zap.String("run_id", o.runID),
		zap.Int("records", len(records)),
		zap.Int("sideloaded_records", len(external)))

	var submitted atomic.Int64
	em.progress(output.PhaseStarting, len(records), 0, 0, 0)

	for _, rej := range unmatched(records, external) {
		rep.Rejections = append(rep.Rejections, rej)
		em.rejection(rej)
	}

	slots := make(chan slot, len(records))
	go o.submit(ctx, records, external, slots, &submitted)

	hist := hdrhistogram.New(1, maxTrackedMicros, 3)
	var (
		completed, failed int
		aborted           bool
	)
	for s := range slots {
		i := s.index
		rec := records[i]
		for _, rej := range s.rejections {
			rep.Rejections = append(rep.Rejections, rej)
			em.rejection(rej)
		}
		rep.Warnings = append(rep.Warnings, s.warnings...)
		em.warnings(s.warnings)

		var failure *Failure
		switch {
		case s.handle != nil:
			res, err := s.handle.Wait(ctx)
			if err != nil {
				if !aborted {
					aborted = true
					o.abort(ctx)
				}
				// the pool resolves every handle before Shutdown returns
				res, _ = s.handle.Wait(context.Background())
			}
			if res.Worker >= 0 {
				micros := min(max(res.Duration.Microseconds(), 1), maxTrackedMicros)
				if err := hist.RecordValue(micros); err != nil {
					o.logger.Debug("task duration not tracked", zap.Error(err))
				}
			}
			out, outcome, warns, f := resolve(i, rec, res)
			rep.Records[i], rep.Outcomes[i], failure = out, outcome, f
			rep.Warnings = append(rep.Warnings, warns...)
			em.warnings(warns)
		case s.outcome != nil:
			rep.Records[i], rep.Outcomes[i] = rec, *s.outcome
		default:
			failure = s.failure
			rep.Records[i] = rec
			rep.Outcomes[i] = Outcome{Status: StatusFailed, Reason: failure.Message, Worker: -1}
		}

		if failure != nil {
			failed++
			rep.Failures = append(rep.Failures, *failure)
			em.failure(*failure)
		}
		em.record(i, rep.Records[i], rep.Outcomes[i])

		completed++
		if completed%o.progressEvery == 0 {
			em.progress(output.PhaseProcessing, len(records), int(submitted.Load()), completed, failed)
		}
	}

	rep.Summary = summarize(rep, hist, time.Since(start))
	rep.Summary.Cancelled = ctx.Err() != nil
	em.progress(output.PhaseComplete, len(records), int(submitted.Load()), completed, failed)
	em.summary(rep.Summary)

	o.logger.Info("run complete",
		zap.String("run_id", o.runID),
		zap.Int("succeeded", rep.Summary.Succeeded),
		zap.Int("failed", rep.Summary.Failed),
		zap.Int("skipped", rep.Summary.Skipped),
		zap.Int("rejected", rep.Summary.Rejected),
		zap.Int("regions", rep.Summary.Regions),
		zap.Duration("duration", rep.Summary.Duration))

	if err := ctx.Err(); err != nil {
		return rep, err
	}
	if em.err != nil {
		return rep, em.err
	}
	return rep, nil
}

// submit prepares and submits records in input order. Once submission
// stops, every remaining record is reported as cancelled.
func (o *Orchestrator) submit(ctx context.Context, records []*record.Record, external map[string][]sideload.Entry, out chan<- slot, submitted *atomic.Int64) {
	defer close(out)

	var stopped error
	for i, rec := range records {
		s := slot{index: i}
		if stopped == nil {
			stopped = ctx.Err()
		}

		switch {
		case stopped != nil:
			s.failure = &Failure{Index: i, RecordID: idOf(rec), Kind: workerpool.FailureCancelled,
				Message: "not submitted: " + stopped.Error()}
		case rec == nil:
			s.failure = &Failure{Index: i, Kind: workerpool.FailureInvalidInput, Message: "missing record"}
		case o.matcher != nil && !o.matcher.Match(rec.ID()):
			s.outcome = &Outcome{Status: StatusSkipped, Reason: "excluded by " + runconfig.KeyLimitToRecord, Worker: -1}
		default:
			regions := o.prepare(i, rec, external[rec.ID()], &s)
			h, err := o.pool.Submit(ctx, workerpool.Task{Index: i, Record: rec.Clone(), Regions: regions})
			if err != nil {
				stopped = err
				s.failure = &Failure{Index: i, RecordID: rec.ID(), Kind: workerpool.FailureCancelled,
					Message: "not submitted: " + err.Error()}
				break
			}
			submitted.Add(1)
			s.handle = h
		}
		out <- s
	}
}

// prepare validates the record's sideload entries and reconciles the
// accepted ones with the record's own region features.
func (o *Orchestrator) prepare(index int, rec *record.Record, entries []sideload.Entry, s *slot) []region.Reconciled {
	var defs []region.Definition
	for _, e := range entries {
		def, err := e.Definition(o.validator)
		if err != nil {
			rej := Rejection{
				Index:    index,
				RecordID: rec.ID(),
				Location: e.Location(),
				SchemaID: e.SchemaID(),
				Message:  err.Error(),
			}
			var verrs schema.ValidationErrors
			if errors.As(err, &verrs) {
				rej.Errors = verrs
			}
			o.logger.Warn("sideloaded region rejected",
				zap.String("record_id", rec.ID()),
				zap.String("location", rej.Location),
				zap.Error(err))
			s.rejections = append(s.rejections, rej)
			continue
		}
		defs = append(defs, def)
	}

	res := region.Reconcile(rec, defs, rec.InternalDefinitions())
	for _, w := range res.Warnings {
		o.logger.Warn("region definition dropped", zap.String("warning", w.String()))
	}
	s.warnings = res.Warnings
	return res.Regions
}

func (o *Orchestrator) abort(ctx context.Context) {
	o.logger.Warn("run cancelled, shutting down worker pool", zap.Error(ctx.Err()))
	if err := o.pool.Shutdown(ctx); err != nil && !errors.Is(err, ctx.Err()) {
		o.logger.Warn("worker pool shutdown", zap.Error(err))
	}
}

// resolve turns a task result into the record placed in the output. A
// failed record is returned unmodified.
func resolve(index int, rec *record.Record, res workerpool.Result) (*record.Record, Outcome, []region.Warning, *Failure) {
	outcome := Outcome{Worker: res.Worker, Duration: res.Duration}
	if res.Failure != nil {
		outcome.Status, outcome.Reason = StatusFailed, res.Failure.Message
		return rec, outcome, nil, &Failure{
			Index:    index,
			RecordID: res.Failure.RecordID,
			Kind:     res.Failure.Kind,
			Message:  res.Failure.Message,
		}
	}

	ann := res.Success.Annotations
	outcome.Status = StatusOK
	if ann.Skipped != "" {
		outcome.Status, outcome.Reason = StatusSkipped, ann.Skipped
	}
	return ann.Apply(rec), outcome, ann.Warnings, nil
}

// unmatched rejects sideload entries naming records absent from the input.
func unmatched(records []*record.Record, external map[string][]sideload.Entry) []Rejection {
	known := make(map[string]bool, len(records))
	for _, r := range records {
		if r != nil {
			known[r.ID()] = true
		}
	}

	var ids []string
	for id := range external {
		if !known[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var out []Rejection
	for _, id := range ids {
		for _, e := range external[id] {
			out = append(out, Rejection{
				Index:    -1,
				RecordID: id,
				Location: e.Location(),
				SchemaID: e.SchemaID(),
				Message:  fmt.Sprintf("no input record with id %q", id),
			})
		}
	}
	return out
}

func summarize(rep *Report, hist *hdrhistogram.Histogram, elapsed time.Duration) Summary {
	sum := Summary{
		Records:  len(rep.Records),
		Rejected: len(rep.Rejections),
		Warnings: len(rep.Warnings),
		Duration: elapsed,
	}
	for i, o := range rep.Outcomes {
		switch o.Status {
		case StatusOK:
			sum.Succeeded++
		case StatusFailed:
			sum.Failed++
		case StatusSkipped:
			sum.Skipped++
		}
		if r := rep.Records[i]; r != nil {
			sum.Regions += len(r.Regions)
		}
	}
	if hist.TotalCount() > 0 {
		micros := func(v int64) time.Duration { return time.Duration(v) * time.Microsecond }
		sum.TaskP50 = micros(hist.ValueAtQuantile(50))
		sum.TaskP95 = micros(hist.ValueAtQuantile(95))
		sum.TaskP99 = micros(hist.ValueAtQuantile(99))
		sum.TaskMax = micros(hist.Max())
	}
	return sum
}

func idOf(r *record.Record) string {
	if r == nil {
		return ""
	}
	return r.ID()
}
