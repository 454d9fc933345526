package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gocluster/pkg/output"
	"github.com/3leaps/gocluster/pkg/record"
	"github.com/3leaps/gocluster/pkg/region"
	"github.com/3leaps/gocluster/pkg/schema"
)

// emitter writes JSONL lines for a run. The first write error disables
// further output and is reported by Process; analysis continues.
type emitter struct {
	w      output.Writer
	ctx    context.Context
	logger *zap.Logger
	err    error
}

func (e *emitter) write(fn func(w output.Writer) error) {
	if e.w == nil || e.err != nil {
		return
	}
	if err := fn(e.w); err != nil {
		e.err = err
		e.logger.Error("output disabled after write failure", zap.Error(err))
	}
}

func (e *emitter) record(index int, rec *record.Record, o Outcome) {
	res := &output.RecordResult{
		Index:  index,
		Status: o.Status,
		Reason: o.Reason,
	}
	if rec != nil {
		res.RecordID = rec.ID()
		res.Length = rec.Len()
		res.Regions = rec.Regions
		res.Features = len(rec.Features)
		res.Annotations = rec.Annotations
	}
	e.write(func(w output.Writer) error { return w.WriteRecord(e.ctx, res) })
}

func (e *emitter) failure(f Failure) {
	e.write(func(w output.Writer) error {
		return w.WriteFailure(e.ctx, &output.FailureRecord{
			Index:    f.Index,
			RecordID: f.RecordID,
			Kind:     string(f.Kind),
			Message:  f.Message,
		})
	})
}

func (e *emitter) rejection(r Rejection) {
	e.write(func(w output.Writer) error {
		return w.WriteRejection(e.ctx, &output.RejectionRecord{
			RecordID: r.RecordID,
			Location: r.Location,
			SchemaID: r.SchemaID,
			Errors:   []schema.ValidationError(r.Errors),
			Message:  r.Message,
		})
	})
}

func (e *emitter) warnings(ws []region.Warning) {
	for _, warn := range ws {
		e.write(func(w output.Writer) error {
			return w.WriteWarning(e.ctx, &output.WarningRecord{
				RecordID:   warn.RecordID,
				Reason:     warn.Reason,
				Definition: warn.Definition,
			})
		})
	}
}

func (e *emitter) progress(phase string, total, submitted, completed, failed int) {
	e.write(func(w output.Writer) error {
		return w.WriteProgress(e.ctx, &output.ProgressRecord{
			Phase:     phase,
			Total:     total,
			Submitted: submitted,
			Completed: completed,
			Failed:    failed,
		})
	})
}

func (e *emitter) summary(s Summary) {
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	e.write(func(w output.Writer) error {
		return w.WriteSummary(e.ctx, &output.SummaryRecord{
			Records:       s.Records,
			Succeeded:     s.Succeeded,
			Failed:        s.Failed,
			Skipped:       s.Skipped,
			Rejected:      s.Rejected,
			Warnings:      s.Warnings,
			Regions:       s.Regions,
			Duration:      s.Duration,
			DurationHuman: s.Duration.Round(time.Millisecond).String(),
			TaskP50:       ms(s.TaskP50),
			TaskP95:       ms(s.TaskP95),
			TaskP99:       ms(s.TaskP99),
			TaskMax:       ms(s.TaskMax),
			Cancelled:     s.Cancelled,
		})
	})
}
