package workerpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/3leaps/gocluster/pkg/analysis"
	"github.com/3leaps/gocluster/pkg/record"
)

func (p *Pool) work(w *worker) {
	for h := range p.queue {
		if err := p.runCtx.Err(); err != nil {
			p.finish(h, failed(h.task, -1, FailureCancelled, "cancelled before start"))
			continue
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(p.runCtx); err != nil {
				p.finish(h, failed(h.task, -1, FailureCancelled, "cancelled before start"))
				continue
			}
		}
		p.finish(h, p.run(w, h.task))
	}
}

func (p *Pool) run(w *worker, t Task) Result {
	if t.Record == nil {
		return failed(t, w.id, FailureInvalidInput, "task has no record")
	}

	ctx := p.runCtx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	var (
		ann *analysis.Annotations
		err error
	)
	var pc panics.Catcher
	pc.Try(func() { ann, err = w.analyzer.Analyze(ctx, t.Record, t.Regions) })
	elapsed := time.Since(start)

	res := p.classify(ctx, t, w.id, ann, err, pc.Recovered())
	res.Duration = elapsed

	if res.Failure != nil {
		p.logger.Warn("record analysis failed",
			zap.Int("worker", w.id),
			zap.String("record_id", res.Failure.RecordID),
			zap.String("kind", string(res.Failure.Kind)),
			zap.String("message", res.Failure.Message),
			zap.Duration("duration", elapsed))
	} else {
		p.logger.Debug("record analysed",
			zap.Int("worker", w.id),
			zap.String("record_id", t.Record.ID()),
			zap.Duration("duration", elapsed))
	}
	return res
}

func (p *Pool) classify(ctx context.Context, t Task, workerID int, ann *analysis.Annotations, err error, recovered *panics.Recovered) Result {
	switch {
	case recovered != nil:
		return failed(t, workerID, FailurePanic, fmt.Sprint(recovered.Value))
	case err == nil && ann == nil:
		return failed(t, workerID, FailureAnalysis, "analyzer returned no result")
	case err == nil:
		return Result{
			Index:   t.Index,
			Worker:  workerID,
			Success: &Success{RecordID: t.Record.ID(), Annotations: ann},
		}
	case p.runCtx.Err() != nil:
		return failed(t, workerID, FailureCancelled, err.Error())
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return failed(t, workerID, FailureTimeout, fmt.Sprintf("exceeded task timeout %s: %v", p.timeout, err))
	case errors.Is(err, record.ErrInvalidInput):
		return failed(t, workerID, FailureInvalidInput, err.Error())
	default:
		return failed(t, workerID, FailureAnalysis, err.Error())
	}
}
