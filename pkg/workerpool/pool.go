// Package workerpool runs per-record analysis on a bounded set of workers.
//
// Every worker receives its own snapshot of the run configuration when the
// pool is created and builds its own analyzer from that snapshot. Nothing
// else is shared between workers: a task carries its record (a clone owned
// by the task) and reports back through its Handle.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/gocluster/pkg/analysis"
	"github.com/3leaps/gocluster/pkg/record"
	"github.com/3leaps/gocluster/pkg/region"
	"github.com/3leaps/gocluster/pkg/runconfig"
)

// Analyzer analyses one record. Each worker owns one Analyzer.
type Analyzer interface {
	Analyze(ctx context.Context, rec *record.Record, regions []region.Reconciled) (*analysis.Annotations, error)
}

// AnalyzerFactory builds a worker's analyzer from that worker's
// configuration snapshot.
type AnalyzerFactory func(cfg *runconfig.Config) (Analyzer, error)

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithQueueCapacity overrides the queue_size option.
func WithQueueCapacity(n int) Option {
	return func(p *Pool) { p.queueCap = n }
}

// WithTaskTimeout overrides the task_timeout option.
func WithTaskTimeout(d time.Duration) Option {
	return func(p *Pool) { p.timeout = d }
}

// WithShutdownGrace overrides the shutdown_grace option.
func WithShutdownGrace(d time.Duration) Option {
	return func(p *Pool) { p.grace = d }
}

// WithRateLimit overrides the rate_limit option (task starts per second).
func WithRateLimit(perSecond float64) Option {
	return func(p *Pool) { p.rateLimit = perSecond }
}

type worker struct {
	id       int
	cfg      *runconfig.Config
	analyzer Analyzer
}

// Pool is a fixed set of workers consuming a bounded task queue.
type Pool struct {
	workers []*worker
	queue   chan *Handle
	limiter *rate.Limiter
	logger  *zap.Logger

	queueCap  int
	timeout   time.Duration
	grace     time.Duration
	rateLimit float64

	// runCtx is cancelled by Abort or an expired Shutdown; running tasks
	// observe it and queued tasks are resolved as cancelled.
	runCtx    context.Context
	cancelRun context.CancelFunc

	// mu is held for reading while sending on queue so that closing the
	// queue never races with a send.
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	closing   chan struct{}

	pmu     sync.Mutex
	pending map[*Handle]struct{}

	wg       conc.WaitGroup
	finished chan struct{}
}

// New starts size workers. Each worker gets cfg.Snapshot() and an analyzer
// built from it by factory. Any failure is returned as *PoolFatalError.
func New(size int, cfg *runconfig.Config, factory AnalyzerFactory, opts ...Option) (*Pool, error) {
	if size < 1 {
		return nil, &PoolFatalError{Worker: -1, Err: fmt.Errorf("size must be at least 1, got %d", size)}
	}
	if cfg == nil {
		return nil, &PoolFatalError{Worker: -1, Err: errors.New("nil run configuration")}
	}
	if factory == nil {
		return nil, &PoolFatalError{Worker: -1, Err: errors.New("nil analyzer factory")}
	}

	p := &Pool{
		logger:    zap.NewNop(),
		queueCap:  cfg.QueueCapacity(),
		timeout:   cfg.Duration(runconfig.KeyTaskTimeout),
		grace:     cfg.Duration(runconfig.KeyShutdownGrace),
		rateLimit: cfg.Float(runconfig.KeyRateLimit),
		closing:   make(chan struct{}),
		pending:   make(map[*Handle]struct{}),
		finished:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.queueCap < 1 {
		p.queueCap = 1
	}
	if p.rateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(p.rateLimit), 1)
	}

	for i := range size {
		snap := cfg.Snapshot()
		var (
			a   Analyzer
			err error
		)
		var pc panics.Catcher
		pc.Try(func() { a, err = factory(snap) })
		if r := pc.Recovered(); r != nil {
			err = r.AsError()
		}
		if err == nil && a == nil {
			err = errors.New("factory returned no analyzer")
		}
		if err != nil {
			return nil, &PoolFatalError{Worker: i, Err: err}
		}
		p.workers = append(p.workers, &worker{id: i, cfg: snap, analyzer: a})
	}

	p.queue = make(chan *Handle, p.queueCap)
	p.runCtx, p.cancelRun = context.WithCancel(context.Background())
	for _, w := range p.workers {
		p.wg.Go(func() { p.work(w) })
	}
	go func() {
		p.wg.Wait()
		close(p.finished)
	}()

	p.logger.Debug("worker pool started",
		zap.Int("workers", size),
		zap.Int("queue_capacity", p.queueCap),
		zap.Duration("task_timeout", p.timeout))
	return p, nil
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// WorkerConfig returns the configuration snapshot held by worker i.
func (p *Pool) WorkerConfig(i int) *runconfig.Config { return p.workers[i].cfg }

// Submit enqueues a task. It returns immediately while the queue has room
// and otherwise blocks until room is available, ctx is done or the pool is
// closed.
func (p *Pool) Submit(ctx context.Context, t Task) (*Handle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	h := newHandle(t)
	p.pmu.Lock()
	p.pending[h] = struct{}{}
	p.pmu.Unlock()

	select {
	case p.queue <- h:
		return h, nil
	case <-ctx.Done():
		p.forget(h)
		return nil, ctx.Err()
	case <-p.closing:
		p.forget(h)
		return nil, ErrPoolClosed
	}
}

// Shutdown stops intake and waits for queued and running tasks.
//
// If ctx is done first, running tasks are cancelled and given the shutdown
// grace period to return; tasks still unresolved after that are resolved
// as cancelled and their late results are discarded. Shutdown is
// idempotent.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopIntake()

	select {
	case <-p.finished:
		p.cancelRun()
		return nil
	case <-ctx.Done():
	}

	p.logger.Warn("shutdown deadline reached, cancelling running tasks", zap.Duration("grace", p.grace))
	p.cancelRun()

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-p.finished:
	case <-timer.C:
		n := p.abandon()
		p.logger.Warn("abandoned unfinished tasks", zap.Int("tasks", n))
	}
	return ctx.Err()
}

// Abort stops intake, resolves queued tasks as cancelled and cancels
// running tasks. It does not wait; call Shutdown to wait for workers.
func (p *Pool) Abort() {
	p.stopIntake()
	p.cancelRun()
}

func (p *Pool) stopIntake() {
	p.closeOnce.Do(func() {
		// wake blocked submitters before waiting for them to release mu
		close(p.closing)
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	})
}

func (p *Pool) forget(h *Handle) {
	p.pmu.Lock()
	delete(p.pending, h)
	p.pmu.Unlock()
}

func (p *Pool) finish(h *Handle, r Result) {
	if h.resolve(r) {
		p.forget(h)
	}
}

// abandon resolves every unresolved handle as cancelled.
func (p *Pool) abandon() int {
	p.pmu.Lock()
	handles := make([]*Handle, 0, len(p.pending))
	for h := range p.pending {
		handles = append(handles, h)
	}
	p.pmu.Unlock()

	n := 0
	for _, h := range handles {
		if h.resolve(failed(h.task, -1, FailureCancelled, "abandoned after shutdown grace period")) {
			n++
		}
		p.forget(h)
	}
	return n
}
