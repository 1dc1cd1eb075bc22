// Package runner executes one job run end to end: lock, replicate, record, release.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"datasync/internal/config"
	"datasync/internal/execution"
	"datasync/internal/lease"
	"datasync/internal/metrics"
	"datasync/internal/models"
	"datasync/internal/notify"
	"datasync/internal/replication"
	"datasync/internal/repository"
	"datasync/internal/source"
)

var (
	ErrAlreadyRunning = errors.New("already running")
	ErrRunCanceled    = errors.New("run canceled")
	ErrLeaseLost      = errors.New("job lease lost")
	ErrShutdown       = errors.New("worker shutting down")
	// ErrRunTimeout ends a run that outlived its job lease TTL.
	ErrRunTimeout = errors.New("run exceeded job lease ttl")
)

// State is the runner state of one run.
type State string

const (
	StateIdle       State = "idle"
	StateLocking    State = "locking"
	StateRunning    State = "running"
	StateFinalizing State = "finalizing"
	StateSkipped    State = "skipped"
)

// Resolver builds a source connection for a job.
type Resolver interface {
	Resolve(ctx context.Context, job *models.JobDefinition) (*source.Connection, error)
}

// Syncer replicates data for a run.
type Syncer interface {
	Sync(ctx context.Context, spec replication.SyncSpec, sink replication.EventSink) (*replication.Result, error)
}

type Deps struct {
	Jobs     repository.JobStore
	Recorder *execution.Recorder
	Leases   lease.Store
	Resolver Resolver
	Engine   Syncer
	Metrics  *metrics.Collector
	Notifier notify.Notifier
}

// Outcome is what Run reports back.
type Outcome struct {
	ExecutionID string
	State       State
	Status      models.ExecutionStatus
	Err         error
	Result      *replication.Result
}

// ActiveRun describes a run executing in this process.
type ActiveRun struct {
	ExecutionID string    `json:"execution_id"`
	JobID       string    `json:"job_id"`
	Trigger     string    `json:"trigger"`
	State       State     `json:"state"`
	StartedAt   time.Time `json:"started_at"`
}

type activeRun struct {
	info   ActiveRun
	cancel context.CancelCauseFunc
}

type Runner struct {
	cfg    config.RunnerConfig
	deps   Deps
	logger *zap.Logger
	pool   *ants.Pool

	base       context.Context
	cancelBase context.CancelCauseFunc

	mu     sync.Mutex
	active map[string]*activeRun
	closed bool
	wg     sync.WaitGroup
}

func New(cfg config.RunnerConfig, deps Deps, logger *zap.Logger) (*Runner, error) {
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 8
	}
	if cfg.JobLeaseTTL <= 0 {
		cfg.JobLeaseTTL = 8 * time.Hour
	}
	logger = logger.Named("runner")

	pool, err := ants.NewPool(cfg.MaxConcurrentRuns,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			logger.Error("Run goroutine panicked", zap.Any("error", p), zap.ByteString("stack", debug.Stack()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create run pool: %w", err)
	}

	base, cancel := context.WithCancelCause(context.Background())
	return &Runner{
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		pool:       pool,
		base:       base,
		cancelBase: cancel,
		active:     make(map[string]*activeRun),
	}, nil
}

// Dispatch queues a run on the pool. It never blocks; a full pool is reported as an error.
func (r *Runner) Dispatch(jobID, trigger string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrShutdown
	}
	r.wg.Add(1)
	r.mu.Unlock()

	err := r.pool.Submit(func() {
		defer r.wg.Done()
		r.execute(r.base, jobID, trigger)
	})
	if err != nil {
		r.wg.Done()
		if errors.Is(err, ants.ErrPoolOverload) {
			return fmt.Errorf("dispatch job %s: %d runs already in progress", jobID, r.cfg.MaxConcurrentRuns)
		}
		return fmt.Errorf("dispatch job %s: %w", jobID, err)
	}
	return nil
}

// Run executes a run synchronously on the caller's goroutine.
func (r *Runner) Run(ctx context.Context, jobID, trigger string) Outcome {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Outcome{State: StateSkipped, Err: ErrShutdown}
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	// stop with the runner as well as with ctx
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(r.base, func() { cancel(context.Cause(r.base)) })
	defer stop()

	return r.execute(ctx, jobID, trigger)
}

// Cancel stops an in-process run. It reports whether the run was found.
func (r *Runner) Cancel(executionID string) bool {
	r.mu.Lock()
	a, ok := r.active[executionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	a.cancel(ErrRunCanceled)
	return true
}

// Active lists runs executing in this process.
func (r *Runner) Active() []ActiveRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ActiveRun, 0, len(r.active))
	for _, a := range r.active {
		out = append(out, a.info)
	}
	return out
}

// Shutdown cancels active runs, waits for them to finalize and releases the pool.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancelBase(ErrShutdown)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.pool.Release()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runner shutdown: %w", ctx.Err())
	}
}

func (r *Runner) setState(executionID string, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.active[executionID]; ok {
		a.info.State = s
	}
}
