package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"datasync/internal/execution"
	"datasync/internal/lease"
	"datasync/internal/models"
	"datasync/internal/notify"
	"datasync/internal/replication"
	"datasync/internal/repository"
)

func (r *Runner) execute(ctx context.Context, jobID, trigger string) Outcome {
	log := r.logger.With(zap.String("job_id", jobID), zap.String("trigger", trigger))

	job, err := r.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Info("Job no longer exists, skipping")
			return Outcome{State: StateSkipped, Err: err}
		}
		log.Error("Failed to load job", zap.Error(err))
		return Outcome{State: StateSkipped, Err: err}
	}
	if !job.Enabled {
		log.Info("Job is disabled, skipping")
		return Outcome{State: StateSkipped}
	}

	run, err := r.deps.Recorder.Start(ctx, job, trigger)
	if err != nil {
		log.Error("Failed to create execution record", zap.Error(err))
		return Outcome{State: StateSkipped, Err: err}
	}
	log = log.With(zap.String("execution_id", run.ID()))

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	r.register(run, trigger, cancel)
	defer r.unregister(run.ID())

	// Cleanup must still reach the store after the run context is gone.
	cleanupCtx := context.WithoutCancel(ctx)

	leaseName := lease.JobLeaseName(job.ID)
	acquired, err := r.deps.Leases.Acquire(runCtx, leaseName, run.LeaseOwner(), r.cfg.JobLeaseTTL)
	if err != nil || !acquired {
		cause := ErrAlreadyRunning
		if err != nil {
			cause = fmt.Errorf("acquire job lease: %w", err)
			run.Log(cleanupCtx, models.LogError, "Could not acquire job lease", map[string]interface{}{"error": err.Error()})
		} else {
			run.Log(cleanupCtx, models.LogWarn, "Job is already running in another process, skipping", map[string]interface{}{"lease": leaseName})
		}
		code := "already_running"
		if err != nil {
			code = "lease_error"
		}
		if _, ferr := run.Finalize(cleanupCtx, models.ExecutionFailed, execution.ErrorInfo(cause, code)); ferr != nil {
			log.Error("Failed to finalize execution", zap.Error(ferr))
		}
		r.deps.Metrics.RunFinished(string(models.ExecutionFailed), 0, false)
		log.Info("Job lease not acquired, run not started")
		return Outcome{ExecutionID: run.ID(), State: StateSkipped, Status: models.ExecutionFailed, Err: cause}
	}

	defer func() {
		if err := r.deps.Leases.Release(cleanupCtx, leaseName, run.LeaseOwner()); err != nil {
			log.Warn("Failed to release job lease", zap.Error(err))
		}
	}()
	// A run never outlives its lease TTL, which keeps its staging younger than the
	// reaper's orphan age.
	runCtx, cancelTimeout := context.WithTimeoutCause(runCtx, r.cfg.JobLeaseTTL, ErrRunTimeout)
	defer cancelTimeout()

	stopRefresh := r.keepLease(runCtx, leaseName, run.LeaseOwner(), cancel, log)
	defer stopRefresh()

	r.setState(run.ID(), StateRunning)
	r.deps.Metrics.RunStarted()
	run.StartHeartbeat(runCtx, func() { cancel(ErrRunCanceled) })
	log.Info("Run started")

	if err := r.deps.Jobs.MarkRunStarted(cleanupCtx, job.ID, run.StartedAt()); err != nil {
		log.Warn("Failed to mark run started", zap.Error(err))
	}

	result, runErr := r.replicate(runCtx, job, run)

	r.setState(run.ID(), StateFinalizing)
	stopRefresh()

	status := models.ExecutionCompleted
	var execErr *models.ExecutionError
	switch {
	case runErr == nil:
		if err := r.deps.Jobs.MarkRunSucceeded(cleanupCtx, job.ID, time.Now().UTC(), result.Watermarks); err != nil {
			log.Warn("Failed to record run success", zap.Error(err))
		}
		run.Log(cleanupCtx, models.LogInfo, "Run completed", map[string]interface{}{
			"records": result.Stats.RecordsProcessed,
		})
	case canceled(runCtx, runErr):
		status = models.ExecutionCanceled
		execErr = execution.ErrorInfo(runErr, "canceled")
		run.Log(cleanupCtx, models.LogWarn, "Run canceled", map[string]interface{}{"reason": runErr.Error()})
	default:
		status = models.ExecutionFailed
		execErr = execution.ErrorInfo(runErr, "error")
		var pe *panicError
		if errors.Is(runErr, ErrRunTimeout) {
			execErr.Code = "timeout"
		}
		if errors.As(runErr, &pe) {
			execErr.Code = "panic"
			execErr.Stack = execution.TrimMessage(pe.stack)
		}
		run.Log(cleanupCtx, models.LogError, "Run failed", map[string]interface{}{"error": runErr.Error()})
	}
	if status != models.ExecutionCompleted {
		if err := r.deps.Jobs.MarkRunFailed(cleanupCtx, job.ID, execErr.Message); err != nil {
			log.Warn("Failed to record run failure", zap.Error(err))
		}
	}

	if _, err := run.Finalize(cleanupCtx, status, execErr); err != nil {
		log.Error("Failed to finalize execution", zap.Error(err))
	}
	duration := time.Since(run.StartedAt())
	r.deps.Metrics.RunFinished(string(status), duration, true)
	r.deps.Metrics.RecordsSynced(run.Stats().RecordsCreated + run.Stats().RecordsUpdated)

	if status == models.ExecutionFailed {
		log.Error("Run failed", zap.Error(runErr), zap.Duration("duration", duration))
		if err := r.deps.Notifier.Notify(cleanupCtx, notify.Event{
			JobID:       job.ID,
			JobName:     job.Name,
			ExecutionID: run.ID(),
			Status:      string(status),
			Message:     execErr.Message,
		}); err != nil {
			log.Debug("Alert not delivered", zap.Error(err))
		}
	} else {
		log.Info("Run finished", zap.String("status", string(status)), zap.Duration("duration", duration))
	}

	return Outcome{ExecutionID: run.ID(), State: StateIdle, Status: status, Err: runErr, Result: result}
}

type panicError struct {
	value interface{}
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// replicate resolves the source and runs the engine, converting panics into errors.
func (r *Runner) replicate(ctx context.Context, job *models.JobDefinition, run *execution.Run) (res *replication.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &panicError{value: p, stack: string(debug.Stack())}
		}
	}()

	conn, err := r.deps.Resolver.Resolve(ctx, job)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			r.logger.Warn("Failed to close source connection", zap.String("job_id", job.ID), zap.Error(cerr))
		}
	}()

	run.Log(ctx, models.LogInfo, "Source connected", map[string]interface{}{
		"source_id":   conn.SourceID,
		"source_name": conn.SourceName,
	})

	return r.deps.Engine.Sync(ctx, replication.SyncSpec{
		JobID:       job.ID,
		SourceID:    conn.SourceID,
		SourceName:  conn.SourceName,
		Destination: job.Destination,
		Mode:        job.EffectiveMode(),
		Entities:    job.Entities,
		Watermarks:  job.Watermarks,
		Adapter:     conn.Adapter,
	}, run)
}

// keepLease refreshes the job lease until stopped. A refresh that finds the lease gone
// cancels the run; refresh errors are only logged.
func (r *Runner) keepLease(ctx context.Context, name, owner string, cancel context.CancelCauseFunc, log *zap.Logger) func() {
	interval := r.cfg.LeaseRefresh
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ctx, stop := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := r.deps.Leases.Refresh(ctx, name, owner, r.cfg.JobLeaseTTL)
				if err != nil {
					if ctx.Err() == nil {
						log.Warn("Job lease refresh failed", zap.Error(err))
					}
					continue
				}
				if !ok {
					log.Error("Job lease lost, canceling run", zap.String("lease", name))
					r.deps.Metrics.LeaseLost("job")
					cancel(ErrLeaseLost)
					return
				}
			}
		}
	}()

	var once bool
	return func() {
		if once {
			return
		}
		once = true
		stop()
		<-done
	}
}

func canceled(ctx context.Context, err error) bool {
	if errors.Is(err, ErrRunTimeout) {
		return false
	}
	for _, target := range []error{ErrRunCanceled, ErrLeaseLost, ErrShutdown} {
		if errors.Is(err, target) {
			return true
		}
	}
	if cause := context.Cause(ctx); cause != nil {
		return errors.Is(err, context.Canceled) || errors.Is(err, cause)
	}
	return false
}

func (r *Runner) register(run *execution.Run, trigger string, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[run.ID()] = &activeRun{
		info: ActiveRun{
			ExecutionID: run.ID(),
			JobID:       run.JobID(),
			Trigger:     trigger,
			State:       StateLocking,
			StartedAt:   run.StartedAt(),
		},
		cancel: cancel,
	}
}

func (r *Runner) unregister(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, executionID)
}
