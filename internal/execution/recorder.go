// Package execution records the lifecycle of job runs: creation, ordered logs, heartbeats
// and a single terminal write.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"datasync/internal/config"
	"datasync/internal/lease"
	"datasync/internal/models"
	"datasync/internal/repository"
)

// ErrAlreadyFinalized is returned by Finalize when the run was finalized before.
var ErrAlreadyFinalized = errors.New("execution already finalized")

// Recorder creates execution records and hands out Run handles for them.
type Recorder struct {
	store  repository.ExecutionStore
	cfg    config.RecorderConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewRecorder(store repository.ExecutionStore, cfg config.RecorderConfig, logger *zap.Logger) *Recorder {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Recorder{
		store:  store,
		cfg:    cfg,
		logger: logger.Named("recorder"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start persists a running record for job and returns its handle.
func (r *Recorder) Start(ctx context.Context, job *models.JobDefinition, trigger string) (*Run, error) {
	host, pid := lease.ProcessIdentity()
	now := r.now()
	id := uuid.New().String()
	rec := &models.ExecutionRecord{
		ID:            id,
		JobID:         job.ID,
		StartedAt:     now,
		LastHeartbeat: now,
		Status:        models.ExecutionRunning,
		Logs:          []models.LogEntry{},
		Context: models.RunContext{
			SourceID:    job.SourceID,
			Destination: job.Destination,
			Mode:        job.EffectiveMode(),
			Cron:        job.Cron,
			Timezone:    job.Timezone,
			Entities:    job.Entities,
			Trigger:     trigger,
		},
		Host:       host,
		PID:        pid,
		LeaseOwner: fmt.Sprintf("%s:%d:%s", host, pid, id),
	}
	if err := r.store.CreateExecution(ctx, rec); err != nil {
		return nil, err
	}
	return &Run{
		rec:        r,
		id:         id,
		jobID:      job.ID,
		leaseOwner: rec.LeaseOwner,
		startedAt:  now,
		logger:     r.logger.With(zap.String("execution_id", id), zap.String("job_id", job.ID)),
	}, nil
}

// Run is the handle of one running execution. It implements replication.EventSink.
type Run struct {
	rec        *Recorder
	id         string
	jobID      string
	leaseOwner string
	startedAt  time.Time
	logger     *zap.Logger

	// logMu keeps appends in emission order.
	logMu sync.Mutex

	mu        sync.Mutex
	stats     models.ExecutionStats
	finalized bool
	hbStop    context.CancelFunc
	hbDone    chan struct{}
}

func (r *Run) ID() string           { return r.id }
func (r *Run) JobID() string        { return r.jobID }
func (r *Run) LeaseOwner() string   { return r.leaseOwner }
func (r *Run) StartedAt() time.Time { return r.startedAt }

// Log appends an entry synchronously. Appends survive cancellation of ctx.
func (r *Run) Log(ctx context.Context, level models.LogLevel, msg string, meta map[string]interface{}) {
	entry := models.LogEntry{
		Timestamp: r.rec.now(),
		Level:     level,
		Message:   msg,
		Metadata:  meta,
	}
	r.logMu.Lock()
	defer r.logMu.Unlock()
	if err := r.rec.store.AppendLog(context.WithoutCancel(ctx), r.id, entry); err != nil {
		r.logger.Warn("Failed to append execution log", zap.String("message", msg), zap.Error(err))
	}
}

// Progress records cumulative stats.
func (r *Run) Progress(ctx context.Context, stats models.ExecutionStats) {
	r.mu.Lock()
	r.stats = stats
	r.mu.Unlock()
	if err := r.rec.store.UpdateStats(context.WithoutCancel(ctx), r.id, stats); err != nil {
		r.logger.Warn("Failed to update execution stats", zap.Error(err))
	}
}

func (r *Run) Stats() models.ExecutionStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// StartHeartbeat bumps lastHeartbeat every interval until Finalize. onCancel is called
// once when the record has been flagged for cancellation.
func (r *Run) StartHeartbeat(ctx context.Context, onCancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hbStop != nil || r.finalized {
		return
	}
	hbCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	r.hbStop = stop
	r.hbDone = make(chan struct{})

	go func() {
		defer close(r.hbDone)
		ticker := time.NewTicker(r.rec.cfg.HeartbeatInterval)
		defer ticker.Stop()
		signaled := false
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				cancelRequested, err := r.rec.store.Heartbeat(hbCtx, r.id, r.rec.now())
				if err != nil {
					if hbCtx.Err() == nil {
						r.logger.Warn("Heartbeat failed", zap.Error(err))
					}
					continue
				}
				if cancelRequested && !signaled && onCancel != nil {
					signaled = true
					r.logger.Info("Cancellation requested")
					onCancel()
				}
			}
		}
	}()
}

func (r *Run) stopHeartbeat() {
	r.mu.Lock()
	stop, done := r.hbStop, r.hbDone
	r.mu.Unlock()
	if stop == nil {
		return
	}
	stop()
	<-done
}

// Finalize writes the terminal state exactly once. A second call returns ErrAlreadyFinalized;
// a record already moved out of running by someone else is reported as (false, nil).
func (r *Run) Finalize(ctx context.Context, status models.ExecutionStatus, execErr *models.ExecutionError) (bool, error) {
	r.mu.Lock()
	if r.finalized {
		r.mu.Unlock()
		return false, ErrAlreadyFinalized
	}
	r.finalized = true
	stats := r.stats
	r.mu.Unlock()

	r.stopHeartbeat()

	now := r.rec.now()
	fin := models.Finalization{
		Status:      status,
		Success:     status == models.ExecutionCompleted,
		CompletedAt: now,
		DurationMS:  now.Sub(r.startedAt).Milliseconds(),
		Error:       execErr,
		Stats:       stats,
	}
	ok, err := r.rec.store.Finalize(context.WithoutCancel(ctx), r.id, fin)
	if err != nil {
		return false, err
	}
	if !ok {
		r.logger.Warn("Execution was no longer running at finalization", zap.String("status", string(status)))
	}
	return ok, nil
}

// ErrorInfo converts err into the persisted error shape.
func ErrorInfo(err error, code string) *models.ExecutionError {
	if err == nil {
		return nil
	}
	return &models.ExecutionError{Message: TrimMessage(err.Error()), Code: code}
}

// TrimMessage bounds error text stored on records.
func TrimMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	if len(msg) > 900 {
		msg = msg[:900]
	}
	return msg
}
