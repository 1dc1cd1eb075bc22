// Package reaper recovers work left behind by crashed processes: runs whose heartbeat
// stopped, the job leases they still hold, and orphaned staging or backup collections.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"datasync/internal/config"
	"datasync/internal/docstore"
	"datasync/internal/lease"
	"datasync/internal/metrics"
	"datasync/internal/models"
	"datasync/internal/notify"
	"datasync/internal/pkg/utils"
	"datasync/internal/replication"
	"datasync/internal/repository"
)

type Deps struct {
	Executions repository.ExecutionStore
	Jobs       repository.JobStore
	Leases     lease.Store
	Store      docstore.Store
	Metrics    *metrics.Collector
	Notifier   notify.Notifier
}

// Result summarizes one sweep.
type Result struct {
	Abandoned      int
	LeasesReleased int
	OrphansDropped int
	Restored       int
}

type Reaper struct {
	cfg    config.ReaperConfig
	deps   Deps
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
	wg   sync.WaitGroup
}

func New(cfg config.ReaperConfig, deps Deps, logger *zap.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	return &Reaper{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("reaper"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start sweeps once and then every Interval until Stop.
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return
	}
	r.cron = cron.New(cron.WithChain(
		cron.Recover(utils.CronLogger(r.logger)),
		cron.SkipIfStillRunning(utils.CronLogger(r.logger)),
	))
	r.cron.AddFunc(utils.Every(r.cfg.Interval), r.sweep)
	r.cron.Start()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sweep()
	}()
	r.logger.Info("Reaper started", zap.Duration("interval", r.cfg.Interval))
}

// Stop halts the periodic sweep and waits for a running one.
func (r *Reaper) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	r.wg.Wait()
	r.logger.Info("Reaper stopped")
}

func (r *Reaper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Interval)
	defer cancel()
	res, err := r.Sweep(ctx)
	if err != nil {
		r.logger.Error("Sweep failed", zap.Error(err))
		return
	}
	if res.Abandoned > 0 || res.OrphansDropped > 0 || res.Restored > 0 {
		r.logger.Info("Sweep finished",
			zap.Int("abandoned", res.Abandoned),
			zap.Int("leases_released", res.LeasesReleased),
			zap.Int("orphans_dropped", res.OrphansDropped),
			zap.Int("restored", res.Restored),
		)
	}
}

// Sweep runs both recovery passes once.
func (r *Reaper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	abandoned, released, errExec := r.SweepExecutions(ctx)
	res.Abandoned, res.LeasesReleased = abandoned, released
	dropped, restored, errOrphans := r.SweepOrphans(ctx)
	res.OrphansDropped, res.Restored = dropped, restored
	return res, errors.Join(errExec, errOrphans)
}

// SweepExecutions marks running executions with a stale heartbeat as abandoned and
// releases the job lease they were holding.
func (r *Reaper) SweepExecutions(ctx context.Context) (abandoned, released int, err error) {
	now := r.now()
	cutoff := now.Add(-r.cfg.StaleAfter)
	stale, err := r.deps.Executions.FindStaleRunning(ctx, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("find stale executions: %w", err)
	}

	for _, rec := range stale {
		msg := fmt.Sprintf("abandoned: no heartbeat since %s (host %s pid %d)",
			rec.LastHeartbeat.Format(time.RFC3339), rec.Host, rec.PID)
		ok, err := r.deps.Executions.MarkAbandoned(ctx, rec.ID, cutoff, now, msg)
		if err != nil {
			r.logger.Error("Failed to mark execution abandoned", zap.String("execution_id", rec.ID), zap.Error(err))
			continue
		}
		if !ok {
			// finalized or heartbeat resumed since the query
			continue
		}
		abandoned++
		r.deps.Metrics.RunAbandoned()
		log := r.logger.With(zap.String("execution_id", rec.ID), zap.String("job_id", rec.JobID))
		log.Warn("Execution abandoned", zap.Time("last_heartbeat", rec.LastHeartbeat))

		if rec.LeaseOwner != "" {
			name := lease.JobLeaseName(rec.JobID)
			if err := r.deps.Leases.Release(ctx, name, rec.LeaseOwner); err != nil {
				log.Error("Failed to release job lease of abandoned run", zap.Error(err))
			} else {
				released++
			}
		}
		if err := r.deps.Jobs.MarkRunFailed(ctx, rec.JobID, msg); err != nil && !errors.Is(err, repository.ErrNotFound) {
			log.Warn("Failed to record abandonment on job", zap.Error(err))
		}
		if err := r.deps.Notifier.Notify(ctx, notify.Event{
			JobID:       rec.JobID,
			ExecutionID: rec.ID,
			Status:      string(models.ExecutionAbandoned),
			Message:     msg,
		}); err != nil {
			log.Debug("Alert not delivered", zap.Error(err))
		}
	}
	return abandoned, released, nil
}

// SweepOrphans drops staging and backup collections older than their configured age.
// An aged backup whose target is missing is renamed back to the target instead, since
// the process that made it died between the two renames of a swap.
func (r *Reaper) SweepOrphans(ctx context.Context) (dropped, restored int, err error) {
	if r.deps.Store == nil || (r.cfg.OrphanStagingAge <= 0 && r.cfg.OrphanBackupAge <= 0) {
		return 0, 0, nil
	}
	names, err := r.deps.Store.ListCollections(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list collections: %w", err)
	}

	now := r.now()
	exists := make(map[string]bool, len(names))
	var orphans []replication.TempCollection
	for _, name := range names {
		exists[name] = true
		tc, ok := replication.ParseTempName(name)
		if !ok {
			continue
		}
		maxAge := r.cfg.OrphanBackupAge
		if tc.Kind == "staging" {
			maxAge = r.cfg.OrphanStagingAge
		}
		if maxAge <= 0 || now.Sub(tc.CreatedAt) < maxAge {
			continue
		}
		orphans = append(orphans, tc)
	}
	// newest backup first so it is the one restored when several exist
	sort.SliceStable(orphans, func(i, j int) bool {
		return orphans[i].CreatedAt.After(orphans[j].CreatedAt)
	})

	for _, tc := range orphans {
		if tc.Kind == "backup" && !exists[tc.Target] {
			if err := r.deps.Store.Rename(ctx, tc.Name, tc.Target, false); err != nil {
				r.logger.Error("Failed to restore live collection from orphan backup",
					zap.String("collection", tc.Name), zap.String("target", tc.Target), zap.Error(err))
				continue
			}
			exists[tc.Target] = true
			restored++
			r.logger.Warn("Restored live collection from orphan backup",
				zap.String("collection", tc.Name),
				zap.String("target", tc.Target),
			)
			continue
		}
		if err := r.deps.Store.DropIfExists(ctx, tc.Name); err != nil {
			r.logger.Error("Failed to drop orphan collection", zap.String("collection", tc.Name), zap.Error(err))
			continue
		}
		dropped++
		r.deps.Metrics.OrphanDropped(tc.Kind)
		r.logger.Info("Dropped orphan collection",
			zap.String("collection", tc.Name),
			zap.String("kind", tc.Kind),
			zap.Duration("age", now.Sub(tc.CreatedAt)),
		)
	}
	return dropped, restored, nil
}
