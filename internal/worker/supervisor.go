// Package worker elects the single active scheduler process through the worker lease.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"datasync/internal/config"
	"datasync/internal/lease"
	"datasync/internal/metrics"
)

// Scheduler is started when this process takes the worker lease and stopped when it loses it.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop()
}

type Reaper interface {
	Start()
	Stop()
}

type Runner interface {
	Shutdown(ctx context.Context) error
}

type Engine interface {
	Close(ctx context.Context) error
}

type Deps struct {
	Leases    lease.Store
	Scheduler Scheduler
	Reaper    Reaper
	Runner    Runner
	Engine    Engine
	Metrics   *metrics.Collector
}

// State of the supervisor.
type State string

const (
	StateStandby  State = "standby"
	StateActive   State = "active"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Status is a snapshot for the ops surface.
type Status struct {
	Owner       string     `json:"owner"`
	State       State      `json:"state"`
	Leader      bool       `json:"leader"`
	LeaderSince *time.Time `json:"leader_since,omitempty"`
	LastRefresh *time.Time `json:"last_refresh,omitempty"`
	LeaseLosses int        `json:"lease_losses"`
}

type Supervisor struct {
	cfg    config.WorkerConfig
	deps   Deps
	owner  string
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	status Status
}

func New(cfg config.WorkerConfig, deps Deps, logger *zap.Logger) *Supervisor {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Minute
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = cfg.LeaseTTL / 2
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = cfg.LeaseTTL + cfg.RefreshInterval
	}
	if cfg.AcquireRetry <= 0 {
		cfg.AcquireRetry = 10 * time.Second
	}
	owner := lease.NewOwnerID()
	return &Supervisor{
		cfg:    cfg,
		deps:   deps,
		owner:  owner,
		logger: logger.Named("worker").With(zap.String("owner", owner)),
		now:    func() time.Time { return time.Now().UTC() },
		status: Status{Owner: owner, State: StateStandby},
	}
}

// Owner returns the id this process uses on the worker lease.
func (s *Supervisor) Owner() string {
	return s.owner
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run competes for the worker lease until ctx is done. While the lease is held the
// scheduler and reaper run; on lease loss they are stopped and the process returns
// to standby. In-flight runs are never touched here.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("Worker supervisor started")
	for {
		if err := s.acquire(ctx); err != nil {
			return nil
		}
		if err := s.lead(ctx); err != nil {
			s.logger.Error("Failed to start scheduling, releasing worker lease", zap.Error(err))
			s.release(context.WithoutCancel(ctx))
			if err := sleepContext(ctx, s.cfg.AcquireRetry); err != nil {
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// acquire blocks until the worker lease is held or ctx is done.
func (s *Supervisor) acquire(ctx context.Context) error {
	for {
		ok, err := s.deps.Leases.Acquire(ctx, lease.WorkerLeaseName, s.owner, s.cfg.LeaseTTL)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("Worker lease acquire failed", zap.Error(err))
		}
		if ok {
			return nil
		}

		if err == nil {
			stale, err := s.deps.Leases.IsStale(ctx, lease.WorkerLeaseName, s.cfg.StaleAfter)
			if err != nil && !errors.Is(err, lease.ErrNotFound) && ctx.Err() == nil {
				s.logger.Warn("Worker lease stale check failed", zap.Error(err))
			}
			if stale {
				if s.reclaim(ctx) {
					continue
				}
			}
		}

		if err := sleepContext(ctx, s.cfg.AcquireRetry); err != nil {
			return err
		}
	}
}

func (s *Supervisor) reclaim(ctx context.Context) bool {
	holder := ""
	if l, err := s.deps.Leases.Get(ctx, lease.WorkerLeaseName); err == nil {
		holder = l.Owner
	}
	ok, err := s.deps.Leases.ReclaimStale(ctx, lease.WorkerLeaseName, s.cfg.StaleAfter)
	if err != nil {
		s.logger.Warn("Failed to reclaim stale worker lease", zap.Error(err))
		return false
	}
	if ok {
		s.logger.Warn("Reclaimed stale worker lease", zap.String("previous_owner", holder))
	}
	return ok
}

// lead runs the scheduling components while the lease is held. It returns nil on
// lease loss or when ctx is done.
func (s *Supervisor) lead(ctx context.Context) error {
	since := s.now()
	s.setLeader(true, since)
	defer s.setLeader(false, since)
	s.logger.Info("Worker lease acquired, scheduling enabled")

	if s.deps.Scheduler != nil {
		if err := s.deps.Scheduler.Start(ctx); err != nil {
			return err
		}
		defer s.deps.Scheduler.Stop()
	}
	if s.deps.Reaper != nil {
		s.deps.Reaper.Start()
		defer s.deps.Reaper.Stop()
	}

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	lastOK := since
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		ok, err := s.deps.Leases.Refresh(ctx, lease.WorkerLeaseName, s.owner, s.cfg.LeaseTTL)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// a store outage only counts as loss once the lease could have expired
			if s.now().Sub(lastOK) < s.cfg.LeaseTTL {
				s.logger.Warn("Worker lease refresh failed", zap.Error(err))
				continue
			}
			s.lost("refresh failing past lease ttl", err)
			return nil
		}
		if !ok {
			s.lost("lease reclaimed by another process", nil)
			return nil
		}
		lastOK = s.now()
		s.mu.Lock()
		s.status.LastRefresh = &lastOK
		s.mu.Unlock()
	}
}

func (s *Supervisor) lost(reason string, err error) {
	s.deps.Metrics.LeaseLost("worker")
	s.mu.Lock()
	s.status.LeaseLosses++
	s.mu.Unlock()
	fields := []zap.Field{zap.String("reason", reason)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.logger.Error("Worker lease lost, stepping down to standby", fields...)
}

// Shutdown stops the runner, drops pending backups and releases the worker lease.
// Call it after the context given to Run is done.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.setState(StateStopping)
	var errs []error
	if s.deps.Runner != nil {
		if err := s.deps.Runner.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.deps.Engine != nil {
		if err := s.deps.Engine.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.release(ctx)
	s.setState(StateStopped)
	s.logger.Info("Worker supervisor stopped")
	return errors.Join(errs...)
}

func (s *Supervisor) release(ctx context.Context) {
	if err := s.deps.Leases.Release(ctx, lease.WorkerLeaseName, s.owner); err != nil {
		s.logger.Warn("Failed to release worker lease", zap.Error(err))
	}
}

func (s *Supervisor) setLeader(held bool, since time.Time) {
	s.deps.Metrics.SetLeader(held)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Leader = held
	if held {
		s.status.State = StateActive
		s.status.LeaderSince = &since
		return
	}
	if s.status.State == StateActive {
		s.status.State = StateStandby
	}
	s.status.LeaderSince = nil
	s.status.LastRefresh = nil
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.status.State = state
	s.mu.Unlock()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
