// Package cron keeps one robfig/cron entry per enabled sync job and dispatches fires,
// after a random jitter, to the runner. It also drains run-now requests.
package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"datasync/internal/config"
	"datasync/internal/metrics"
	"datasync/internal/models"
	"datasync/internal/pkg/utils"
	"datasync/internal/repository"
)

// maxRequestsPerTick bounds how many run requests one poll dispatches.
const maxRequestsPerTick = 100

// Dispatcher starts a run without waiting for it.
type Dispatcher interface {
	Dispatch(jobID, trigger string) error
}

// Scheduler manages the cron entries of sync jobs.
type Scheduler struct {
	cfg        config.SchedulerConfig
	jobs       repository.JobStore
	requests   repository.RunRequestStore
	dispatcher Dispatcher
	metrics    *metrics.Collector
	logger     *zap.Logger
	parser     cron.Parser

	jitter func(max time.Duration) time.Duration
	sleep  func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]entry
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type entry struct {
	id          cron.EntryID
	fingerprint string
	valid       bool
}

// ScheduledJob is a job holding a cron entry.
type ScheduledJob struct {
	JobID string    `json:"job_id"`
	Next  time.Time `json:"next"`
}

// New creates a new job scheduler.
func New(cfg config.SchedulerConfig, jobs repository.JobStore, requests repository.RunRequestStore, dispatcher Dispatcher, m *metrics.Collector, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		jobs:       jobs,
		requests:   requests,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger.Named("scheduler"),
		parser:     cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jitter:     utils.RandomDuration,
		sleep:      sleepContext,
		entries:    make(map[string]entry),
	}
}

// Start loads every enabled job and starts the poll loops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.logger.Info("Starting job scheduler...")
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.cron = cron.New(
		cron.WithParser(s.parser),
		cron.WithLogger(utils.CronLogger(s.logger)),
		cron.WithChain(cron.Recover(utils.CronLogger(s.logger))),
	)
	c := s.cron
	s.mu.Unlock()

	if s.cfg.PollInterval > 0 {
		c.AddFunc(utils.Every(s.cfg.PollInterval), func() {
			if err := s.Sync(s.ctx); err != nil {
				s.logger.Error("Job definition poll failed", zap.Error(err))
			}
		})
	}
	if s.requests != nil && s.cfg.RunRequestInterval > 0 {
		c.AddFunc(utils.Every(s.cfg.RunRequestInterval), func() {
			s.DrainRunRequests(s.ctx)
		})
	}
	c.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Load(s.ctx); err != nil && s.ctx.Err() == nil {
			s.logger.Error("Initial job load failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop removes every entry and waits for in-flight fires to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	cancel()
	<-c.Stop().Done()
	s.wg.Wait()

	s.mu.Lock()
	s.entries = make(map[string]entry)
	s.mu.Unlock()
	s.metrics.SetScheduledJobs(0)
	s.logger.Info("Job scheduler stopped")
}

// Load schedules every enabled job, pausing a random stagger between entries.
func (s *Scheduler) Load(ctx context.Context) error {
	jobs, err := s.jobs.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })

	scheduled := 0
	for i := range jobs {
		job := &jobs[i]
		if !job.Enabled {
			continue
		}
		if scheduled > 0 && s.cfg.StartupStagger > 0 {
			if err := s.sleep(ctx, s.jitter(s.cfg.StartupStagger)); err != nil {
				return err
			}
		}
		if s.upsert(job) {
			scheduled++
		}
	}
	s.logger.Info("Jobs loaded", zap.Int("scheduled", scheduled), zap.Int("total", len(jobs)))
	return nil
}

// Sync reconciles cron entries with the stored job definitions.
func (s *Scheduler) Sync(ctx context.Context) error {
	jobs, err := s.jobs.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	seen := make(map[string]bool, len(jobs))
	for i := range jobs {
		job := &jobs[i]
		seen[job.ID] = true
		if !job.Enabled {
			if s.remove(job.ID) {
				s.logger.Info("Job disabled, entry removed", zap.String("job_id", job.ID))
			}
			continue
		}
		s.upsert(job)
	}

	s.mu.Lock()
	var gone []string
	for id := range s.entries {
		if !seen[id] {
			gone = append(gone, id)
		}
	}
	s.mu.Unlock()
	for _, id := range gone {
		if s.remove(id) {
			s.logger.Info("Job deleted, entry removed", zap.String("job_id", id))
		}
	}
	return nil
}

// upsert schedules job unless an entry with the same fingerprint exists.
// It reports whether the job now holds a valid entry.
func (s *Scheduler) upsert(job *models.JobDefinition) bool {
	fp := fingerprint(job)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return false
	}
	if e, ok := s.entries[job.ID]; ok {
		if e.fingerprint == fp {
			return e.valid
		}
		if e.valid {
			s.cron.Remove(e.id)
		}
		delete(s.entries, job.ID)
	}

	log := s.logger.With(zap.String("job_id", job.ID), zap.String("cron", job.Cron), zap.String("timezone", job.Timezone))
	sched, err := s.parse(job)
	if err != nil {
		// remembered so the next poll does not log it again until the job changes
		s.entries[job.ID] = entry{fingerprint: fp}
		log.Error("Invalid schedule, job left unscheduled", zap.Error(err))
		s.metrics.SetScheduledJobs(s.validCount())
		return false
	}

	jobID := job.ID
	id := s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(jobID) }))
	s.entries[job.ID] = entry{id: id, fingerprint: fp, valid: true}
	s.metrics.SetScheduledJobs(s.validCount())
	log.Info("Job scheduled", zap.Time("next", sched.Next(time.Now())))
	return true
}

func (s *Scheduler) remove(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jobID]
	if !ok {
		return false
	}
	if e.valid && s.cron != nil {
		s.cron.Remove(e.id)
	}
	delete(s.entries, jobID)
	s.metrics.SetScheduledJobs(s.validCount())
	return true
}

func (s *Scheduler) validCount() int {
	n := 0
	for _, e := range s.entries {
		if e.valid {
			n++
		}
	}
	return n
}

func (s *Scheduler) parse(job *models.JobDefinition) (cron.Schedule, error) {
	spec := strings.TrimSpace(job.Cron)
	if spec == "" {
		return nil, errors.New("empty cron expression")
	}
	if job.Timezone != "" {
		if _, err := time.LoadLocation(job.Timezone); err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", job.Timezone, err)
		}
		spec = "CRON_TZ=" + job.Timezone + " " + spec
	}
	return s.parser.Parse(spec)
}

// fire runs on the cron goroutine: wait the jitter, then hand the job to the runner.
func (s *Scheduler) fire(jobID string) {
	defer s.recoverFromPanic("fire")

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	delay := s.jitter(s.cfg.MaxJitter)
	if err := s.sleep(ctx, delay); err != nil {
		return
	}

	s.mu.Lock()
	e, ok := s.entries[jobID]
	s.mu.Unlock()
	if !ok || !e.valid {
		// removed while waiting out the jitter
		return
	}

	if err := s.dispatcher.Dispatch(jobID, models.TriggerCron); err != nil {
		s.logger.Warn("Failed to dispatch job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	s.logger.Debug("Job dispatched", zap.String("job_id", jobID), zap.Duration("jitter", delay))
}

// DrainRunRequests dispatches queued run-now requests without jitter.
func (s *Scheduler) DrainRunRequests(ctx context.Context) {
	defer s.recoverFromPanic("drainRunRequests")

	for i := 0; i < maxRequestsPerTick; i++ {
		req, err := s.requests.ClaimNextRunRequest(ctx)
		if err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				s.logger.Error("Failed to claim run request", zap.Error(err))
			}
			return
		}
		log := s.logger.With(zap.String("job_id", req.JobID), zap.String("request_id", req.ID), zap.String("requested_by", req.RequestedBy))
		if err := s.dispatcher.Dispatch(req.JobID, models.TriggerManual); err != nil {
			log.Warn("Failed to dispatch run request", zap.Error(err))
			continue
		}
		log.Info("Run request dispatched")
	}
}

// Scheduled lists jobs holding an entry with their next fire time.
func (s *Scheduler) Scheduled() []ScheduledJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduledJob, 0, len(s.entries))
	for id, e := range s.entries {
		if !e.valid || s.cron == nil {
			continue
		}
		out = append(out, ScheduledJob{JobID: id, Next: s.cron.Entry(e.id).Next})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].JobID < out[k].JobID })
	return out
}

func (s *Scheduler) recoverFromPanic(jobName string) {
	if r := recover(); r != nil {
		s.logger.Error("Cron job panicked", zap.String("job", jobName), zap.Any("error", r))
	}
}

func fingerprint(job *models.JobDefinition) string {
	return strings.Join([]string{
		job.Cron,
		job.Timezone,
		strconv.FormatBool(job.Enabled),
		strconv.FormatInt(job.UpdatedAt.UnixNano(), 10),
	}, "|")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
