package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"datasync/internal/models"
	"datasync/internal/repository"
)

// JobStore is an in-memory repository.JobStore.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]models.JobDefinition
}

func NewJobStore(jobs ...models.JobDefinition) *JobStore {
	s := &JobStore{jobs: make(map[string]models.JobDefinition)}
	for _, j := range jobs {
		s.Put(j)
	}
	return s
}

// Put inserts or replaces a job.
func (s *JobStore) Put(job models.JobDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

func (s *JobStore) SaveJob(_ context.Context, job *models.JobDefinition) error {
	s.Put(*job)
	return nil
}

func (s *JobStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

func (s *JobStore) GetJob(_ context.Context, id string) (*models.JobDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := job
	if job.Watermarks != nil {
		cp.Watermarks = make(map[string]time.Time, len(job.Watermarks))
		for k, v := range job.Watermarks {
			cp.Watermarks[k] = v
		}
	}
	return &cp, nil
}

func (s *JobStore) ListJobs(_ context.Context) ([]models.JobDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.JobDefinition, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *JobStore) MarkRunStarted(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(j *models.JobDefinition) {
		j.LastRunAt = &at
		j.RunCount++
	})
}

func (s *JobStore) MarkRunSucceeded(_ context.Context, id string, at time.Time, watermarks map[string]time.Time) error {
	return s.update(id, func(j *models.JobDefinition) {
		j.LastSuccessAt = &at
		j.LastError = ""
		if len(watermarks) > 0 && j.Watermarks == nil {
			j.Watermarks = make(map[string]time.Time)
		}
		for k, v := range watermarks {
			j.Watermarks[k] = v
		}
	})
}

func (s *JobStore) MarkRunFailed(_ context.Context, id, message string) error {
	return s.update(id, func(j *models.JobDefinition) { j.LastError = message })
}

func (s *JobStore) update(id string, fn func(*models.JobDefinition)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	fn(&job)
	s.jobs[id] = job
	return nil
}

// ExecutionStore is an in-memory repository.ExecutionStore.
type ExecutionStore struct {
	mu      sync.Mutex
	records map[string]*models.ExecutionRecord
	order   []string
}

func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{records: make(map[string]*models.ExecutionRecord)}
}

func (s *ExecutionStore) CreateExecution(_ context.Context, rec *models.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.Logs = append([]models.LogEntry{}, rec.Logs...)
	s.records[rec.ID] = &cp
	s.order = append(s.order, rec.ID)
	return nil
}

func (s *ExecutionStore) GetExecution(_ context.Context, id string) (*models.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyRecord(rec), nil
}

func (s *ExecutionStore) AppendLog(_ context.Context, id string, entry models.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[id]; ok {
		rec.Logs = append(rec.Logs, entry)
	}
	return nil
}

func (s *ExecutionStore) UpdateStats(_ context.Context, id string, stats models.ExecutionStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[id]; ok && rec.Status == models.ExecutionRunning {
		rec.Stats = stats
	}
	return nil
}

func (s *ExecutionStore) Heartbeat(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Status != models.ExecutionRunning {
		return false, repository.ErrNotFound
	}
	rec.LastHeartbeat = at
	return rec.CancelRequested, nil
}

func (s *ExecutionStore) Finalize(_ context.Context, id string, fin models.Finalization) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Status != models.ExecutionRunning {
		return false, nil
	}
	completed := fin.CompletedAt
	rec.Status = fin.Status
	rec.Success = fin.Success
	rec.CompletedAt = &completed
	rec.DurationMS = fin.DurationMS
	rec.Stats = fin.Stats
	if fin.Error != nil {
		e := *fin.Error
		rec.Error = &e
	}
	return true, nil
}

func (s *ExecutionStore) RequestCancel(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Status != models.ExecutionRunning {
		return false, nil
	}
	rec.CancelRequested = true
	return true, nil
}

func (s *ExecutionStore) FindStaleRunning(_ context.Context, cutoff time.Time) ([]models.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ExecutionRecord
	for _, id := range s.order {
		rec := s.records[id]
		if rec.Status == models.ExecutionRunning && rec.LastHeartbeat.Before(cutoff) {
			out = append(out, *copyRecord(rec))
		}
	}
	return out, nil
}

func (s *ExecutionStore) MarkAbandoned(_ context.Context, id string, cutoff, at time.Time, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Status != models.ExecutionRunning || !rec.LastHeartbeat.Before(cutoff) {
		return false, nil
	}
	rec.Status = models.ExecutionAbandoned
	rec.Success = false
	rec.CompletedAt = &at
	rec.Error = &models.ExecutionError{Message: message, Code: "abandoned"}
	rec.Logs = append(rec.Logs, models.LogEntry{Timestamp: at, Level: models.LogError, Message: message})
	return true, nil
}

func (s *ExecutionStore) ListRunning(_ context.Context) ([]models.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ExecutionRecord
	for _, id := range s.order {
		if rec := s.records[id]; rec.Status == models.ExecutionRunning {
			out = append(out, *copyRecord(rec))
		}
	}
	return out, nil
}

// All returns every record in creation order.
func (s *ExecutionStore) All() []models.ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ExecutionRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *copyRecord(s.records[id]))
	}
	return out
}

// Mutate edits a stored record in place, for arranging test scenarios.
func (s *ExecutionStore) Mutate(id string, fn func(*models.ExecutionRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[id]; ok {
		fn(rec)
	}
}

func copyRecord(rec *models.ExecutionRecord) *models.ExecutionRecord {
	cp := *rec
	cp.Logs = append([]models.LogEntry{}, rec.Logs...)
	if rec.Error != nil {
		e := *rec.Error
		cp.Error = &e
	}
	return &cp
}

// RunRequestStore is an in-memory FIFO repository.RunRequestStore.
type RunRequestStore struct {
	mu   sync.Mutex
	reqs []models.RunRequest
}

func NewRunRequestStore() *RunRequestStore {
	return &RunRequestStore{}
}

func (s *RunRequestStore) CreateRunRequest(_ context.Context, req *models.RunRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	s.reqs = append(s.reqs, *req)
	return nil
}

func (s *RunRequestStore) ClaimNextRunRequest(_ context.Context) (*models.RunRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reqs) == 0 {
		return nil, repository.ErrNotFound
	}
	req := s.reqs[0]
	s.reqs = s.reqs[1:]
	return &req, nil
}

func (s *RunRequestStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

// DataSourceStore is an in-memory repository.DataSourceStore.
type DataSourceStore struct {
	mu      sync.Mutex
	sources map[string]models.DataSource
}

func NewDataSourceStore(sources ...models.DataSource) *DataSourceStore {
	s := &DataSourceStore{sources: make(map[string]models.DataSource)}
	for _, ds := range sources {
		s.sources[ds.ID] = ds
	}
	return s
}

func (s *DataSourceStore) SaveDataSource(_ context.Context, ds *models.DataSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[ds.ID] = *ds
	return nil
}

func (s *DataSourceStore) GetDataSource(_ context.Context, id string) (*models.DataSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.sources[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &ds, nil
}

var (
	_ repository.JobStore        = (*JobStore)(nil)
	_ repository.ExecutionStore  = (*ExecutionStore)(nil)
	_ repository.RunRequestStore = (*RunRequestStore)(nil)
	_ repository.DataSourceStore = (*DataSourceStore)(nil)
)
