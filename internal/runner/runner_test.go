package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"datasync/internal/config"
	"datasync/internal/docstore"
	"datasync/internal/execution"
	"datasync/internal/fetch"
	"datasync/internal/lease"
	"datasync/internal/models"
	"datasync/internal/replication"
	"datasync/internal/source"
	"datasync/internal/testutil"
)

type staticResolver struct {
	adapter source.Adapter
}

func (s staticResolver) Resolve(_ context.Context, job *models.JobDefinition) (*source.Connection, error) {
	return &source.Connection{SourceID: job.SourceID, SourceName: "Test Source", Adapter: s.adapter}, nil
}

type env struct {
	jobs       *testutil.JobStore
	executions *testutil.ExecutionStore
	leases     *lease.MemoryStore
	docs       *docstore.MemoryStore
	adapter    *testutil.PagedAdapter
	// leaseStore replaces leases in the runner when set
	leaseStore lease.Store
}

func newEnv() *env {
	return &env{
		jobs: testutil.NewJobStore(models.JobDefinition{
			ID:          "job-1",
			Name:        "Stripe",
			Enabled:     true,
			Cron:        "0 * * * *",
			Mode:        models.SyncModeFull,
			SourceID:    "src-1",
			Destination: "acme",
		}),
		executions: testutil.NewExecutionStore(),
		leases:     lease.NewMemoryStore(),
		docs:       docstore.NewMemoryStore(),
		adapter:    testutil.NewPagedAdapter().WithEntity("customers", 100, 100, 40),
	}
}

func (e *env) runner(t *testing.T, cfg config.RunnerConfig) *Runner {
	t.Helper()
	logger := zap.NewNop()
	engine := replication.NewEngine(e.docs,
		fetch.New(config.FetchConfig{BaseDelay: time.Millisecond}, logger),
		config.ReplicationConfig{}, logger)
	recorder := execution.NewRecorder(e.executions, config.RecorderConfig{HeartbeatInterval: 5 * time.Millisecond}, logger)
	if cfg.JobLeaseTTL == 0 {
		cfg.JobLeaseTTL = time.Hour
	}
	if cfg.LeaseRefresh == 0 {
		cfg.LeaseRefresh = time.Hour
	}
	var leases lease.Store = e.leases
	if e.leaseStore != nil {
		leases = e.leaseStore
	}
	r, err := New(cfg, Deps{
		Jobs:     e.jobs,
		Recorder: recorder,
		Leases:   leases,
		Resolver: staticResolver{adapter: e.adapter},
		Engine:   engine,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r
}

// blockAt makes fetches of the given page wait for ctx to end, signaling entered once.
func (e *env) blockAt(page string) <-chan struct{} {
	entered := make(chan struct{})
	var once sync.Once
	e.adapter.WithHook(func(ctx context.Context, req source.Request, _ int) (*source.Page, bool, error) {
		if req.PageToken != page {
			return nil, false, nil
		}
		once.Do(func() { close(entered) })
		<-ctx.Done()
		return nil, true, ctx.Err()
	})
	return entered
}

func seed(t *testing.T, docs *docstore.MemoryStore) {
	t.Helper()
	require.NoError(t, docs.InsertMany(context.Background(), "acme_customers", []docstore.Document{{"id": "old"}}))
}

func TestRunCompletes(t *testing.T) {
	e := newEnv()
	r := e.runner(t, config.RunnerConfig{})

	out := r.Run(context.Background(), "job-1", models.TriggerManual)
	require.NoError(t, out.Err)
	assert.Equal(t, models.ExecutionCompleted, out.Status)
	assert.Len(t, e.docs.Documents("acme_customers"), 240)

	rec, err := e.executions.GetExecution(context.Background(), out.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, rec.Status)
	assert.True(t, rec.Success)
	assert.Equal(t, int64(240), rec.Stats.RecordsProcessed)
	assert.Equal(t, models.TriggerManual, rec.Context.Trigger)
	assert.NotEmpty(t, rec.Logs)

	job, _ := e.jobs.GetJob(context.Background(), "job-1")
	assert.Equal(t, int64(1), job.RunCount)
	require.NotNil(t, job.LastSuccessAt)
	assert.Empty(t, job.LastError)
	assert.Contains(t, job.Watermarks, "customers")

	_, err = e.leases.Get(context.Background(), lease.JobLeaseName("job-1"))
	assert.ErrorIs(t, err, lease.ErrNotFound)
	assert.Empty(t, r.Active())
}

func TestRunSkipsMissingAndDisabledJobs(t *testing.T) {
	e := newEnv()
	e.jobs.Put(models.JobDefinition{ID: "job-off", Enabled: false, Destination: "acme"})
	r := e.runner(t, config.RunnerConfig{})

	out := r.Run(context.Background(), "job-off", models.TriggerCron)
	assert.Equal(t, StateSkipped, out.State)
	out = r.Run(context.Background(), "nope", models.TriggerCron)
	assert.Equal(t, StateSkipped, out.State)

	assert.Empty(t, e.executions.All())
}

func TestRunFailsWhenJobLeaseIsHeld(t *testing.T) {
	e := newEnv()
	seed(t, e.docs)
	ok, err := e.leases.Acquire(context.Background(), lease.JobLeaseName("job-1"), "other", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	r := e.runner(t, config.RunnerConfig{})

	out := r.Run(context.Background(), "job-1", models.TriggerCron)
	assert.ErrorIs(t, out.Err, ErrAlreadyRunning)
	assert.Equal(t, models.ExecutionFailed, out.Status)

	rec, _ := e.executions.GetExecution(context.Background(), out.ExecutionID)
	assert.Equal(t, models.ExecutionFailed, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Equal(t, "already running", rec.Error.Message)
	assert.Equal(t, 0, e.adapter.Calls("customers"))
	assert.Len(t, e.docs.Documents("acme_customers"), 1)

	l, err := e.leases.Get(context.Background(), lease.JobLeaseName("job-1"))
	require.NoError(t, err)
	assert.Equal(t, "other", l.Owner)
}

type unavailableLeases struct {
	*lease.MemoryStore
}

func (unavailableLeases) Acquire(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func TestRunFailsWithLeaseErrorWhenStoreIsDown(t *testing.T) {
	e := newEnv()
	e.leaseStore = unavailableLeases{MemoryStore: e.leases}
	r := e.runner(t, config.RunnerConfig{})

	out := r.Run(context.Background(), "job-1", models.TriggerCron)
	assert.Equal(t, StateSkipped, out.State)
	assert.Equal(t, models.ExecutionFailed, out.Status)
	assert.NotErrorIs(t, out.Err, ErrAlreadyRunning)

	rec, _ := e.executions.GetExecution(context.Background(), out.ExecutionID)
	require.NotNil(t, rec.Error)
	assert.Equal(t, "lease_error", rec.Error.Code)
	assert.Contains(t, rec.Error.Message, "connection refused")
	assert.Equal(t, 0, e.adapter.Calls("customers"))
}

func TestRunIsCutOffAtJobLeaseTTL(t *testing.T) {
	e := newEnv()
	seed(t, e.docs)
	e.blockAt("1")
	r := e.runner(t, config.RunnerConfig{JobLeaseTTL: 50 * time.Millisecond})

	out := r.Run(context.Background(), "job-1", models.TriggerCron)
	assert.Equal(t, models.ExecutionFailed, out.Status)
	assert.ErrorIs(t, out.Err, ErrRunTimeout)

	rec, _ := e.executions.GetExecution(context.Background(), out.ExecutionID)
	require.NotNil(t, rec.Error)
	assert.Equal(t, "timeout", rec.Error.Code)

	live := e.docs.Documents("acme_customers")
	require.Len(t, live, 1)
	assert.Equal(t, "old", live[0]["id"])
	names, err := e.docs.ListCollections(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"acme_customers"}, names)

	_, err = e.leases.Get(context.Background(), lease.JobLeaseName("job-1"))
	assert.ErrorIs(t, err, lease.ErrNotFound)
}

func TestTwoSimultaneousRunners(t *testing.T) {
	e := newEnv()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	e.adapter.WithHook(func(context.Context, source.Request, int) (*source.Page, bool, error) {
		once.Do(func() { close(entered) })
		<-release
		return nil, false, nil
	})
	first := e.runner(t, config.RunnerConfig{})
	second := e.runner(t, config.RunnerConfig{})

	results := make(chan Outcome, 1)
	go func() { results <- first.Run(context.Background(), "job-1", models.TriggerCron) }()
	<-entered

	blocked := second.Run(context.Background(), "job-1", models.TriggerCron)
	close(release)
	done := <-results

	assert.Equal(t, models.ExecutionCompleted, done.Status)
	assert.Equal(t, models.ExecutionFailed, blocked.Status)
	assert.ErrorIs(t, blocked.Err, ErrAlreadyRunning)

	var completed, failed int
	for _, rec := range e.executions.All() {
		switch rec.Status {
		case models.ExecutionCompleted:
			completed++
		case models.ExecutionFailed:
			failed++
			assert.Equal(t, "already running", rec.Error.Message)
		}
	}
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, failed)
}

func TestFailureOnSecondPageKeepsLiveAndReleasesLease(t *testing.T) {
	e := newEnv()
	seed(t, e.docs)
	e.adapter.FailOn("customers", 1, source.Permanent(errors.New("invalid api key")))
	r := e.runner(t, config.RunnerConfig{})

	out := r.Run(context.Background(), "job-1", models.TriggerCron)
	require.Error(t, out.Err)
	assert.Equal(t, models.ExecutionFailed, out.Status)

	docs := e.docs.Documents("acme_customers")
	require.Len(t, docs, 1)
	assert.Equal(t, "old", docs[0]["id"])

	rec, _ := e.executions.GetExecution(context.Background(), out.ExecutionID)
	assert.Equal(t, models.ExecutionFailed, rec.Status)
	assert.Contains(t, rec.Error.Message, "invalid api key")

	job, _ := e.jobs.GetJob(context.Background(), "job-1")
	assert.Contains(t, job.LastError, "invalid api key")
	assert.Nil(t, job.LastSuccessAt)

	_, err := e.leases.Get(context.Background(), lease.JobLeaseName("job-1"))
	assert.ErrorIs(t, err, lease.ErrNotFound)
}

func TestCancelStopsRun(t *testing.T) {
	e := newEnv()
	seed(t, e.docs)
	entered := e.blockAt("1")
	r := e.runner(t, config.RunnerConfig{})

	results := make(chan Outcome, 1)
	go func() { results <- r.Run(context.Background(), "job-1", models.TriggerCron) }()
	<-entered

	active := r.Active()
	require.Len(t, active, 1)
	assert.Equal(t, StateRunning, active[0].State)
	assert.True(t, r.Cancel(active[0].ExecutionID))

	out := <-results
	assert.Equal(t, models.ExecutionCanceled, out.Status)
	assert.ErrorIs(t, out.Err, ErrRunCanceled)
	assert.Len(t, e.docs.Documents("acme_customers"), 1)
	assert.False(t, r.Cancel(active[0].ExecutionID))
}

func TestCancelRequestedOnRecordStopsRun(t *testing.T) {
	e := newEnv()
	entered := e.blockAt("1")
	r := e.runner(t, config.RunnerConfig{})

	results := make(chan Outcome, 1)
	go func() { results <- r.Run(context.Background(), "job-1", models.TriggerCron) }()
	<-entered

	id := r.Active()[0].ExecutionID
	ok, err := e.executions.RequestCancel(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)

	out := <-results
	assert.Equal(t, models.ExecutionCanceled, out.Status)
	rec, _ := e.executions.GetExecution(context.Background(), id)
	assert.Equal(t, models.ExecutionCanceled, rec.Status)
}

func TestLeaseLossCancelsRun(t *testing.T) {
	e := newEnv()
	entered := e.blockAt("1")
	r := e.runner(t, config.RunnerConfig{LeaseRefresh: 5 * time.Millisecond})

	results := make(chan Outcome, 1)
	go func() { results <- r.Run(context.Background(), "job-1", models.TriggerCron) }()
	<-entered

	e.leases.Delete(lease.JobLeaseName("job-1"))

	out := <-results
	assert.Equal(t, models.ExecutionCanceled, out.Status)
	assert.ErrorIs(t, out.Err, ErrLeaseLost)
}

func TestShutdownCancelsDispatchedRuns(t *testing.T) {
	e := newEnv()
	entered := e.blockAt("1")
	r := e.runner(t, config.RunnerConfig{})

	require.NoError(t, r.Dispatch("job-1", models.TriggerCron))
	<-entered

	require.NoError(t, r.Shutdown(context.Background()))

	all := e.executions.All()
	require.Len(t, all, 1)
	assert.Equal(t, models.ExecutionCanceled, all[0].Status)
	assert.ErrorIs(t, r.Dispatch("job-1", models.TriggerCron), ErrShutdown)
}

func TestPanicInSourceFailsRun(t *testing.T) {
	e := newEnv()
	e.adapter.WithHook(func(context.Context, source.Request, int) (*source.Page, bool, error) {
		panic("vendor sdk exploded")
	})
	r := e.runner(t, config.RunnerConfig{})

	out := r.Run(context.Background(), "job-1", models.TriggerCron)
	assert.Equal(t, models.ExecutionFailed, out.Status)

	rec, _ := e.executions.GetExecution(context.Background(), out.ExecutionID)
	require.NotNil(t, rec.Error)
	assert.Equal(t, "panic", rec.Error.Code)
	assert.Contains(t, rec.Error.Message, "vendor sdk exploded")

	_, err := e.leases.Get(context.Background(), lease.JobLeaseName("job-1"))
	assert.ErrorIs(t, err, lease.ErrNotFound)
}
