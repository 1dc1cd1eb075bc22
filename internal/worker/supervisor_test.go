package worker

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
	"datasync/internal/lease"
	"datasync/internal/metrics"
)

type component struct {
	mu       sync.Mutex
	starts   int
	stops    int
	running  bool
	startErr error
}

func (c *component) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	if c.startErr != nil {
		return c.startErr
	}
	c.running = true
	return nil
}

func (c *component) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	c.running = false
}

func (c *component) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *component) Starts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts
}

type reaperStub struct{ component }

func (r *reaperStub) Start() { _ = r.component.Start(context.Background()) }

type closer struct {
	mu    sync.Mutex
	calls int
}

func (c *closer) Shutdown(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil
}

func (c *closer) Close(context.Context) error { return c.Shutdown(context.Background()) }

func (c *closer) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type env struct {
	sup       *Supervisor
	scheduler *component
	reaper    *reaperStub
	runner    *closer
	engine    *closer
}

func testConfig() config.WorkerConfig {
	return config.WorkerConfig{
		LeaseTTL:        300 * time.Millisecond,
		RefreshInterval: 20 * time.Millisecond,
		StaleAfter:      400 * time.Millisecond,
		AcquireRetry:    20 * time.Millisecond,
	}
}

func newEnv(leases lease.Store, m *metrics.Collector) *env {
	e := &env{scheduler: &component{}, reaper: &reaperStub{}, runner: &closer{}, engine: &closer{}}
	e.sup = New(testConfig(), Deps{
		Leases:    leases,
		Scheduler: e.scheduler,
		Reaper:    e.reaper,
		Runner:    e.runner,
		Engine:    e.engine,
		Metrics:   m,
	}, zap.NewNop())
	return e
}

func start(t *testing.T, e *env) (context.CancelFunc, <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, e.sup.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel, done
}

func TestSupervisor_LeadsAndShutsDown(t *testing.T) {
	leases := lease.NewMemoryStore()
	e := newEnv(leases, metrics.NewCollector())
	cancel, done := start(t, e)

	require.Eventually(t, func() bool { return e.sup.Status().Leader }, time.Second, 5*time.Millisecond)
	assert.True(t, e.scheduler.Running())
	assert.True(t, e.reaper.Running())
	assert.Equal(t, StateActive, e.sup.Status().State)
	require.Eventually(t, func() bool { return e.sup.Status().LastRefresh != nil }, time.Second, 5*time.Millisecond)

	l, err := leases.Get(context.Background(), lease.WorkerLeaseName)
	require.NoError(t, err)
	assert.Equal(t, e.sup.Owner(), l.Owner)

	cancel()
	<-done
	assert.False(t, e.scheduler.Running())
	assert.False(t, e.reaper.Running())

	require.NoError(t, e.sup.Shutdown(context.Background()))
	assert.Equal(t, 1, e.runner.Calls())
	assert.Equal(t, 1, e.engine.Calls())
	assert.Equal(t, StateStopped, e.sup.Status().State)
	_, err = leases.Get(context.Background(), lease.WorkerLeaseName)
	assert.ErrorIs(t, err, lease.ErrNotFound)
}

func TestSupervisor_SingleLeader(t *testing.T) {
	leases := lease.NewMemoryStore()
	a := newEnv(leases, nil)
	b := newEnv(leases, nil)
	start(t, a)
	start(t, b)

	require.Eventually(t, func() bool {
		return a.sup.Status().Leader || b.sup.Status().Leader
	}, time.Second, 5*time.Millisecond)

	// the standby keeps retrying without ever starting its scheduler
	time.Sleep(100 * time.Millisecond)
	assert.NotEqual(t, a.sup.Status().Leader, b.sup.Status().Leader)
	assert.NotEqual(t, a.scheduler.Running(), b.scheduler.Running())
}

func TestSupervisor_StepsDownOnLeaseLoss(t *testing.T) {
	leases := lease.NewMemoryStore()
	m := metrics.NewCollector()
	e := newEnv(leases, m)
	start(t, e)
	require.Eventually(t, func() bool { return e.sup.Status().Leader }, time.Second, 5*time.Millisecond)

	// another process takes over the lease out of band
	leases.Delete(lease.WorkerLeaseName)
	ok, err := leases.Acquire(context.Background(), lease.WorkerLeaseName, "other:1:abc", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool { return !e.sup.Status().Leader }, time.Second, 5*time.Millisecond)
	assert.False(t, e.scheduler.Running())
	assert.False(t, e.reaper.Running())
	assert.Equal(t, StateStandby, e.sup.Status().State)
	assert.Equal(t, 1, e.sup.Status().LeaseLosses)

	// back to leading once the other process lets go
	require.NoError(t, leases.Release(context.Background(), lease.WorkerLeaseName, "other:1:abc"))
	require.Eventually(t, func() bool { return e.sup.Status().Leader }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, e.scheduler.Starts())
}

func TestSupervisor_ReclaimsStaleLease(t *testing.T) {
	leases := lease.NewMemoryStore()
	past := time.Now().UTC().Add(-time.Minute)
	leases.SetClock(func() time.Time { return past })
	// not expired, but never refreshed since
	ok, err := leases.Acquire(context.Background(), lease.WorkerLeaseName, "ghost:1:dead", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	leases.SetClock(func() time.Time { return time.Now().UTC() })

	e := newEnv(leases, nil)
	start(t, e)
	require.Eventually(t, func() bool { return e.sup.Status().Leader }, time.Second, 5*time.Millisecond)

	l, err := leases.Get(context.Background(), lease.WorkerLeaseName)
	require.NoError(t, err)
	assert.Equal(t, e.sup.Owner(), l.Owner)
}

func TestSupervisor_WaitsForFreshLease(t *testing.T) {
	leases := lease.NewMemoryStore()
	ok, err := leases.Acquire(context.Background(), lease.WorkerLeaseName, "peer:1:live", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	e := newEnv(leases, nil)
	start(t, e)
	time.Sleep(100 * time.Millisecond)
	assert.False(t, e.sup.Status().Leader)
	assert.Zero(t, e.scheduler.Starts())
}

func TestSupervisor_SchedulerStartFailureReleasesLease(t *testing.T) {
	leases := lease.NewMemoryStore()
	e := newEnv(leases, nil)
	e.scheduler.startErr = errors.New("jobs unavailable")
	start(t, e)

	require.Eventually(t, func() bool { return e.scheduler.Starts() >= 2 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, e.reaper.Starts())
}
