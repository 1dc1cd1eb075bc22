package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"datasync/internal/config"
	"datasync/internal/models"
	"datasync/internal/testutil"
)

func testJob() *models.JobDefinition {
	return &models.JobDefinition{
		ID:          "job-1",
		Cron:        "*/5 * * * *",
		Mode:        models.SyncModeFull,
		SourceID:    "src-1",
		Destination: "acme",
		Entities:    []string{"customers"},
	}
}

func TestStartCreatesRunningRecord(t *testing.T) {
	store := testutil.NewExecutionStore()
	rec := NewRecorder(store, config.RecorderConfig{}, zap.NewNop())

	run, err := rec.Start(context.Background(), testJob(), "cron")
	require.NoError(t, err)

	got, err := store.GetExecution(context.Background(), run.ID())
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, got.Status)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, "cron", got.Context.Trigger)
	assert.Equal(t, "acme", got.Context.Destination)
	assert.Nil(t, got.CompletedAt)
	assert.True(t, strings.HasSuffix(got.LeaseOwner, ":"+run.ID()))
	assert.Equal(t, got.LeaseOwner, run.LeaseOwner())
}

func TestLogsKeepEmissionOrder(t *testing.T) {
	store := testutil.NewExecutionStore()
	rec := NewRecorder(store, config.RecorderConfig{}, zap.NewNop())
	run, err := rec.Start(context.Background(), testJob(), "cron")
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		run.Log(context.Background(), models.LogInfo, fmt.Sprintf("step %d", i), nil)
	}

	got, err := store.GetExecution(context.Background(), run.ID())
	require.NoError(t, err)
	require.Len(t, got.Logs, 50)
	for i, entry := range got.Logs {
		assert.Equal(t, fmt.Sprintf("step %d", i), entry.Message)
	}
}

func TestLogAfterCancelIsStillRecorded(t *testing.T) {
	store := testutil.NewExecutionStore()
	rec := NewRecorder(store, config.RecorderConfig{}, zap.NewNop())
	run, err := rec.Start(context.Background(), testJob(), "cron")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run.Log(ctx, models.LogWarn, "canceled", nil)

	got, _ := store.GetExecution(context.Background(), run.ID())
	require.Len(t, got.Logs, 1)
}

func TestFinalizeExactlyOnce(t *testing.T) {
	store := testutil.NewExecutionStore()
	rec := NewRecorder(store, config.RecorderConfig{}, zap.NewNop())
	run, err := rec.Start(context.Background(), testJob(), "cron")
	require.NoError(t, err)
	run.Progress(context.Background(), models.ExecutionStats{RecordsProcessed: 7, RecordsCreated: 7})

	var wg sync.WaitGroup
	var wins, already int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := run.Finalize(context.Background(), models.ExecutionCompleted, nil)
			if errors.Is(err, ErrAlreadyFinalized) {
				atomic.AddInt32(&already, 1)
				return
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(7), already)

	got, _ := store.GetExecution(context.Background(), run.ID())
	assert.Equal(t, models.ExecutionCompleted, got.Status)
	assert.True(t, got.Success)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, int64(7), got.Stats.RecordsProcessed)
}

func TestFinalizeDoesNotOverwriteAbandoned(t *testing.T) {
	store := testutil.NewExecutionStore()
	rec := NewRecorder(store, config.RecorderConfig{}, zap.NewNop())
	run, err := rec.Start(context.Background(), testJob(), "cron")
	require.NoError(t, err)

	store.Mutate(run.ID(), func(r *models.ExecutionRecord) { r.Status = models.ExecutionAbandoned })

	ok, err := run.Finalize(context.Background(), models.ExecutionFailed, ErrorInfo(errors.New("x"), "error"))
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := store.GetExecution(context.Background(), run.ID())
	assert.Equal(t, models.ExecutionAbandoned, got.Status)
}

func TestHeartbeatObservesCancelRequest(t *testing.T) {
	store := testutil.NewExecutionStore()
	rec := NewRecorder(store, config.RecorderConfig{HeartbeatInterval: 5 * time.Millisecond}, zap.NewNop())
	run, err := rec.Start(context.Background(), testJob(), "cron")
	require.NoError(t, err)

	var canceled int32
	run.StartHeartbeat(context.Background(), func() { atomic.AddInt32(&canceled, 1) })

	before, _ := store.GetExecution(context.Background(), run.ID())
	require.Eventually(t, func() bool {
		got, _ := store.GetExecution(context.Background(), run.ID())
		return got.LastHeartbeat.After(before.LastHeartbeat)
	}, time.Second, 5*time.Millisecond)

	ok, err := store.RequestCancel(context.Background(), run.ID())
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&canceled) == 1 }, time.Second, 5*time.Millisecond)

	_, err = run.Finalize(context.Background(), models.ExecutionCanceled, nil)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&canceled))
}

func TestTrimMessage(t *testing.T) {
	assert.Equal(t, "boom", TrimMessage("  boom \n"))
	assert.Len(t, TrimMessage(strings.Repeat("x", 2000)), 900)
	assert.Nil(t, ErrorInfo(nil, "error"))
}
