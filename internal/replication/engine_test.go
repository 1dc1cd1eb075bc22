package replication

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"datasync/internal/config"
	"datasync/internal/docstore"
	"datasync/internal/fetch"
	"datasync/internal/models"
	"datasync/internal/source"
	"datasync/internal/testutil"
)

type recordingSink struct {
	mu    sync.Mutex
	logs  []string
	stats models.ExecutionStats
}

func (s *recordingSink) Log(_ context.Context, level models.LogLevel, msg string, _ map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, string(level)+": "+msg)
}

func (s *recordingSink) Progress(_ context.Context, stats models.ExecutionStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = stats
}

func (s *recordingSink) has(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.logs {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

func newTestEngine(store docstore.Store, retention time.Duration) *Engine {
	fetcher := fetch.New(config.FetchConfig{MaxRetries: 0, BaseDelay: time.Millisecond}, zap.NewNop())
	return NewEngine(store, fetcher, config.ReplicationConfig{BackupRetention: retention, InsertBatchSize: 64}, zap.NewNop())
}

func seedLive(t *testing.T, store *docstore.MemoryStore, collection string, ids ...string) {
	t.Helper()
	docs := make([]docstore.Document, 0, len(ids))
	for _, id := range ids {
		docs = append(docs, docstore.Document{"id": id, "old": true})
	}
	require.NoError(t, store.Create(context.Background(), collection))
	require.NoError(t, store.InsertMany(context.Background(), collection, docs))
}

func tempCollections(t *testing.T, store docstore.Store) []string {
	t.Helper()
	names, err := store.ListCollections(context.Background())
	require.NoError(t, err)
	var out []string
	for _, n := range names {
		if _, ok := ParseTempName(n); ok {
			out = append(out, n)
		}
	}
	return out
}

func fullSpec(adapter source.Adapter, entities ...string) SyncSpec {
	return SyncSpec{
		JobID:       "job-1",
		SourceID:    "src-1",
		SourceName:  "Stripe",
		Destination: "acme",
		Mode:        models.SyncModeFull,
		Entities:    entities,
		Adapter:     adapter,
	}
}

func TestFullSyncStagesAndSwaps(t *testing.T) {
	store := docstore.NewMemoryStore()
	engine := newTestEngine(store, 20*time.Millisecond)
	adapter := testutil.NewPagedAdapter().WithEntity("customers", 100, 100, 40)
	sink := &recordingSink{}

	res, err := engine.Sync(context.Background(), fullSpec(adapter), sink)
	require.NoError(t, err)

	docs := store.Documents("acme_customers")
	require.Len(t, docs, 240)
	for _, d := range docs {
		assert.Equal(t, "src-1", d[FieldDataSourceID])
		assert.Equal(t, "Stripe", d[FieldDataSourceName])
		assert.Equal(t, res.StartedAt, d[FieldSyncedAt])
	}
	assert.Equal(t, int64(240), res.Stats.RecordsProcessed)
	assert.Equal(t, int64(240), sink.stats.RecordsProcessed)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, 3, res.Entities[0].Pages)
	assert.Equal(t, int64(240), res.Entities[0].Documents)
	assert.Equal(t, res.StartedAt, res.Watermarks["customers"])
	assert.True(t, sink.has("first sync"))

	assert.Eventually(t, func() bool {
		return len(tempCollections(t, store)) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestFullSyncReplacesLiveAndKeepsBackupUntilRetention(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedLive(t, store, "acme_customers", "old-1", "old-2", "old-3", "old-4", "old-5")
	engine := newTestEngine(store, time.Hour)
	adapter := testutil.NewPagedAdapter().WithEntity("customers", 2, 1)

	_, err := engine.Sync(context.Background(), fullSpec(adapter), nil)
	require.NoError(t, err)

	docs := store.Documents("acme_customers")
	require.Len(t, docs, 3)
	for _, d := range docs {
		assert.Nil(t, d["old"])
	}

	backups := engine.PendingBackups()
	require.Len(t, backups, 1)
	assert.True(t, store.Exists(backups[0]))
	assert.Len(t, store.Documents(backups[0]), 5)

	require.NoError(t, engine.Close(context.Background()))
	assert.Empty(t, engine.PendingBackups())
	assert.True(t, store.Exists(backups[0]), "backup stays for the reaper after Close")
	assert.Len(t, store.Documents(backups[0]), 5)
}

func TestFullSyncFailureOnSecondPageLeavesLiveUntouched(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedLive(t, store, "acme_customers", "old-1", "old-2")
	engine := newTestEngine(store, 0)
	adapter := testutil.NewPagedAdapter().
		WithEntity("customers", 100, 100, 40).
		FailOn("customers", 1, source.Permanent(errors.New("invalid api key")))

	_, err := engine.Sync(context.Background(), fullSpec(adapter), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")

	docs := store.Documents("acme_customers")
	require.Len(t, docs, 2)
	assert.Equal(t, true, docs[0]["old"])
	assert.Empty(t, tempCollections(t, store))
}

func TestFullSyncFailureInLaterEntityLeavesAllLiveUntouched(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedLive(t, store, "acme_customers", "c-old")
	seedLive(t, store, "acme_invoices", "i-old")
	engine := newTestEngine(store, 0)
	adapter := testutil.NewPagedAdapter().
		WithEntity("customers", 10).
		WithEntity("invoices", 10, 10).
		FailOn("invoices", 1, source.Permanent(errors.New("boom")))

	_, err := engine.Sync(context.Background(), fullSpec(adapter, "customers", "invoices"), nil)
	require.Error(t, err)

	assert.Len(t, store.Documents("acme_customers"), 1)
	assert.Len(t, store.Documents("acme_invoices"), 1)
	assert.Empty(t, tempCollections(t, store))
}

// failingRenameStore fails renames whose source matches.
type failingRenameStore struct {
	*docstore.MemoryStore
	match func(from, to string) bool
}

func (s *failingRenameStore) Rename(ctx context.Context, from, to string, dropTarget bool) error {
	if s.match(from, to) {
		return errors.New("rename refused")
	}
	return s.MemoryStore.Rename(ctx, from, to, dropTarget)
}

func TestPromotionFailureRollsBackEveryEntity(t *testing.T) {
	mem := docstore.NewMemoryStore()
	seedLive(t, mem, "acme_customers", "c-old")
	seedLive(t, mem, "acme_invoices", "i-old")
	store := &failingRenameStore{MemoryStore: mem, match: func(from, _ string) bool {
		return strings.HasPrefix(from, "acme_invoices_staging_")
	}}
	engine := newTestEngine(store, 0)
	adapter := testutil.NewPagedAdapter().WithEntity("customers", 3).WithEntity("invoices", 4)
	sink := &recordingSink{}

	_, err := engine.Sync(context.Background(), fullSpec(adapter, "customers", "invoices"), sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "promote invoices")

	customers := mem.Documents("acme_customers")
	require.Len(t, customers, 1)
	assert.Equal(t, "c-old", customers[0]["id"])
	invoices := mem.Documents("acme_invoices")
	require.Len(t, invoices, 1)
	assert.Equal(t, "i-old", invoices[0]["id"])
	assert.Empty(t, tempCollections(t, mem))
	assert.True(t, sink.has("Rolled back live collection"))
}

func TestPromotionFailureOnFirstSyncRemovesPromoted(t *testing.T) {
	mem := docstore.NewMemoryStore()
	store := &failingRenameStore{MemoryStore: mem, match: func(from, _ string) bool {
		return strings.HasPrefix(from, "acme_invoices_staging_")
	}}
	engine := newTestEngine(store, 0)
	adapter := testutil.NewPagedAdapter().WithEntity("customers", 3).WithEntity("invoices", 4)

	_, err := engine.Sync(context.Background(), fullSpec(adapter), nil)
	require.Error(t, err)

	assert.False(t, mem.Exists("acme_customers"))
	assert.False(t, mem.Exists("acme_invoices"))
	assert.Empty(t, tempCollections(t, mem))
}

// shortCountStore reports one document fewer than it holds.
type shortCountStore struct {
	*docstore.MemoryStore
}

func (s *shortCountStore) Count(ctx context.Context, collection string) (int64, error) {
	n, err := s.MemoryStore.Count(ctx, collection)
	return n - 1, err
}

func TestIncompleteStagingIsNotPromoted(t *testing.T) {
	mem := docstore.NewMemoryStore()
	seedLive(t, mem, "acme_customers", "old-1")
	engine := newTestEngine(&shortCountStore{MemoryStore: mem}, 0)
	adapter := testutil.NewPagedAdapter().WithEntity("customers", 3)
	sink := &recordingSink{}

	_, err := engine.Sync(context.Background(), fullSpec(adapter), sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "staged 2 of 3 records")

	live := mem.Documents("acme_customers")
	require.Len(t, live, 1)
	assert.Equal(t, "old-1", live[0]["id"])
	assert.Empty(t, tempCollections(t, mem))
	assert.True(t, sink.has("Staging collection is incomplete"))
}

func TestCancellationBetweenPagesDropsStaging(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedLive(t, store, "acme_customers", "old-1")
	engine := newTestEngine(store, 0)

	ctx, cancel := context.WithCancelCause(context.Background())
	reason := errors.New("cancel requested")
	adapter := testutil.NewPagedAdapter().WithEntity("customers", 5, 5, 5)
	adapter.WithHook(func(_ context.Context, req source.Request, _ int) (*source.Page, bool, error) {
		if req.PageToken == "1" {
			cancel(reason)
		}
		return nil, false, nil
	})

	_, err := engine.Sync(ctx, fullSpec(adapter), nil)
	assert.ErrorIs(t, err, reason)
	assert.Len(t, store.Documents("acme_customers"), 1)
	assert.Empty(t, tempCollections(t, store))
}

func TestIncrementalSyncIsIdempotent(t *testing.T) {
	store := docstore.NewMemoryStore()
	engine := newTestEngine(store, 0)
	adapter := testutil.NewPagedAdapter().WithEntity("customers", 3, 2).WithIncremental()

	spec := fullSpec(adapter)
	spec.Mode = models.SyncModeIncremental

	first, err := engine.Sync(context.Background(), spec, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), first.Stats.RecordsCreated)

	spec.Watermarks = first.Watermarks
	second, err := engine.Sync(context.Background(), spec, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), second.Stats.RecordsCreated)
	assert.Equal(t, int64(5), second.Stats.RecordsUpdated)

	assert.Len(t, store.Documents("acme_customers"), 5)
	assert.Empty(t, tempCollections(t, store))

	reqs := adapter.Requests()
	last := reqs[len(reqs)-1]
	require.NotNil(t, last.Since)
	assert.Equal(t, first.StartedAt, *last.Since)
}

func TestIncrementalRetryAfterFailedFirstRunFetchesEverything(t *testing.T) {
	store := docstore.NewMemoryStore()
	engine := newTestEngine(store, 0)
	adapter := testutil.NewPagedAdapter().WithEntity("customers", 3, 2).WithIncremental()
	adapter.FailOn("customers", 1, errors.New("upstream 500"))

	spec := fullSpec(adapter)
	spec.Mode = models.SyncModeIncremental
	_, err := engine.Sync(context.Background(), spec, nil)
	require.Error(t, err)
	// the first page was already upserted and stamped with the failed run's time
	require.Len(t, store.Documents("acme_customers"), 3)

	adapter.WithHook(nil)
	before := len(adapter.Requests())
	res, err := engine.Sync(context.Background(), spec, nil)
	require.NoError(t, err)

	reqs := adapter.Requests()[before:]
	require.NotEmpty(t, reqs)
	assert.Nil(t, reqs[0].Since)
	assert.Len(t, store.Documents("acme_customers"), 5)
	assert.Equal(t, res.StartedAt, res.Watermarks["customers"])
}

func TestIncrementalWithoutSupportFallsBackToFull(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedLive(t, store, "acme_customers", "old-1")
	engine := newTestEngine(store, 0)
	adapter := testutil.NewPagedAdapter().WithEntity("customers", 2)
	sink := &recordingSink{}

	spec := fullSpec(adapter)
	spec.Mode = models.SyncModeIncremental
	res, err := engine.Sync(context.Background(), spec, sink)
	require.NoError(t, err)

	assert.Equal(t, models.SyncModeFull, res.Entities[0].Mode)
	assert.Len(t, store.Documents("acme_customers"), 2)
	assert.True(t, sink.has("falling back to full sync"))
}

func TestSyncRejectsUnknownEntity(t *testing.T) {
	engine := newTestEngine(docstore.NewMemoryStore(), 0)
	adapter := testutil.NewPagedAdapter().WithEntity("customers", 1)

	_, err := engine.Sync(context.Background(), fullSpec(adapter, "refunds"), nil)
	require.Error(t, err)
	assert.True(t, source.IsPermanent(err))
}

func TestPlanNamesAndTokens(t *testing.T) {
	fixed := time.UnixMilli(1700000000000)
	ts := &tokenSource{now: func() time.Time { return fixed }}
	a, b := ts.next(), ts.next()
	assert.Equal(t, int64(1700000000000), a)
	assert.Equal(t, a+1, b)

	p := newPlan("acme", "customers", a)
	assert.Equal(t, "acme_customers", p.Target)
	assert.Equal(t, "acme_customers_staging_1700000000000", p.Staging)
	assert.Equal(t, "acme_customers_backup_1700000000000", p.Backup)

	tc, ok := ParseTempName(p.Backup)
	require.True(t, ok)
	assert.Equal(t, "acme_customers", tc.Target)
	assert.Equal(t, "backup", tc.Kind)
	assert.True(t, tc.CreatedAt.Equal(fixed))

	_, ok = ParseTempName("acme_customers")
	assert.False(t, ok)
}
