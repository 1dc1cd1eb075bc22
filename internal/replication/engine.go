// Package replication copies source entities into the document store, either through a
// staging collection that is hot-swapped with the live one, or by upserting in place.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"datasync/internal/config"
	"datasync/internal/docstore"
	"datasync/internal/fetch"
	"datasync/internal/models"
	"datasync/internal/source"
)

// Metadata fields stamped on every replicated document.
const (
	FieldDataSourceID   = "_dataSourceId"
	FieldDataSourceName = "_dataSourceName"
	FieldSyncedAt       = "_syncedAt"
)

// EventSink receives run output as it happens.
type EventSink interface {
	Log(ctx context.Context, level models.LogLevel, msg string, meta map[string]interface{})
	// Progress reports cumulative stats for the whole run.
	Progress(ctx context.Context, stats models.ExecutionStats)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Log(context.Context, models.LogLevel, string, map[string]interface{}) {}
func (NopSink) Progress(context.Context, models.ExecutionStats)                      {}

// SyncSpec is one replication request.
type SyncSpec struct {
	JobID       string
	SourceID    string
	SourceName  string
	Destination string
	Mode        models.SyncMode
	// Entities restricts the run; empty means every entity the adapter lists.
	Entities   []string
	Watermarks map[string]time.Time
	Adapter    source.Adapter
}

type EntityResult struct {
	Entity     string
	Collection string
	Mode       models.SyncMode
	Pages      int
	// Documents is the staged collection size, set for full syncs.
	Documents int64
	Stats     models.ExecutionStats
}

type Result struct {
	StartedAt time.Time
	Entities  []EntityResult
	Stats     models.ExecutionStats
	// Watermarks holds StartedAt for every entity that was synced.
	Watermarks map[string]time.Time
}

// Engine runs syncs against a document store.
type Engine struct {
	store   docstore.Store
	fetcher *fetch.Client
	cfg     config.ReplicationConfig
	logger  *zap.Logger
	now     func() time.Time
	tokens  *tokenSource

	mu      sync.Mutex
	pending map[string]*time.Timer // backup name -> drop timer
	wg      sync.WaitGroup
}

func NewEngine(store docstore.Store, fetcher *fetch.Client, cfg config.ReplicationConfig, logger *zap.Logger) *Engine {
	if cfg.InsertBatchSize <= 0 {
		cfg.InsertBatchSize = 1000
	}
	e := &Engine{
		store:   store,
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger.Named("replication"),
		now:     time.Now,
		pending: make(map[string]*time.Timer),
	}
	e.tokens = &tokenSource{now: func() time.Time { return e.now() }}
	return e
}

// Sync replicates spec.Entities. A failed full sync leaves every live collection untouched.
func (e *Engine) Sync(ctx context.Context, spec SyncSpec, sink EventSink) (*Result, error) {
	if sink == nil {
		sink = NopSink{}
	}
	if spec.Adapter == nil {
		return nil, errors.New("sync: no source adapter")
	}
	if spec.Destination == "" {
		return nil, errors.New("sync: destination is required")
	}

	available, err := spec.Adapter.ListEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	entities, err := source.FilterEntities(available, spec.Entities)
	if err != nil {
		return nil, source.Permanent(err)
	}

	r := &run{
		engine:  e,
		spec:    spec,
		sink:    sink,
		started: e.now().UTC(),
	}

	var full, incremental []string
	for _, entity := range entities {
		if spec.Mode == models.SyncModeIncremental {
			if inc, ok := spec.Adapter.(source.Incremental); ok && inc.SupportsIncremental(entity) {
				incremental = append(incremental, entity)
				continue
			}
			r.log(ctx, models.LogWarn, "Source does not support incremental sync, falling back to full sync",
				map[string]interface{}{"entity": entity})
		}
		full = append(full, entity)
	}

	r.log(ctx, models.LogInfo, "Sync started", map[string]interface{}{
		"mode":        string(spec.Mode),
		"entities":    entities,
		"destination": spec.Destination,
	})

	if len(full) > 0 {
		if err := r.syncFull(ctx, full); err != nil {
			return r.result(), err
		}
	}
	for _, entity := range incremental {
		if err := r.syncIncremental(ctx, entity); err != nil {
			return r.result(), err
		}
	}

	res := r.result()
	r.log(ctx, models.LogInfo, "Sync finished", map[string]interface{}{
		"records": res.Stats.RecordsProcessed,
		"created": res.Stats.RecordsCreated,
		"updated": res.Stats.RecordsUpdated,
	})
	return res, nil
}

// Close stops pending backup timers and waits for drops already under way. Backups whose
// timer was stopped stay in the store until the reaper's backup-age sweep removes them.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	kept := 0
	for _, t := range e.pending {
		if t.Stop() {
			e.wg.Done()
			kept++
		}
	}
	e.pending = make(map[string]*time.Timer)
	e.mu.Unlock()
	if kept > 0 {
		e.logger.Info("Left pending backups for the reaper", zap.Int("count", kept))
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for backup drops: %w", ctx.Err())
	}
}

// PendingBackups lists backups waiting for their retention to pass.
func (e *Engine) PendingBackups() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.pending))
	for name := range e.pending {
		out = append(out, name)
	}
	return out
}

func (e *Engine) scheduleBackupDrop(name string) {
	if e.cfg.BackupRetention <= 0 {
		e.dropBackup(name)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wg.Add(1)
	e.pending[name] = time.AfterFunc(e.cfg.BackupRetention, func() {
		defer e.wg.Done()
		e.mu.Lock()
		delete(e.pending, name)
		e.mu.Unlock()
		e.dropBackup(name)
	})
}

func (e *Engine) dropBackup(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := e.store.DropIfExists(ctx, name); err != nil {
		e.logger.Error("Failed to drop backup collection", zap.String("collection", name), zap.Error(err))
		return
	}
	e.logger.Debug("Dropped backup collection", zap.String("collection", name))
}
