package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"datasync/internal/docstore"
	"datasync/internal/fetch"
	"datasync/internal/models"
	"datasync/internal/source"
)

// run is the state of one Sync call.
type run struct {
	engine  *Engine
	spec    SyncSpec
	sink    EventSink
	started time.Time

	entities []EntityResult
	stats    models.ExecutionStats
}

func (r *run) result() *Result {
	res := &Result{
		StartedAt:  r.started,
		Entities:   r.entities,
		Stats:      r.stats,
		Watermarks: make(map[string]time.Time, len(r.entities)),
	}
	for _, er := range r.entities {
		res.Watermarks[er.Entity] = r.started
	}
	return res
}

func (r *run) log(ctx context.Context, level models.LogLevel, msg string, meta map[string]interface{}) {
	fields := []zap.Field{zap.String("job_id", r.spec.JobID)}
	for k, v := range meta {
		fields = append(fields, zap.Any(k, v))
	}
	switch level {
	case models.LogError:
		r.engine.logger.Error(msg, fields...)
	case models.LogWarn:
		r.engine.logger.Warn(msg, fields...)
	case models.LogDebug:
		r.engine.logger.Debug(msg, fields...)
	default:
		r.engine.logger.Info(msg, fields...)
	}
	r.sink.Log(ctx, level, msg, meta)
}

func (r *run) stamp(rec source.Record) docstore.Document {
	doc := make(docstore.Document, len(rec)+3)
	for k, v := range rec {
		doc[k] = v
	}
	doc[FieldDataSourceID] = r.spec.SourceID
	doc[FieldDataSourceName] = r.spec.SourceName
	doc[FieldSyncedAt] = r.started
	return doc
}

func (r *run) addStats(ctx context.Context, s models.ExecutionStats) {
	r.stats = r.stats.Add(s)
	r.sink.Progress(ctx, r.stats)
}

// syncFull fetches every entity into staging, then promotes them together.
func (r *run) syncFull(ctx context.Context, entities []string) error {
	e := r.engine
	token := e.tokens.next()
	plans := make([]StagingPlan, 0, len(entities))
	results := make([]EntityResult, 0, len(entities))

	// staging is discarded with a context that outlives cancellation
	cleanup := context.WithoutCancel(ctx)
	promoted := false
	defer func() {
		if promoted {
			return
		}
		for _, p := range plans {
			if err := e.store.DropIfExists(cleanup, p.Staging); err != nil {
				r.log(cleanup, models.LogError, "Failed to drop staging collection", map[string]interface{}{
					"collection": p.Staging, "error": err.Error(),
				})
			}
		}
	}()

	for _, entity := range entities {
		plan := newPlan(r.spec.Destination, entity, token)
		if err := e.store.Create(ctx, plan.Staging); err != nil {
			return fmt.Errorf("create staging %s: %w", plan.Staging, err)
		}
		plans = append(plans, plan)

		er := EntityResult{Entity: entity, Collection: plan.Target, Mode: models.SyncModeFull}
		r.log(ctx, models.LogInfo, "Fetching entity into staging", map[string]interface{}{
			"entity": entity, "staging": plan.Staging,
		})

		progress, err := e.fetcher.Paginate(ctx, r.spec.Adapter, source.Request{Entity: entity}, func(ctx context.Context, page *source.Page, p fetch.Progress) error {
			docs := make([]docstore.Document, 0, len(page.Records))
			for _, rec := range page.Records {
				docs = append(docs, r.stamp(rec))
			}
			if err := r.insert(ctx, plan.Staging, docs); err != nil {
				return err
			}
			s := models.ExecutionStats{RecordsProcessed: int64(len(docs)), RecordsCreated: int64(len(docs))}
			er.Stats = er.Stats.Add(s)
			r.addStats(ctx, s)
			r.log(ctx, models.LogDebug, "Page staged", map[string]interface{}{
				"entity": entity, "page": p.Pages, "records": p.Records, "total": p.Total,
			})
			return nil
		})
		er.Pages = progress.Pages
		if err != nil {
			r.log(cleanup, models.LogError, "Fetch failed, discarding staged data", map[string]interface{}{
				"entity": entity, "pages": progress.Pages, "error": err.Error(),
			})
			return fmt.Errorf("sync %s: %w", entity, err)
		}
		n, err := e.store.Count(ctx, plan.Staging)
		if err != nil {
			return fmt.Errorf("count staging %s: %w", plan.Staging, err)
		}
		if n != er.Stats.RecordsCreated {
			r.log(cleanup, models.LogError, "Staging collection is incomplete, discarding", map[string]interface{}{
				"entity": entity, "staged": n, "fetched": er.Stats.RecordsCreated,
			})
			return fmt.Errorf("sync %s: staged %d of %d records", entity, n, er.Stats.RecordsCreated)
		}
		er.Documents = n
		results = append(results, er)
	}

	if ctx.Err() != nil {
		return context.Cause(ctx)
	}

	if err := r.promote(cleanup, plans); err != nil {
		return err
	}
	promoted = true
	r.entities = append(r.entities, results...)

	for _, p := range plans {
		e.scheduleBackupDrop(p.Backup)
	}
	return nil
}

func (r *run) insert(ctx context.Context, collection string, docs []docstore.Document) error {
	size := r.engine.cfg.InsertBatchSize
	for start := 0; start < len(docs); start += size {
		end := start + size
		if end > len(docs) {
			end = len(docs)
		}
		if err := r.engine.store.InsertMany(ctx, collection, docs[start:end]); err != nil {
			return fmt.Errorf("insert into %s: %w", collection, err)
		}
	}
	return nil
}

type swapState struct {
	plan      StagingPlan
	hadLive   bool
	backedUp  bool
	swappedIn bool
}

// promote swaps every staging collection into place, rolling all of them back on failure.
func (r *run) promote(ctx context.Context, plans []StagingPlan) error {
	store := r.engine.store
	states := make([]*swapState, 0, len(plans))

	for _, p := range plans {
		st := &swapState{plan: p}
		states = append(states, st)

		err := store.Rename(ctx, p.Target, p.Backup, false)
		switch {
		case err == nil:
			st.hadLive = true
			st.backedUp = true
		case errors.Is(err, docstore.ErrNamespaceNotFound):
			r.log(ctx, models.LogInfo, "No live collection yet, first sync", map[string]interface{}{"collection": p.Target})
		default:
			r.log(ctx, models.LogError, "Failed to move live collection to backup", map[string]interface{}{
				"from": p.Target, "to": p.Backup, "error": err.Error(),
			})
			r.rollback(ctx, states)
			return fmt.Errorf("promote %s: backup live collection: %w", p.Entity, err)
		}

		if err := store.Rename(ctx, p.Staging, p.Target, false); err != nil {
			r.log(ctx, models.LogError, "Failed to promote staging collection", map[string]interface{}{
				"from": p.Staging, "to": p.Target, "error": err.Error(),
			})
			r.rollback(ctx, states)
			return fmt.Errorf("promote %s: %w", p.Entity, err)
		}
		st.swappedIn = true
		r.log(ctx, models.LogInfo, "Promoted staging collection", map[string]interface{}{
			"from": p.Staging, "to": p.Target, "backup": p.Backup,
		})
	}
	return nil
}

// rollback restores every backup taken so far. Staging leftovers are dropped by the caller.
func (r *run) rollback(ctx context.Context, states []*swapState) {
	store := r.engine.store
	for i := len(states) - 1; i >= 0; i-- {
		st := states[i]
		p := st.plan
		switch {
		case st.backedUp:
			if err := store.Rename(ctx, p.Backup, p.Target, true); err != nil {
				r.log(ctx, models.LogError, "Rollback failed, backup could not be restored", map[string]interface{}{
					"from": p.Backup, "to": p.Target, "error": err.Error(),
				})
			} else {
				r.log(ctx, models.LogWarn, "Rolled back live collection from backup", map[string]interface{}{
					"from": p.Backup, "to": p.Target,
				})
			}
		case st.swappedIn && !st.hadLive:
			// first sync: nothing was live before, so remove what was promoted
			if err := store.DropIfExists(ctx, p.Target); err != nil {
				r.log(ctx, models.LogError, "Rollback failed to drop promoted collection", map[string]interface{}{
					"collection": p.Target, "error": err.Error(),
				})
			}
		}
	}
}

// syncIncremental upserts changed records straight into the live collection.
func (r *run) syncIncremental(ctx context.Context, entity string) error {
	e := r.engine
	target := TargetName(r.spec.Destination, entity)

	since := r.watermark(entity)
	if err := e.store.Create(ctx, target); err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}

	meta := map[string]interface{}{"entity": entity, "collection": target}
	if since != nil {
		meta["since"] = since.Format(time.RFC3339)
	}
	r.log(ctx, models.LogInfo, "Incremental sync", meta)

	er := EntityResult{Entity: entity, Collection: target, Mode: models.SyncModeIncremental}
	progress, err := e.fetcher.Paginate(ctx, r.spec.Adapter, source.Request{Entity: entity, Since: since}, func(ctx context.Context, page *source.Page, p fetch.Progress) error {
		docs := make([]docstore.Document, 0, len(page.Records))
		var skipped int64
		for _, rec := range page.Records {
			if id, ok := rec[source.IDField]; !ok || id == nil || id == "" {
				skipped++
				continue
			}
			docs = append(docs, r.stamp(rec))
		}
		s := models.ExecutionStats{RecordsProcessed: int64(len(page.Records)), RecordsFailed: skipped}
		if len(docs) > 0 {
			res, err := e.store.UpsertMany(ctx, target, source.IDField, docs)
			if err != nil {
				return fmt.Errorf("upsert into %s: %w", target, err)
			}
			s.RecordsCreated = res.Created
			s.RecordsUpdated = res.Updated
		}
		if skipped > 0 {
			r.log(ctx, models.LogWarn, "Skipped records without an id", map[string]interface{}{"entity": entity, "count": skipped})
		}
		er.Stats = er.Stats.Add(s)
		r.addStats(ctx, s)
		return nil
	})
	er.Pages = progress.Pages
	if err != nil {
		return fmt.Errorf("sync %s: %w", entity, err)
	}
	r.entities = append(r.entities, er)
	return nil
}

// watermark returns the watermark stored by the job's last successful run. Without one
// the entity is fetched in full, so a failed run never advances the window.
func (r *run) watermark(entity string) *time.Time {
	if ts, ok := r.spec.Watermarks[entity]; ok && !ts.IsZero() {
		return &ts
	}
	return nil
}
