package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"datasync/internal/models"
)

// Mongo error codes raised when an index exists under the same name with other options.
const (
	codeIndexOptionsConflict  = 85
	codeIndexKeySpecsConflict = 86
)

type indexSpec struct {
	collection string
	model      mongo.IndexModel
	// ttl is set for TTL indexes whose expiry may change between deployments.
	ttl *int32
}

// EnsureIndexes creates the indexes the coordination collections rely on: TTL expiry
// of leases and finished executions, the reaper's stale-run scan and run-request order.
// Changed TTLs are applied in place with collMod.
func EnsureIndexes(ctx context.Context, db *mongo.Database, executionRetention time.Duration) error {
	for _, spec := range indexSpecs(executionRetention) {
		coll := db.Collection(spec.collection)
		_, err := coll.Indexes().CreateOne(ctx, spec.model)
		if err == nil {
			continue
		}
		if spec.ttl != nil && isIndexConflict(err) {
			if err := updateTTL(ctx, db, spec); err != nil {
				return err
			}
			continue
		}
		return fmt.Errorf("create index %s.%s: %w", spec.collection, indexName(spec.model), err)
	}
	return nil
}

func indexSpecs(executionRetention time.Duration) []indexSpec {
	leaseTTL := int32(0)
	specs := []indexSpec{
		{
			collection: models.Lease{}.CollectionName(),
			model: mongo.IndexModel{
				Keys:    bson.D{{Key: "expiresAt", Value: 1}},
				Options: options.Index().SetName("expiresAt_ttl").SetExpireAfterSeconds(leaseTTL),
			},
			ttl: &leaseTTL,
		},
		{
			collection: models.ExecutionRecord{}.CollectionName(),
			model: mongo.IndexModel{
				Keys:    bson.D{{Key: "status", Value: 1}, {Key: "lastHeartbeat", Value: 1}},
				Options: options.Index().SetName("status_lastHeartbeat"),
			},
		},
		{
			collection: models.ExecutionRecord{}.CollectionName(),
			model: mongo.IndexModel{
				Keys:    bson.D{{Key: "jobId", Value: 1}, {Key: "startedAt", Value: -1}},
				Options: options.Index().SetName("jobId_startedAt"),
			},
		},
		{
			collection: models.RunRequest{}.CollectionName(),
			model: mongo.IndexModel{
				Keys:    bson.D{{Key: "requestedAt", Value: 1}},
				Options: options.Index().SetName("requestedAt"),
			},
		},
		{
			collection: models.JobDefinition{}.CollectionName(),
			model: mongo.IndexModel{
				Keys:    bson.D{{Key: "enabled", Value: 1}},
				Options: options.Index().SetName("enabled"),
			},
		},
	}

	if executionRetention > 0 {
		secs := int32(executionRetention / time.Second)
		specs = append(specs, indexSpec{
			collection: models.ExecutionRecord{}.CollectionName(),
			model: mongo.IndexModel{
				Keys:    bson.D{{Key: "completedAt", Value: 1}},
				Options: options.Index().SetName("completedAt_ttl").SetExpireAfterSeconds(secs),
			},
			ttl: &secs,
		})
	}
	return specs
}

func updateTTL(ctx context.Context, db *mongo.Database, spec indexSpec) error {
	cmd := bson.D{
		{Key: "collMod", Value: spec.collection},
		{Key: "index", Value: bson.D{
			{Key: "name", Value: indexName(spec.model)},
			{Key: "expireAfterSeconds", Value: *spec.ttl},
		}},
	}
	if err := db.RunCommand(ctx, cmd).Err(); err != nil {
		return fmt.Errorf("update ttl of %s.%s: %w", spec.collection, indexName(spec.model), err)
	}
	return nil
}

func indexName(m mongo.IndexModel) string {
	if m.Options != nil && m.Options.Name != nil {
		return *m.Options.Name
	}
	return ""
}

func isIndexConflict(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code == codeIndexOptionsConflict || cmdErr.Code == codeIndexKeySpecsConflict
	}
	return false
}
