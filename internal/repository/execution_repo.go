package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"datasync/internal/models"
)

// ExecutionRepository handles run history.
type ExecutionRepository struct {
	coll *mongo.Collection
}

func NewExecutionRepository(db *mongo.Database) *ExecutionRepository {
	return &ExecutionRepository{coll: db.Collection(models.ExecutionRecord{}.CollectionName())}
}

func (r *ExecutionRepository) CreateExecution(ctx context.Context, rec *models.ExecutionRecord) error {
	if rec.Logs == nil {
		rec.Logs = []models.LogEntry{}
	}
	if _, err := r.coll.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("create execution %s: %w", rec.ID, err)
	}
	return nil
}

func (r *ExecutionRepository) GetExecution(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	var rec models.ExecutionRecord
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&rec); err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

// AppendLog pushes one entry; callers serialize calls to keep emission order.
func (r *ExecutionRepository) AppendLog(ctx context.Context, id string, entry models.LogEntry) error {
	_, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$push": bson.M{"logs": entry}})
	return err
}

func (r *ExecutionRepository) UpdateStats(ctx context.Context, id string, stats models.ExecutionStats) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": models.ExecutionRunning},
		bson.M{"$set": bson.M{"stats": stats}},
	)
	return err
}

func (r *ExecutionRepository) Heartbeat(ctx context.Context, id string, at time.Time) (bool, error) {
	var rec models.ExecutionRecord
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"cancelRequested": 1})
	err := r.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": models.ExecutionRunning},
		bson.M{"$set": bson.M{"lastHeartbeat": at}},
		opts,
	).Decode(&rec)
	if err != nil {
		return false, notFound(err)
	}
	return rec.CancelRequested, nil
}

func (r *ExecutionRepository) Finalize(ctx context.Context, id string, fin models.Finalization) (bool, error) {
	set := bson.M{
		"status":      fin.Status,
		"success":     fin.Success,
		"completedAt": fin.CompletedAt,
		"durationMs":  fin.DurationMS,
		"stats":       fin.Stats,
	}
	if fin.Error != nil {
		set["error"] = fin.Error
	}
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": models.ExecutionRunning},
		bson.M{"$set": set},
	)
	if err != nil {
		return false, fmt.Errorf("finalize execution %s: %w", id, err)
	}
	return res.ModifiedCount == 1, nil
}

func (r *ExecutionRepository) RequestCancel(ctx context.Context, id string) (bool, error) {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": models.ExecutionRunning},
		bson.M{"$set": bson.M{"cancelRequested": true}},
	)
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

func (r *ExecutionRepository) FindStaleRunning(ctx context.Context, cutoff time.Time) ([]models.ExecutionRecord, error) {
	opts := options.Find().SetProjection(bson.M{"logs": 0})
	cur, err := r.coll.Find(ctx, bson.M{
		"status":        models.ExecutionRunning,
		"lastHeartbeat": bson.M{"$lt": cutoff},
	}, opts)
	if err != nil {
		return nil, err
	}
	var out []models.ExecutionRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *ExecutionRepository) MarkAbandoned(ctx context.Context, id string, cutoff, at time.Time, message string) (bool, error) {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": models.ExecutionRunning, "lastHeartbeat": bson.M{"$lt": cutoff}},
		bson.M{
			"$set": bson.M{
				"status":      models.ExecutionAbandoned,
				"success":     false,
				"completedAt": at,
				"error":       models.ExecutionError{Message: message, Code: "abandoned"},
			},
			"$push": bson.M{"logs": models.LogEntry{Timestamp: at, Level: models.LogError, Message: message}},
		},
	)
	if err != nil {
		return false, fmt.Errorf("mark execution %s abandoned: %w", id, err)
	}
	return res.ModifiedCount == 1, nil
}

func (r *ExecutionRepository) ListRunning(ctx context.Context) ([]models.ExecutionRecord, error) {
	opts := options.Find().
		SetProjection(bson.M{"logs": 0}).
		SetSort(bson.D{{Key: "startedAt", Value: -1}})
	cur, err := r.coll.Find(ctx, bson.M{"status": models.ExecutionRunning}, opts)
	if err != nil {
		return nil, err
	}
	var out []models.ExecutionRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
