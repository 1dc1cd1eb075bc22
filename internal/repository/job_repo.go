package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"datasync/internal/models"
)

// JobRepository handles sync job definitions.
type JobRepository struct {
	coll *mongo.Collection
}

func NewJobRepository(db *mongo.Database) *JobRepository {
	return &JobRepository{coll: db.Collection(models.JobDefinition{}.CollectionName())}
}

func (r *JobRepository) GetJob(ctx context.Context, id string) (*models.JobDefinition, error) {
	var job models.JobDefinition
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&job); err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

func (r *JobRepository) ListJobs(ctx context.Context) ([]models.JobDefinition, error) {
	cur, err := r.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	var jobs []models.JobDefinition
	if err := cur.All(ctx, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// SaveJob inserts or replaces a job definition.
func (r *JobRepository) SaveJob(ctx context.Context, job *models.JobDefinition) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	_, err := r.coll.ReplaceOne(ctx, bson.M{"_id": job.ID}, job, replaceUpsert())
	return err
}

func (r *JobRepository) MarkRunStarted(ctx context.Context, id string, at time.Time) error {
	return r.update(ctx, id, bson.M{
		"$set": bson.M{"lastRunAt": at},
		"$inc": bson.M{"runCount": 1},
	})
}

func (r *JobRepository) MarkRunSucceeded(ctx context.Context, id string, at time.Time, watermarks map[string]time.Time) error {
	set := bson.M{"lastSuccessAt": at, "lastError": ""}
	for entity, ts := range watermarks {
		set["watermarks."+entity] = ts
	}
	return r.update(ctx, id, bson.M{"$set": set})
}

func (r *JobRepository) MarkRunFailed(ctx context.Context, id, message string) error {
	return r.update(ctx, id, bson.M{"$set": bson.M{"lastError": message}})
}

func (r *JobRepository) update(ctx context.Context, id string, update bson.M) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
