package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"datasync/internal/models"
)

// RunRequestRepository queues run-now requests.
type RunRequestRepository struct {
	coll *mongo.Collection
}

func NewRunRequestRepository(db *mongo.Database) *RunRequestRepository {
	return &RunRequestRepository{coll: db.Collection(models.RunRequest{}.CollectionName())}
}

func (r *RunRequestRepository) CreateRunRequest(ctx context.Context, req *models.RunRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	_, err := r.coll.InsertOne(ctx, req)
	return err
}

func (r *RunRequestRepository) ClaimNextRunRequest(ctx context.Context) (*models.RunRequest, error) {
	var req models.RunRequest
	opts := options.FindOneAndDelete().SetSort(bson.D{{Key: "requestedAt", Value: 1}})
	if err := r.coll.FindOneAndDelete(ctx, bson.M{}, opts).Decode(&req); err != nil {
		return nil, notFound(err)
	}
	return &req, nil
}
