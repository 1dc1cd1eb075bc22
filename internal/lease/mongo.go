package lease

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

// MongoStore keeps leases in the shared document store, one document per name keyed by _id.
type MongoStore struct {
	coll *mongo.Collection
	now  func() time.Time
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		coll: db.Collection(models.Lease{}.CollectionName()),
		now:  time.Now,
	}
}

// Acquire upserts the lease filtered on expiry. When a valid lease exists the filter matches
// nothing and the upsert collides with the existing _id, which is reported as a lost race.
func (s *MongoStore) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	filter := bson.M{"_id": name, "expiresAt": bson.M{"$lte": now}}
	update := bson.M{"$set": bson.M{
		"owner":           owner,
		"acquiredAt":      now,
		"expiresAt":       now.Add(ttl),
		"lastRefreshedAt": now,
	}}

	_, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return true, nil
}

func (s *MongoStore) Refresh(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": name, "owner": owner},
		bson.M{"$set": bson.M{"expiresAt": now.Add(ttl), "lastRefreshedAt": now}},
	)
	if err != nil {
		return false, fmt.Errorf("refresh lease %s: %w", name, err)
	}
	return res.MatchedCount == 1, nil
}

func (s *MongoStore) Release(ctx context.Context, name, owner string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": name, "owner": owner}); err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}

func (s *MongoStore) IsStale(ctx context.Context, name string, staleAfter time.Duration) (bool, error) {
	l, err := s.Get(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return l.Stale(s.now(), staleAfter), nil
}

func (s *MongoStore) ReclaimStale(ctx context.Context, name string, staleAfter time.Duration) (bool, error) {
	cutoff := s.now().Add(-staleAfter)
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": name, "lastRefreshedAt": bson.M{"$lt": cutoff}})
	if err != nil {
		return false, fmt.Errorf("reclaim lease %s: %w", name, err)
	}
	return res.DeletedCount == 1, nil
}

func (s *MongoStore) Get(ctx context.Context, name string) (*models.Lease, error) {
	var l models.Lease
	if err := s.coll.FindOne(ctx, bson.M{"_id": name}).Decode(&l); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get lease %s: %w", name, err)
	}
	return &l, nil
}
