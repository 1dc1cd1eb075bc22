package docstore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	codeNamespaceNotFound = 26
	codeNamespaceExists   = 48
)

// MongoStore implements Store on a MongoDB database.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

func NewMongoStore(client *mongo.Client, db *mongo.Database) *MongoStore {
	return &MongoStore{client: client, db: db}
}

func (s *MongoStore) Create(ctx context.Context, collection string) error {
	err := s.db.CreateCollection(ctx, collection)
	if err != nil && !hasCode(err, codeNamespaceExists) {
		return fmt.Errorf("create collection %s: %w", collection, err)
	}
	return nil
}

func (s *MongoStore) InsertMany(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	batch := make([]interface{}, len(docs))
	for i, d := range docs {
		batch[i] = bson.M(d)
	}
	if _, err := s.db.Collection(collection).InsertMany(ctx, batch, options.InsertMany().SetOrdered(false)); err != nil {
		return fmt.Errorf("insert into %s: %w", collection, err)
	}
	return nil
}

func (s *MongoStore) UpsertMany(ctx context.Context, collection, keyField string, docs []Document) (UpsertResult, error) {
	var res UpsertResult
	if len(docs) == 0 {
		return res, nil
	}
	writes := make([]mongo.WriteModel, 0, len(docs))
	for _, d := range docs {
		key, ok := d[keyField]
		if !ok {
			return res, fmt.Errorf("document missing key field %q", keyField)
		}
		set := bson.M{}
		for k, v := range d {
			if k == "_id" {
				continue
			}
			set[k] = v
		}
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M{keyField: key}).
			SetUpdate(bson.M{"$set": set}).
			SetUpsert(true))
	}
	out, err := s.db.Collection(collection).BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return res, fmt.Errorf("upsert into %s: %w", collection, err)
	}
	res.Created = out.UpsertedCount
	res.Updated = out.MatchedCount
	return res, nil
}

func (s *MongoStore) Rename(ctx context.Context, from, to string, dropTarget bool) error {
	cmd := bson.D{
		{Key: "renameCollection", Value: s.db.Name() + "." + from},
		{Key: "to", Value: s.db.Name() + "." + to},
		{Key: "dropTarget", Value: dropTarget},
	}
	err := s.client.Database("admin").RunCommand(ctx, cmd).Err()
	switch {
	case err == nil:
		return nil
	case hasCode(err, codeNamespaceNotFound):
		return fmt.Errorf("rename %s: %w", from, ErrNamespaceNotFound)
	case hasCode(err, codeNamespaceExists):
		return fmt.Errorf("rename %s to %s: %w", from, to, ErrNamespaceExists)
	default:
		return fmt.Errorf("rename %s to %s: %w", from, to, err)
	}
}

// DropIfExists relies on the driver ignoring NamespaceNotFound on drop.
func (s *MongoStore) DropIfExists(ctx context.Context, collection string) error {
	if err := s.db.Collection(collection).Drop(ctx); err != nil {
		return fmt.Errorf("drop %s: %w", collection, err)
	}
	return nil
}

func (s *MongoStore) Count(ctx context.Context, collection string) (int64, error) {
	n, err := s.db.Collection(collection).CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return n, nil
}

func (s *MongoStore) ListCollections(ctx context.Context) ([]string, error) {
	names, err := s.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	return names, nil
}

func hasCode(err error, code int32) bool {
	var ce mongo.CommandError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	var we mongo.WriteException
	if errors.As(err, &we) && we.WriteConcernError != nil {
		return int32(we.WriteConcernError.Code) == code
	}
	return false
}
