package repository

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"datasync/internal/models"
)

// DataSourceRepository handles configured source connections.
type DataSourceRepository struct {
	coll *mongo.Collection
}

func NewDataSourceRepository(db *mongo.Database) *DataSourceRepository {
	return &DataSourceRepository{coll: db.Collection(models.DataSource{}.CollectionName())}
}

func (r *DataSourceRepository) GetDataSource(ctx context.Context, id string) (*models.DataSource, error) {
	var ds models.DataSource
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&ds); err != nil {
		return nil, notFound(err)
	}
	return &ds, nil
}

func (r *DataSourceRepository) SaveDataSource(ctx context.Context, ds *models.DataSource) error {
	_, err := r.coll.ReplaceOne(ctx, bson.M{"_id": ds.ID}, ds, replaceUpsert())
	return err
}

func replaceUpsert() *options.ReplaceOptions {
	return options.Replace().SetUpsert(true)
}
