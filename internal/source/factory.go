package source

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"datasync/internal/models"
)

// DataSourceStore loads data source documents.
type DataSourceStore interface {
	GetDataSource(ctx context.Context, id string) (*models.DataSource, error)
}

// New creates an Adapter based on the data source type.
func New(ds *models.DataSource) (Adapter, error) {
	switch ds.Type {
	case "rest":
		var cfg RESTConfig
		if err := decodeConfig(ds.Config, &cfg); err != nil {
			return nil, fmt.Errorf("data source %s: %w", ds.ID, err)
		}
		a, err := NewRESTAdapter(cfg)
		if err != nil {
			return nil, err
		}
		return a, nil
	case "sql", "mysql":
		var cfg SQLConfig
		if err := decodeConfig(ds.Config, &cfg); err != nil {
			return nil, fmt.Errorf("data source %s: %w", ds.ID, err)
		}
		a, err := NewSQLAdapter(cfg)
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unsupported data source type: %s", ds.Type)
	}
}

// Resolver builds connections for jobs from stored data sources.
type Resolver struct {
	sources DataSourceStore
	factory func(*models.DataSource) (Adapter, error)
}

func NewResolver(sources DataSourceStore) *Resolver {
	return &Resolver{sources: sources, factory: New}
}

func (r *Resolver) Resolve(ctx context.Context, job *models.JobDefinition) (*Connection, error) {
	ds, err := r.sources.GetDataSource(ctx, job.SourceID)
	if err != nil {
		return nil, fmt.Errorf("load data source %s: %w", job.SourceID, err)
	}
	adapter, err := r.factory(ds)
	if err != nil {
		return nil, err
	}
	return &Connection{SourceID: ds.ID, SourceName: ds.Name, Adapter: adapter}, nil
}

func decodeConfig(raw map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
