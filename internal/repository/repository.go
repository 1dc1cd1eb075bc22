// Package repository persists job definitions, data sources, execution records and run
// requests in MongoDB.
package repository

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"datasync/internal/models"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("not found")

// JobStore reads job definitions and writes their run bookkeeping.
type JobStore interface {
	GetJob(ctx context.Context, id string) (*models.JobDefinition, error)
	ListJobs(ctx context.Context) ([]models.JobDefinition, error)
	MarkRunStarted(ctx context.Context, id string, at time.Time) error
	MarkRunSucceeded(ctx context.Context, id string, at time.Time, watermarks map[string]time.Time) error
	MarkRunFailed(ctx context.Context, id, message string) error
}

// ExecutionStore writes the execution history of runs.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, rec *models.ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*models.ExecutionRecord, error)
	AppendLog(ctx context.Context, id string, entry models.LogEntry) error
	UpdateStats(ctx context.Context, id string, stats models.ExecutionStats) error
	// Heartbeat bumps lastHeartbeat of a running record and reports whether cancellation
	// was requested.
	Heartbeat(ctx context.Context, id string, at time.Time) (cancelRequested bool, err error)
	// Finalize writes the terminal state only while the record is still running.
	Finalize(ctx context.Context, id string, fin models.Finalization) (bool, error)
	RequestCancel(ctx context.Context, id string) (bool, error)
	FindStaleRunning(ctx context.Context, cutoff time.Time) ([]models.ExecutionRecord, error)
	// MarkAbandoned moves a running record whose heartbeat is older than cutoff to abandoned.
	MarkAbandoned(ctx context.Context, id string, cutoff, at time.Time, message string) (bool, error)
	ListRunning(ctx context.Context) ([]models.ExecutionRecord, error)
}

// RunRequestStore queues on-demand runs.
type RunRequestStore interface {
	CreateRunRequest(ctx context.Context, req *models.RunRequest) error
	// ClaimNextRunRequest atomically removes and returns the oldest request.
	ClaimNextRunRequest(ctx context.Context) (*models.RunRequest, error)
}

// DataSourceStore loads configured data sources.
type DataSourceStore interface {
	GetDataSource(ctx context.Context, id string) (*models.DataSource, error)
}

// Repos bundles the Mongo repositories.
type Repos struct {
	Job        *JobRepository
	Execution  *ExecutionRepository
	RunRequest *RunRequestRepository
	DataSource *DataSourceRepository
}

func NewRepos(db *mongo.Database) *Repos {
	return &Repos{
		Job:        NewJobRepository(db),
		Execution:  NewExecutionRepository(db),
		RunRequest: NewRunRequestRepository(db),
		DataSource: NewDataSourceRepository(db),
	}
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

var (
	_ JobStore        = (*JobRepository)(nil)
	_ ExecutionStore  = (*ExecutionRepository)(nil)
	_ RunRequestStore = (*RunRequestRepository)(nil)
	_ DataSourceStore = (*DataSourceRepository)(nil)
)
