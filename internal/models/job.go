package models

import "time"

// SyncMode selects how a job replicates its source.
type SyncMode string

const (
	SyncModeFull        SyncMode = "full"
	SyncModeIncremental SyncMode = "incremental"
)

// JobDefinition describes a scheduled sync. Created and edited by the management surface;
// the core only writes the run bookkeeping fields.
type JobDefinition struct {
	ID          string               `bson:"_id" json:"id"`
	Name        string               `bson:"name" json:"name"`
	Enabled     bool                 `bson:"enabled" json:"enabled"`
	Cron        string               `bson:"cron" json:"cron"`
	Timezone    string               `bson:"timezone,omitempty" json:"timezone,omitempty"`
	Mode        SyncMode             `bson:"mode" json:"mode"`
	Entities    []string             `bson:"entities,omitempty" json:"entities,omitempty"`
	SourceID    string               `bson:"sourceId" json:"source_id"`
	Destination string               `bson:"destination" json:"destination"`
	Watermarks  map[string]time.Time `bson:"watermarks,omitempty" json:"watermarks,omitempty"`

	LastRunAt     *time.Time `bson:"lastRunAt,omitempty" json:"last_run_at,omitempty"`
	LastSuccessAt *time.Time `bson:"lastSuccessAt,omitempty" json:"last_success_at,omitempty"`
	LastError     string     `bson:"lastError,omitempty" json:"last_error,omitempty"`
	RunCount      int64      `bson:"runCount" json:"run_count"`

	CreatedAt time.Time `bson:"createdAt" json:"created_at"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updated_at"`
}

func (JobDefinition) CollectionName() string {
	return "sync_jobs"
}

// EffectiveMode defaults an unset mode to a full sync.
func (j *JobDefinition) EffectiveMode() SyncMode {
	if j.Mode == SyncModeIncremental {
		return SyncModeIncremental
	}
	return SyncModeFull
}

// DataSource is a configured connection to an external system.
type DataSource struct {
	ID        string                 `bson:"_id" json:"id"`
	Name      string                 `bson:"name" json:"name"`
	Type      string                 `bson:"type" json:"type"`
	Config    map[string]interface{} `bson:"config" json:"config"`
	UpdatedAt time.Time              `bson:"updatedAt" json:"updated_at"`
}

func (DataSource) CollectionName() string {
	return "data_sources"
}

// RunRequest asks the active scheduler to run a job immediately.
type RunRequest struct {
	ID          string    `bson:"_id" json:"id"`
	JobID       string    `bson:"jobId" json:"job_id"`
	RequestedAt time.Time `bson:"requestedAt" json:"requested_at"`
	RequestedBy string    `bson:"requestedBy,omitempty" json:"requested_by,omitempty"`
}

func (RunRequest) CollectionName() string {
	return "sync_run_requests"
}
