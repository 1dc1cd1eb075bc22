package models

import "time"

// ExecutionStatus is the lifecycle state of one job run.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCanceled  ExecutionStatus = "canceled"
	ExecutionAbandoned ExecutionStatus = "abandoned"
)

// Terminal reports whether no further transitions are allowed.
func (s ExecutionStatus) Terminal() bool {
	return s != ExecutionRunning
}

// Triggers recorded in RunContext.
const (
	TriggerCron   = "cron"
	TriggerManual = "manual"
	TriggerCLI    = "cli"
)

type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

type LogEntry struct {
	Timestamp time.Time              `bson:"timestamp" json:"timestamp"`
	Level     LogLevel               `bson:"level" json:"level"`
	Message   string                 `bson:"message" json:"message"`
	Metadata  map[string]interface{} `bson:"metadata,omitempty" json:"metadata,omitempty"`
}

type ExecutionError struct {
	Message string `bson:"message" json:"message"`
	Stack   string `bson:"stack,omitempty" json:"stack,omitempty"`
	Code    string `bson:"code,omitempty" json:"code,omitempty"`
}

// RunContext snapshots the job definition at run start.
type RunContext struct {
	SourceID    string   `bson:"sourceId" json:"source_id"`
	Destination string   `bson:"destination" json:"destination"`
	Mode        SyncMode `bson:"mode" json:"mode"`
	Cron        string   `bson:"cron" json:"cron"`
	Timezone    string   `bson:"timezone,omitempty" json:"timezone,omitempty"`
	Entities    []string `bson:"entities,omitempty" json:"entities,omitempty"`
	Trigger     string   `bson:"trigger" json:"trigger"`
}

type ExecutionStats struct {
	RecordsProcessed int64 `bson:"recordsProcessed" json:"records_processed"`
	RecordsCreated   int64 `bson:"recordsCreated" json:"records_created"`
	RecordsUpdated   int64 `bson:"recordsUpdated" json:"records_updated"`
	RecordsFailed    int64 `bson:"recordsFailed" json:"records_failed"`
}

// Add returns the field-wise sum of s and o.
func (s ExecutionStats) Add(o ExecutionStats) ExecutionStats {
	return ExecutionStats{
		RecordsProcessed: s.RecordsProcessed + o.RecordsProcessed,
		RecordsCreated:   s.RecordsCreated + o.RecordsCreated,
		RecordsUpdated:   s.RecordsUpdated + o.RecordsUpdated,
		RecordsFailed:    s.RecordsFailed + o.RecordsFailed,
	}
}

// ExecutionRecord is the persisted history of a single job run.
type ExecutionRecord struct {
	ID              string          `bson:"_id" json:"id"`
	JobID           string          `bson:"jobId" json:"job_id"`
	StartedAt       time.Time       `bson:"startedAt" json:"started_at"`
	CompletedAt     *time.Time      `bson:"completedAt,omitempty" json:"completed_at,omitempty"`
	LastHeartbeat   time.Time       `bson:"lastHeartbeat" json:"last_heartbeat"`
	Status          ExecutionStatus `bson:"status" json:"status"`
	Success         bool            `bson:"success" json:"success"`
	DurationMS      int64           `bson:"durationMs,omitempty" json:"duration_ms,omitempty"`
	Logs            []LogEntry      `bson:"logs" json:"logs"`
	Error           *ExecutionError `bson:"error,omitempty" json:"error,omitempty"`
	Context         RunContext      `bson:"context" json:"context"`
	Stats           ExecutionStats  `bson:"stats" json:"stats"`
	Host            string          `bson:"host" json:"host"`
	PID             int             `bson:"pid" json:"pid"`
	LeaseOwner      string          `bson:"leaseOwner,omitempty" json:"lease_owner,omitempty"`
	CancelRequested bool            `bson:"cancelRequested,omitempty" json:"cancel_requested,omitempty"`
}

func (ExecutionRecord) CollectionName() string {
	return "sync_executions"
}

// Finalization carries the terminal fields written exactly once at run end.
type Finalization struct {
	Status      ExecutionStatus
	Success     bool
	CompletedAt time.Time
	DurationMS  int64
	Error       *ExecutionError
	Stats       ExecutionStats
}
