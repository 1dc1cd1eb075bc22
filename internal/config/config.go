package config

import (
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Mongo       MongoConfig
	Redis       RedisConfig
	Lease       LeaseConfig
	Worker      WorkerConfig
	Scheduler   SchedulerConfig
	Runner      RunnerConfig
	Recorder    RecorderConfig
	Reaper      ReaperConfig
	Replication ReplicationConfig
	Fetch       FetchConfig
	Alert       AlertConfig
}

type ServerConfig struct {
	Port     int
	Env      string // "development", "production"
	APIKey   string
	LogLevel string
}

type MongoConfig struct {
	URI                string
	Database           string
	ExecutionRetention time.Duration
}

type RedisConfig struct {
	Addr string
	Pass string
	DB   int
}

type LeaseConfig struct {
	Backend string // "mongo" or "redis"
}

type WorkerConfig struct {
	LeaseTTL        time.Duration
	RefreshInterval time.Duration
	StaleAfter      time.Duration
	AcquireRetry    time.Duration
}

type SchedulerConfig struct {
	MaxJitter          time.Duration
	StartupStagger     time.Duration
	PollInterval       time.Duration
	RunRequestInterval time.Duration
}

type RunnerConfig struct {
	JobLeaseTTL       time.Duration
	LeaseRefresh      time.Duration
	MaxConcurrentRuns int
	ShutdownTimeout   time.Duration
}

type RecorderConfig struct {
	HeartbeatInterval time.Duration
}

type ReaperConfig struct {
	Interval         time.Duration
	StaleAfter       time.Duration
	OrphanStagingAge time.Duration
	OrphanBackupAge  time.Duration
}

type ReplicationConfig struct {
	BackupRetention time.Duration
	InsertBatchSize int
}

type FetchConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	PageDelay  time.Duration
}

type AlertConfig struct {
	TelegramToken   string
	TelegramChatID  string
	TelegramBaseURL string
}

// Defaults returns the configuration used when no environment overrides are present.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, Env: "production", LogLevel: "info"},
		Mongo: MongoConfig{
			URI:                "mongodb://localhost:27017",
			Database:           "datasync",
			ExecutionRetention: 30 * 24 * time.Hour,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Lease: LeaseConfig{Backend: "mongo"},
		Worker: WorkerConfig{
			LeaseTTL:        60 * time.Second,
			RefreshInterval: 30 * time.Second,
			StaleAfter:      90 * time.Second,
			AcquireRetry:    10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			MaxJitter:          60 * time.Second,
			StartupStagger:     2 * time.Second,
			PollInterval:       15 * time.Second,
			RunRequestInterval: 5 * time.Second,
		},
		Runner: RunnerConfig{
			JobLeaseTTL:       8 * time.Hour,
			LeaseRefresh:      5 * time.Minute,
			MaxConcurrentRuns: 8,
			ShutdownTimeout:   30 * time.Second,
		},
		Recorder: RecorderConfig{HeartbeatInterval: 30 * time.Second},
		Reaper: ReaperConfig{
			Interval:         time.Minute,
			StaleAfter:       5 * time.Minute,
			OrphanStagingAge: 9 * time.Hour,
			OrphanBackupAge:  10 * time.Minute,
		},
		Replication: ReplicationConfig{
			BackupRetention: 60 * time.Second,
			InsertBatchSize: 1000,
		},
		Fetch: FetchConfig{
			MaxRetries: 5,
			BaseDelay:  time.Second,
			MaxDelay:   time.Minute,
			PageDelay:  200 * time.Millisecond,
		},
	}
}

// Load reads configuration from .env file and environment variables.
func Load() (*Config, error) {
	// Load .env file (ignore error if missing)
	_ = godotenv.Load()

	viper.AutomaticEnv()

	d := Defaults()
	viper.SetDefault("APP_PORT", d.Server.Port)
	viper.SetDefault("APP_ENV", d.Server.Env)
	viper.SetDefault("LOG_LEVEL", d.Server.LogLevel)
	viper.SetDefault("MONGO_URI", d.Mongo.URI)
	viper.SetDefault("MONGO_DATABASE", d.Mongo.Database)
	viper.SetDefault("EXECUTION_RETENTION", d.Mongo.ExecutionRetention.String())
	viper.SetDefault("REDIS_ADDR", d.Redis.Addr)
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("LEASE_BACKEND", d.Lease.Backend)
	viper.SetDefault("WORKER_LEASE_TTL", d.Worker.LeaseTTL.String())
	viper.SetDefault("WORKER_REFRESH_INTERVAL", d.Worker.RefreshInterval.String())
	viper.SetDefault("WORKER_STALE_AFTER", d.Worker.StaleAfter.String())
	viper.SetDefault("WORKER_ACQUIRE_RETRY", d.Worker.AcquireRetry.String())
	viper.SetDefault("SCHEDULER_MAX_JITTER", d.Scheduler.MaxJitter.String())
	viper.SetDefault("SCHEDULER_STARTUP_STAGGER", d.Scheduler.StartupStagger.String())
	viper.SetDefault("SCHEDULER_POLL_INTERVAL", d.Scheduler.PollInterval.String())
	viper.SetDefault("RUN_REQUEST_INTERVAL", d.Scheduler.RunRequestInterval.String())
	viper.SetDefault("JOB_LEASE_TTL", d.Runner.JobLeaseTTL.String())
	viper.SetDefault("JOB_LEASE_REFRESH", d.Runner.LeaseRefresh.String())
	viper.SetDefault("MAX_CONCURRENT_RUNS", d.Runner.MaxConcurrentRuns)
	viper.SetDefault("SHUTDOWN_TIMEOUT", d.Runner.ShutdownTimeout.String())
	viper.SetDefault("HEARTBEAT_INTERVAL", d.Recorder.HeartbeatInterval.String())
	viper.SetDefault("REAPER_INTERVAL", d.Reaper.Interval.String())
	viper.SetDefault("REAPER_STALE_AFTER", d.Reaper.StaleAfter.String())
	viper.SetDefault("ORPHAN_STAGING_MAX_AGE", d.Reaper.OrphanStagingAge.String())
	viper.SetDefault("ORPHAN_BACKUP_MAX_AGE", d.Reaper.OrphanBackupAge.String())
	viper.SetDefault("BACKUP_RETENTION", d.Replication.BackupRetention.String())
	viper.SetDefault("INSERT_BATCH_SIZE", d.Replication.InsertBatchSize)
	viper.SetDefault("FETCH_MAX_RETRIES", d.Fetch.MaxRetries)
	viper.SetDefault("FETCH_BASE_DELAY", d.Fetch.BaseDelay.String())
	viper.SetDefault("FETCH_MAX_DELAY", d.Fetch.MaxDelay.String())
	viper.SetDefault("FETCH_PAGE_DELAY", d.Fetch.PageDelay.String())

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetInt("APP_PORT"),
			Env:      viper.GetString("APP_ENV"),
			APIKey:   viper.GetString("API_KEY"),
			LogLevel: viper.GetString("LOG_LEVEL"),
		},
		Mongo: MongoConfig{
			URI:                viper.GetString("MONGO_URI"),
			Database:           viper.GetString("MONGO_DATABASE"),
			ExecutionRetention: duration("EXECUTION_RETENTION", d.Mongo.ExecutionRetention),
		},
		Redis: RedisConfig{
			Addr: viper.GetString("REDIS_ADDR"),
			Pass: viper.GetString("REDIS_PASS"),
			DB:   viper.GetInt("REDIS_DB"),
		},
		Lease: LeaseConfig{
			Backend: viper.GetString("LEASE_BACKEND"),
		},
		Worker: WorkerConfig{
			LeaseTTL:        duration("WORKER_LEASE_TTL", d.Worker.LeaseTTL),
			RefreshInterval: duration("WORKER_REFRESH_INTERVAL", d.Worker.RefreshInterval),
			StaleAfter:      duration("WORKER_STALE_AFTER", d.Worker.StaleAfter),
			AcquireRetry:    duration("WORKER_ACQUIRE_RETRY", d.Worker.AcquireRetry),
		},
		Scheduler: SchedulerConfig{
			MaxJitter:          duration("SCHEDULER_MAX_JITTER", d.Scheduler.MaxJitter),
			StartupStagger:     duration("SCHEDULER_STARTUP_STAGGER", d.Scheduler.StartupStagger),
			PollInterval:       duration("SCHEDULER_POLL_INTERVAL", d.Scheduler.PollInterval),
			RunRequestInterval: duration("RUN_REQUEST_INTERVAL", d.Scheduler.RunRequestInterval),
		},
		Runner: RunnerConfig{
			JobLeaseTTL:       duration("JOB_LEASE_TTL", d.Runner.JobLeaseTTL),
			LeaseRefresh:      duration("JOB_LEASE_REFRESH", d.Runner.LeaseRefresh),
			MaxConcurrentRuns: viper.GetInt("MAX_CONCURRENT_RUNS"),
			ShutdownTimeout:   duration("SHUTDOWN_TIMEOUT", d.Runner.ShutdownTimeout),
		},
		Recorder: RecorderConfig{
			HeartbeatInterval: duration("HEARTBEAT_INTERVAL", d.Recorder.HeartbeatInterval),
		},
		Reaper: ReaperConfig{
			Interval:         duration("REAPER_INTERVAL", d.Reaper.Interval),
			StaleAfter:       duration("REAPER_STALE_AFTER", d.Reaper.StaleAfter),
			OrphanStagingAge: duration("ORPHAN_STAGING_MAX_AGE", d.Reaper.OrphanStagingAge),
			OrphanBackupAge:  duration("ORPHAN_BACKUP_MAX_AGE", d.Reaper.OrphanBackupAge),
		},
		Replication: ReplicationConfig{
			BackupRetention: duration("BACKUP_RETENTION", d.Replication.BackupRetention),
			InsertBatchSize: viper.GetInt("INSERT_BATCH_SIZE"),
		},
		Fetch: FetchConfig{
			MaxRetries: viper.GetInt("FETCH_MAX_RETRIES"),
			BaseDelay:  duration("FETCH_BASE_DELAY", d.Fetch.BaseDelay),
			MaxDelay:   duration("FETCH_MAX_DELAY", d.Fetch.MaxDelay),
			PageDelay:  duration("FETCH_PAGE_DELAY", d.Fetch.PageDelay),
		},
		Alert: AlertConfig{
			TelegramToken:   viper.GetString("TELEGRAM_BOT_TOKEN"),
			TelegramChatID:  viper.GetString("TELEGRAM_CHAT_ID"),
			TelegramBaseURL: viper.GetString("TELEGRAM_API_URL"),
		},
	}

	if cfg.Server.APIKey == "" {
		log.Println("WARNING: API_KEY is not set, ops endpoints under /api are disabled")
	}
	// Stale detection must outlast at least one missed refresh.
	if cfg.Worker.StaleAfter <= cfg.Worker.RefreshInterval {
		log.Println("WARNING: WORKER_STALE_AFTER should exceed WORKER_REFRESH_INTERVAL")
	}
	// Runs are cut off at JOB_LEASE_TTL, so older staging can only belong to a dead run.
	if cfg.Reaper.OrphanStagingAge > 0 && cfg.Reaper.OrphanStagingAge <= cfg.Runner.JobLeaseTTL {
		log.Println("WARNING: ORPHAN_STAGING_MAX_AGE should exceed JOB_LEASE_TTL")
	}

	return cfg, nil
}

func duration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(viper.GetString(key))
	if err != nil {
		return fallback
	}
	return d
}
