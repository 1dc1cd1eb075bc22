package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"datasync/internal/models"
	"datasync/internal/repository"
)

// cronParser accepts the expressions the scheduler does, seconds optional.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// SeedFile lists data sources and jobs to upsert. Keys are read case-insensitively.
type SeedFile struct {
	Sources []SeedSource `mapstructure:"sources"`
	Jobs    []SeedJob    `mapstructure:"jobs"`
}

type SeedSource struct {
	ID     string                 `mapstructure:"id"`
	Name   string                 `mapstructure:"name"`
	Type   string                 `mapstructure:"type"`
	Config map[string]interface{} `mapstructure:"config"`
}

type SeedJob struct {
	ID          string   `mapstructure:"id"`
	Name        string   `mapstructure:"name"`
	Enabled     *bool    `mapstructure:"enabled"`
	Cron        string   `mapstructure:"cron"`
	Timezone    string   `mapstructure:"timezone"`
	Mode        string   `mapstructure:"mode"`
	Entities    []string `mapstructure:"entities"`
	SourceID    string   `mapstructure:"source_id"`
	Destination string   `mapstructure:"destination"`
}

// JobSeeder is the part of the job repository seeding needs.
type JobSeeder interface {
	GetJob(ctx context.Context, id string) (*models.JobDefinition, error)
	SaveJob(ctx context.Context, job *models.JobDefinition) error
}

type DataSourceSeeder interface {
	SaveDataSource(ctx context.Context, ds *models.DataSource) error
}

// LoadSeedFile reads a YAML, JSON or TOML seed file.
func LoadSeedFile(path string) (*SeedFile, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f SeedFile
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("decode seed file: %w", err)
	}
	return &f, nil
}

// Seed validates the whole file before writing anything, then upserts sources and jobs.
// A job that already exists keeps its run bookkeeping and watermarks.
func Seed(ctx context.Context, f *SeedFile, jobs JobSeeder, sources DataSourceSeeder) (nSources, nJobs int, err error) {
	if err := f.validate(); err != nil {
		return 0, 0, err
	}
	now := time.Now().UTC()

	for _, s := range f.Sources {
		ds := &models.DataSource{ID: s.ID, Name: s.Name, Type: s.Type, Config: s.Config, UpdatedAt: now}
		if err := sources.SaveDataSource(ctx, ds); err != nil {
			return nSources, nJobs, fmt.Errorf("save data source %s: %w", s.ID, err)
		}
		nSources++
	}

	for _, j := range f.Jobs {
		job := &models.JobDefinition{}
		existing, err := jobs.GetJob(ctx, j.ID)
		switch {
		case err == nil:
			job = existing
		case !errors.Is(err, repository.ErrNotFound):
			return nSources, nJobs, fmt.Errorf("load job %s: %w", j.ID, err)
		}
		job.ID = j.ID
		job.Name = j.Name
		job.Enabled = j.Enabled == nil || *j.Enabled
		job.Cron = j.Cron
		job.Timezone = j.Timezone
		job.Mode = models.SyncMode(j.Mode)
		job.Entities = j.Entities
		job.SourceID = j.SourceID
		job.Destination = j.Destination
		if err := jobs.SaveJob(ctx, job); err != nil {
			return nSources, nJobs, fmt.Errorf("save job %s: %w", j.ID, err)
		}
		nJobs++
	}
	return nSources, nJobs, nil
}

func (f *SeedFile) validate() error {
	var errs []error
	for i, s := range f.Sources {
		if s.ID == "" || s.Type == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: id and type are required", i))
		}
	}
	for i, j := range f.Jobs {
		if j.ID == "" || j.SourceID == "" || j.Destination == "" {
			errs = append(errs, fmt.Errorf("jobs[%d]: id, source_id and destination are required", i))
			continue
		}
		if _, err := cronParser.Parse(j.Cron); err != nil {
			errs = append(errs, fmt.Errorf("jobs[%d] %s: invalid cron %q: %w", i, j.ID, j.Cron, err))
		}
		switch models.SyncMode(j.Mode) {
		case "", models.SyncModeFull, models.SyncModeIncremental:
		default:
			errs = append(errs, fmt.Errorf("jobs[%d] %s: unknown mode %q", i, j.ID, j.Mode))
		}
		if j.Timezone != "" {
			if _, err := time.LoadLocation(j.Timezone); err != nil {
				errs = append(errs, fmt.Errorf("jobs[%d] %s: %w", i, j.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}
