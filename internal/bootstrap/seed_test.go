package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datasync/internal/models"
	"datasync/internal/testutil"
)

const seedYAML = `
sources:
  - id: src-stripe
    name: Stripe
    type: rest
    config:
      base_url: https://api.stripe.test
      token: secret
jobs:
  - id: job-customers
    name: Stripe customers
    cron: "0 * * * *"
    mode: incremental
    entities: [customers]
    source_id: src-stripe
    destination: acme
  - id: job-paused
    cron: "@daily"
    enabled: false
    source_id: src-stripe
    destination: acme
`

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadSeedFile(t *testing.T) {
	f, err := LoadSeedFile(writeSeed(t, seedYAML))
	require.NoError(t, err)

	require.Len(t, f.Sources, 1)
	assert.Equal(t, "rest", f.Sources[0].Type)
	assert.Equal(t, "https://api.stripe.test", f.Sources[0].Config["base_url"])
	require.Len(t, f.Jobs, 2)
	assert.Equal(t, []string{"customers"}, f.Jobs[0].Entities)
	assert.Nil(t, f.Jobs[0].Enabled)
	require.NotNil(t, f.Jobs[1].Enabled)
	assert.False(t, *f.Jobs[1].Enabled)
}

func TestSeedKeepsRunBookkeeping(t *testing.T) {
	ctx := context.Background()
	last := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	jobs := testutil.NewJobStore(models.JobDefinition{
		ID:         "job-customers",
		Cron:       "*/5 * * * *",
		RunCount:   12,
		Watermarks: map[string]time.Time{"customers": last},
	})
	sources := testutil.NewDataSourceStore()

	f, err := LoadSeedFile(writeSeed(t, seedYAML))
	require.NoError(t, err)
	nSources, nJobs, err := Seed(ctx, f, jobs, sources)
	require.NoError(t, err)
	assert.Equal(t, 1, nSources)
	assert.Equal(t, 2, nJobs)

	ds, err := sources.GetDataSource(ctx, "src-stripe")
	require.NoError(t, err)
	assert.Equal(t, "Stripe", ds.Name)
	assert.False(t, ds.UpdatedAt.IsZero())

	job, err := jobs.GetJob(ctx, "job-customers")
	require.NoError(t, err)
	assert.Equal(t, "0 * * * *", job.Cron)
	assert.Equal(t, models.SyncModeIncremental, job.Mode)
	assert.True(t, job.Enabled)
	assert.Equal(t, int64(12), job.RunCount)
	assert.Equal(t, last, job.Watermarks["customers"])

	paused, err := jobs.GetJob(ctx, "job-paused")
	require.NoError(t, err)
	assert.False(t, paused.Enabled)
}

func TestSeedRejectsInvalidFileWithoutWriting(t *testing.T) {
	jobs := testutil.NewJobStore()
	sources := testutil.NewDataSourceStore()
	f := &SeedFile{
		Sources: []SeedSource{{ID: "src-1", Type: "rest"}, {ID: "src-2"}},
		Jobs: []SeedJob{
			{ID: "job-1", Cron: "not a cron", SourceID: "src-1", Destination: "acme"},
			{ID: "job-2", Cron: "@hourly", Mode: "mirror", SourceID: "src-1", Destination: "acme"},
			{ID: "job-3", Cron: "@hourly", Timezone: "Mars/Olympus", SourceID: "src-1", Destination: "acme"},
		},
	}

	_, _, err := Seed(context.Background(), f, jobs, sources)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sources[1]")
	assert.Contains(t, err.Error(), "invalid cron")
	assert.Contains(t, err.Error(), `unknown mode "mirror"`)
	assert.Contains(t, err.Error(), "Mars/Olympus")

	_, err = sources.GetDataSource(context.Background(), "src-1")
	assert.Error(t, err)
	all, _ := jobs.ListJobs(context.Background())
	assert.Empty(t, all)
}
