package bootstrap

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
)

func TestIndexSpecs(t *testing.T) {
	specs := indexSpecs(30 * 24 * time.Hour)

	byName := map[string]indexSpec{}
	for _, s := range specs {
		byName[s.collection+"."+indexName(s.model)] = s
	}

	lease, ok := byName["sync_leases.expiresAt_ttl"]
	require.True(t, ok)
	require.NotNil(t, lease.model.Options.ExpireAfterSeconds)
	assert.Equal(t, int32(0), *lease.model.Options.ExpireAfterSeconds)

	retention, ok := byName["sync_executions.completedAt_ttl"]
	require.True(t, ok)
	assert.Equal(t, int32(30*24*3600), *retention.ttl)

	for _, name := range []string{
		"sync_executions.status_lastHeartbeat",
		"sync_executions.jobId_startedAt",
		"sync_run_requests.requestedAt",
		"sync_jobs.enabled",
	} {
		s, ok := byName[name]
		if assert.True(t, ok, name) {
			assert.Nil(t, s.ttl, name)
		}
	}
}

func TestIndexSpecs_NoRetention(t *testing.T) {
	for _, s := range indexSpecs(0) {
		assert.NotEqual(t, "completedAt_ttl", indexName(s.model))
	}
}

func TestIsIndexConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"options conflict", mongo.CommandError{Code: 85, Name: "IndexOptionsConflict"}, true},
		{"key specs conflict", fmt.Errorf("wrapped: %w", mongo.CommandError{Code: 86}), true},
		{"other command error", mongo.CommandError{Code: 13, Name: "Unauthorized"}, false},
		{"plain error", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isIndexConflict(tt.err))
		})
	}
}
