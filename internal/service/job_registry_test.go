package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/repository"
)

func TestJobRegistryCreateAndTransition(t *testing.T) {
	registry := NewJobRegistry(repository.NewMemoryJobStore(), time.Hour, testLogger())
	ctx := context.Background()

	job, err := registry.Create(ctx, "job-1", "high", "")
	require.NoError(t, err)
	require.Equal(t, models.JobStatusSubmitted, job.Status)
	require.Equal(t, int64(1), job.Sequence)

	_, err = registry.Create(ctx, "job-1", "high", "")
	require.ErrorIs(t, err, ErrJobExists)

	job, applied, err := registry.Transition(ctx, "job-1", models.JobStatusProcessing, nil, "")
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, int64(2), job.Sequence)
	require.Nil(t, job.CompletedAt)

	job, applied, err = registry.Transition(ctx, "job-1", models.JobStatusCompleted, json.RawMessage(`{"text":"R"}`), "")
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, models.JobStatusCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)
	require.NotNil(t, job.ExpiresAt)
	require.WithinDuration(t, job.CompletedAt.Add(time.Hour), *job.ExpiresAt, time.Second)
	require.JSONEq(t, `{"text":"R"}`, string(job.Result))
}

func TestJobRegistryTerminalJobIsImmutable(t *testing.T) {
	registry := NewJobRegistry(repository.NewMemoryJobStore(), time.Hour, testLogger())
	ctx := context.Background()
	_, err := registry.Create(ctx, "job-2", "normal", "")
	require.NoError(t, err)

	_, applied, err := registry.Transition(ctx, "job-2", models.JobStatusFailed, nil, "engine crashed")
	require.NoError(t, err)
	require.True(t, applied)

	job, applied, err := registry.Transition(ctx, "job-2", models.JobStatusCompleted, json.RawMessage(`{"late":true}`), "")
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, models.JobStatusFailed, job.Status)
	require.Equal(t, "engine crashed", job.Error)
	require.Empty(t, job.Result)
}

func TestJobRegistryRejectsBackwardTransition(t *testing.T) {
	registry := NewJobRegistry(repository.NewMemoryJobStore(), time.Hour, testLogger())
	ctx := context.Background()
	_, err := registry.Create(ctx, "job-3", "normal", "")
	require.NoError(t, err)
	_, _, err = registry.Transition(ctx, "job-3", models.JobStatusProcessing, nil, "")
	require.NoError(t, err)

	_, applied, err := registry.Transition(ctx, "job-3", models.JobStatusSubmitted, nil, "")
	require.ErrorIs(t, err, ErrInvalidJobTransition)
	require.False(t, applied)

	_, _, err = registry.Transition(ctx, "missing", models.JobStatusCompleted, nil, "")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobRegistrySweepHonoursRetention(t *testing.T) {
	registry := NewJobRegistry(repository.NewMemoryJobStore(), time.Minute, testLogger()).(*jobRegistry)
	ctx := context.Background()

	clock := time.Now().UTC()
	registry.now = func() time.Time { return clock }

	_, err := registry.Create(ctx, "done", "normal", "")
	require.NoError(t, err)
	_, err = registry.Create(ctx, "waiting", "normal", "")
	require.NoError(t, err)
	_, _, err = registry.Transition(ctx, "done", models.JobStatusCompleted, json.RawMessage(`{}`), "")
	require.NoError(t, err)

	evicted, err := registry.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, evicted)

	clock = clock.Add(2 * time.Minute)
	evicted, err = registry.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, evicted)

	_, err = registry.Get(ctx, "done")
	require.ErrorIs(t, err, ErrJobNotFound)
	_, err = registry.Get(ctx, "waiting")
	require.NoError(t, err)
}
