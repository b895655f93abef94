package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJobStatusTransitions(t *testing.T) {
	require.True(t, JobStatusSubmitted.CanTransitionTo(JobStatusProcessing))
	require.True(t, JobStatusSubmitted.CanTransitionTo(JobStatusCompleted))
	require.True(t, JobStatusProcessing.CanTransitionTo(JobStatusFailed))
	require.False(t, JobStatusProcessing.CanTransitionTo(JobStatusSubmitted))
	require.False(t, JobStatusCompleted.CanTransitionTo(JobStatusFailed))
	require.False(t, JobStatusFailed.CanTransitionTo(JobStatusCompleted))
	require.True(t, JobStatusCompleted.Terminal())
	require.False(t, JobStatusProcessing.Terminal())
}

func TestParseJobStatus(t *testing.T) {
	status, err := ParseJobStatus(" completed ")
	require.NoError(t, err)
	require.Equal(t, JobStatusCompleted, status)

	_, err = ParseJobStatus("done")
	require.Error(t, err)
}

func TestEventFromJob(t *testing.T) {
	now := time.Now().UTC()
	completed := EventFromJob(Job{ID: "j1", Status: JobStatusCompleted, Sequence: 2, UpdatedAt: now, Result: json.RawMessage(`{"text":"x"}`)})
	require.Equal(t, JobEventResult, completed.Kind)
	require.JSONEq(t, `{"text":"x"}`, string(completed.Result))
	require.True(t, completed.Terminal())

	failed := EventFromJob(Job{ID: "j2", Status: JobStatusFailed, Error: "boom"})
	require.Equal(t, JobEventError, failed.Kind)
	require.Equal(t, "boom", failed.Error)

	processing := EventFromJob(Job{ID: "j3", Status: JobStatusProcessing})
	require.Equal(t, JobEventStatus, processing.Kind)
	require.False(t, processing.Terminal())
}

func TestGradingStatusTransitions(t *testing.T) {
	require.True(t, GradingStatusPending.CanTransitionTo(GradingStatusInProgress))
	require.True(t, GradingStatusInProgress.CanTransitionTo(GradingStatusCompleted))
	require.True(t, GradingStatusInProgress.CanTransitionTo(GradingStatusRegraded))
	require.True(t, GradingStatusCompleted.CanTransitionTo(GradingStatusRegraded))
	require.False(t, GradingStatusCompleted.CanTransitionTo(GradingStatusInProgress))
	require.False(t, GradingStatusRegraded.CanTransitionTo(GradingStatusInProgress))
	require.False(t, GradingStatusPending.CanTransitionTo(GradingStatusCompleted))
}
