package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/observability"
	"github.com/noah-isme/gema-grading-api/internal/repository"
)

var (
	// ErrJobNotFound indicates the job id is unknown or its retention window elapsed.
	ErrJobNotFound = repository.ErrJobNotFound
	// ErrJobExists indicates a job id was registered twice.
	ErrJobExists = repository.ErrJobExists
	// ErrInvalidJobTransition indicates a transition outside the job status table.
	ErrInvalidJobTransition = errors.New("invalid job transition")
)

const defaultJobRetention = time.Hour

// JobRegistry tracks recognition job lifecycle state keyed by engine job id.
type JobRegistry interface {
	Create(ctx context.Context, id string, priority string, sourceURL string) (models.Job, error)
	Transition(ctx context.Context, id string, status models.JobStatus, result json.RawMessage, errMessage string) (models.Job, bool, error)
	Get(ctx context.Context, id string) (models.Job, error)
	Pending(ctx context.Context, submittedBefore time.Time, limit int) ([]models.Job, error)
	Sweep(ctx context.Context) (int, error)
	Run(ctx context.Context, interval time.Duration)
}

type jobRegistry struct {
	store     repository.JobStore
	retention time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

// NewJobRegistry builds a registry over the given store. Terminal jobs are kept
// for retention after completion and then evicted.
func NewJobRegistry(store repository.JobStore, retention time.Duration, logger zerolog.Logger) JobRegistry {
	if retention <= 0 {
		retention = defaultJobRetention
	}

	return &jobRegistry{
		store:     store,
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With().Str("component", "job_registry").Logger(),
	}
}

func (r *jobRegistry) Create(ctx context.Context, id string, priority string, sourceURL string) (models.Job, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return models.Job{}, fmt.Errorf("job id is required")
	}

	now := r.now()
	job := models.Job{
		ID:          id,
		Status:      models.JobStatusSubmitted,
		Priority:    priority,
		SourceURL:   sourceURL,
		Sequence:    1,
		SubmittedAt: now,
		UpdatedAt:   now,
	}

	if err := r.store.Create(ctx, job); err != nil {
		return models.Job{}, err
	}

	observability.JobsActive().Inc()
	observability.JobTransitions().WithLabelValues(string(models.JobStatusSubmitted), "applied").Inc()
	r.logger.Debug().Str("job_id", id).Str("priority", priority).Msg("job registered")
	return job, nil
}

// Transition applies status to the job at most once. A job that is already
// terminal, or already in status, is returned unchanged with applied=false.
func (r *jobRegistry) Transition(ctx context.Context, id string, status models.JobStatus, result json.RawMessage, errMessage string) (models.Job, bool, error) {
	if !status.Valid() {
		return models.Job{}, false, fmt.Errorf("%w: unknown status %q", ErrInvalidJobTransition, status)
	}

	job, applied, err := r.store.Update(ctx, id, func(job *models.Job) (bool, error) {
		if job.Status.Terminal() || job.Status == status {
			return false, nil
		}
		if !job.Status.CanTransitionTo(status) {
			return false, fmt.Errorf("%w: %s to %s", ErrInvalidJobTransition, job.Status, status)
		}

		now := r.now()
		job.Status = status
		job.UpdatedAt = now
		job.Sequence++

		if status.Terminal() {
			expires := now.Add(r.retention)
			job.CompletedAt = &now
			job.ExpiresAt = &expires
			if status == models.JobStatusCompleted {
				job.Result = append(json.RawMessage(nil), result...)
			} else {
				job.Error = strings.TrimSpace(errMessage)
				if job.Error == "" {
					job.Error = "recognition failed"
				}
			}
		}
		return true, nil
	})
	if err != nil {
		outcome := "error"
		if errors.Is(err, ErrInvalidJobTransition) {
			outcome = "rejected"
		}
		observability.JobTransitions().WithLabelValues(string(status), outcome).Inc()
		return job, false, err
	}

	if !applied {
		observability.JobTransitions().WithLabelValues(string(status), "noop").Inc()
		return job, false, nil
	}

	observability.JobTransitions().WithLabelValues(string(status), "applied").Inc()
	if status.Terminal() {
		observability.JobsActive().Dec()
	}
	return job, true, nil
}

func (r *jobRegistry) Get(ctx context.Context, id string) (models.Job, error) {
	return r.store.Get(ctx, strings.TrimSpace(id))
}

func (r *jobRegistry) Pending(ctx context.Context, submittedBefore time.Time, limit int) ([]models.Job, error) {
	return r.store.ListPending(ctx, submittedBefore, limit)
}

func (r *jobRegistry) Sweep(ctx context.Context) (int, error) {
	evicted, err := r.store.Sweep(ctx, r.now())
	if err != nil {
		return 0, err
	}
	if evicted > 0 {
		observability.JobsEvicted().Add(float64(evicted))
		r.logger.Debug().Int("evicted", evicted).Msg("expired jobs evicted")
	}
	return evicted, nil
}

// Run sweeps expired jobs every interval until ctx is cancelled.
func (r *jobRegistry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn().Err(err).Msg("job sweep failed")
			}
		}
	}
}
