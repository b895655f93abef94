package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/observability"
	"github.com/noah-isme/gema-grading-api/pkg/engine"
)

const (
	reconcileBatchSize   = 100
	reconcileConcurrency = 4

	lostJobMessage    = "job unknown to recognition engine"
	expiredJobMessage = "no callback received before the pending deadline"
)

// JobReconcilerConfig controls how silent jobs are polled.
type JobReconcilerConfig struct {
	// After is how long a job may stay non-terminal before it is polled.
	After         time.Duration
	Interval      time.Duration
	MaxPendingAge time.Duration
	RPS           float64
	MaxRetries    uint64
}

// JobReconciler settles jobs whose callback never arrived by polling the
// engine and replaying the outcome through the callback path.
type JobReconciler struct {
	registry  JobRegistry
	engine    engine.Client
	callbacks CallbackHandler
	limiter   *rate.Limiter
	cfg       JobReconcilerConfig
	now       func() time.Time
	logger    zerolog.Logger
}

// NewJobReconciler builds a reconciler with defaults for unset fields.
func NewJobReconciler(registry JobRegistry, client engine.Client, callbacks CallbackHandler, cfg JobReconcilerConfig, logger zerolog.Logger) *JobReconciler {
	if cfg.After <= 0 {
		cfg.After = 5 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxPendingAge <= 0 {
		cfg.MaxPendingAge = 2 * time.Hour
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	burst := int(cfg.RPS)
	if burst < 1 {
		burst = 1
	}

	return &JobReconciler{
		registry:  registry,
		engine:    client,
		callbacks: callbacks,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RPS), burst),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With().Str("component", "job_reconciler").Logger(),
	}
}

// Run reconciles every interval until ctx is cancelled.
func (r *JobReconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.ReconcileOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn().Err(err).Msg("reconciliation pass failed")
			}
		}
	}
}

// ReconcileOnce polls every overdue job once and returns how many were settled.
func (r *JobReconciler) ReconcileOnce(ctx context.Context) (int, error) {
	now := r.now()
	pending, err := r.registry.Pending(ctx, now.Add(-r.cfg.After), reconcileBatchSize)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	settled := make([]bool, len(pending))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(reconcileConcurrency)

	for i, job := range pending {
		i, job := i, job
		group.Go(func() error {
			applied, err := r.reconcileJob(groupCtx, job, now)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				observability.JobsReconciled().WithLabelValues("error").Inc()
				r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("job reconciliation failed")
				return nil
			}
			settled[i] = applied
			return nil
		})
	}

	err = group.Wait()

	count := 0
	for _, applied := range settled {
		if applied {
			count++
		}
	}
	if count > 0 {
		r.logger.Info().Int("settled", count).Int("polled", len(pending)).Msg("jobs reconciled")
	}
	return count, err
}

func (r *JobReconciler) reconcileJob(ctx context.Context, job models.Job, now time.Time) (bool, error) {
	if now.Sub(job.SubmittedAt) > r.cfg.MaxPendingAge {
		return r.settle(ctx, job.ID, models.JobStatusFailed, nil, expiredJobMessage, "expired")
	}

	var status engine.JobStatus
	err := r.retry(ctx, func() error {
		var err error
		status, err = r.engine.GetJobStatus(ctx, job.ID)
		return err
	})
	if engine.IsNotFound(err) {
		return r.settle(ctx, job.ID, models.JobStatusFailed, nil, lostJobMessage, "lost")
	}
	if err != nil {
		return false, err
	}

	remote, err := models.ParseJobStatus(status.Status)
	if err != nil {
		return false, err
	}

	switch remote {
	case models.JobStatusCompleted:
		var result engine.JobResult
		err := r.retry(ctx, func() error {
			var err error
			result, err = r.engine.GetJobResult(ctx, job.ID)
			return err
		})
		if err != nil {
			return false, err
		}
		return r.settle(ctx, job.ID, models.JobStatusCompleted, result.Result, "", "completed")
	case models.JobStatusFailed:
		return r.settle(ctx, job.ID, models.JobStatusFailed, nil, status.Error, "failed")
	case models.JobStatusProcessing:
		if job.Status == models.JobStatusSubmitted {
			_, err := r.callbacks.Handle(ctx, dto.RecognitionCallbackRequest{JobID: job.ID, Status: string(remote)})
			return false, err
		}
	}

	observability.JobsReconciled().WithLabelValues("pending").Inc()
	return false, nil
}

func (r *JobReconciler) settle(ctx context.Context, jobID string, status models.JobStatus, result []byte, message string, outcome string) (bool, error) {
	res, err := r.callbacks.Handle(ctx, dto.RecognitionCallbackRequest{
		JobID:  jobID,
		Status: string(status),
		Result: result,
		Error:  message,
	})
	if err != nil {
		return false, err
	}
	if res.Applied {
		observability.JobsReconciled().WithLabelValues(outcome).Inc()
		r.logger.Info().Str("job_id", jobID).Str("outcome", outcome).Msg("job settled by reconciliation")
	}
	return res.Applied, nil
}

// retry waits on the shared rate limiter before each attempt and backs off
// exponentially. 404 answers are not retried.
func (r *JobReconciler) retry(ctx context.Context, operation func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error {
		if err := r.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := operation()
		if engine.IsNotFound(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, r.cfg.MaxRetries), ctx))
}
