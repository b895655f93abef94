package repository

import (
	"context"
	"errors"
	"time"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

// ErrJobNotFound indicates the job is unknown to the store or has been evicted.
var ErrJobNotFound = errors.New("job not found")

// ErrJobExists indicates a job with the same identifier was already created.
var ErrJobExists = errors.New("job already exists")

// JobMutation inspects and optionally mutates a job. Returning false leaves the
// stored job untouched.
type JobMutation func(job *models.Job) (bool, error)

// JobStore is the key-value backing of the job registry. Update must apply the
// mutation atomically with respect to other updates of the same job.
type JobStore interface {
	Create(ctx context.Context, job models.Job) error
	Get(ctx context.Context, id string) (models.Job, error)
	Update(ctx context.Context, id string, mutate JobMutation) (models.Job, bool, error)
	ListPending(ctx context.Context, submittedBefore time.Time, limit int) ([]models.Job, error)
	Sweep(ctx context.Context, now time.Time) (int, error)
}
