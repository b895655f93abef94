package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

type memoryJobEntry struct {
	mu      sync.Mutex
	job     models.Job
	removed bool
}

type memoryJobStore struct {
	jobs sync.Map
}

// NewMemoryJobStore returns a process-local job store. Each job is guarded by
// its own lock so updates to unrelated jobs never contend. State is lost on
// restart and is not visible to other instances.
func NewMemoryJobStore() JobStore {
	return &memoryJobStore{}
}

func (s *memoryJobStore) Create(_ context.Context, job models.Job) error {
	entry := &memoryJobEntry{job: cloneJob(job)}
	if _, loaded := s.jobs.LoadOrStore(job.ID, entry); loaded {
		return ErrJobExists
	}
	return nil
}

func (s *memoryJobStore) Get(_ context.Context, id string) (models.Job, error) {
	entry, ok := s.load(id)
	if !ok {
		return models.Job{}, ErrJobNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.removed {
		return models.Job{}, ErrJobNotFound
	}
	return cloneJob(entry.job), nil
}

func (s *memoryJobStore) Update(_ context.Context, id string, mutate JobMutation) (models.Job, bool, error) {
	entry, ok := s.load(id)
	if !ok {
		return models.Job{}, false, ErrJobNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.removed {
		return models.Job{}, false, ErrJobNotFound
	}

	candidate := cloneJob(entry.job)
	changed, err := mutate(&candidate)
	if err != nil {
		return cloneJob(entry.job), false, err
	}
	if !changed {
		return cloneJob(entry.job), false, nil
	}

	entry.job = candidate
	return cloneJob(candidate), true, nil
}

func (s *memoryJobStore) ListPending(_ context.Context, submittedBefore time.Time, limit int) ([]models.Job, error) {
	pending := make([]models.Job, 0)
	s.jobs.Range(func(_, value any) bool {
		entry := value.(*memoryJobEntry)
		entry.mu.Lock()
		job := entry.job
		removed := entry.removed
		entry.mu.Unlock()

		if !removed && !job.Status.Terminal() && job.SubmittedAt.Before(submittedBefore) {
			pending = append(pending, cloneJob(job))
		}
		return true
	})

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].SubmittedAt.Before(pending[j].SubmittedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *memoryJobStore) Sweep(_ context.Context, now time.Time) (int, error) {
	evicted := 0
	s.jobs.Range(func(key, value any) bool {
		entry := value.(*memoryJobEntry)
		entry.mu.Lock()
		expired := entry.job.ExpiresAt != nil && !entry.job.ExpiresAt.After(now)
		if expired {
			entry.removed = true
		}
		entry.mu.Unlock()

		if expired {
			s.jobs.CompareAndDelete(key, entry)
			evicted++
		}
		return true
	})
	return evicted, nil
}

func (s *memoryJobStore) load(id string) (*memoryJobEntry, bool) {
	value, ok := s.jobs.Load(id)
	if !ok {
		return nil, false
	}
	return value.(*memoryJobEntry), true
}

func cloneJob(job models.Job) models.Job {
	clone := job
	if job.Result != nil {
		clone.Result = append([]byte(nil), job.Result...)
	}
	if job.CompletedAt != nil {
		completed := *job.CompletedAt
		clone.CompletedAt = &completed
	}
	if job.ExpiresAt != nil {
		expires := *job.ExpiresAt
		clone.ExpiresAt = &expires
	}
	return clone
}
