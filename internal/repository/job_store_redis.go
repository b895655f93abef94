package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

const redisJobUpdateAttempts = 8

// ErrJobConflict indicates an update kept losing optimistic-lock races.
var ErrJobConflict = errors.New("job update conflict")

type redisJobStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisJobStore returns a job store shared by every instance connected to
// the same Redis. Terminal jobs expire through key TTLs; non-terminal jobs are
// indexed in a sorted set scored by submission time.
func NewRedisJobStore(client redis.UniversalClient, prefix string) JobStore {
	if prefix == "" {
		prefix = "gema"
	}
	return &redisJobStore{client: client, prefix: prefix, now: time.Now}
}

// createJobScript writes the job and its pending-index entry in one step. The
// index is written first so an index failure leaves no job behind.
var createJobScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
if ARGV[3] == '1' then
	redis.call('ZADD', KEYS[2], ARGV[4], ARGV[5])
end
if tonumber(ARGV[2]) > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
else
	redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

func (s *redisJobStore) Create(ctx context.Context, job models.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	pending := "0"
	if !job.Status.Terminal() {
		pending = "1"
	}

	created, err := createJobScript.Run(ctx, s.client,
		[]string{s.jobKey(job.ID), s.pendingKey()},
		payload,
		s.ttlFor(job).Milliseconds(),
		pending,
		job.SubmittedAt.UnixMilli(),
		job.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("redis create job: %w", err)
	}
	if created == 0 {
		return ErrJobExists
	}
	return nil
}

func (s *redisJobStore) Get(ctx context.Context, id string) (models.Job, error) {
	raw, err := s.client.Get(ctx, s.jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.Job{}, ErrJobNotFound
		}
		return models.Job{}, fmt.Errorf("redis get job: %w", err)
	}
	return decodeJob(raw)
}

func (s *redisJobStore) Update(ctx context.Context, id string, mutate JobMutation) (models.Job, bool, error) {
	key := s.jobKey(id)

	var (
		result  models.Job
		changed bool
	)

	apply := func(tx *redis.Tx) error {
		changed = false

		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrJobNotFound
			}
			return fmt.Errorf("redis get job: %w", err)
		}

		current, err := decodeJob(raw)
		if err != nil {
			return err
		}
		result = current

		candidate := cloneJob(current)
		ok, err := mutate(&candidate)
		if err != nil || !ok {
			return err
		}

		payload, err := json.Marshal(candidate)
		if err != nil {
			return fmt.Errorf("encode job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttlFor(candidate))
			if candidate.Status.Terminal() {
				pipe.ZRem(ctx, s.pendingKey(), id)
			}
			return nil
		})
		if err != nil {
			return err
		}

		result = candidate
		changed = true
		return nil
	}

	for attempt := 0; attempt < redisJobUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, apply, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrJobNotFound) {
			return models.Job{}, false, err
		}
		if err != nil {
			return result, false, err
		}
		return result, changed, nil
	}

	return models.Job{}, false, ErrJobConflict
}

func (s *redisJobStore) ListPending(ctx context.Context, submittedBefore time.Time, limit int) ([]models.Job, error) {
	query := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(submittedBefore.UnixMilli(), 10),
	}
	if limit > 0 {
		query.Count = int64(limit)
	}

	ids, err := s.client.ZRangeByScore(ctx, s.pendingKey(), query).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list pending jobs: %w", err)
	}
	if len(ids) == 0 {
		return []models.Job{}, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.jobKey(id))
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load pending jobs: %w", err)
	}

	jobs := make([]models.Job, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			_ = s.client.ZRem(ctx, s.pendingKey(), ids[i]).Err()
			continue
		}
		job, err := decodeJob([]byte(raw))
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			continue
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

// Sweep drops pending-index entries whose job keys no longer exist. Terminal
// jobs are evicted by Redis itself through their TTL.
func (s *redisJobStore) Sweep(ctx context.Context, _ time.Time) (int, error) {
	ids, err := s.client.ZRange(ctx, s.pendingKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("redis scan pending jobs: %w", err)
	}

	removed := 0
	for _, id := range ids {
		exists, err := s.client.Exists(ctx, s.jobKey(id)).Result()
		if err != nil {
			return removed, fmt.Errorf("redis exists job: %w", err)
		}
		if exists == 0 {
			if err := s.client.ZRem(ctx, s.pendingKey(), id).Err(); err != nil {
				return removed, fmt.Errorf("redis unindex job: %w", err)
			}
			removed++
		}
	}
	return removed, nil
}

func (s *redisJobStore) ttlFor(job models.Job) time.Duration {
	if job.ExpiresAt == nil {
		return 0
	}
	ttl := job.ExpiresAt.Sub(s.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (s *redisJobStore) jobKey(id string) string {
	return s.prefix + ":jobs:" + id
}

func (s *redisJobStore) pendingKey() string {
	return s.prefix + ":jobs:pending"
}

func decodeJob(raw []byte) (models.Job, error) {
	var job models.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return models.Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}
