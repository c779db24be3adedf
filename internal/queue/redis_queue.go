package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
	"github.com/testplanit/issuebridge/pkg/domain"
)

const (
	DefaultKeyPrefix = "issuebridge:sync-jobs"

	stalledError = "job stalled: worker stopped sending heartbeats"
)

type Stats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// RedisQueue stores sync jobs in Redis. Job bodies live in their own keys,
// waiting ids in a list, retries in a sorted set scored by the time they
// become due. Active jobs also sit in a heartbeat sorted set scored by the last
// time their worker reported in, which is how stalled jobs are found.
type RedisQueue struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

type RedisQueueDependencies struct {
	Client    redis.UniversalClient
	KeyPrefix string
}

func NewRedisQueue(deps RedisQueueDependencies) *RedisQueue {
	prefix := deps.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	return &RedisQueue{
		client: deps.Client,
		prefix: prefix,
		now:    time.Now,
	}
}

func (q *RedisQueue) jobKey(id string) string { return q.prefix + ":job:" + id }
func (q *RedisQueue) waitingKey() string { return q.prefix + ":waiting" }
func (q *RedisQueue) delayedKey() string { return q.prefix + ":delayed" }
func (q *RedisQueue) activeKey() string { return q.prefix + ":active" }
func (q *RedisQueue) failedKey() string { return q.prefix + ":failed" }
func (q *RedisQueue) completedKey() string { return q.prefix + ":completed" }
func (q *RedisQueue) heartbeatKey() string { return q.prefix + ":heartbeats" }

// Add enqueues a job. Zero option fields fall back to domain.DefaultJobOptions.
func (q *RedisQueue) Add(ctx context.Context, jobType domain.SyncJobType, data domain.SyncJobData, opts domain.JobOptions) (domain.SyncJob, error) {
	job := domain.SyncJob{
		ID:        xid.New().String(),
		Type:      jobType,
		Data:      data,
		Options:   withDefaults(opts),
		Status:    domain.SyncJobStatus_Waiting,
		CreatedAt: q.now(),
	}

	body, err := json.Marshal(job)
	if err != nil {
		return domain.SyncJob{}, fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.jobKey(job.ID), body, 0)
	pipe.LPush(ctx, q.waitingKey(), job.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return domain.SyncJob{}, fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Debug().
		Str("job_id", job.ID).
		Str("type", string(job.Type)).
		Str("integration_id", data.IntegrationID).
		Msg("Job enqueued")

	return job, nil
}

func (q *RedisQueue) Get(ctx context.Context, jobID string) (domain.SyncJob, error) {
	body, err := q.client.Get(ctx, q.jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.SyncJob{}, &domain.NotFoundError{Resource: "job", ID: jobID}
		}
		return domain.SyncJob{}, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}

	var job domain.SyncJob
	if err := json.Unmarshal(body, &job); err != nil {
		return domain.SyncJob{}, fmt.Errorf("failed to parse job %s: %w", jobID, err)
	}

	return job, nil
}

// UpdateProgress stores a 0-100 completion percentage on the job.
func (q *RedisQueue) UpdateProgress(ctx context.Context, jobID string, percent int) error {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}

	switch {
	case percent < 0:
		percent = 0
	case percent > 100:
		percent = 100
	}
	job.Progress = percent

	return q.save(ctx, job)
}

// Fetch promotes delayed jobs that are due, then pops the oldest waiting job.
// It returns nil when nothing is waiting.
func (q *RedisQueue) Fetch(ctx context.Context) (*domain.SyncJob, error) {
	if err := q.promoteDelayed(ctx); err != nil {
		return nil, err
	}

	jobID, err := q.client.RPop(ctx, q.waitingKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop job: %w", err)
	}

	job, err := q.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn().Str("job_id", jobID).Msg("Dropping queued id without a job body")
			return nil, nil
		}
		return nil, err
	}

	now := q.now()
	job.Status = domain.SyncJobStatus_Active
	job.Attempts++
	job.ProcessedAt = &now

	if err := q.save(ctx, job); err != nil {
		return nil, err
	}

	pipe := q.client.TxPipeline()
	pipe.SAdd(ctx, q.activeKey(), job.ID)
	pipe.ZAdd(ctx, q.heartbeatKey(), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to mark job active: %w", err)
	}

	return &job, nil
}

// Heartbeat tells the queue the job's worker is still alive. Jobs that already
// finished are left alone.
func (q *RedisQueue) Heartbeat(ctx context.Context, jobID string) error {
	err := q.client.ZAddXX(ctx, q.heartbeatKey(), redis.Z{Score: float64(q.now().UnixMilli()), Member: jobID}).Err()
	if err != nil {
		return fmt.Errorf("failed to record heartbeat of job %s: %w", jobID, err)
	}
	return nil
}

// RequeueStalled moves active jobs whose last heartbeat is older than
// stallTimeout back to the front of the waiting list. A stalled job that has
// used up its attempts is failed instead. It returns the ids it recovered.
func (q *RedisQueue) RequeueStalled(ctx context.Context, stallTimeout time.Duration) ([]string, error) {
	now := q.now()

	stalled, err := q.client.ZRangeByScore(ctx, q.heartbeatKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Add(-stallTimeout).UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read heartbeats: %w", err)
	}

	var recovered []string
	for _, jobID := range stalled {
		// only the caller that removes the heartbeat recovers the job
		removed, err := q.client.ZRem(ctx, q.heartbeatKey(), jobID).Result()
		if err != nil {
			return recovered, fmt.Errorf("failed to claim stalled job %s: %w", jobID, err)
		}
		if removed == 0 {
			continue
		}

		job, err := q.Get(ctx, jobID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				q.client.SRem(ctx, q.activeKey(), jobID)
				continue
			}
			return recovered, err
		}

		job.LastError = stalledError

		pipe := q.client.TxPipeline()
		pipe.SRem(ctx, q.activeKey(), job.ID)

		if job.Attempts < job.Options.Attempts {
			job.Status = domain.SyncJobStatus_Waiting
			pipe.RPush(ctx, q.waitingKey(), job.ID)
		} else {
			job.Status = domain.SyncJobStatus_Failed
			job.FinishedAt = &now
			pipe.LPush(ctx, q.failedKey(), job.ID)
		}

		body, err := json.Marshal(job)
		if err != nil {
			return recovered, fmt.Errorf("failed to marshal job: %w", err)
		}
		pipe.Set(ctx, q.jobKey(job.ID), body, 0)

		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, fmt.Errorf("failed to recover stalled job %s: %w", job.ID, err)
		}

		log.Warn().
			Str("job_id", job.ID).
			Str("status", string(job.Status)).
			Int("attempt", job.Attempts).
			Msg("Recovered stalled job")

		recovered = append(recovered, job.ID)
	}

	return recovered, nil
}

func (q *RedisQueue) promoteDelayed(ctx context.Context) error {
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read delayed jobs: %w", err)
	}

	for _, jobID := range due {
		// only the caller that removes the entry requeues it
		removed, err := q.client.ZRem(ctx, q.delayedKey(), jobID).Result()
		if err != nil {
			return fmt.Errorf("failed to promote job %s: %w", jobID, err)
		}
		if removed == 0 {
			continue
		}

		if err := q.client.LPush(ctx, q.waitingKey(), jobID).Err(); err != nil {
			return fmt.Errorf("failed to promote job %s: %w", jobID, err)
		}
	}

	return nil
}

// Complete finishes an active job, deleting it when RemoveOnComplete is set.
func (q *RedisQueue) Complete(ctx context.Context, job domain.SyncJob) error {
	pipe := q.client.TxPipeline()
	pipe.SRem(ctx, q.activeKey(), job.ID)
	pipe.ZRem(ctx, q.heartbeatKey(), job.ID)
	pipe.Incr(ctx, q.completedKey())

	if job.Options.RemoveOnComplete {
		pipe.Del(ctx, q.jobKey(job.ID))
	} else {
		now := q.now()
		job.Status = domain.SyncJobStatus_Completed
		job.Progress = 100
		job.FinishedAt = &now

		body, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		pipe.Set(ctx, q.jobKey(job.ID), body, 0)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}

	return nil
}

// Fail records the error and either schedules a retry after the job's
// backoff or moves the job to the failed list once its attempts are used up.
func (q *RedisQueue) Fail(ctx context.Context, job domain.SyncJob, jobErr error) (domain.SyncJob, error) {
	now := q.now()
	job.LastError = jobErr.Error()

	pipe := q.client.TxPipeline()
	pipe.SRem(ctx, q.activeKey(), job.ID)
	pipe.ZRem(ctx, q.heartbeatKey(), job.ID)

	if job.Attempts < job.Options.Attempts {
		job.Status = domain.SyncJobStatus_Delayed
		runAt := now.Add(job.Options.Backoff.Next(job.Attempts))
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
	} else {
		job.Status = domain.SyncJobStatus_Failed
		job.FinishedAt = &now
		pipe.LPush(ctx, q.failedKey(), job.ID)
	}

	body, err := json.Marshal(job)
	if err != nil {
		return job, fmt.Errorf("failed to marshal job: %w", err)
	}
	pipe.Set(ctx, q.jobKey(job.ID), body, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return job, fmt.Errorf("failed to record job failure %s: %w", job.ID, err)
	}

	return job, nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.waitingKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	active := pipe.SCard(ctx, q.activeKey())
	failed := pipe.LLen(ctx, q.failedKey())
	completed := pipe.Get(ctx, q.completedKey())

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}

	completedCount, err := completed.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("failed to read completed count: %w", err)
	}

	return Stats{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completedCount,
		Failed:    failed.Val(),
	}, nil
}

func (q *RedisQueue) save(ctx context.Context, job domain.SyncJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := q.client.Set(ctx, q.jobKey(job.ID), body, 0).Err(); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}

	return nil
}

func withDefaults(opts domain.JobOptions) domain.JobOptions {
	defaults := domain.DefaultJobOptions()
	if opts == (domain.JobOptions{}) {
		return defaults
	}

	if opts.Attempts <= 0 {
		opts.Attempts = defaults.Attempts
	}
	if opts.Backoff.Delay <= 0 {
		opts.Backoff = defaults.Backoff
	}
	if opts.Backoff.Type == "" {
		opts.Backoff.Type = defaults.Backoff.Type
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}

	return opts
}
