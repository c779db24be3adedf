package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testplanit/issuebridge/pkg/domain"
)

func TestWorker_ProcessRecordsOutcome(t *testing.T) {
	queue, _ := newTestQueue(t)
	ctx := context.Background()

	handlerErr := errors.New("boom")
	worker := NewWorker(WorkerDependencies{
		Queue: queue,
		Handler: JobHandlerFunc(func(ctx context.Context, job domain.SyncJob) error {
			if job.Data.IssueID == "bad" {
				return handlerErr
			}
			return nil
		}),
	})

	opts := domain.DefaultJobOptions()
	opts.RemoveOnComplete = false

	_, err := queue.Add(ctx, domain.SyncJobType_Refresh, domain.SyncJobData{IssueID: "good"}, opts)
	require.NoError(t, err)
	_, err = queue.Add(ctx, domain.SyncJobType_Refresh, domain.SyncJobData{IssueID: "bad"}, opts)
	require.NoError(t, err)

	good, err := queue.Fetch(ctx)
	require.NoError(t, err)
	worker.Process(ctx, *good)

	bad, err := queue.Fetch(ctx)
	require.NoError(t, err)
	worker.Process(ctx, *bad)

	stored, err := queue.Get(ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncJobStatus_Completed, stored.Status)

	stored, err = queue.Get(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncJobStatus_Delayed, stored.Status)
	assert.Equal(t, "boom", stored.LastError)
}

func TestWorker_ProcessRecoversPanics(t *testing.T) {
	queue, _ := newTestQueue(t)
	ctx := context.Background()

	worker := NewWorker(WorkerDependencies{
		Queue: queue,
		Handler: JobHandlerFunc(func(ctx context.Context, job domain.SyncJob) error {
			panic("unexpected")
		}),
	})

	_, err := queue.Add(ctx, domain.SyncJobType_Sync, domain.SyncJobData{}, domain.JobOptions{})
	require.NoError(t, err)

	job, err := queue.Fetch(ctx)
	require.NoError(t, err)
	worker.Process(ctx, *job)

	stored, err := queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.LastError, "panicked")
}

func TestWorker_ProcessAppliesTimeout(t *testing.T) {
	queue, _ := newTestQueue(t)
	ctx := context.Background()

	worker := NewWorker(WorkerDependencies{
		Queue: queue,
		Handler: JobHandlerFunc(func(ctx context.Context, job domain.SyncJob) error {
			<-ctx.Done()
			return ctx.Err()
		}),
	})

	opts := domain.DefaultJobOptions()
	opts.Timeout = 20 * time.Millisecond

	_, err := queue.Add(ctx, domain.SyncJobType_Sync, domain.SyncJobData{}, opts)
	require.NoError(t, err)

	job, err := queue.Fetch(ctx)
	require.NoError(t, err)
	worker.Process(ctx, *job)

	stored, err := queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, context.DeadlineExceeded.Error(), stored.LastError)
}

func TestWorker_RunProcessesQueuedJobs(t *testing.T) {
	queue, _ := newTestQueue(t)

	var mu sync.Mutex
	var handled []string
	done := make(chan struct{}, 3)

	worker := NewWorker(WorkerDependencies{
		Queue: queue,
		Handler: JobHandlerFunc(func(ctx context.Context, job domain.SyncJob) error {
			mu.Lock()
			handled = append(handled, job.Data.IssueID)
			mu.Unlock()
			done <- struct{}{}
			return nil
		}),
		Options: WorkerOptions{Concurrency: 2, PollInterval: 10 * time.Millisecond},
	})

	for _, id := range []string{"a", "b", "c"} {
		_, err := queue.Add(context.Background(), domain.SyncJobType_Refresh, domain.SyncJobData{IssueID: id}, domain.JobOptions{})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(stopped)
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, handled)
}

func TestWorker_ProcessSendsHeartbeats(t *testing.T) {
	queue, clock := newTestQueue(t)
	ctx := context.Background()

	worker := NewWorker(WorkerDependencies{
		Queue: queue,
		Handler: JobHandlerFunc(func(ctx context.Context, job domain.SyncJob) error {
			clock.Advance(time.Minute)

			assert.Eventually(t, func() bool {
				return heartbeatSince(queue, job.ID, clock.Now())
			}, 5*time.Second, 5*time.Millisecond)

			recovered, err := queue.RequeueStalled(ctx, 45*time.Second)
			assert.NoError(t, err)
			assert.Empty(t, recovered)
			return nil
		}),
		Options: WorkerOptions{StallTimeout: 30 * time.Millisecond},
	})

	_, err := queue.Add(ctx, domain.SyncJobType_Sync, domain.SyncJobData{}, domain.JobOptions{})
	require.NoError(t, err)

	job, err := queue.Fetch(ctx)
	require.NoError(t, err)
	worker.Process(ctx, *job)

	stats, err := queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Completed: 1}, stats)
	assert.False(t, heartbeatSince(queue, job.ID, time.Time{}))
}

func heartbeatSince(queue *RedisQueue, jobID string, at time.Time) bool {
	score, err := queue.client.ZScore(context.Background(), queue.heartbeatKey(), jobID).Result()
	if err != nil {
		return false
	}
	return int64(score) >= at.UnixMilli()
}

func TestWorker_RunRequeuesStalledJobs(t *testing.T) {
	queue, clock := newTestQueue(t)

	_, err := queue.Add(context.Background(), domain.SyncJobType_Sync, domain.SyncJobData{IssueID: "orphan"}, domain.JobOptions{})
	require.NoError(t, err)

	// a worker that died after fetching
	orphan, err := queue.Fetch(context.Background())
	require.NoError(t, err)
	clock.Advance(time.Minute)

	handled := make(chan string, 1)
	worker := NewWorker(WorkerDependencies{
		Queue: queue,
		Handler: JobHandlerFunc(func(ctx context.Context, job domain.SyncJob) error {
			handled <- job.ID
			return nil
		}),
		Options: WorkerOptions{PollInterval: 10 * time.Millisecond, StallTimeout: 30 * time.Millisecond},
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(stopped)
	}()

	select {
	case id := <-handled:
		assert.Equal(t, orphan.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("stalled job was not picked up again")
	}

	cancel()
	<-stopped
}
