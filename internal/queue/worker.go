package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/rs/zerolog/log"
	"github.com/testplanit/issuebridge/pkg/domain"
)

const (
	DefaultConcurrency  = 5
	DefaultPollInterval = time.Second
	DefaultStallTimeout = 30 * time.Second
)

type JobHandler interface {
	Handle(ctx context.Context, job domain.SyncJob) error
}

type JobHandlerFunc func(ctx context.Context, job domain.SyncJob) error

func (f JobHandlerFunc) Handle(ctx context.Context, job domain.SyncJob) error {
	return f(ctx, job)
}

type WorkerOptions struct {
	Concurrency  int
	PollInterval time.Duration
	// StallTimeout is how long an active job may go without a heartbeat
	// before another worker puts it back in the queue. Heartbeats are sent
	// three times per timeout.
	StallTimeout time.Duration
}

type WorkerDependencies struct {
	Queue   *RedisQueue
	Handler JobHandler
	Options WorkerOptions
}

// Worker pulls jobs from the queue and runs them on a bounded worker pool.
type Worker struct {
	queue        *RedisQueue
	handler      JobHandler
	pool         *workerpool.WorkerPool
	slots        chan struct{}
	pollInterval time.Duration
	stallTimeout time.Duration
}

func NewWorker(deps WorkerDependencies) *Worker {
	concurrency := deps.Options.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	pollInterval := deps.Options.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	stallTimeout := deps.Options.StallTimeout
	if stallTimeout <= 0 {
		stallTimeout = DefaultStallTimeout
	}

	return &Worker{
		queue:        deps.Queue,
		handler:      deps.Handler,
		pool:         workerpool.New(concurrency),
		slots:        make(chan struct{}, concurrency),
		pollInterval: pollInterval,
		stallTimeout: stallTimeout,
	}
}

// Run fetches jobs until ctx is cancelled, then waits for running jobs to
// finish. A job is only fetched when a pool slot is free, so jobs never pile
// up in memory.
func (w *Worker) Run(ctx context.Context) {
	log.Info().Int("concurrency", cap(w.slots)).Msg("Sync worker started")

	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		w.requeueStalled(ctx)
	}()

	defer func() {
		w.pool.StopWait()
		<-reaperDone
		log.Info().Msg("Sync worker stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case w.slots <- struct{}{}:
		}

		job, err := w.queue.Fetch(ctx)
		if err != nil || job == nil {
			<-w.slots

			if err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Failed to fetch job")
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollInterval):
			}
			continue
		}

		fetched := *job
		w.pool.Submit(func() {
			defer func() { <-w.slots }()
			w.Process(ctx, fetched)
		})
	}
}

// Process runs one fetched job under its timeout and records the outcome.
func (w *Worker) Process(ctx context.Context, job domain.SyncJob) {
	// bookkeeping must survive worker shutdown
	bookkeeping := context.WithoutCancel(ctx)

	stopHeartbeat := w.heartbeat(ctx, job.ID)
	err := w.run(ctx, job)
	stopHeartbeat()

	if err == nil {
		if err := w.queue.Complete(bookkeeping, job); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to complete job")
		}

		log.Info().
			Str("job_id", job.ID).
			Str("type", string(job.Type)).
			Str("integration_id", job.Data.IntegrationID).
			Msg("Job completed")
		return
	}

	failed, failErr := w.queue.Fail(bookkeeping, job, err)
	if failErr != nil {
		log.Error().Err(failErr).Str("job_id", job.ID).Msg("Failed to record job failure")
		return
	}

	log.Warn().
		Err(err).
		Str("job_id", job.ID).
		Str("type", string(job.Type)).
		Str("status", string(failed.Status)).
		Int("attempt", failed.Attempts).
		Int("max_attempts", failed.Options.Attempts).
		Msg("Job failed")
}

// heartbeat reports the job alive until the returned func is called. The func
// returns only after the last heartbeat went out, so none lands after the job
// finished.
func (w *Worker) heartbeat(ctx context.Context, jobID string) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(w.stallTimeout / 3)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.queue.Heartbeat(ctx, jobID); err != nil && ctx.Err() == nil {
					log.Warn().Err(err).Str("job_id", jobID).Msg("Failed to send job heartbeat")
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// requeueStalled recovers jobs of dead workers until ctx is cancelled.
func (w *Worker) requeueStalled(ctx context.Context) {
	ticker := time.NewTicker(w.stallTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.RequeueStalled(ctx, w.stallTimeout); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Failed to requeue stalled jobs")
			}
		}
	}
}

func (w *Worker) run(ctx context.Context, job domain.SyncJob) (err error) {
	if job.Options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Options.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()

	return w.handler.Handle(ctx, job)
}
