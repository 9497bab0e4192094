/*
Package jobqueue provides a River-based job queue for mailbox synchronization.

For configuration options, retry policies, and tuning parameters, see queue_config.go.
*/
package jobqueue

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/zerolog/log"
)

// SyncHandler pulls new mailbox messages and runs them through delivery.
// Implemented by the coordinator.
type SyncHandler interface {
	HandlePush(ctx context.Context) error
}

// MailboxSyncArgs represents the arguments for a mailbox sync job. A push
// notification carries no message content, so the job itself is empty: the
// worker reads everything past the stored cursor.
type MailboxSyncArgs struct{}

// Kind returns the job kind for River
func (MailboxSyncArgs) Kind() string {
	return "mailbox_sync"
}

// MailboxSyncWorker handles mailbox sync jobs
type MailboxSyncWorker struct {
	river.WorkerDefaults[MailboxSyncArgs]
	handler SyncHandler
	config  *QueueConfig
}

// Work fetches and processes everything newer than the cursor. HandlePush
// only advances the cursor after the whole batch succeeds, so a failed job is
// safe to retry.
func (w *MailboxSyncWorker) Work(ctx context.Context, job *river.Job[MailboxSyncArgs]) error {
	ctx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	log.Info().Int64("job_id", job.ID).Int("attempt", job.Attempt).Msg("running mailbox sync")

	if err := w.handler.HandlePush(ctx); err != nil {
		return fmt.Errorf("mailbox sync failed: %w", err)
	}
	return nil
}

// JobQueue manages the River job queue
type JobQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	config *QueueConfig
}

// NewJobQueue creates a new job queue instance on an existing connection pool.
func NewJobQueue(pool *pgxpool.Pool, handler SyncHandler) (*JobQueue, error) {
	config := GetQueueConfig()

	workers := river.NewWorkers()
	river.AddWorker(workers, &MailboxSyncWorker{handler: handler, config: config})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:  config.RiverQueueConfig(),
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{
		client: client,
		pool:   pool,
		config: config,
	}, nil
}

// Start starts the job queue workers
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers
func (jq *JobQueue) Stop(ctx context.Context) error {
	return jq.client.Stop(ctx)
}

// EnqueueSync queues a mailbox sync job. Concurrent pushes deduplicate onto
// one pending job.
func (jq *JobQueue) EnqueueSync(ctx context.Context) error {
	_, err := jq.client.Insert(ctx, MailboxSyncArgs{}, &river.InsertOpts{
		UniqueOpts: river.UniqueOpts{ByArgs: true},
	})
	if err != nil {
		return fmt.Errorf("failed to queue mailbox sync job: %w", err)
	}
	return nil
}
