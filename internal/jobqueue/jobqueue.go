// Package jobqueue provides a thin typed wrapper over the durable job
// queue implemented by internal/store, for the one job type the recorder
// currently runs asynchronously: replay execution.
package jobqueue

import (
	"context"

	"github.com/flightrecorder/core/internal/apperr"
	"github.com/flightrecorder/core/internal/domain"
	"github.com/flightrecorder/core/internal/store"
)

// JobTypeReplayExecute dispatches a replay session for asynchronous
// execution by the worker.
const JobTypeReplayExecute = "replay_execute"

// Queue enqueues and claims jobs.
type Queue struct {
	store store.Store
}

// New builds a Queue.
func New(st store.Store) *Queue {
	return &Queue{store: st}
}

// EnqueueReplayExecute schedules asynchronous execution of replaySessionID.
func (q *Queue) EnqueueReplayExecute(ctx context.Context, replaySessionID string) (int64, error) {
	jobID, err := q.store.InsertJob(ctx, domain.Job{
		JobType: JobTypeReplayExecute,
		Payload: map[string]any{"replay_session_id": replaySessionID},
	})
	if err != nil {
		return 0, apperr.Storage("enqueue replay_execute job", err)
	}
	return jobID, nil
}

// Claim atomically claims the oldest eligible job of jobType, or returns
// nil if none is ready.
func (q *Queue) Claim(ctx context.Context, jobType string) (*domain.Job, error) {
	job, err := q.store.FetchNextJob(ctx, jobType)
	if err != nil {
		return nil, apperr.Storage("fetch next job", err)
	}
	return job, nil
}

// Complete marks jobID as completed.
func (q *Queue) Complete(ctx context.Context, jobID int64) error {
	if err := q.store.MarkJobSuccess(ctx, jobID); err != nil {
		return apperr.Storage("mark job success", err)
	}
	return nil
}

// PendingCount reports the number of jobs of jobType eligible to be
// claimed right now.
func (q *Queue) PendingCount(ctx context.Context, jobType string) (int, error) {
	count, err := q.store.CountPendingJobs(ctx, jobType)
	if err != nil {
		return 0, apperr.Storage("count pending jobs", err)
	}
	return count, nil
}

// Fail records a failed attempt at jobID. The store backend computes
// the next retry delay (or terminal failure) from the job's own
// retry/max_retry counters.
func (q *Queue) Fail(ctx context.Context, jobID int64, cause error) error {
	if err := q.store.MarkJobFailure(ctx, jobID, cause.Error()); err != nil {
		return apperr.Storage("mark job failure", err)
	}
	return nil
}
