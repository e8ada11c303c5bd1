// Package worker implements the recorder's asynchronous job processing
// loop: poll the durable queue for eligible jobs, dispatch each by job
// type, and record success or failure back to the store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/flightrecorder/core/internal/jobqueue"
	"github.com/flightrecorder/core/internal/replay"
	"github.com/flightrecorder/core/internal/telemetry"
)

// Worker polls the job queue and executes replay_execute jobs.
type Worker struct {
	queue        *jobqueue.Queue
	replay       *replay.Service
	log          *zap.Logger
	metrics      *telemetry.Metrics
	pollInterval time.Duration
}

// New builds a Worker. metrics may be nil to disable metric recording.
func New(queue *jobqueue.Queue, replaySvc *replay.Service, log *zap.Logger, metrics *telemetry.Metrics, pollInterval time.Duration) *Worker {
	if pollInterval < 100*time.Millisecond {
		pollInterval = 100 * time.Millisecond
	}
	return &Worker{
		queue:        queue,
		replay:       replaySvc,
		log:          log,
		metrics:      metrics,
		pollInterval: pollInterval,
	}
}

// Run polls until ctx is cancelled, sleeping pollInterval between empty
// polls and retrying immediately after a handled job.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker stopping", zap.Error(ctx.Err()))
			return
		default:
		}

		handled, err := w.processOne(ctx)
		if err != nil {
			w.log.Error("job processing failed unexpectedly", zap.Error(err))
		}
		if !handled {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollInterval):
			}
		}
	}
}

// processOne claims and runs at most one job. It returns handled=false
// when the queue had nothing eligible to claim.
func (w *Worker) processOne(ctx context.Context) (handled bool, err error) {
	if w.metrics != nil {
		if depth, depthErr := w.queue.PendingCount(ctx, jobqueue.JobTypeReplayExecute); depthErr == nil {
			w.metrics.SetQueueDepth(jobqueue.JobTypeReplayExecute, depth)
		}
	}

	job, err := w.queue.Claim(ctx, jobqueue.JobTypeReplayExecute)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	start := time.Now()
	runErr := w.dispatch(ctx, job.JobType, job.Payload)
	duration := time.Since(start)

	if runErr != nil {
		w.log.Warn("job failed",
			zap.Int64("job_id", job.JobID),
			zap.String("job_type", job.JobType),
			zap.Int("retries", job.Retries),
			zap.Duration("duration", duration),
			zap.Error(runErr),
		)
		if w.metrics != nil {
			w.metrics.RecordJobRetry(job.JobType)
		}
		if failErr := w.queue.Fail(ctx, job.JobID, runErr); failErr != nil {
			return true, fmt.Errorf("mark job failure: %w", failErr)
		}
		return true, nil
	}

	w.log.Info("job completed",
		zap.Int64("job_id", job.JobID),
		zap.String("job_type", job.JobType),
		zap.Duration("duration", duration),
	)
	if err := w.queue.Complete(ctx, job.JobID); err != nil {
		return true, fmt.Errorf("mark job success: %w", err)
	}
	return true, nil
}

// dispatch routes payload to the handler for jobType.
func (w *Worker) dispatch(ctx context.Context, jobType string, payload map[string]any) error {
	switch jobType {
	case jobqueue.JobTypeReplayExecute:
		return w.runReplayExecute(ctx, payload)
	default:
		return fmt.Errorf("unsupported job type %q", jobType)
	}
}

func (w *Worker) runReplayExecute(ctx context.Context, payload map[string]any) error {
	raw, ok := payload["replay_session_id"]
	if !ok {
		return errors.New("replay_execute job missing replay_session_id")
	}
	replaySessionID, ok := raw.(string)
	if !ok || replaySessionID == "" {
		return errors.New("replay_execute job has invalid replay_session_id")
	}

	start := time.Now()
	session, err := w.replay.ExecuteReplaySession(ctx, replaySessionID)
	if err != nil {
		if w.metrics != nil {
			w.metrics.RecordReplay("failed_execution", time.Since(start))
		}
		return fmt.Errorf("execute replay session %s: %w", replaySessionID, err)
	}
	if w.metrics != nil {
		w.metrics.RecordReplay(session.Status, time.Since(start))
	}
	return nil
}
