package orchestrator

import (
	"context"
	"time"

	"github.com/arw-run/arw/internal/orchestrator/engine"
)

// Worker drains a Queue through an engine.Backend: dequeue, dispatch,
// ack on success, nack with backoff on failure. Multiple Workers can share
// one Queue to parallelize dispatch; each only ever holds one lease at a
// time.
type Worker struct {
	queue    *Queue
	backend  engine.Backend
	pollWait time.Duration
	retryMin time.Duration
}

// NewWorker constructs a Worker. pollWait bounds how long Run sleeps
// between empty-queue polls; retryMin is the minimum backoff applied to a
// Nack'd job.
func NewWorker(q *Queue, backend engine.Backend, pollWait, retryMin time.Duration) *Worker {
	if pollWait <= 0 {
		pollWait = 200 * time.Millisecond
	}
	if retryMin <= 0 {
		retryMin = time.Second
	}
	return &Worker{queue: q, backend: backend, pollWait: pollWait, retryMin: retryMin}
}

// Run drives the dequeue/dispatch/ack loop until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollWait)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drainOnce(ctx)
		}
	}
}

// drainOnce dequeues and dispatches jobs until the queue reports empty.
func (w *Worker) drainOnce(ctx context.Context) {
	for {
		job, lease, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		w.dispatch(ctx, job, lease)
	}
}

// dispatch runs one leased job through the backend. A dispatch-level error
// (unregistered kind, backend unreachable) is retried via Nack with
// backoff proportional to the attempt count, leaving the job queued rather
// than failed. A Response the backend itself returns, whether success or
// application-level failure, is terminal: the lease is Ack'd and the job
// moves to completed/failed.
func (w *Worker) dispatch(ctx context.Context, job Job, lease Lease) {
	resp, err := w.backend.Execute(ctx, engine.Request{JobID: job.ID, Kind: job.Kind, Data: job.Data})
	if err != nil {
		_ = w.queue.Nack(ctx, lease.LeaseID, w.retryMin*time.Duration(job.Attempt+1))
		return
	}

	_ = w.queue.Ack(ctx, lease.LeaseID)
	_, _ = w.queue.Complete(ctx, job.ID, resp.OK, resp.Result, resp.Error)
}
