// Package orchestrator implements the priority-lane job queue: submit,
// lease-based dequeue, ack/nack, idempotency, and lease-expiry sweeping.
// The pluggable execution backend (internal/orchestrator/engine) follows
// runtime/agent/engine.Engine's register/start shape, generalized from
// durable workflow execution to single-job dispatch.
package orchestrator

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arw-run/arw/internal/apierr"
)

// JobState is the lifecycle state of a queued job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Job is a unit of work submitted to the orchestrator queue.
type Job struct {
	ID       string
	Kind     string
	Priority int
	Data     any
	IdemKey  string

	// VisibilityTimeout overrides the queue-global lease window for this
	// job when non-nil.
	VisibilityTimeout *time.Duration

	State    JobState
	Attempt  int
	Result   any
	Error    string
	Progress float64

	CreatedAt time.Time
	UpdatedAt time.Time

	seq int64 // insertion sequence, breaks priority ties FIFO
}

// Lease is returned to a consumer on dequeue.
type Lease struct {
	TaskID      string
	LeaseID     string
	ExpiresAtMS int64
}

const defaultVisibilityTimeout = 30 * time.Second
const minVisibilityTimeout = 100 * time.Millisecond

// Queue is a priority-lane multiset of jobs: lower numeric priority
// dequeues first, FIFO within a priority.
type Queue struct {
	mu sync.Mutex

	heap        jobHeap
	jobs        map[string]*Job
	leases      map[string]*activeLease // leaseID -> lease
	idemIndex   map[string]string       // idemKey -> jobID
	idemWindow  time.Duration
	visibility  time.Duration
	nextSeq     int64
	now         func() time.Time
}

type activeLease struct {
	jobID     string
	expiresAt time.Time
}

// New constructs a Queue with the given default visibility timeout
// (clamped to a 100ms floor, defaulting to 30s) and idempotency window.
func New(visibility, idemWindow time.Duration) *Queue {
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	} else if visibility < minVisibilityTimeout {
		visibility = minVisibilityTimeout
	}
	return &Queue{
		jobs:       make(map[string]*Job),
		leases:     make(map[string]*activeLease),
		idemIndex:  make(map[string]string),
		idemWindow: idemWindow,
		visibility: visibility,
		now:        time.Now,
	}
}

// Submit enqueues a job, returning the existing job's ID unchanged if
// idemKey duplicates a submission within the idempotency window.
func (q *Queue) Submit(_ context.Context, j Job) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if j.IdemKey != "" {
		if existingID, ok := q.idemIndex[j.IdemKey]; ok {
			if existing, ok := q.jobs[existingID]; ok {
				return *existing, nil
			}
		}
	}

	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := q.now()
	j.State = JobQueued
	j.CreatedAt = now
	j.UpdatedAt = now
	q.nextSeq++
	j.seq = q.nextSeq

	stored := j
	q.jobs[j.ID] = &stored
	heap.Push(&q.heap, &stored)

	if j.IdemKey != "" {
		q.idemIndex[j.IdemKey] = j.ID
		if q.idemWindow > 0 {
			key := j.IdemKey
			time.AfterFunc(q.idemWindow, func() {
				q.mu.Lock()
				defer q.mu.Unlock()
				if q.idemIndex[key] == stored.ID {
					delete(q.idemIndex, key)
				}
			})
		}
	}

	return stored, nil
}

// Dequeue pops the highest-priority (lowest numeric key), earliest-
// inserted job and returns it with a lease token.
func (q *Queue) Dequeue(_ context.Context) (Job, Lease, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.sweepExpiredLocked()

	if q.heap.Len() == 0 {
		return Job{}, Lease{}, false
	}
	j := heap.Pop(&q.heap).(*Job)
	j.State = JobRunning
	j.UpdatedAt = q.now()

	vis := q.visibility
	if j.VisibilityTimeout != nil {
		vis = *j.VisibilityTimeout
	}
	leaseID := uuid.NewString()
	expiresAt := q.now().Add(vis)
	q.leases[leaseID] = &activeLease{jobID: j.ID, expiresAt: expiresAt}

	return *j, Lease{TaskID: j.ID, LeaseID: leaseID, ExpiresAtMS: expiresAt.UnixMilli()}, true
}

// Ack removes the pending lease for a completed job.
func (q *Queue) Ack(_ context.Context, leaseID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.leases[leaseID]; !ok {
		return apierr.New(apierr.KindNotFound, "lease not found")
	}
	delete(q.leases, leaseID)
	return nil
}

// Nack re-enqueues the job after retryAfter (or immediately if zero/nil).
func (q *Queue) Nack(_ context.Context, leaseID string, retryAfter time.Duration) error {
	q.mu.Lock()
	lease, ok := q.leases[leaseID]
	if !ok {
		q.mu.Unlock()
		return apierr.New(apierr.KindNotFound, "lease not found")
	}
	delete(q.leases, leaseID)
	j, ok := q.jobs[lease.jobID]
	q.mu.Unlock()
	if !ok {
		return apierr.New(apierr.KindNotFound, "job not found")
	}

	if retryAfter <= 0 {
		q.requeue(j)
		return nil
	}
	time.AfterFunc(retryAfter, func() { q.requeue(j) })
	return nil
}

func (q *Queue) requeue(j *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j.Attempt++
	j.State = JobQueued
	j.UpdatedAt = q.now()
	q.nextSeq++
	j.seq = q.nextSeq
	heap.Push(&q.heap, j)
}

// sweepExpiredLocked re-enqueues jobs whose lease has expired, incrementing
// attempt exactly once per expiry. Callers must hold q.mu.
func (q *Queue) sweepExpiredLocked() {
	now := q.now()
	for leaseID, lease := range q.leases {
		if now.Before(lease.expiresAt) {
			continue
		}
		delete(q.leases, leaseID)
		j, ok := q.jobs[lease.jobID]
		if !ok {
			continue
		}
		j.Attempt++
		j.State = JobQueued
		j.UpdatedAt = now
		q.nextSeq++
		j.seq = q.nextSeq
		heap.Push(&q.heap, j)
	}
}

// Sweep runs the expired-lease sweep outside of Dequeue, for use by a
// background ticker.
func (q *Queue) Sweep(_ context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sweepExpiredLocked()
}

// Complete marks a job completed or failed with a result/error and
// monotonically bumps progress to 1.0.
func (q *Queue) Complete(_ context.Context, jobID string, ok bool, result any, errMsg string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, exists := q.jobs[jobID]
	if !exists {
		return Job{}, apierr.New(apierr.KindNotFound, "job not found")
	}
	if ok {
		j.State = JobCompleted
		j.Result = result
	} else {
		j.State = JobFailed
		j.Error = errMsg
	}
	j.Progress = 1.0
	j.UpdatedAt = q.now()
	return *j, nil
}

// UpdateProgress bumps a job's progress monotonically (a lower value is
// ignored).
func (q *Queue) UpdateProgress(_ context.Context, jobID string, progress float64) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return Job{}, apierr.New(apierr.KindNotFound, "job not found")
	}
	if progress > j.Progress {
		j.Progress = progress
	}
	j.UpdatedAt = q.now()
	return *j, nil
}

// Get returns the current state of a job by ID.
func (q *Queue) Get(_ context.Context, jobID string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return Job{}, apierr.New(apierr.KindNotFound, "job not found")
	}
	return *j, nil
}

// jobHeap implements container/heap.Interface ordering by (priority asc,
// seq asc) so lower numeric priority dequeues first and ties are FIFO.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(*Job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
