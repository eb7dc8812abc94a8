package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDequeueOrdersByPriorityThenFIFO(t *testing.T) {
	q := New(0, 0)
	ctx := context.Background()

	a, _ := q.Submit(ctx, Job{Kind: "a", Priority: 0})
	b, _ := q.Submit(ctx, Job{Kind: "b", Priority: -5})
	c, _ := q.Submit(ctx, Job{Kind: "c", Priority: 0})

	first, _, ok := q.Dequeue(ctx)
	require.True(t, ok)
	require.Equal(t, b.ID, first.ID)

	second, _, ok := q.Dequeue(ctx)
	require.True(t, ok)
	require.Equal(t, a.ID, second.ID)

	third, _, ok := q.Dequeue(ctx)
	require.True(t, ok)
	require.Equal(t, c.ID, third.ID)
}

func TestLeaseExpiryReenqueuesWithIncrementedAttempt(t *testing.T) {
	q := New(100*time.Millisecond, 0)
	ctx := context.Background()
	submitted, _ := q.Submit(ctx, Job{Kind: "x", Priority: 0})

	job, _, ok := q.Dequeue(ctx)
	require.True(t, ok)
	require.Equal(t, submitted.ID, job.ID)
	require.Equal(t, 0, job.Attempt)

	time.Sleep(200 * time.Millisecond)

	reappeared, _, ok := q.Dequeue(ctx)
	require.True(t, ok)
	require.Equal(t, submitted.ID, reappeared.ID)
	require.Equal(t, 1, reappeared.Attempt)
}

func TestAckRemovesLeaseAndPreventsSweepReenqueue(t *testing.T) {
	q := New(50*time.Millisecond, 0)
	ctx := context.Background()
	q.Submit(ctx, Job{Kind: "x", Priority: 0})

	_, lease, ok := q.Dequeue(ctx)
	require.True(t, ok)
	require.NoError(t, q.Ack(ctx, lease.LeaseID))

	time.Sleep(100 * time.Millisecond)
	q.Sweep(ctx)

	_, _, ok = q.Dequeue(ctx)
	require.False(t, ok, "acked job should not reappear")
}

func TestNackImmediateReenqueues(t *testing.T) {
	q := New(0, 0)
	ctx := context.Background()
	submitted, _ := q.Submit(ctx, Job{Kind: "x", Priority: 0})

	_, lease, ok := q.Dequeue(ctx)
	require.True(t, ok)
	require.NoError(t, q.Nack(ctx, lease.LeaseID, 0))

	job, _, ok := q.Dequeue(ctx)
	require.True(t, ok)
	require.Equal(t, submitted.ID, job.ID)
	require.Equal(t, 1, job.Attempt)
}

func TestIdempotentSubmitWithinWindowReturnsExistingJobID(t *testing.T) {
	q := New(0, time.Minute)
	ctx := context.Background()

	first, err := q.Submit(ctx, Job{Kind: "x", IdemKey: "abc"})
	require.NoError(t, err)

	second, err := q.Submit(ctx, Job{Kind: "x", IdemKey: "abc"})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestProgressIsMonotoneNondecreasing(t *testing.T) {
	q := New(0, 0)
	ctx := context.Background()
	j, _ := q.Submit(ctx, Job{Kind: "x"})

	_, err := q.UpdateProgress(ctx, j.ID, 0.5)
	require.NoError(t, err)
	got, err := q.UpdateProgress(ctx, j.ID, 0.2)
	require.NoError(t, err)
	require.Equal(t, 0.5, got.Progress, "progress must not decrease")

	got, err = q.UpdateProgress(ctx, j.ID, 0.9)
	require.NoError(t, err)
	require.Equal(t, 0.9, got.Progress)
}

func TestCompleteSetsStateAndResult(t *testing.T) {
	q := New(0, 0)
	ctx := context.Background()
	j, _ := q.Submit(ctx, Job{Kind: "demo.echo"})

	done, err := q.Complete(ctx, j.ID, true, map[string]any{"echo": "hi"}, "")
	require.NoError(t, err)
	require.Equal(t, JobCompleted, done.State)
	require.Equal(t, 1.0, done.Progress)
}

func TestPerJobVisibilityTimeoutOverridesQueueGlobal(t *testing.T) {
	q := New(time.Hour, 0)
	ctx := context.Background()
	override := 50 * time.Millisecond
	q.Submit(ctx, Job{Kind: "x", VisibilityTimeout: &override})

	_, _, ok := q.Dequeue(ctx)
	require.True(t, ok)

	time.Sleep(100 * time.Millisecond)
	_, _, ok = q.Dequeue(ctx)
	require.True(t, ok, "job with a short per-job override should reappear quickly despite a long queue-global visibility timeout")
}
