package kernel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertMemoryAssignsIDAndHash(t *testing.T) {
	k := New(true)
	m, err := k.InsertMemory(context.Background(), Memory{Lane: "semantic", Text: "hello world"})
	require.NoError(t, err)
	require.NotEmpty(t, m.ID)
	require.NotEmpty(t, m.Hash)
}

func TestFindByHashDedupes(t *testing.T) {
	k := New(true)
	ctx := context.Background()
	a, err := k.InsertMemory(ctx, Memory{Lane: "semantic", Text: "dup text", Tags: []string{"x"}})
	require.NoError(t, err)

	found, err := k.FindByHash(ctx, a.Hash)
	require.NoError(t, err)
	require.Equal(t, a.ID, found.ID)
}

func TestDisabledKernelReturnsUnavailable(t *testing.T) {
	k := New(false)
	_, err := k.InsertMemory(context.Background(), Memory{Text: "x"})
	require.Error(t, err)
}

func TestSearchLexicalRanksByTermFrequency(t *testing.T) {
	k := New(true)
	ctx := context.Background()
	_, _ = k.InsertMemory(ctx, Memory{Lane: "semantic", Text: "golang concurrency patterns"})
	_, _ = k.InsertMemory(ctx, Memory{Lane: "semantic", Text: "golang golang golang tutorial"})

	results, err := k.SearchLexical(ctx, "golang", "semantic", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Greater(t, results[0].Score, results[1].Score)
}

func TestSearchLexicalIsCaseInsensitive(t *testing.T) {
	k := New(true)
	ctx := context.Background()
	_, _ = k.InsertMemory(ctx, Memory{Lane: "semantic", Text: "Golang Rocks"})

	results, err := k.SearchLexical(ctx, "GOLANG", "semantic", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestSearchVectorRanksByCosineSimilarity(t *testing.T) {
	k := New(true)
	ctx := context.Background()
	_, _ = k.InsertMemory(ctx, Memory{Lane: "semantic", Text: "a", Embed: []float64{1, 0, 0}})
	_, _ = k.InsertMemory(ctx, Memory{Lane: "semantic", Text: "b", Embed: []float64{0.9, 0.1, 0}})
	_, _ = k.InsertMemory(ctx, Memory{Lane: "semantic", Text: "c", Embed: []float64{0, 1, 0}})

	results, err := k.SearchVector(ctx, []float64{1, 0, 0}, "semantic", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "a", results[0].Memory.Text)
}

func TestSelectHybridCombinesLexicalAndVectorEqually(t *testing.T) {
	k := New(true)
	ctx := context.Background()
	_, _ = k.InsertMemory(ctx, Memory{Lane: "semantic", Text: "golang concurrency", Embed: []float64{1, 0}})
	_, _ = k.InsertMemory(ctx, Memory{Lane: "semantic", Text: "python async", Embed: []float64{0, 1}})

	results, err := k.SelectHybrid(ctx, "golang", []float64{1, 0}, "semantic", 10, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, "golang concurrency", results[0].Memory.Text)
}

func TestLeaseAndConfigSnapshotLifecycle(t *testing.T) {
	k := New(true)
	ctx := context.Background()

	l, err := k.InsertLease(ctx, Lease{Capabilities: []string{"context:read"}})
	require.NoError(t, err)
	leases, err := k.ListLeases(ctx, 0)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	require.Equal(t, l.ID, leases[0].ID)

	_, err = k.InsertConfigSnapshot(ctx, []byte(`{"a":1}`))
	require.NoError(t, err)
	snap2, err := k.InsertConfigSnapshot(ctx, []byte(`{"a":2}`))
	require.NoError(t, err)

	latest, err := k.LatestConfigSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, snap2.ID, latest.ID)
}

func TestOrchestratorJobMirrorRoundTrip(t *testing.T) {
	k := New(true)
	ctx := context.Background()

	j, err := k.InsertOrchestratorJob(ctx, OrchestratorJobRecord{Kind: "demo.echo", State: "queued"})
	require.NoError(t, err)

	updated, err := k.UpdateOrchestratorJob(ctx, j.ID, "completed", []byte(`{"ok":true}`))
	require.NoError(t, err)
	require.Equal(t, "completed", updated.State)

	jobs, err := k.ListOrchestratorJobs(ctx, "completed")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestContentHashIsDeterministic(t *testing.T) {
	h1 := ContentHash("semantic", "Hello World", []string{"b", "a"}, nil)
	h2 := ContentHash("semantic", "Hello World", []string{"a", "b"}, nil)
	require.Equal(t, h1, h2)
}
