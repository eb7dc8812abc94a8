package coverage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arw-run/arw/internal/assembler"
	"github.com/arw-run/arw/internal/kernel"
)

func TestAdjustBelowTargetLimitIncreasesLimit(t *testing.T) {
	spec := assembler.Spec{Limit: 10, ExpandPerSeed: 1}
	next := Adjust(spec, Verdict{Reasons: []Reason{ReasonBelowTargetLimit}}, assembler.Result{})
	require.Greater(t, next.Limit, spec.Limit)
	require.Equal(t, 3, next.ExpandPerSeed)
}

func TestAdjustNoItemsAboveThresholdLowersMinScore(t *testing.T) {
	spec := assembler.Spec{MinScore: 0.8}
	next := Adjust(spec, Verdict{Reasons: []Reason{ReasonNoItemsAboveThreshold}}, assembler.Result{})
	require.Less(t, next.MinScore, spec.MinScore)
}

func TestAdjustMinScoreNeverGoesBelowFloor(t *testing.T) {
	spec := assembler.Spec{MinScore: 0.06}
	next := Adjust(spec, Verdict{Reasons: []Reason{ReasonNoItemsAboveThreshold}}, assembler.Result{})
	require.GreaterOrEqual(t, next.MinScore, minScoreFloor)
}

func TestAdjustLowLaneDiversityBoostsLambdaAndSkipsDecay(t *testing.T) {
	spec := assembler.Spec{DiversityLambda: 0.5, Lanes: []string{"semantic"}}
	res := assembler.Result{Summary: assembler.Summary{LaneCounts: map[string]int{"episodic": 2}}}
	next := Adjust(spec, Verdict{Reasons: []Reason{ReasonLowLaneDiversity}}, res)

	require.InDelta(t, 0.525, next.DiversityLambda, 1e-9)
	require.Contains(t, next.Lanes, "episodic")
}

func TestAdjustGeneralDecayOnlyWhenNoDiversityReason(t *testing.T) {
	spec := assembler.Spec{DiversityLambda: 0.5}
	next := Adjust(spec, Verdict{Reasons: []Reason{ReasonWeakAverageScore}}, assembler.Result{})
	require.InDelta(t, 0.48, next.DiversityLambda, 1e-9)
}

func TestAdjustLambdaFlooredAndCeilinged(t *testing.T) {
	spec := assembler.Spec{DiversityLambda: 0.41}
	next := Adjust(spec, Verdict{}, assembler.Result{})
	require.GreaterOrEqual(t, next.DiversityLambda, diversityLambdaFloor)

	spec2 := assembler.Spec{DiversityLambda: 0.99, Lanes: []string{"a"}}
	next2 := Adjust(spec2, Verdict{Reasons: []Reason{ReasonLowLaneDiversity}}, assembler.Result{})
	require.LessOrEqual(t, next2.DiversityLambda, diversityLambdaCeil)
}

func TestDefaultAssessNoItemsSelected(t *testing.T) {
	v := DefaultAssess(assembler.Spec{Limit: 4}, assembler.Result{})
	require.True(t, v.NeedsMore)
	require.Contains(t, v.Reasons, ReasonNoItemsSelected)
}

type fakeSummaryPublisher struct {
	summaries []IterationSummary
}

func (f *fakeSummaryPublisher) PublishSummary(_ context.Context, s IterationSummary) {
	f.summaries = append(f.summaries, s)
}
func (f *fakeSummaryPublisher) PublishError(context.Context, IterationError) {}

func TestRunEmitsOneSummaryPerIterationAndStopsWhenSatisfied(t *testing.T) {
	k := kernel.New(true)
	for i := 0; i < 3; i++ {
		_, err := k.InsertMemory(context.Background(), kernel.Memory{Lane: "semantic", Text: "item"})
		require.NoError(t, err)
	}
	loop := New(assembler.New(k)).WithAssess(func(assembler.Spec, assembler.Result) Verdict {
		return Verdict{NeedsMore: false}
	})
	pub := &fakeSummaryPublisher{}

	_, verdict, err := loop.Run(context.Background(), assembler.Spec{Lanes: []string{"semantic"}, Limit: 2}, 2, nil, pub)
	require.NoError(t, err)
	require.False(t, verdict.NeedsMore)
	require.Len(t, pub.summaries, 1)
}

func TestRunStopsAtMaxIterationsWhenStillNeedingMore(t *testing.T) {
	k := kernel.New(true)
	loop := New(assembler.New(k)).WithAssess(func(assembler.Spec, assembler.Result) Verdict {
		return Verdict{NeedsMore: true, Reasons: []Reason{ReasonNoItemsSelected}}
	})
	pub := &fakeSummaryPublisher{}

	_, _, err := loop.Run(context.Background(), assembler.Spec{Lanes: []string{"semantic"}, Limit: 2}, 2, nil, pub)
	require.NoError(t, err)
	require.Len(t, pub.summaries, 2)
}
