package autonomy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arw-run/arw/internal/bus"
)

type recordingPublisher struct {
	kinds []string
}

func (r *recordingPublisher) Publish(env bus.Envelope) {
	r.kinds = append(r.kinds, env.Kind)
}

func TestPauseThenResumeTransitionsMode(t *testing.T) {
	l := New(time.Hour, time.Second, 6*time.Hour, nil)
	ctx := context.Background()

	require.NoError(t, l.Pause(ctx, "lane-1"))
	require.Equal(t, ModePaused, l.Mode("lane-1"))

	require.NoError(t, l.Resume(ctx, "lane-1", ModeAutonomous))
	require.Equal(t, ModeAutonomous, l.Mode("lane-1"))
}

func TestResumeToPausedRejected(t *testing.T) {
	l := New(time.Hour, time.Second, 6*time.Hour, nil)
	err := l.Resume(context.Background(), "lane-1", ModePaused)
	require.Error(t, err)
}

func TestBudgetCloseToLimitAndExhausted(t *testing.T) {
	require.True(t, Budget{WallSeconds: 100, Tokens: 10000, SpendCents: 10000}.CloseToLimit())
	require.False(t, Budget{WallSeconds: 1000, Tokens: 10000, SpendCents: 10000}.CloseToLimit())
	require.True(t, Budget{WallSeconds: 0, Tokens: 10000, SpendCents: 10000}.Exhausted())
}

func TestRecordConfirmationClampsToOne(t *testing.T) {
	l := New(time.Hour, time.Second, 6*time.Hour, nil)
	l.RecordConfirmation("lane-1", 0.9)
	l.RecordConfirmation("lane-1", 0.9)
	d := l.DecisionForAutonomy("lane-1")
	require.LessOrEqual(t, d.Score, 1.0)
}

func TestRecordRejectionSetsNeedsAttentionReason(t *testing.T) {
	l := New(time.Hour, time.Second, 6*time.Hour, nil)
	l.RecordConfirmation("lane-1", 0.8)
	l.RecordRejection("lane-1", 0.2, "policy_denied")

	d := l.DecisionForAutonomy("lane-1")
	require.False(t, d.Allowed)
	require.Equal(t, "policy_denied", d.Reason)
}

func TestDecisionForAutonomyBelowFloorNeedsAttention(t *testing.T) {
	l := New(time.Hour, time.Second, 6*time.Hour, nil)
	d := l.DecisionForAutonomy("fresh-lane")
	require.False(t, d.Allowed)
	require.Equal(t, "low_engagement", d.Reason)
}

func TestEngagementDecaysExponentiallyAfterGraceWindow(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := start
	l := New(time.Hour, time.Second, 6*time.Hour, nil)
	l.now = func() time.Time { return cur }

	l.RecordConfirmation("lane-1", 1.0)
	cur = start.Add(time.Hour + time.Second)
	d := l.DecisionForAutonomy("lane-1")
	require.InDelta(t, 0.5, d.Score, 0.01)
}

func TestStaleConfirmationAfterSixHours(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := start
	l := New(time.Hour, time.Second, 6*time.Hour, nil)
	l.now = func() time.Time { return cur }

	l.RecordConfirmation("lane-1", 0.9)
	cur = start.Add(7 * time.Hour)
	d := l.DecisionForAutonomy("lane-1")
	require.False(t, d.Allowed)
	require.Equal(t, "stale_confirmation", d.Reason)
	require.NotNil(t, d.StaleFor)
}

func TestUpdateBudgetsPublishesExhaustedOnTransition(t *testing.T) {
	pub := &recordingPublisher{}
	l := New(time.Hour, time.Second, 6*time.Hour, pub)
	l.UpdateBudgets(context.Background(), "lane-1", Budget{WallSeconds: 1000, Tokens: 10000, SpendCents: 10000})
	l.UpdateBudgets(context.Background(), "lane-1", Budget{WallSeconds: 0, Tokens: 10000, SpendCents: 10000})
	require.Equal(t, []string{"autonomy.budget.exhausted"}, pub.kinds)
}

func TestLoadLedgerPersistsAndRestoresLaneState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autonomy", "lanes.json")
	ctx := context.Background()

	l, err := LoadLedger(path, time.Hour, time.Second, 6*time.Hour, nil)
	require.NoError(t, err)
	require.NoError(t, l.Start(ctx, "lane-1", ModeAutonomous))
	l.RecordConfirmation("lane-1", 0.8)

	if _, statErr := os.Stat(path); statErr != nil {
		t.Fatalf("expected state file at %q, got %v", path, statErr)
	}

	reloaded, err := LoadLedger(path, time.Hour, time.Second, 6*time.Hour, nil)
	require.NoError(t, err)
	require.Equal(t, ModeAutonomous, reloaded.Mode("lane-1"))
	require.True(t, reloaded.DecisionForAutonomy("lane-1").Score > 0)
}

func TestLoadLedgerMissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope", "lanes.json")
	l, err := LoadLedger(path, time.Hour, time.Second, 6*time.Hour, nil)
	require.NoError(t, err)
	require.Equal(t, ModeGuided, l.Mode("lane-1"))
}
