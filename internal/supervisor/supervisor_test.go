package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arw-run/arw/internal/bus"
)

type fakeAdapter struct {
	id        string
	launchErr error
	pingErr   error
	report    HealthReport
	launches  int
}

func (f *fakeAdapter) ID() string { return f.id }
func (f *fakeAdapter) Launch(ctx context.Context, d Descriptor) error {
	f.launches++
	return f.launchErr
}
func (f *fakeAdapter) Shutdown(ctx context.Context, d Descriptor) error { return nil }
func (f *fakeAdapter) Ping(ctx context.Context, d Descriptor) (HealthReport, error) {
	return f.report, f.pingErr
}

func newTestSupervisor() (*Supervisor, *bus.Bus) {
	b := bus.New(64)
	s := New(b, time.Hour, time.Second)
	return s, b
}

func TestInstallMergesTagsOnReinstall(t *testing.T) {
	s, _ := newTestSupervisor()
	a := &fakeAdapter{id: "anthropic", report: HealthReport{State: StateReady}}
	s.RegisterAdapter(a)
	ctx := context.Background()

	d := Descriptor{ID: "rt-1", Adapter: "anthropic", Tags: map[string]string{"a": "1"}}
	_, err := s.Install(ctx, ManagedRuntimeDefinition{Descriptor: d, AdapterID: "anthropic"})
	require.NoError(t, err)

	d2 := Descriptor{ID: "rt-1", Adapter: "anthropic", Tags: map[string]string{"b": "2"}}
	_, err = s.Install(ctx, ManagedRuntimeDefinition{Descriptor: d2, AdapterID: "anthropic"})
	require.NoError(t, err)

	status, ok := s.Status("rt-1")
	require.True(t, ok)
	require.Equal(t, "rt-1", status.ID)
}

func TestLaunchRefusedWhenBudgetExhausted(t *testing.T) {
	s, b := newTestSupervisor()
	a := &fakeAdapter{id: "anthropic"}
	s.RegisterAdapter(a)
	ctx := context.Background()

	sub := b.Subscribe()
	defer sub.Unsubscribe()

	d := Descriptor{ID: "rt-2", Adapter: "anthropic"}
	_, err := s.Install(ctx, ManagedRuntimeDefinition{
		Descriptor: d, AdapterID: "anthropic",
		Budget: RestartBudget{Window: time.Hour, Max: 2},
	})
	require.NoError(t, err)

	_, err = s.Launch(ctx, "rt-2")
	require.NoError(t, err)
	_, err = s.Launch(ctx, "rt-2")
	require.NoError(t, err)

	_, err = s.Launch(ctx, "rt-2")
	require.Error(t, err)
	require.Equal(t, 2, a.launches)
}

func TestRemovePurgesDescriptorAndShutsDownAdapter(t *testing.T) {
	s, _ := newTestSupervisor()
	a := &fakeAdapter{id: "anthropic"}
	s.RegisterAdapter(a)
	ctx := context.Background()

	_, err := s.Install(ctx, ManagedRuntimeDefinition{Descriptor: Descriptor{ID: "rt-3", Adapter: "anthropic"}, AdapterID: "anthropic"})
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, "rt-3"))
	_, ok := s.Status("rt-3")
	require.False(t, ok)
}

func TestSeverityDerivationFromStateAndErrorRate(t *testing.T) {
	require.Equal(t, SeverityError, severityFor(StateError, nil))
	require.Equal(t, SeverityWarn, severityFor(StateDegraded, nil))
	require.Equal(t, SeverityWarn, severityFor(StateReady, &HealthReport{ErrorRate: 0.10}))
	require.Equal(t, SeverityInfo, severityFor(StateReady, &HealthReport{ErrorRate: 0.01}))
}

func TestReconcileInstallsAndRemovesToMatchDesiredSet(t *testing.T) {
	s, _ := newTestSupervisor()
	a := &fakeAdapter{id: "anthropic"}
	s.RegisterAdapter(a)
	ctx := context.Background()

	_, err := s.Install(ctx, ManagedRuntimeDefinition{Descriptor: Descriptor{ID: "keep", Adapter: "anthropic"}, AdapterID: "anthropic"})
	require.NoError(t, err)
	_, err = s.Install(ctx, ManagedRuntimeDefinition{Descriptor: Descriptor{ID: "drop", Adapter: "anthropic"}, AdapterID: "anthropic"})
	require.NoError(t, err)

	desired := map[string]ManagedRuntimeDefinition{
		"keep": {Descriptor: Descriptor{ID: "keep", Adapter: "anthropic"}, AdapterID: "anthropic"},
		"new":  {Descriptor: Descriptor{ID: "new", Adapter: "anthropic"}, AdapterID: "anthropic"},
	}
	require.NoError(t, s.Reconcile(ctx, desired))

	_, ok := s.Status("drop")
	require.False(t, ok)
	_, ok = s.Status("keep")
	require.True(t, ok)
	_, ok = s.Status("new")
	require.True(t, ok)
}
