package egress

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func strPosture(p Posture) *Posture { return &p }
func boolPtr(b bool) *bool          { return &b }

func TestNewSeedsStandardDefaults(t *testing.T) {
	e, err := New(nil, nil)
	require.NoError(t, err)
	eff := e.Effective()
	require.Equal(t, PostureStandard, eff.Posture)
	require.True(t, eff.DNSGuardEnable)
}

func TestApplyPostureChangeAdoptsNewDefaultsForUnsetFlags(t *testing.T) {
	e, err := New(nil, nil)
	require.NoError(t, err)

	settings, err := e.Apply(context.Background(), Patch{Posture: strPosture(PosturePublic)})
	require.NoError(t, err)
	require.False(t, settings.DNSGuardEnable, "public posture default disables dns guard")
	require.False(t, settings.ProxyEnable)
}

func TestApplyExplicitFlagOverridesPostureDefault(t *testing.T) {
	e, err := New(nil, nil)
	require.NoError(t, err)

	settings, err := e.Apply(context.Background(), Patch{
		Posture:        strPosture(PosturePublic),
		DNSGuardEnable: boolPtr(true),
	})
	require.NoError(t, err)
	require.True(t, settings.DNSGuardEnable, "explicit flag overrides posture default")
}

func TestApplyNormalizesAllowlistTrimmingAndDroppingEmpties(t *testing.T) {
	e, err := New(nil, nil)
	require.NoError(t, err)

	settings, err := e.Apply(context.Background(), Patch{Allowlist: &[]string{" example.com ", "", "foo.org"}})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"example.com", "foo.org"}, settings.Allowlist)
}

func TestApplyRejectsInvalidSuffix(t *testing.T) {
	e, err := New(nil, nil)
	require.NoError(t, err)

	_, err = e.Apply(context.Background(), Patch{Suffixes: &[]string{"a..b"}})
	require.Error(t, err)
}

func TestApplyRejectsInvalidPosture(t *testing.T) {
	e, err := New(nil, nil)
	require.NoError(t, err)

	bad := Posture("bogus")
	_, err = e.Apply(context.Background(), Patch{Posture: &bad})
	require.Error(t, err)
}

func TestApplyNormalizesSuffixLeadingDot(t *testing.T) {
	e, err := New(nil, nil)
	require.NoError(t, err)

	settings, err := e.Apply(context.Background(), Patch{Suffixes: &[]string{".example.com"}})
	require.NoError(t, err)
	require.Equal(t, []string{"example.com"}, settings.Suffixes)
}
