package bedrock

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/stretchr/testify/require"

	"github.com/arw-run/arw/internal/supervisor"
)

type fakeRuntime struct {
	err error
}

func (f *fakeRuntime) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &bedrockruntime.ConverseOutput{}, nil
}

func TestNewRequiresModel(t *testing.T) {
	_, err := New(&fakeRuntime{}, Options{})
	require.Error(t, err)
}

func TestPingReportsReadyOnSuccess(t *testing.T) {
	a, err := New(&fakeRuntime{}, Options{Model: "anthropic.claude-v2"})
	require.NoError(t, err)

	report, err := a.Ping(context.Background(), supervisor.Descriptor{ID: "rt"})
	require.NoError(t, err)
	require.Equal(t, supervisor.StateReady, report.State)
}

func TestPingReportsErrorOnFailure(t *testing.T) {
	a, err := New(&fakeRuntime{err: errors.New("boom")}, Options{Model: "anthropic.claude-v2"})
	require.NoError(t, err)

	report, err := a.Ping(context.Background(), supervisor.Descriptor{ID: "rt"})
	require.Error(t, err)
	require.Equal(t, supervisor.StateError, report.State)
}
