package openai

import (
	"context"
	"errors"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/require"

	"github.com/arw-run/arw/internal/supervisor"
)

type fakeChat struct {
	err error
}

func (f *fakeChat) New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &openai.ChatCompletion{}, nil
}

func TestNewRequiresModel(t *testing.T) {
	_, err := New(&fakeChat{}, Options{})
	require.Error(t, err)
}

func TestPingReportsReadyOnSuccess(t *testing.T) {
	a, err := New(&fakeChat{}, Options{Model: "gpt-4o"})
	require.NoError(t, err)

	report, err := a.Ping(context.Background(), supervisor.Descriptor{ID: "rt"})
	require.NoError(t, err)
	require.Equal(t, supervisor.StateReady, report.State)
}

func TestPingReportsErrorOnFailure(t *testing.T) {
	a, err := New(&fakeChat{err: errors.New("boom")}, Options{Model: "gpt-4o"})
	require.NoError(t, err)

	report, err := a.Ping(context.Background(), supervisor.Descriptor{ID: "rt"})
	require.Error(t, err)
	require.Equal(t, supervisor.StateError, report.State)
}
