package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arw-run/arw/internal/orchestrator/engine"
)

func TestRegisterHandlerRejectsDuplicateKind(t *testing.T) {
	b := New()
	require.NoError(t, b.RegisterHandler("demo.echo", func(ctx context.Context, req engine.Request) engine.Response {
		return engine.Response{OK: true}
	}))
	err := b.RegisterHandler("demo.echo", func(ctx context.Context, req engine.Request) engine.Response {
		return engine.Response{OK: true}
	})
	require.Error(t, err)
}

func TestExecuteDispatchesToRegisteredHandler(t *testing.T) {
	b := New()
	require.NoError(t, b.RegisterHandler("demo.echo", func(ctx context.Context, req engine.Request) engine.Response {
		return engine.Response{OK: true, Result: req.Data}
	}))

	resp, err := b.Execute(context.Background(), engine.Request{JobID: "1", Kind: "demo.echo", Data: "hi"})
	require.NoError(t, err)
	require.True(t, resp.OK)
	require.Equal(t, "hi", resp.Result)
}

func TestExecuteUnknownKindErrors(t *testing.T) {
	b := New()
	_, err := b.Execute(context.Background(), engine.Request{JobID: "1", Kind: "nope"})
	require.Error(t, err)
}
