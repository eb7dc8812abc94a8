// Package anthropic adapts the Anthropic Claude Messages API to
// supervisor.Adapter, generalized from features/model/anthropic.Client's
// model.Client (a completion API wrapper) to a runtime health/lifecycle
// adapter: Ping issues a minimal one-token Messages.New call to confirm the
// API key and model are reachable, Launch/Shutdown are no-ops since
// Anthropic's API has no process to start or stop.
package anthropic

import (
	"context"
	"errors"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/arw-run/arw/internal/supervisor"
)

// MessagesClient captures the subset of the Anthropic SDK client used for
// health polling. Satisfied by *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the adapter.
type Options struct {
	Model string
}

// Adapter implements supervisor.Adapter against the Anthropic Messages API.
type Adapter struct {
	msg   MessagesClient
	model string
}

// New builds an Adapter from an Anthropic Messages client.
func New(msg MessagesClient, opts Options) (*Adapter, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}
	return &Adapter{msg: msg, model: opts.Model}, nil
}

// NewFromAPIKey constructs an Adapter using the default Anthropic HTTP
// client configured from an API key.
func NewFromAPIKey(apiKey, model string) (*Adapter, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Messages, Options{Model: model})
}

// ID implements supervisor.Adapter.
func (a *Adapter) ID() string { return "anthropic" }

// Launch implements supervisor.Adapter. The Anthropic API has no process to
// start; launch always succeeds once the adapter is constructed.
func (a *Adapter) Launch(ctx context.Context, d supervisor.Descriptor) error { return nil }

// Shutdown implements supervisor.Adapter; nothing to tear down.
func (a *Adapter) Shutdown(ctx context.Context, d supervisor.Descriptor) error { return nil }

// Ping issues a minimal Messages.New call and reports the round-trip
// latency as the health signal.
func (a *Adapter) Ping(ctx context.Context, d supervisor.Descriptor) (supervisor.HealthReport, error) {
	start := time.Now()
	_, err := a.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: 1,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock("ping")),
		},
	})
	latency := time.Since(start)
	if err != nil {
		return supervisor.HealthReport{State: supervisor.StateError, Detail: err.Error(), LatencyMS: latency.Milliseconds()}, err
	}
	return supervisor.HealthReport{State: supervisor.StateReady, Detail: "ok", LatencyMS: latency.Milliseconds()}, nil
}
