// Package openai adapts the OpenAI Chat Completions API to
// supervisor.Adapter, generalized from a completion-API client wrapper to a
// runtime health/lifecycle adapter: Ping issues a minimal one-token chat
// completion to confirm the API key and model are reachable.
package openai

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/arw-run/arw/internal/supervisor"
)

// ChatClient captures the subset of the OpenAI client used for health
// polling. Satisfied by *openai.ChatCompletionService.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures the adapter.
type Options struct {
	Model string
}

// Adapter implements supervisor.Adapter against the OpenAI Chat
// Completions API.
type Adapter struct {
	chat  ChatClient
	model string
}

// New builds an Adapter from an OpenAI chat-completions client.
func New(chat ChatClient, opts Options) (*Adapter, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("openai: model identifier is required")
	}
	return &Adapter{chat: chat, model: opts.Model}, nil
}

// NewFromAPIKey constructs an Adapter using the default OpenAI HTTP client
// configured from an API key.
func NewFromAPIKey(apiKey, model string) (*Adapter, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Chat.Completions, Options{Model: model})
}

// ID implements supervisor.Adapter.
func (a *Adapter) ID() string { return "openai" }

// Launch implements supervisor.Adapter; the OpenAI API has no process to
// start.
func (a *Adapter) Launch(ctx context.Context, d supervisor.Descriptor) error { return nil }

// Shutdown implements supervisor.Adapter; nothing to tear down.
func (a *Adapter) Shutdown(ctx context.Context, d supervisor.Descriptor) error { return nil }

// Ping issues a minimal chat completion and reports round-trip latency as
// the health signal.
func (a *Adapter) Ping(ctx context.Context, d supervisor.Descriptor) (supervisor.HealthReport, error) {
	start := time.Now()
	_, err := a.chat.New(ctx, openai.ChatCompletionNewParams{
		Model:     a.model,
		MaxTokens: openai.Int(1),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage("ping"),
		},
	})
	latency := time.Since(start)
	if err != nil {
		return supervisor.HealthReport{State: supervisor.StateError, Detail: err.Error(), LatencyMS: latency.Milliseconds()}, err
	}
	return supervisor.HealthReport{State: supervisor.StateReady, Detail: "ok", LatencyMS: latency.Milliseconds()}, nil
}
