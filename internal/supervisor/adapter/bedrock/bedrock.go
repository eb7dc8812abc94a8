// Package bedrock adapts the AWS Bedrock Converse API to
// supervisor.Adapter, generalized from features/model/bedrock.Client's
// RuntimeClient (a completion-API wrapper) to a runtime health/lifecycle
// adapter: Ping issues a minimal one-token Converse call to confirm
// credentials and model availability.
package bedrock

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/arw-run/arw/internal/supervisor"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client used
// for health polling. Satisfied by *bedrockruntime.Client.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the adapter.
type Options struct {
	Model string
}

// Adapter implements supervisor.Adapter against AWS Bedrock Converse.
type Adapter struct {
	runtime RuntimeClient
	model   string
}

// New builds an Adapter from a Bedrock runtime client.
func New(runtime RuntimeClient, opts Options) (*Adapter, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("bedrock: model identifier is required")
	}
	return &Adapter{runtime: runtime, model: opts.Model}, nil
}

// ID implements supervisor.Adapter.
func (a *Adapter) ID() string { return "bedrock" }

// Launch implements supervisor.Adapter; Bedrock is a managed API with no
// process to start.
func (a *Adapter) Launch(ctx context.Context, d supervisor.Descriptor) error { return nil }

// Shutdown implements supervisor.Adapter; nothing to tear down.
func (a *Adapter) Shutdown(ctx context.Context, d supervisor.Descriptor) error { return nil }

// Ping issues a minimal Converse call and reports round-trip latency as the
// health signal.
func (a *Adapter) Ping(ctx context.Context, d supervisor.Descriptor) (supervisor.HealthReport, error) {
	start := time.Now()
	_, err := a.runtime.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(a.model),
		Messages: []brtypes.Message{
			{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: "ping"}},
			},
		},
		InferenceConfig: &brtypes.InferenceConfiguration{MaxTokens: aws.Int32(1)},
	})
	latency := time.Since(start)
	if err != nil {
		return supervisor.HealthReport{State: supervisor.StateError, Detail: err.Error(), LatencyMS: latency.Milliseconds()}, err
	}
	return supervisor.HealthReport{State: supervisor.StateReady, Detail: "ok", LatencyMS: latency.Milliseconds()}, nil
}
