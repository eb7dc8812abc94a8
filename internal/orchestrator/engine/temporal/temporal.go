// Package temporal adapts engine.Backend onto a Temporal worker/client pair,
// generalizing the registration/execution shape of
// runtime/agent/engine/temporal.Options down to a single generic
// "ARWRunJob" workflow that dispatches to the same locally-registered handler
// table the inmem backend uses, executed as a Temporal activity so jobs
// gain durable retries and visibility.
package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/arw-run/arw/internal/orchestrator/engine"
)

const (
	workflowName = "ARWRunJob"
	activityName = "ARWExecuteJob"
)

// Options configures the Temporal backend.
type Options struct {
	Client    client.Client
	TaskQueue string
	// StartWorker controls whether New starts a worker goroutine. Tests
	// that only exercise Execute against a pre-running worker should set
	// this false.
	StartWorker bool
}

// Backend dispatches jobs as Temporal workflow executions. The workflow
// runs a single activity that looks up the job kind's handler in the
// process-local registry, matching the inmem backend's dispatch table so
// the same RegisterHandler calls serve both backends.
type Backend struct {
	client    client.Client
	taskQueue string
	worker    worker.Worker

	mu       sync.RWMutex
	handlers map[string]engine.Handler
}

// New constructs a Temporal-backed Backend and, unless
// Options.StartWorker is false, starts a worker listening on TaskQueue.
func New(opts Options) (*Backend, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("temporal: Options.Client is required")
	}
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("temporal: Options.TaskQueue is required")
	}
	b := &Backend{
		client:    opts.Client,
		taskQueue: opts.TaskQueue,
		handlers:  make(map[string]engine.Handler),
	}

	w := worker.New(opts.Client, opts.TaskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(b.runJobWorkflow, workflow.RegisterOptions{Name: workflowName})
	w.RegisterActivityWithOptions(b.executeActivity, activity.RegisterOptions{Name: activityName})
	b.worker = w

	if opts.StartWorker {
		if err := w.Start(); err != nil {
			return nil, fmt.Errorf("temporal: start worker: %w", err)
		}
	}
	return b, nil
}

// RegisterHandler implements engine.Backend.
func (b *Backend) RegisterHandler(kind string, h engine.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[kind]; exists {
		return fmt.Errorf("temporal: handler for kind %q already registered", kind)
	}
	b.handlers[kind] = h
	return nil
}

// Execute starts the generic run-job workflow and blocks for its result,
// giving the job Temporal's durable retry and history semantics.
func (b *Backend) Execute(ctx context.Context, req engine.Request) (engine.Response, error) {
	run, err := b.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        "arw-job-" + req.JobID,
		TaskQueue: b.taskQueue,
	}, workflowName, req)
	if err != nil {
		return engine.Response{}, fmt.Errorf("temporal: start workflow: %w", err)
	}

	var resp engine.Response
	if err := run.Get(ctx, &resp); err != nil {
		return engine.Response{}, fmt.Errorf("temporal: await workflow: %w", err)
	}
	return resp, nil
}

// runJobWorkflow is registered once and dispatches every job kind through
// the single executeActivity, keeping workflow history shape stable across
// job kinds.
func (b *Backend) runJobWorkflow(ctx workflow.Context, req engine.Request) (engine.Response, error) {
	ctx = workflow.WithActivityOptions(ctx, activityOptions())
	var resp engine.Response
	err := workflow.ExecuteActivity(ctx, activityName, req).Get(ctx, &resp)
	return resp, err
}

func (b *Backend) executeActivity(ctx context.Context, req engine.Request) (engine.Response, error) {
	b.mu.RLock()
	h, ok := b.handlers[req.Kind]
	b.mu.RUnlock()
	if !ok {
		return engine.Response{}, fmt.Errorf("temporal: no handler registered for kind %q", req.Kind)
	}
	return h(ctx, req), nil
}

func activityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{StartToCloseTimeout: 5 * time.Minute}
}
