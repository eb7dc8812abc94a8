// Package inmem provides an in-process engine.Backend that dispatches jobs
// to locally-registered handlers, in the shape of
// runtime/agent/engine/inmem.eng generalized from durable workflow
// execution down to a synchronous per-kind handler map.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/arw-run/arw/internal/orchestrator/engine"
)

// Backend executes jobs by invoking a handler registered for the job's
// kind, entirely within the calling process.
type Backend struct {
	mu       sync.RWMutex
	handlers map[string]engine.Handler
}

// New constructs an empty in-memory Backend.
func New() *Backend {
	return &Backend{handlers: make(map[string]engine.Handler)}
}

// RegisterHandler implements engine.Backend.
func (b *Backend) RegisterHandler(kind string, h engine.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[kind]; exists {
		return fmt.Errorf("inmem: handler for kind %q already registered", kind)
	}
	b.handlers[kind] = h
	return nil
}

// Execute implements engine.Backend.
func (b *Backend) Execute(ctx context.Context, req engine.Request) (engine.Response, error) {
	b.mu.RLock()
	h, ok := b.handlers[req.Kind]
	b.mu.RUnlock()
	if !ok {
		return engine.Response{}, fmt.Errorf("inmem: no handler registered for kind %q", req.Kind)
	}
	return h(ctx, req), nil
}
