// Package supervisor implements the Runtime Supervisor & Adapter Registry:
// descriptor registration for externally managed runtimes, adapter-backed
// health polling, restart-budget accounting, and bundle-directory
// reconciliation. Grounded on registry/health_tracker.go's ping/pong
// staleness model, generalized from Pulse's distributed-ticker/multi-node
// shape to a single-node poller per descriptor wrapped in a circuit
// breaker so a wedged adapter cannot block the poll loop.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/arw-run/arw/internal/apierr"
	"github.com/arw-run/arw/internal/bus"
)

// State is a runtime's lifecycle state.
type State string

const (
	StateUnknown  State = "unknown"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateDegraded State = "degraded"
	StateError    State = "error"
	StateOffline  State = "offline"
)

// Severity is the derived alert level for a RuntimeStatus.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Descriptor identifies an externally managed runtime.
type Descriptor struct {
	ID          string
	Adapter     string
	Name        string
	Profile     string
	Modalities  []string
	Accelerator string
	Tags        map[string]string
}

// RestartBudget bounds how many times a runtime may be (re)launched within
// a rolling window before further launches are refused.
type RestartBudget struct {
	Window    time.Duration
	Max       int
	Remaining int
	resetAt   time.Time
}

// ManagedRuntimeDefinition is the install-time request: a descriptor bound
// to an adapter, with optional auto-start and restart budget.
type ManagedRuntimeDefinition struct {
	Descriptor Descriptor
	AdapterID  string
	AutoStart  bool
	Profile    string
	Source     string
	Budget     RestartBudget
}

// HealthReport is what an Adapter returns from a single Ping.
type HealthReport struct {
	State      State
	Detail     string
	LatencyMS  int64
	ErrorRate  float64
	SlowRoutes []string
}

// RuntimeStatus is the aggregated, externally visible state of a managed
// runtime.
type RuntimeStatus struct {
	ID            string
	State         State
	Severity      Severity
	Summary       string
	Detail        []string
	Health        *HealthReport
	RestartBudget *RestartBudget
	UpdatedAt     time.Time
}

// Adapter is implemented by each concrete runtime backend (anthropic,
// openai, bedrock, or a process/bundle adapter). Ping is polled on an
// interval; Launch/Shutdown manage the runtime's lifecycle.
type Adapter interface {
	ID() string
	Launch(ctx context.Context, d Descriptor) error
	Shutdown(ctx context.Context, d Descriptor) error
	Ping(ctx context.Context, d Descriptor) (HealthReport, error)
}

// Publisher is the subset of bus.Bus the supervisor needs to emit events.
type Publisher interface {
	Publish(env bus.Envelope)
}

const (
	defaultPollInterval = 5 * time.Second
	defaultPollGrace    = 15 * time.Second
	errorRateWarnBound  = 0.05
)

type runtimeEntry struct {
	def     ManagedRuntimeDefinition
	status  RuntimeStatus
	breaker *gobreaker.CircuitBreaker
	cancel  context.CancelFunc
}

// Supervisor owns the registry of managed runtimes and their adapters.
type Supervisor struct {
	mu           sync.RWMutex
	adapters     map[string]Adapter
	runtimes     map[string]*runtimeEntry
	pollInterval time.Duration
	pollGrace    time.Duration
	pub          Publisher
	now          func() time.Time
}

// New constructs a Supervisor. pollInterval/pollGrace of zero fall back to
// the documented defaults (5s / 15s).
func New(pub Publisher, pollInterval, pollGrace time.Duration) *Supervisor {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if pollGrace <= 0 {
		pollGrace = defaultPollGrace
	}
	return &Supervisor{
		adapters:     make(map[string]Adapter),
		runtimes:     make(map[string]*runtimeEntry),
		pollInterval: pollInterval,
		pollGrace:    pollGrace,
		pub:          pub,
		now:          time.Now,
	}
}

// RegisterAdapter makes an Adapter available for ManagedRuntimeDefinitions
// to reference by AdapterID.
func (s *Supervisor) RegisterAdapter(a Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapters[a.ID()] = a
}

// Install registers a runtime descriptor, merging tags if the descriptor
// already exists, and starts its poll loop (auto-starting the adapter if
// requested).
func (s *Supervisor) Install(ctx context.Context, def ManagedRuntimeDefinition) (RuntimeStatus, error) {
	s.mu.Lock()
	adapter, ok := s.adapters[def.AdapterID]
	if !ok {
		s.mu.Unlock()
		return RuntimeStatus{}, apierr.New(apierr.KindInvalidArgument, fmt.Sprintf("unknown adapter %q", def.AdapterID))
	}

	if existing, ok := s.runtimes[def.Descriptor.ID]; ok {
		mergeTags(existing.def.Descriptor.Tags, def.Descriptor.Tags)
		existing.def.AutoStart = def.AutoStart
		s.mu.Unlock()
		return existing.status, nil
	}

	if def.Budget.Max > 0 && def.Budget.Remaining == 0 {
		def.Budget.Remaining = def.Budget.Max
	}
	def.Budget.resetAt = s.now().Add(def.Budget.Window)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "runtime-health:" + def.Descriptor.ID,
		MaxRequests: 1,
		Timeout:     s.pollGrace,
	})
	entry := &runtimeEntry{
		def:     def,
		breaker: breaker,
		status: RuntimeStatus{
			ID:        def.Descriptor.ID,
			State:     StateUnknown,
			Severity:  SeverityInfo,
			Summary:   "registered",
			UpdatedAt: s.now(),
		},
	}
	s.runtimes[def.Descriptor.ID] = entry
	s.mu.Unlock()

	warnMissingConsent(def.Descriptor, s.pub)

	if def.AutoStart {
		if _, err := s.launchLocked(ctx, def.Descriptor.ID); err != nil {
			return RuntimeStatus{}, err
		}
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	entry.cancel = cancel
	s.mu.Unlock()
	go s.pollLoop(pollCtx, def.Descriptor.ID)

	return entry.status, nil
}

// Remove shuts down the adapter and purges the descriptor.
func (s *Supervisor) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	entry, ok := s.runtimes[id]
	if !ok {
		s.mu.Unlock()
		return apierr.New(apierr.KindNotFound, "runtime not registered")
	}
	adapter := s.adapters[entry.def.AdapterID]
	if entry.cancel != nil {
		entry.cancel()
	}
	delete(s.runtimes, id)
	s.mu.Unlock()

	if adapter != nil {
		return adapter.Shutdown(ctx, entry.def.Descriptor)
	}
	return nil
}

// Status returns the current aggregated status of a managed runtime.
func (s *Supervisor) Status(id string) (RuntimeStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.runtimes[id]
	if !ok {
		return RuntimeStatus{}, false
	}
	return entry.status, true
}

// List returns every managed runtime's status, sorted by ID.
func (s *Supervisor) List() []RuntimeStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RuntimeStatus, 0, len(s.runtimes))
	for _, e := range s.runtimes {
		out = append(out, e.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Launch requests a (re)launch of a runtime through its adapter, consuming
// one unit of its restart budget. Refused once the budget is exhausted
// within its rolling window.
func (s *Supervisor) Launch(ctx context.Context, id string) (RuntimeStatus, error) {
	return s.launchLocked(ctx, id)
}

func (s *Supervisor) launchLocked(ctx context.Context, id string) (RuntimeStatus, error) {
	s.mu.Lock()
	entry, ok := s.runtimes[id]
	if !ok {
		s.mu.Unlock()
		return RuntimeStatus{}, apierr.New(apierr.KindNotFound, "runtime not registered")
	}
	adapter := s.adapters[entry.def.AdapterID]

	now := s.now()
	if entry.def.Budget.Max > 0 {
		if now.After(entry.def.Budget.resetAt) {
			entry.def.Budget.Remaining = entry.def.Budget.Max
			entry.def.Budget.resetAt = now.Add(entry.def.Budget.Window)
		}
		if entry.def.Budget.Remaining <= 0 {
			s.mu.Unlock()
			s.publish("runtime.restart.exhausted", map[string]any{"id": id})
			return RuntimeStatus{}, apierr.New(apierr.KindUnavailable, "restart budget exhausted")
		}
		entry.def.Budget.Remaining--
	}
	entry.status.State = StateStarting
	entry.status.UpdatedAt = now
	s.mu.Unlock()

	if adapter == nil {
		return RuntimeStatus{}, apierr.New(apierr.KindInvalidArgument, "adapter not registered")
	}
	if err := adapter.Launch(ctx, entry.def.Descriptor); err != nil {
		s.mu.Lock()
		entry.status.State = StateError
		entry.status.Summary = err.Error()
		entry.status.UpdatedAt = s.now()
		s.mu.Unlock()
		return entry.status, err
	}

	s.mu.Lock()
	entry.status.State = StateReady
	entry.status.Summary = "launched"
	entry.status.UpdatedAt = s.now()
	budget := entry.def.Budget
	entry.status.RestartBudget = &budget
	status := entry.status
	s.mu.Unlock()
	return status, nil
}

// Reconcile computes the desired runtime set from a bundle store (id ->
// ManagedRuntimeDefinition) and installs/removes to match it.
func (s *Supervisor) Reconcile(ctx context.Context, desired map[string]ManagedRuntimeDefinition) error {
	s.mu.RLock()
	current := make(map[string]bool, len(s.runtimes))
	for id := range s.runtimes {
		current[id] = true
	}
	s.mu.RUnlock()

	for id, def := range desired {
		if !current[id] {
			if _, err := s.Install(ctx, def); err != nil {
				return err
			}
		}
	}
	for id := range current {
		if _, ok := desired[id]; !ok {
			if err := s.Remove(ctx, id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Supervisor) pollLoop(ctx context.Context, id string) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx, id)
		}
	}
}

func (s *Supervisor) poll(ctx context.Context, id string) {
	s.mu.RLock()
	entry, ok := s.runtimes[id]
	if !ok {
		s.mu.RUnlock()
		return
	}
	adapter := s.adapters[entry.def.AdapterID]
	breaker := entry.breaker
	descriptor := entry.def.Descriptor
	s.mu.RUnlock()
	if adapter == nil {
		return
	}

	result, err := breaker.Execute(func() (any, error) {
		pctx, cancel := context.WithTimeout(ctx, s.pollGrace)
		defer cancel()
		return adapter.Ping(pctx, descriptor)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	prevState := entry.status.State
	if err != nil {
		entry.status.State = StateError
		entry.status.Summary = err.Error()
		entry.status.Health = nil
	} else {
		health := result.(HealthReport)
		entry.status.Health = &health
		entry.status.State = health.State
		entry.status.Summary = health.Detail
		entry.status.Detail = health.SlowRoutes
	}
	entry.status.Severity = severityFor(entry.status.State, entry.status.Health)
	entry.status.UpdatedAt = s.now()

	if prevState != StateError && entry.status.State == StateError {
		s.publish("runtime.status.degraded", map[string]any{"id": id, "summary": entry.status.Summary})
	}
}

func severityFor(state State, h *HealthReport) Severity {
	if state == StateError {
		return SeverityError
	}
	if state == StateDegraded {
		return SeverityWarn
	}
	if h != nil && h.ErrorRate > errorRateWarnBound {
		return SeverityWarn
	}
	return SeverityInfo
}

func (s *Supervisor) publish(kind string, payload any) {
	if s.pub == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.pub.Publish(bus.Envelope{Kind: kind, Publisher: "supervisor", Time: s.now(), Payload: raw})
}

func mergeTags(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}

// warnMissingConsent emits a warning (does not block registration) when a
// descriptor declares audio/vision modalities without consent tags.
func warnMissingConsent(d Descriptor, pub Publisher) {
	needsConsent := false
	for _, m := range d.Modalities {
		if m == "audio" || m == "vision" {
			needsConsent = true
			break
		}
	}
	if !needsConsent {
		return
	}
	if _, ok := d.Tags["consent.required"]; ok {
		return
	}
	if pub == nil {
		return
	}
	raw, err := json.Marshal(map[string]any{"id": d.ID, "modalities": d.Modalities})
	if err != nil {
		return
	}
	pub.Publish(bus.Envelope{Kind: "runtime.consent.missing", Publisher: "supervisor", Time: time.Now(), Payload: raw})
}
