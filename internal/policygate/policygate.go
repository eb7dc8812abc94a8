// Package policygate validates agent messages and tool invocations against
// compiled-once JSON Schemas and enforces lease/capability semantics. The
// compile-once-reuse pattern follows registry/service.go's
// validatePayloadJSONAgainstSchema, generalized to precompile at
// construction rather than per call; capability-alias matching follows the
// Engine.Decide(Input) Decision shape used by the policy engines in the
// wider agent-runtime pack.
package policygate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/arw-run/arw/internal/apierr"
	"github.com/arw-run/arw/internal/kernel"
)

// PolicyScope is the declared scope of an agent message or tool
// invocation: the leases it claims and the capabilities it needs.
type PolicyScope struct {
	Leases       []string `json:"leases"`
	Capabilities []string `json:"capabilities"`
}

// Sandbox describes sandboxing requirements declared by a tool invocation.
type Sandbox struct {
	NeedsNetwork bool `json:"needs_network"`
}

// Input is a payload submitted for policy validation, generalizing both
// agent messages and tool invocations behind one gate.
type Input struct {
	PayloadKind         string          `json:"payload_kind"`
	Payload             json.RawMessage `json:"payload"`
	PolicyScope         PolicyScope     `json:"policy_scope"`
	Sandbox             *Sandbox        `json:"sandbox,omitempty"`
	RequiresHumanReview bool            `json:"requires_human_review,omitempty"`
	ValidationStatus    string          `json:"status,omitempty"`
}

// ValidatedEnvelope is the gate's output: the input's payload kind, an
// ordered snapshot of the leases it resolved against, and the resulting
// lifecycle.
type ValidatedEnvelope struct {
	PayloadKind    string          `json:"payload_kind"`
	Leases         []kernel.Lease  `json:"leases"`
	Lifecycle      string          `json:"lifecycle"`
	ValidationGate string          `json:"validation_gate,omitempty"`
}

const (
	LifecyclePending            = "pending"
	LifecycleAccepted           = "accepted"
	LifecyclePendingHumanReview = "pending_human_review"
	LifecycleBlocked            = "blocked"
)

// capabilityAliases encodes the hierarchy/alias rules: a granted capability
// on the left covers every declared capability it lists on the right. Both
// the agent-message and tool-invocation validation paths call
// CapabilityCovered so aliasing stays identical across both.
var capabilityAliases = map[string][]string{
	"net:*":     {"io:egress"},
	"io:*":      {"io:egress", "io:ingress"},
	"context:*": {"context:read", "context:write"},
	"io:egress": {"net:*", "net:http"},
}

// CapabilityCovered reports whether a granted capability covers a declared
// one, honoring exact match and the alias table above.
func CapabilityCovered(granted, declared string) bool {
	if granted == declared {
		return true
	}
	for _, covered := range capabilityAliases[granted] {
		if covered == declared {
			return true
		}
	}
	return false
}

// Gate validates inputs against precompiled JSON Schemas and lease state.
type Gate struct {
	schemas map[string]*jsonschema.Schema
	kernel  *kernel.Kernel
	now     func() time.Time
}

// New compiles the given named Draft-7 schemas once and returns a Gate
// backed by k for lease lookups. now defaults to time.Now.
func New(k *kernel.Kernel, schemas map[string]json.RawMessage) (*Gate, error) {
	compiled := make(map[string]*jsonschema.Schema, len(schemas))
	for name, raw := range schemas {
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("policygate: unmarshal schema %q: %w", name, err)
		}
		c := jsonschema.NewCompiler()
		resource := name + ".json"
		if err := c.AddResource(resource, doc); err != nil {
			return nil, fmt.Errorf("policygate: add schema resource %q: %w", name, err)
		}
		schema, err := c.Compile(resource)
		if err != nil {
			return nil, fmt.Errorf("policygate: compile schema %q: %w", name, err)
		}
		compiled[name] = schema
	}
	return &Gate{schemas: compiled, kernel: k, now: time.Now}, nil
}

// Validate runs schema validation (if a schema is registered for
// in.PayloadKind) followed by lease/capability semantic checks.
func (g *Gate) Validate(ctx context.Context, in Input) (ValidatedEnvelope, error) {
	if err := g.validateSchema(in); err != nil {
		return ValidatedEnvelope{}, err
	}

	if len(in.PolicyScope.Leases) == 0 {
		return ValidatedEnvelope{}, apierr.New(apierr.KindInvalidArgument, "policy_scope.leases must be non-empty")
	}
	if dup := firstDuplicate(in.PolicyScope.Leases); dup != "" {
		return ValidatedEnvelope{}, apierr.Newf(apierr.KindInvalidArgument, "duplicate lease %q in policy_scope.leases", dup)
	}

	leases, err := g.resolveLeases(ctx, in.PolicyScope.Leases)
	if err != nil {
		return ValidatedEnvelope{}, err
	}

	needed := append([]string(nil), in.PolicyScope.Capabilities...)
	if in.Sandbox != nil && in.Sandbox.NeedsNetwork {
		needed = append(needed, "io:egress")
	}
	for _, declared := range needed {
		if !capabilityGranted(leases, declared) {
			return ValidatedEnvelope{}, apierr.Newf(apierr.KindForbidden, "missing_capability{%s}", declared)
		}
	}

	lifecycle := LifecycleAccepted
	validationGate := ""
	if in.RequiresHumanReview {
		lifecycle = LifecyclePendingHumanReview
	}
	if in.ValidationStatus == "blocked" {
		lifecycle = LifecycleBlocked
		validationGate = "rejected"
	}

	return ValidatedEnvelope{
		PayloadKind:    in.PayloadKind,
		Leases:         leases,
		Lifecycle:      lifecycle,
		ValidationGate: validationGate,
	}, nil
}

func (g *Gate) validateSchema(in Input) error {
	schema, ok := g.schemas[in.PayloadKind]
	if !ok || len(in.Payload) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(in.Payload, &doc); err != nil {
		return apierr.New(apierr.KindInvalidArgument, "payload is not valid JSON").WithCause(err)
	}
	if err := schema.Validate(doc); err != nil {
		return schemaValidationError(err)
	}
	return nil
}

// schemaValidationError converts a jsonschema validation failure into an
// apierr carrying the instance path of each violation.
func schemaValidationError(err error) error {
	apiErr := apierr.New(apierr.KindInvalidArgument, "schema validation failed").WithCause(err)
	var verr *jsonschema.ValidationError
	if asValidationError(err, &verr) {
		for _, cause := range flattenCauses(verr) {
			path := "$"
			if len(cause.InstanceLocation) > 0 {
				path = "$/" + strings.Join(cause.InstanceLocation, "/")
			}
			apiErr = apiErr.WithFieldErrors(apierr.FieldError{Path: path, Detail: cause.Error()})
		}
	}
	return apiErr
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return false
	}
	*target = ve
	return true
}

func flattenCauses(v *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if v == nil {
		return nil
	}
	if len(v.Causes) == 0 {
		return []*jsonschema.ValidationError{v}
	}
	var out []*jsonschema.ValidationError
	for _, c := range v.Causes {
		out = append(out, flattenCauses(c)...)
	}
	return out
}

func (g *Gate) resolveLeases(ctx context.Context, ids []string) ([]kernel.Lease, error) {
	all, err := g.kernel.ListLeases(ctx, 0)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]kernel.Lease, len(all))
	for _, l := range all {
		byID[l.ID] = l
	}

	now := g.now()
	out := make([]kernel.Lease, 0, len(ids))
	for _, id := range ids {
		lease, ok := byID[id]
		if !ok {
			return nil, apierr.Newf(apierr.KindForbidden, "missing_lease{%s}", id)
		}
		if !lease.TTLUntil.After(now) {
			return nil, apierr.Newf(apierr.KindForbidden, "expired_lease{%s, %s}", id, lease.TTLUntil.Format(time.RFC3339))
		}
		out = append(out, lease)
	}
	return out, nil
}

func capabilityGranted(leases []kernel.Lease, declared string) bool {
	for _, l := range leases {
		for _, granted := range l.Capabilities {
			if CapabilityCovered(granted, declared) {
				return true
			}
		}
	}
	return false
}

func firstDuplicate(items []string) string {
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if _, ok := seen[it]; ok {
			return it
		}
		seen[it] = struct{}{}
	}
	return ""
}
