// Package egress implements the Egress Posture Engine: posture presets,
// allowlist/suffix normalization, JSON-Schema-validated PATCH merges, and
// atomic flag toggling with a persisted snapshot history. Grounded on
// internal/policygate's compile-once jsonschema.Schema pattern (itself
// grounded on registry/service.go#validatePayloadJSONAgainstSchema) and on
// internal/kernel's ConfigSnapshot history as the persistence layer.
package egress

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/arw-run/arw/internal/apierr"
	"github.com/arw-run/arw/internal/bus"
	"github.com/arw-run/arw/internal/kernel"
)

// Posture is a named egress preset.
type Posture string

const (
	PosturePublic   Posture = "public"
	PostureStandard Posture = "standard"
	PostureStrict   Posture = "strict"
	PostureCustom   Posture = "custom"
)

// Settings is the effective egress configuration.
type Settings struct {
	Posture        Posture  `json:"posture"`
	Allowlist      []string `json:"allowlist"`
	Suffixes       []string `json:"suffixes"`
	BlockIPLiterals bool    `json:"block_ip_literals"`
	DNSGuardEnable bool     `json:"dns_guard_enable"`
	ProxyEnable    bool     `json:"proxy_enable"`
	LedgerEnable   bool     `json:"ledger_enable"`
	ProxyPort      int      `json:"proxy_port"`
}

// Patch is a partial update; nil fields are left untouched, and a nil
// Posture leaves the current posture unchanged (its presence is what
// triggers default-adoption for unset flags).
type Patch struct {
	Posture         *Posture  `json:"posture,omitempty"`
	Allowlist       *[]string `json:"allowlist,omitempty"`
	Suffixes        *[]string `json:"suffixes,omitempty"`
	BlockIPLiterals *bool     `json:"block_ip_literals,omitempty"`
	DNSGuardEnable  *bool     `json:"dns_guard_enable,omitempty"`
	ProxyEnable     *bool     `json:"proxy_enable,omitempty"`
	LedgerEnable    *bool     `json:"ledger_enable,omitempty"`
	ProxyPort       *int      `json:"proxy_port,omitempty"`
}

// postureDefaults returns the documented defaults for a given posture.
func postureDefaults(p Posture) Settings {
	switch p {
	case PosturePublic:
		return Settings{Posture: p, BlockIPLiterals: false, DNSGuardEnable: false, ProxyEnable: false, LedgerEnable: true, ProxyPort: 0}
	case PostureStrict:
		return Settings{Posture: p, BlockIPLiterals: true, DNSGuardEnable: true, ProxyEnable: true, LedgerEnable: true, ProxyPort: 9908}
	case PostureCustom:
		return Settings{Posture: p, BlockIPLiterals: true, DNSGuardEnable: true, ProxyEnable: false, LedgerEnable: true, ProxyPort: 9908}
	default: // standard
		return Settings{Posture: PostureStandard, BlockIPLiterals: true, DNSGuardEnable: true, ProxyEnable: false, LedgerEnable: true, ProxyPort: 9908}
	}
}

// Publisher is the subset of bus.Bus the Engine needs.
type Publisher interface {
	Publish(env bus.Envelope)
}

// Engine owns the effective egress configuration and its snapshot history.
type Engine struct {
	mu       sync.RWMutex
	current  Settings
	schema   *jsonschema.Schema
	kernel   *kernel.Kernel
	pub      Publisher
	now      func() time.Time
}

// schemaSource is the JSON Schema used to validate a merged Settings value.
const schemaSource = `{
  "type": "object",
  "required": ["posture"],
  "properties": {
    "posture": {"type": "string", "enum": ["public", "standard", "strict", "custom"]},
    "allowlist": {"type": "array", "items": {"type": "string"}},
    "suffixes": {"type": "array", "items": {"type": "string"}},
    "block_ip_literals": {"type": "boolean"},
    "dns_guard_enable": {"type": "boolean"},
    "proxy_enable": {"type": "boolean"},
    "ledger_enable": {"type": "boolean"},
    "proxy_port": {"type": "integer", "minimum": 0, "maximum": 65535}
  }
}`

// New constructs an Engine seeded with the standard posture's defaults.
func New(k *kernel.Kernel, pub Publisher) (*Engine, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("egress-settings.json", mustDecodeSchema()); err != nil {
		return nil, fmt.Errorf("egress: add schema resource: %w", err)
	}
	schema, err := c.Compile("egress-settings.json")
	if err != nil {
		return nil, fmt.Errorf("egress: compile schema: %w", err)
	}
	return &Engine{
		current: postureDefaults(PostureStandard),
		schema:  schema,
		kernel:  k,
		pub:     pub,
		now:     time.Now,
	}, nil
}

func mustDecodeSchema() any {
	var v any
	if err := json.Unmarshal([]byte(schemaSource), &v); err != nil {
		panic(err)
	}
	return v
}

// Effective returns a copy of the currently effective settings.
func (e *Engine) Effective() Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// Apply validates and merges patch into the effective settings, persists a
// snapshot, atomically swaps the effective config, and publishes
// egress.settings.updated.
func (e *Engine) Apply(ctx context.Context, patch Patch) (Settings, error) {
	e.mu.Lock()
	base := e.current
	merged := base

	postureChanged := patch.Posture != nil && *patch.Posture != base.Posture
	if patch.Posture != nil {
		merged.Posture = *patch.Posture
	}
	if postureChanged {
		defaults := postureDefaults(merged.Posture)
		if patch.BlockIPLiterals == nil {
			merged.BlockIPLiterals = defaults.BlockIPLiterals
		}
		if patch.DNSGuardEnable == nil {
			merged.DNSGuardEnable = defaults.DNSGuardEnable
		}
		if patch.ProxyEnable == nil {
			merged.ProxyEnable = defaults.ProxyEnable
		}
		if patch.LedgerEnable == nil {
			merged.LedgerEnable = defaults.LedgerEnable
		}
		if patch.ProxyPort == nil {
			merged.ProxyPort = defaults.ProxyPort
		}
	}
	if patch.BlockIPLiterals != nil {
		merged.BlockIPLiterals = *patch.BlockIPLiterals
	}
	if patch.DNSGuardEnable != nil {
		merged.DNSGuardEnable = *patch.DNSGuardEnable
	}
	if patch.ProxyEnable != nil {
		merged.ProxyEnable = *patch.ProxyEnable
	}
	if patch.LedgerEnable != nil {
		merged.LedgerEnable = *patch.LedgerEnable
	}
	if patch.ProxyPort != nil {
		merged.ProxyPort = *patch.ProxyPort
	}
	if patch.Allowlist != nil {
		merged.Allowlist = normalizeAllowlist(*patch.Allowlist)
	}
	if patch.Suffixes != nil {
		normalized, err := normalizeSuffixes(*patch.Suffixes)
		if err != nil {
			e.mu.Unlock()
			return Settings{}, apierr.New(apierr.KindInvalidArgument, "invalid suffix").
				WithFieldErrors(apierr.FieldError{Path: "$/suffixes", Detail: err.Error()})
		}
		merged.Suffixes = normalized
	}
	e.mu.Unlock()

	if err := e.validate(merged); err != nil {
		return Settings{}, err
	}

	e.mu.Lock()
	e.current = merged
	e.mu.Unlock()

	if e.kernel != nil {
		payload, _ := json.Marshal(merged)
		_, _ = e.kernel.InsertConfigSnapshot(ctx, payload)
	}
	e.publish(merged)

	return merged, nil
}

func (e *Engine) validate(s Settings) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return apierr.New(apierr.KindInternal, "marshal settings for validation")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return apierr.New(apierr.KindInternal, "decode settings for validation")
	}
	if err := e.schema.Validate(v); err != nil {
		return apierr.New(apierr.KindInvalidArgument, "egress settings failed validation").WithCause(err)
	}
	return nil
}

func (e *Engine) publish(s Settings) {
	if e.pub == nil {
		return
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return
	}
	e.pub.Publish(bus.Envelope{Kind: "egress.settings.updated", Publisher: "egress", Time: e.now(), Payload: raw})
}

// normalizeAllowlist trims whitespace and drops empty entries.
func normalizeAllowlist(in []string) []string {
	out := make([]string, 0, len(in))
	for _, h := range in {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// normalizeSuffixes parses dotted multi-label suffixes: one leading dot is
// stripped, and an entry left with an empty label (e.g. "a..b" or a
// trailing dot) is rejected.
func normalizeSuffixes(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, raw := range in {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		s = strings.TrimPrefix(s, ".")
		labels := strings.Split(s, ".")
		for _, label := range labels {
			if label == "" {
				return nil, fmt.Errorf("invalid suffix %q: empty label", raw)
			}
		}
		out = append(out, strings.Join(labels, "."))
	}
	sort.Strings(out)
	return out, nil
}
