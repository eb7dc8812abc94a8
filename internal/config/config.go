// Package config loads process-wide settings from environment variables
// (optionally layered on a .env file and a YAML overlay), validates them
// once at startup, and exposes a reset hook so tests can rebuild a clean
// Config without restarting the process.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable the runtime reads at startup. Fields mirror
// the ARW_* environment variables; all have defaults so a bare process
// start is valid.
type Config struct {
	StateDir string `validate:"required"`
	CacheDir string `validate:"required"`
	LogsDir  string `validate:"required"`

	AdminToken       string
	AdminTokenSHA256 string
	AdminRateLimit   int           `validate:"min=1"`
	AdminRateWindow  time.Duration `validate:"min=0"`
	TrustForwardHdrs bool

	Debug bool
	CSP   string
	CSPPreset string

	ContextDefaultLimit    int     `validate:"min=0"`
	ContextDefaultMinScore float64 `validate:"min=0,max=1"`
	ContextDiversityLambda float64 `validate:"min=0,max=1"`

	NetPosture    string `validate:"oneof=public standard strict custom"`
	NetAllowlist  []string
	RuntimeBundleSigners []string

	KernelEnable     bool
	CachePolicyFile  string
	SpecDir          string
	InterfacesDir    string

	// ObserverDebounce is the coalescing window before a read-model version
	// bump emits a publish notification.
	ObserverDebounce time.Duration `validate:"min=0"`

	// OutboundTimeout bounds every outbound HTTP call.
	OutboundTimeout time.Duration `validate:"min=0"`
	// SSEHandshakeTimeout bounds how long an SSE handshake may take before
	// the connection is dropped.
	SSEHandshakeTimeout time.Duration `validate:"min=0"`
	// HealthPollInterval and HealthPollGrace govern supervisor health polls.
	HealthPollInterval time.Duration `validate:"min=0"`
	HealthPollGrace    time.Duration `validate:"min=0"`

	// EngagementHalfLife and EngagementGraceWindow parameterize autonomy decay.
	EngagementHalfLife      time.Duration `validate:"min=0"`
	EngagementGraceWindow   time.Duration `validate:"min=0"`
	EngagementStaleAfter    time.Duration `validate:"min=0"`
}

var (
	mu      sync.Mutex
	current *Config
	loadedValidate = validator.New(validator.WithRequiredStructEnabled())
)

// defaults returns a Config populated with documented defaults, before
// environment overrides are applied.
func defaults() *Config {
	return &Config{
		StateDir: "./state",
		CacheDir: "./cache",
		LogsDir:  "./logs",

		AdminRateLimit:  60,
		AdminRateWindow: time.Minute,

		ContextDefaultLimit:    20,
		ContextDefaultMinScore: 0.5,
		ContextDiversityLambda: 0.5,

		NetPosture: "standard",

		KernelEnable: true,

		ObserverDebounce: 300 * time.Millisecond,

		OutboundTimeout:     10 * time.Second,
		SSEHandshakeTimeout: 6 * time.Second,
		HealthPollInterval:  5 * time.Second,
		HealthPollGrace:     15 * time.Second,

		EngagementHalfLife:    time.Hour,
		EngagementGraceWindow: time.Second,
		EngagementStaleAfter:  6 * time.Hour,
	}
}

// Overlay is the optional YAML shape merged on top of environment-derived
// defaults, for settings more naturally expressed as structured data than
// single env vars (e.g. allowlists).
type Overlay struct {
	NetAllowlist         []string `yaml:"net_allowlist"`
	RuntimeBundleSigners []string `yaml:"runtime_bundle_signers"`
}

// Load parses configuration once from the environment (optionally seeded
// by a .env file at envFile, if present) and an optional YAML overlay file,
// validates the result, and caches it as the process-wide Config. Call
// ResetForTest between test cases that need a fresh Config.
func Load(envFile, overlayFile string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("config: load env file: %w", err)
			}
		}
	}

	cfg := defaults()
	applyEnv(cfg)

	if overlayFile != "" {
		if data, err := os.ReadFile(overlayFile); err == nil {
			var ov Overlay
			if err := yaml.Unmarshal(data, &ov); err != nil {
				return nil, fmt.Errorf("config: parse overlay: %w", err)
			}
			if len(ov.NetAllowlist) > 0 {
				cfg.NetAllowlist = ov.NetAllowlist
			}
			if len(ov.RuntimeBundleSigners) > 0 {
				cfg.RuntimeBundleSigners = ov.RuntimeBundleSigners
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read overlay: %w", err)
		}
	}

	if err := loadedValidate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	current = cfg
	return cfg, nil
}

// Current returns the process-wide Config, loading defaults with no
// environment override if Load has not yet been called.
func Current() *Config {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		current = defaults()
		applyEnv(current)
	}
	return current
}

// ResetForTest clears the cached Config so the next Current/Load call
// rebuilds it from scratch. Tests should call this in a defer to avoid
// bleeding state between cases.
func ResetForTest() {
	mu.Lock()
	defer mu.Unlock()
	current = nil
}

func applyEnv(cfg *Config) {
	str(&cfg.StateDir, "ARW_STATE_DIR")
	str(&cfg.CacheDir, "ARW_CACHE_DIR")
	str(&cfg.LogsDir, "ARW_LOGS_DIR")
	str(&cfg.AdminToken, "ARW_ADMIN_TOKEN")
	str(&cfg.AdminTokenSHA256, "ARW_ADMIN_TOKEN_SHA256")
	intv(&cfg.AdminRateLimit, "ARW_ADMIN_RATE_LIMIT")
	secs(&cfg.AdminRateWindow, "ARW_ADMIN_RATE_WINDOW_SECS")
	boolv(&cfg.TrustForwardHdrs, "ARW_TRUST_FORWARD_HEADERS")
	boolv(&cfg.Debug, "ARW_DEBUG")
	str(&cfg.CSP, "ARW_CSP")
	str(&cfg.CSPPreset, "ARW_CSP_PRESET")

	floatv(&cfg.ContextDefaultMinScore, "ARW_CONTEXT_MIN_SCORE")
	intv(&cfg.ContextDefaultLimit, "ARW_CONTEXT_LIMIT")
	floatv(&cfg.ContextDiversityLambda, "ARW_CONTEXT_DIVERSITY_LAMBDA")

	str(&cfg.NetPosture, "ARW_NET_POSTURE")
	listv(&cfg.NetAllowlist, "ARW_NET_ALLOWLIST")
	listv(&cfg.RuntimeBundleSigners, "ARW_RUNTIME_BUNDLE_SIGNERS")

	boolv(&cfg.KernelEnable, "ARW_KERNEL_ENABLE")
	str(&cfg.CachePolicyFile, "ARW_CACHE_POLICY_FILE")
	str(&cfg.SpecDir, "ARW_SPEC_DIR")
	str(&cfg.InterfacesDir, "ARW_INTERFACES_DIR")
}

func str(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func boolv(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func intv(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func floatv(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func secs(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func listv(dst *[]string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if v == "" {
			*dst = nil
			return
		}
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		*dst = parts
	}
}
