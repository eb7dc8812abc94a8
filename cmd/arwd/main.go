// Command arwd runs the ARW runtime: the Kernel/Bus/Observer facades, the
// policy gate, working-set assembler and coverage loop, the orchestrator
// queue and its worker, the runtime supervisor with its model adapters, the
// egress posture engine, the autonomy ledger, the economy ledger, project
// snapshots, and the HTTP/SSE admin surface that fronts all of them.
//
// # Configuration
//
// Environment variables (see internal/config for the full list and
// defaults): ARW_STATE_DIR, ARW_ADMIN_TOKEN, ARW_ADMIN_RATE_LIMIT,
// ARW_NET_POSTURE, ARW_KERNEL_ENABLE, and model-adapter credentials
// (ANTHROPIC_API_KEY, OPENAI_API_KEY, AWS credentials for Bedrock).
//
// Additional process-only variables:
//
//	ARWD_HTTP_ADDR        - HTTP listen address (default ":8877")
//	ARWD_ENV_FILE         - optional .env file loaded before startup
//	ARWD_OVERLAY_FILE     - optional YAML config overlay
//	ARWD_ORCHESTRATOR_BACKEND - "inmem" (default) or "temporal"
//	ARWD_TEMPORAL_HOST_PORT   - Temporal frontend address when using the
//	                            temporal backend (default "localhost:7233")
//	ARWD_TEMPORAL_TASK_QUEUE  - Temporal task queue name (default "arw-jobs")
//	ARWD_ANTHROPIC_MODEL      - model id for the Anthropic adapter
//	ARWD_OPENAI_MODEL         - model id for the OpenAI adapter
//	ARWD_BEDROCK_MODEL        - model id for the Bedrock adapter
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	temporalclient "go.temporal.io/sdk/client"
	"goa.design/clue/log"

	"github.com/arw-run/arw/internal/assembler"
	"github.com/arw-run/arw/internal/autonomy"
	"github.com/arw-run/arw/internal/bus"
	"github.com/arw-run/arw/internal/config"
	"github.com/arw-run/arw/internal/coverage"
	"github.com/arw-run/arw/internal/economy"
	"github.com/arw-run/arw/internal/egress"
	"github.com/arw-run/arw/internal/httpapi"
	"github.com/arw-run/arw/internal/kernel"
	"github.com/arw-run/arw/internal/observer"
	"github.com/arw-run/arw/internal/orchestrator"
	"github.com/arw-run/arw/internal/orchestrator/engine"
	"github.com/arw-run/arw/internal/orchestrator/engine/inmem"
	"github.com/arw-run/arw/internal/orchestrator/engine/temporal"
	"github.com/arw-run/arw/internal/policygate"
	"github.com/arw-run/arw/internal/ratelimit"
	"github.com/arw-run/arw/internal/supervisor"
	"github.com/arw-run/arw/internal/supervisor/adapter/anthropic"
	"github.com/arw-run/arw/internal/supervisor/adapter/bedrock"
	"github.com/arw-run/arw/internal/supervisor/adapter/openai"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	if err := run(ctx); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(envOr("ARWD_ENV_FILE", ""), envOr("ARWD_OVERLAY_FILE", ""))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
	}

	eventBus := bus.New(1024)
	obs := observer.New(cfg.ObserverDebounce, nil)
	proj := observer.NewProjector(obs, 0)
	go proj.Run(eventBus.Subscribe())

	k := kernel.New(cfg.KernelEnable)

	gate, err := policygate.New(k, nil)
	if err != nil {
		return fmt.Errorf("build policy gate: %w", err)
	}

	asm := assembler.New(k)
	covLoop := coverage.New(asm)

	eg, err := egress.New(k, eventBus)
	if err != nil {
		return fmt.Errorf("build egress engine: %w", err)
	}
	if cfg.NetPosture != "" {
		posture := egress.Posture(cfg.NetPosture)
		patch := egress.Patch{Posture: &posture}
		if len(cfg.NetAllowlist) > 0 {
			patch.Allowlist = &cfg.NetAllowlist
		}
		if _, err := eg.Apply(ctx, patch); err != nil {
			return fmt.Errorf("apply configured net posture: %w", err)
		}
	}

	ledger, err := autonomy.LoadLedger(filepath.Join(cfg.StateDir, "autonomy", "lanes.json"), cfg.EngagementHalfLife, cfg.EngagementGraceWindow, cfg.EngagementStaleAfter, eventBus)
	if err != nil {
		return fmt.Errorf("load autonomy ledger: %w", err)
	}

	econ, err := economy.LoadLedger(filepath.Join(cfg.StateDir, "economy", "ledger.json"), eventBus)
	if err != nil {
		return fmt.Errorf("load economy ledger: %w", err)
	}

	sup := supervisor.New(eventBus, cfg.HealthPollInterval, cfg.HealthPollGrace)
	registerModelAdapters(ctx, sup)

	budgetSweep, err := sup.StartBudgetResetSweep(envOr("ARWD_BUDGET_SWEEP_CRON", "@every 30s"))
	if err != nil {
		return fmt.Errorf("start restart-budget sweep: %w", err)
	}
	defer budgetSweep.Stop()

	backend, err := buildEngineBackend(ctx)
	if err != nil {
		return fmt.Errorf("build orchestrator backend: %w", err)
	}
	registerJobHandlers(backend, asm, covLoop, gate)

	queue := orchestrator.New(0, time.Minute)
	worker := orchestrator.NewWorker(queue, backend, 0, 0)

	limiter := ratelimit.New(ratelimit.Config{Max: cfg.AdminRateLimit, Window: cfg.AdminRateWindow})

	httpServer := &http.Server{
		Addr: envOr("ARWD_HTTP_ADDR", ":8877"),
		Handler: httpapi.NewRouter(&httpapi.Server{
			Observer:            obs,
			Bus:                 eventBus,
			Queue:               queue,
			Egress:              eg,
			Supervisor:          sup,
			Autonomy:            ledger,
			Economy:             econ,
			ProjectsRoot:        envOr("ARWD_PROJECTS_DIR", filepath.Join(cfg.StateDir, "projects")),
			RateLimiter:         limiter,
			AdminToken:          cfg.AdminToken,
			TrustForwardHdrs:    cfg.TrustForwardHdrs,
			SSEHandshakeTimeout: cfg.SSEHandshakeTimeout,
		}),
		ReadHeaderTimeout: 60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(runCtx)
	}()

	bundleDir := envOr("ARWD_RUNTIME_BUNDLE_DIR", filepath.Join(cfg.StateDir, "runtimes"))
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		log.Printf(ctx, "runtime bundle dir %q: %v", bundleDir, err)
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sup.WatchBundleDir(runCtx, bundleDir, loadRuntimeBundles); err != nil {
				log.Printf(ctx, "runtime bundle watch: %v", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sweepTicker := time.NewTicker(time.Second)
		defer sweepTicker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-sweepTicker.C:
				queue.Sweep(runCtx)
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf(ctx, "HTTP admin surface listening on %q", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf(ctx, "http server shutdown: %v", err)
	}

	wg.Wait()
	log.Printf(ctx, "exited")
	return nil
}

// registerModelAdapters wires the anthropic/openai/bedrock adapters whose
// credentials are present in the environment; an adapter whose API key (or,
// for Bedrock, default AWS credential chain) is absent is simply skipped,
// since the runtime supervisor only needs adapters for runtimes an operator
// actually installs.
func registerModelAdapters(ctx context.Context, sup *supervisor.Supervisor) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		a, err := anthropic.NewFromAPIKey(key, envOr("ARWD_ANTHROPIC_MODEL", "claude-sonnet-4-20250514"))
		if err != nil {
			log.Printf(ctx, "anthropic adapter: %v", err)
		} else {
			sup.RegisterAdapter(a)
		}
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		a, err := openai.NewFromAPIKey(key, envOr("ARWD_OPENAI_MODEL", "gpt-4o-mini"))
		if err != nil {
			log.Printf(ctx, "openai adapter: %v", err)
		} else {
			sup.RegisterAdapter(a)
		}
	}

	if awsCfg, err := awsconfig.LoadDefaultConfig(ctx); err == nil {
		a, err := bedrock.New(bedrockruntime.NewFromConfig(awsCfg), bedrock.Options{Model: envOr("ARWD_BEDROCK_MODEL", "anthropic.claude-3-haiku-20240307-v1:0")})
		if err != nil {
			log.Printf(ctx, "bedrock adapter: %v", err)
		} else {
			sup.RegisterAdapter(a)
		}
	}
}

// buildEngineBackend selects the orchestrator dispatch backend. The
// in-memory backend (default) runs handlers inline in the worker's
// goroutine; the temporal backend durably executes each job as a workflow,
// selected via ARWD_ORCHESTRATOR_BACKEND=temporal for deployments that need
// crash-safe retries across process restarts.
func buildEngineBackend(ctx context.Context) (engine.Backend, error) {
	if envOr("ARWD_ORCHESTRATOR_BACKEND", "inmem") != "temporal" {
		return inmem.New(), nil
	}

	c, err := temporalclient.Dial(temporalclient.Options{HostPort: envOr("ARWD_TEMPORAL_HOST_PORT", "localhost:7233")})
	if err != nil {
		return nil, fmt.Errorf("dial temporal: %w", err)
	}
	return temporal.New(temporal.Options{
		Client:      c,
		TaskQueue:   envOr("ARWD_TEMPORAL_TASK_QUEUE", "arw-jobs"),
		StartWorker: true,
	})
}

// registerJobHandlers wires the orchestrator job kinds this process knows
// how to execute. demo.echo exists for the triad smoke check; coverage.scan
// runs the coverage loop (up to 3 working-set assembly + assessment
// iterations) against the job's payload as an assembler.Spec.
func registerJobHandlers(backend engine.Backend, asm *assembler.Assembler, covLoop *coverage.Loop, gate *policygate.Gate) {
	_ = backend.RegisterHandler("demo.echo", func(ctx context.Context, req engine.Request) engine.Response {
		return engine.Response{OK: true, Result: req.Data}
	})

	_ = backend.RegisterHandler("policy.validate", func(ctx context.Context, req engine.Request) engine.Response {
		var in policygate.Input
		if err := remarshal(req.Data, &in); err != nil {
			return engine.Response{OK: false, Error: err.Error()}
		}
		envelope, err := gate.Validate(ctx, in)
		if err != nil {
			return engine.Response{OK: false, Error: err.Error()}
		}
		return engine.Response{OK: true, Result: envelope}
	})

	_ = backend.RegisterHandler("coverage.scan", func(ctx context.Context, req engine.Request) engine.Response {
		var spec assembler.Spec
		if err := remarshal(req.Data, &spec); err != nil {
			return engine.Response{OK: false, Error: err.Error()}
		}
		result, verdict, err := covLoop.Run(ctx, spec, 3, assembler.NoopObserver{}, coverage.NoopPublisher{})
		if err != nil {
			return engine.Response{OK: false, Error: err.Error()}
		}
		return engine.Response{OK: true, Result: map[string]any{"result": result, "verdict": verdict}}
	})
}

// remarshal round-trips a job's Data (decoded as generic JSON by the
// dispatch path) into a concrete struct via a JSON re-encode.
func remarshal(data, v any) error {
	if data == nil {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// runtimeBundleManifest is the on-disk shape of one runtime bundle file:
// the same fields accepted by POST /runtimes, minus AutoStart (bundles are
// always auto-started by the watcher that finds them).
type runtimeBundleManifest struct {
	ID          string            `json:"id"`
	AdapterID   string            `json:"adapter_id"`
	Name        string            `json:"name"`
	Profile     string            `json:"profile"`
	Accelerator string            `json:"accelerator"`
	Modalities  []string          `json:"modalities"`
	Tags        map[string]string `json:"tags"`
	RestartMax  int               `json:"restart_max"`
}

// loadRuntimeBundles reads every *.json manifest in dir into a
// ManagedRuntimeDefinition, keyed by its declared id. A manifest missing
// its id or adapter_id is skipped rather than failing the whole load, so
// one malformed bundle file doesn't block reconciliation of the rest.
func loadRuntimeBundles(dir string) (map[string]supervisor.ManagedRuntimeDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	out := make(map[string]supervisor.ManagedRuntimeDefinition, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var m runtimeBundleManifest
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		if m.ID == "" || m.AdapterID == "" {
			continue
		}

		def := supervisor.ManagedRuntimeDefinition{
			Descriptor: supervisor.Descriptor{
				ID:          m.ID,
				Adapter:     m.AdapterID,
				Name:        m.Name,
				Profile:     m.Profile,
				Modalities:  m.Modalities,
				Accelerator: m.Accelerator,
				Tags:        m.Tags,
			},
			AdapterID: m.AdapterID,
			AutoStart: true,
			Profile:   m.Profile,
			Source:    entry.Name(),
		}
		if m.RestartMax > 0 {
			def.Budget = supervisor.RestartBudget{Max: m.RestartMax, Remaining: m.RestartMax}
		}
		out[m.ID] = def
	}
	return out, nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
