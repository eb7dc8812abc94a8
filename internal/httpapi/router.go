// Package httpapi hand-rolls the HTTP/SSE transport surface on
// github.com/go-chi/chi/v5 (grounded on jordigilh/kubernaut's and
// R3E-Network's chi-based gateway services), since the transport framing
// is outside the Kernel/Bus/Observer facades those packages implement:
// read-model GETs with ETag/304, action submission and polling, an SSE
// event stream with Last-Event-ID replay, egress settings, and a
// Prometheus /metrics endpoint.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arw-run/arw/internal/autonomy"
	"github.com/arw-run/arw/internal/bus"
	"github.com/arw-run/arw/internal/economy"
	"github.com/arw-run/arw/internal/egress"
	"github.com/arw-run/arw/internal/observer"
	"github.com/arw-run/arw/internal/orchestrator"
	"github.com/arw-run/arw/internal/ratelimit"
	"github.com/arw-run/arw/internal/supervisor"
)

// Server bundles every facade the HTTP surface fronts.
type Server struct {
	Observer    *observer.Observer
	Bus         *bus.Bus
	Queue       *orchestrator.Queue
	Egress      *egress.Engine
	Supervisor  *supervisor.Supervisor
	Autonomy    *autonomy.Ledger
	Economy     *economy.Ledger
	RateLimiter *ratelimit.Limiter

	ProjectsRoot string

	AdminToken       string
	TrustForwardHdrs bool
	SSEHandshakeTimeout time.Duration
}

// NewRouter assembles the chi router for the admin/runtime HTTP surface.
func NewRouter(s *Server) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodHead},
		AllowedHeaders: []string{"Content-Type", "If-None-Match", "Last-Event-ID", "Authorization"},
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/state", func(sr chi.Router) {
		sr.Use(s.adminRateLimit)
		sr.Get("/{model}", s.handleReadModel)
	})

	r.Route("/actions", func(ar chi.Router) {
		ar.Use(s.adminRateLimit)
		ar.Post("/", s.handleSubmitAction)
		ar.Get("/{id}", s.handleActionStatus)
	})

	r.Route("/egress", func(er chi.Router) {
		er.Use(s.adminRateLimit)
		er.Post("/settings", s.handleEgressPatch)
	})

	r.Route("/runtimes", func(rr chi.Router) {
		rr.Use(s.adminRateLimit)
		rr.Get("/", s.handleRuntimeList)
		rr.Post("/", s.handleRuntimeInstall)
		rr.Get("/{id}", s.handleRuntimeStatus)
		rr.Delete("/{id}", s.handleRuntimeRemove)
		rr.Post("/{id}/restart", s.handleRuntimeRestart)
	})

	r.Route("/autonomy/lanes/{id}", func(lr chi.Router) {
		lr.Use(s.adminRateLimit)
		lr.Post("/pause", s.handleAutonomyPause)
		lr.Post("/resume", s.handleAutonomyResume)
	})

	r.Route("/economy/ledger", func(er chi.Router) {
		er.Use(s.adminRateLimit)
		er.Get("/", s.handleEconomySnapshot)
		er.Post("/entries", s.handleEconomyPushEntry)
	})

	r.Route("/projects/{project}/snapshots", func(pr chi.Router) {
		pr.Use(s.adminRateLimit)
		pr.Get("/", s.handleProjectSnapshotList)
		pr.Post("/", s.handleProjectSnapshotCreate)
	})

	r.With(s.adminRateLimit).Get("/events", s.handleEvents)

	return r
}
