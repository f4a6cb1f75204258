// Package server exposes the control API: crawl triggers, run history,
// change events, catalogue reads, cost estimates, and health probes.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oemwatch/oemwatch/internal/config"
	"github.com/oemwatch/oemwatch/internal/repository"
)

// Triggerer queues crawl work; satisfied by the scheduler.
type Triggerer interface {
	TriggerCrawl(oemID string, force bool) bool
}

// Deps are the collaborators the API reads from and writes to.
type Deps struct {
	OEMs      *config.OEMStore
	Repos     *repository.Repositories
	Scheduler Triggerer
	DB        *sql.DB
}

// Server is the control-plane HTTP server.
type Server struct {
	cfg     *config.Config
	oems    *config.OEMStore
	repos   *repository.Repositories
	sched   Triggerer
	db      *sql.DB
	version string
	logger  *slog.Logger

	httpServer *http.Server
}

func New(cfg *config.Config, deps Deps, version string, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		oems:    deps.OEMs,
		repos:   deps.Repos,
		sched:   deps.Scheduler,
		db:      deps.DB,
		version: version,
		logger:  logger.With("component", "server"),
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the full router: chi middleware, the documented API, the
// hidden probe endpoints, and the Prometheus scrape target.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	router.Use(httprate.LimitByIP(100, time.Minute))

	router.Handle("/metrics", promhttp.Handler())

	api := humachi.New(router, huma.DefaultConfig("oemwatch", s.version))
	s.registerOperations(api)

	// Probes live outside the documented surface.
	probeConfig := huma.DefaultConfig("oemwatch-probes", s.version)
	probeConfig.DocsPath = ""
	probeConfig.OpenAPIPath = ""
	probeConfig.SchemasPath = ""
	probes := humachi.New(router, probeConfig)
	s.registerProbes(probes)

	return router
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("control server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerOperations(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "trigger-crawl",
		Method:      http.MethodPost,
		Path:        "/api/v1/oems/{id}/crawl",
		Summary:     "Queue a crawl of one OEM's due pages",
		Tags:        []string{"Crawls"},
	}, s.triggerCrawl)

	huma.Register(api, huma.Operation{
		OperationID: "force-crawl",
		Method:      http.MethodPost,
		Path:        "/api/v1/oems/{id}/force-crawl",
		Summary:     "Queue a full re-crawl ignoring content hashes",
		Tags:        []string{"Crawls"},
	}, s.forceCrawl)

	huma.Register(api, huma.Operation{
		OperationID: "list-oems",
		Method:      http.MethodGet,
		Path:        "/api/v1/oems",
		Summary:     "List configured OEMs",
		Tags:        []string{"OEMs"},
	}, s.listOEMs)

	huma.Register(api, huma.Operation{
		OperationID: "list-oem-pages",
		Method:      http.MethodGet,
		Path:        "/api/v1/oems/{id}/pages",
		Summary:     "List an OEM's tracked pages",
		Tags:        []string{"OEMs"},
	}, s.listPages)

	huma.Register(api, huma.Operation{
		OperationID: "list-oem-products",
		Method:      http.MethodGet,
		Path:        "/api/v1/oems/{id}/products",
		Summary:     "List an OEM's catalogued products",
		Tags:        []string{"Catalogue"},
	}, s.listProducts)

	huma.Register(api, huma.Operation{
		OperationID: "list-oem-offers",
		Method:      http.MethodGet,
		Path:        "/api/v1/oems/{id}/offers",
		Summary:     "List an OEM's catalogued offers",
		Tags:        []string{"Catalogue"},
	}, s.listOffers)

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/api/v1/runs",
		Summary:     "List import runs, newest first",
		Tags:        []string{"Runs"},
	}, s.listRuns)

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/api/v1/events",
		Summary:     "List detected change events, newest first",
		Tags:        []string{"Events"},
	}, s.listEvents)

	huma.Register(api, huma.Operation{
		OperationID: "cost-estimates",
		Method:      http.MethodGet,
		Path:        "/api/v1/costs/estimates",
		Summary:     "Current-month LLM spend and projection",
		Tags:        []string{"Costs"},
	}, s.costEstimates)
}

func (s *Server) registerProbes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "healthz",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Hidden:      true,
	}, s.healthz)

	huma.Register(api, huma.Operation{
		OperationID: "readyz",
		Method:      http.MethodGet,
		Path:        "/readyz",
		Hidden:      true,
	}, s.readyz)
}
