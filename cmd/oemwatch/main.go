// Command oemwatch runs the crawler: scheduler, page pipeline, and the
// control API in one process.
package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/oemwatch/oemwatch/internal/catalog"
	"github.com/oemwatch/oemwatch/internal/config"
	"github.com/oemwatch/oemwatch/internal/database"
	"github.com/oemwatch/oemwatch/internal/discovery"
	"github.com/oemwatch/oemwatch/internal/events"
	"github.com/oemwatch/oemwatch/internal/extract"
	"github.com/oemwatch/oemwatch/internal/fetch"
	"github.com/oemwatch/oemwatch/internal/llm"
	"github.com/oemwatch/oemwatch/internal/logging"
	"github.com/oemwatch/oemwatch/internal/pipeline"
	"github.com/oemwatch/oemwatch/internal/probe"
	"github.com/oemwatch/oemwatch/internal/registry"
	"github.com/oemwatch/oemwatch/internal/render"
	"github.com/oemwatch/oemwatch/internal/repository"
	"github.com/oemwatch/oemwatch/internal/scheduler"
	"github.com/oemwatch/oemwatch/internal/server"
	"github.com/oemwatch/oemwatch/internal/storage"
	"github.com/oemwatch/oemwatch/internal/version"
)

func main() {
	logger := logging.SetDefault()

	v := version.Get()
	logger.Info("starting oemwatch",
		"version", v.Version,
		"commit", v.Commit,
		"go_version", v.GoVersion,
	)

	cfg, err := config.Load()
	if err != nil {
		fatal(logger, "failed to load config", err)
	}

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		fatal(logger, "failed to open database", err)
	}
	defer db.Close()
	if err := database.MigrateWithLogger(db, logger); err != nil {
		fatal(logger, "failed to run migrations", err)
	}
	repos := repository.New(db)

	oems, err := config.NewOEMStore(cfg.OEMConfigDir, logger)
	if err != nil {
		fatal(logger, "failed to load OEM config", err)
	}
	defer oems.Close()

	fetcher := fetch.New(fetch.Limits{
		RatePerSecond:  cfg.FetchRatePerSecond,
		Burst:          cfg.FetchBurst,
		MaxConcurrency: cfg.FetchMaxConcurrency,
	}, cfg.FetchTimeout, cfg.FetchMaxRetries, logger)
	applyPoliteness(fetcher, oems, logger)

	// A browser that fails to warm up degrades to raw-body extraction rather
	// than blocking startup.
	var renderer pipeline.Renderer
	pool := render.NewPool(cfg.BrowserPoolSize, cfg.BrowserBinPath, logger)
	if err := pool.Warmup(); err != nil {
		logger.Error("browser warmup failed, rendering disabled", "error", err)
	} else {
		renderer = pipeline.NewBrowserRenderer(pool, cfg.ObserverMaxBodySize)
		defer pool.Close()
	}

	probes := probe.NewRegistry(repos.APIs, fetcher, logger)

	sink := llm.NewSink(repos.Inference, logger)
	defer sink.Close()
	router := llm.NewRouter(
		llm.NewClient(llm.ClientConfig{
			OpenAIKey:     cfg.OpenAIAPIKey,
			AnthropicKey:  cfg.AnthropicAPIKey,
			OpenRouterKey: cfg.OpenRouterAPIKey,
			OllamaBaseURL: cfg.OllamaBaseURL,
		}, logger),
		llm.DefaultRoutes(),
		llm.NewPriceTable(nil),
		sink,
		cfg.MonthlySpendCapUSD,
		logger,
	)
	if len(cfg.LLMBatchTasks) > 0 {
		tasks := make([]llm.Task, 0, len(cfg.LLMBatchTasks))
		for _, name := range cfg.LLMBatchTasks {
			tasks = append(tasks, llm.Task(name))
		}
		router.EnableBatching(tasks, cfg.LLMBatchWindow)
	}
	for key, usd := range cfg.ModelSpendCapsUSD {
		provider, model, ok := strings.Cut(key, "/")
		if !ok {
			logger.Warn("ignoring malformed model spend cap", "key", key)
			continue
		}
		router.SetModelCap(llm.Provider(provider), model, usd)
	}
	if spend, err := repos.Inference.MonthlySpend(context.Background(), time.Now()); err != nil {
		logger.Warn("could not seed spend caps from inference log", "error", err)
	} else {
		for _, m := range spend {
			router.SeedSpend(m.Provider, m.Model, m.CostUSD)
		}
	}
	extractor := extract.NewCoordinator(router, extract.NewSelectorHealth(), logger)

	store, err := storage.NewService(cfg, logger)
	if err != nil {
		fatal(logger, "failed to initialise object storage", err)
	}

	bus := events.NewBus(logger)
	defer bus.Close()

	cat := catalog.NewStore(repos, bus, logger)
	reg := registry.New(repos.Pages, registry.Options{
		MaxDepth:            cfg.DiscoveryMaxDepth,
		RemoveAfterNotFound: cfg.RemoveAfterNotFound,
		BlockAfterDenials:   cfg.BlockAfterDenials,
	}, logger)
	disc := discovery.New(reg, logger)

	pipe := pipeline.New(pipeline.Deps{
		Fetcher:    fetcher,
		Renderer:   renderer,
		Probes:     probes,
		Extractor:  extractor,
		Catalog:    cat,
		Discoverer: disc,
		Registry:   reg,
		Store:      store,
	}, logger)

	sched := scheduler.New(cfg, scheduler.Deps{
		OEMs:       oems,
		Pipeline:   pipe,
		Discoverer: disc,
		Registry:   reg,
		Catalog:    cat,
		Runs:       repos.Runs,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		fatal(logger, "failed to start scheduler", err)
	}

	srv := server.New(cfg, server.Deps{
		OEMs:      oems,
		Repos:     repos,
		Scheduler: sched,
		DB:        db,
	}, v.Version, logger)

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	sched.Stop()

	logger.Info("oemwatch stopped")
}

// applyPoliteness installs per-host fetch overrides from OEM documents.
func applyPoliteness(fetcher *fetch.Fetcher, oems *config.OEMStore, logger *slog.Logger) {
	for _, oem := range oems.All() {
		if oem.Politeness == nil {
			continue
		}
		u, err := url.Parse(oem.BaseURL)
		if err != nil || u.Hostname() == "" {
			logger.Warn("cannot apply politeness override, bad base_url", "oem", oem.ID)
			continue
		}
		fetcher.SetHostLimits(u.Hostname(), fetch.Limits{
			RatePerSecond:  oem.Politeness.RatePerSecond,
			Burst:          oem.Politeness.Burst,
			MaxConcurrency: oem.Politeness.MaxConcurrency,
		})
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
