// Package scheduler orchestrates crawl runs: it ticks over every enabled OEM,
// opens an import run when pages are due, fans page checks out across a
// bounded worker pool, and closes the run with its counters.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/oemwatch/oemwatch/internal/catalog"
	"github.com/oemwatch/oemwatch/internal/config"
	"github.com/oemwatch/oemwatch/internal/discovery"
	"github.com/oemwatch/oemwatch/internal/metrics"
	"github.com/oemwatch/oemwatch/internal/models"
	"github.com/oemwatch/oemwatch/internal/pipeline"
	"github.com/oemwatch/oemwatch/internal/registry"
	"github.com/oemwatch/oemwatch/internal/repository"
)

// classPriority orders page types within a run: offer pages move first
// because they change most and matter most.
var classPriority = map[models.PageType]int{
	models.PageTypeOffers:        0,
	models.PageTypeHomepage:      1,
	models.PageTypeVehiclesIndex: 2,
	models.PageTypeVehicleDetail: 3,
	models.PageTypeNews:          4,
	models.PageTypeSitemap:       5,
	models.PageTypeOther:         6,
}

type crawlRequest struct {
	oemID string
	force bool
}

// Scheduler drives the crawl loop.
type Scheduler struct {
	cfg        *config.Config
	oems       *config.OEMStore
	pipeline   *pipeline.Pipeline
	discoverer *discovery.Discoverer
	registry   *registry.Registry
	catalog    *catalog.Store
	runs       *repository.SQLiteImportRunRepository
	logger     *slog.Logger

	trigger chan crawlRequest

	// workers bounds concurrent page checks across every run in the
	// process, not per OEM.
	workers *semaphore.Weighted

	mu      sync.Mutex
	running map[string]bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type Deps struct {
	OEMs       *config.OEMStore
	Pipeline   *pipeline.Pipeline
	Discoverer *discovery.Discoverer
	Registry   *registry.Registry
	Catalog    *catalog.Store
	Runs       *repository.SQLiteImportRunRepository
}

func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Scheduler {
	workers := cfg.SchedulerWorkers
	if workers <= 0 {
		workers = 1
	}
	return &Scheduler{
		cfg:        cfg,
		oems:       deps.OEMs,
		pipeline:   deps.Pipeline,
		discoverer: deps.Discoverer,
		registry:   deps.Registry,
		catalog:    deps.Catalog,
		runs:       deps.Runs,
		logger:     logger.With("component", "scheduler"),
		trigger:    make(chan crawlRequest, 16),
		workers:    semaphore.NewWeighted(int64(workers)),
		running:    make(map[string]bool),
	}
}

// Start launches the tick loop. It first closes any runs a previous process
// left open and registers every configured seed page.
func (s *Scheduler) Start(ctx context.Context) error {
	n, err := s.runs.MarkStaleRunningFailed(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Warn("closed stale runs from previous process", "count", n)
	}
	if err := s.registerSeeds(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(loopCtx)
	return nil
}

// Stop shuts the scheduler down, waiting up to the configured grace period
// for in-flight runs. Runs still going after the grace period are cancelled
// and closed as partial.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGracePeriod):
		s.logger.Warn("shutdown grace period elapsed with runs still in flight")
		<-done
	}
}

// TriggerCrawl queues an immediate crawl for one OEM. force re-extracts every
// page regardless of hashes.
func (s *Scheduler) TriggerCrawl(oemID string, force bool) bool {
	select {
	case s.trigger <- crawlRequest{oemID: oemID, force: force}:
		return true
	default:
		return false
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SchedulerTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.trigger:
			if oem := s.oems.Get(req.oemID); oem != nil && oem.IsEnabled() {
				s.launch(ctx, oem, req.force)
			}
		case <-ticker.C:
			for _, oem := range s.oems.Enabled() {
				s.launch(ctx, oem, false)
			}
		}
	}
}

// launch starts a run for the OEM unless one is already in flight.
func (s *Scheduler) launch(ctx context.Context, oem *config.OEM, force bool) {
	s.mu.Lock()
	if s.running[oem.ID] {
		s.mu.Unlock()
		return
	}
	s.running[oem.ID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, oem.ID)
			s.mu.Unlock()
		}()
		s.runOEM(ctx, oem, force)
	}()
}

func (s *Scheduler) runOEM(ctx context.Context, oem *config.OEM, force bool) {
	var pages []*models.SourcePage
	var err error
	if force {
		pages, err = s.registry.AllActive(ctx, oem.ID)
	} else {
		pages, err = s.registry.DuePages(ctx, oem.ID)
	}
	if err != nil {
		s.logger.Error("failed to list pages", "oem", oem.ID, "error", err)
		return
	}
	if len(pages) == 0 && !force {
		return
	}
	orderPages(pages)

	run := &models.ImportRun{OEMID: oem.ID}
	if err := s.runs.Create(ctx, run); err != nil {
		s.logger.Error("failed to open run", "oem", oem.ID, "error", err)
		return
	}
	started := time.Now()
	s.logger.Info("run started", "oem", oem.ID, "run_id", run.ID, "pages", len(pages), "force", force)

	var runMu sync.Mutex
	var errs []string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.SchedulerWorkers)
	for _, page := range pages {
		page := page
		g.Go(func() error {
			if err := s.workers.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer s.workers.Release(1)
			outcome, checkErr := s.checkPage(gctx, oem, page, force)

			runMu.Lock()
			defer runMu.Unlock()
			run.PagesChecked++
			if checkErr != nil {
				run.ErrorCount++
				errs = append(errs, page.URL+": "+checkErr.Error())
				return nil // one bad page never aborts the run
			}
			if outcome != nil && outcome.Changed {
				run.PagesChanged++
			}
			if outcome != nil && outcome.Applied != nil {
				run.ProductsUpserted += outcome.Applied.ProductsUpserted
				run.OffersUpserted += outcome.Applied.OffersUpserted
			}
			return nil
		})
	}
	_ = g.Wait()

	interrupted := ctx.Err() != nil
	if !interrupted {
		cutoff := time.Now().Add(-s.cfg.RemovalGracePeriod)
		if _, err := s.catalog.ReconcileRemovals(ctx, oem, cutoff); err != nil {
			s.logger.Error("removal reconciliation failed", "oem", oem.ID, "error", err)
			run.ErrorCount++
			errs = append(errs, "reconcile: "+err.Error())
		}
	}

	switch {
	case interrupted:
		run.Status = models.RunStatusPartial
	case run.ErrorCount > 0 && run.PagesChecked == run.ErrorCount:
		run.Status = models.RunStatusFailed
	case run.ErrorCount > 0:
		run.Status = models.RunStatusPartial
	default:
		run.Status = models.RunStatusCompleted
	}
	if len(errs) > 0 {
		if b, err := json.Marshal(errs); err == nil {
			run.ErrorJSON = string(b)
		}
	}

	// Closing the run must survive the cancelled crawl context.
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.runs.Finish(closeCtx, run); err != nil {
		s.logger.Error("failed to close run", "oem", oem.ID, "run_id", run.ID, "error", err)
	}

	metrics.RunDuration.WithLabelValues(oem.ID, string(run.Status)).Observe(time.Since(started).Seconds())
	s.logger.Info("run finished",
		"oem", oem.ID,
		"run_id", run.ID,
		"status", run.Status,
		"pages_checked", run.PagesChecked,
		"pages_changed", run.PagesChanged,
		"products_upserted", run.ProductsUpserted,
		"offers_upserted", run.OffersUpserted,
		"errors", run.ErrorCount,
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
}

// checkPage routes sitemaps to the discoverer and everything else through the
// page pipeline.
func (s *Scheduler) checkPage(ctx context.Context, oem *config.OEM, page *models.SourcePage, force bool) (*pipeline.Outcome, error) {
	if page.PageType == models.PageTypeSitemap {
		n, err := s.discoverer.CrawlSitemap(ctx, oem, page.URL, page.Depth+1)
		if err != nil {
			recErr := s.registry.RecordCheck(ctx, page, registry.Outcome{Failed: true, ErrorMessage: err.Error()})
			if recErr != nil {
				s.logger.Error("failed to record sitemap check", "url", page.URL, "error", recErr)
			}
			return nil, err
		}
		return &pipeline.Outcome{LinksFound: n}, s.registry.RecordCheck(ctx, page, registry.Outcome{})
	}
	return s.pipeline.CheckPage(ctx, oem, page, force)
}

// registerSeeds makes sure every configured seed page exists in the registry.
func (s *Scheduler) registerSeeds(ctx context.Context) error {
	for _, oem := range s.oems.Enabled() {
		for _, seed := range oem.Seeds {
			pageType := models.PageType(seed.PageType)
			if _, ok := classPriority[pageType]; !ok {
				pageType = models.PageTypeOther
			}
			if err := s.registry.AddSeed(ctx, oem.ID, seed.URL, pageType); err != nil {
				return err
			}
		}
	}
	return nil
}

// orderPages sorts by priority class, stable so registration order holds
// within a class.
func orderPages(pages []*models.SourcePage) {
	sort.SliceStable(pages, func(i, j int) bool {
		return priorityOf(pages[i].PageType) < priorityOf(pages[j].PageType)
	})
}

func priorityOf(pt models.PageType) int {
	if p, ok := classPriority[pt]; ok {
		return p
	}
	return classPriority[models.PageTypeOther]
}
