package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/oemwatch/oemwatch/internal/catalog"
	"github.com/oemwatch/oemwatch/internal/config"
	"github.com/oemwatch/oemwatch/internal/database/migrations"
	"github.com/oemwatch/oemwatch/internal/discovery"
	"github.com/oemwatch/oemwatch/internal/extract"
	"github.com/oemwatch/oemwatch/internal/fetch"
	"github.com/oemwatch/oemwatch/internal/llm"
	"github.com/oemwatch/oemwatch/internal/models"
	"github.com/oemwatch/oemwatch/internal/pipeline"
	"github.com/oemwatch/oemwatch/internal/registry"
	"github.com/oemwatch/oemwatch/internal/render"
	"github.com/oemwatch/oemwatch/internal/repository"
)

const testPageHTML = `<html><body>
	<div class="vehicle-card" data-key="terrain-x">
		<h3 class="title">Terrain X</h3>
		<span class="price">$59,990</span>
	</div>
</body></html>`

type passRenderer struct{ html string }

func (p passRenderer) Render(ctx context.Context, url string, wait render.WaitPolicy) (*pipeline.Rendered, error) {
	return &pipeline.Rendered{HTML: p.html}, nil
}

type noRouter struct{}

func (noRouter) Call(ctx context.Context, task llm.Task, system, prompt string, requireJSON bool) (*llm.CallResult, error) {
	return nil, errors.New("no llm in tests")
}

func writeOEMConfig(t *testing.T, dir, id, baseURL string, seeds ...string) {
	t.Helper()
	doc := fmt.Sprintf("id: %s\nname: %s\nbase_url: %s\n", id, id, baseURL)
	if len(seeds) > 0 {
		doc += "seeds:\n"
		for _, s := range seeds {
			doc += fmt.Sprintf("  - url: %s\n    page_type: vehicles_index\n", s)
		}
	}
	doc += `selectors:
  vehicles_index:
    item: ".vehicle-card"
    fields:
      external_key: "@data-key"
      title: ".title"
      price: ".price"
`
	if err := os.WriteFile(filepath.Join(dir, id+".yaml"), []byte(doc), 0o644); err != nil {
		t.Fatalf("failed to write oem config: %v", err)
	}
}

func setupScheduler(t *testing.T, baseURL string, seeds ...string) (*Scheduler, *repository.Repositories) {
	t.Helper()
	db, err := sql.Open("libsql", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := migrations.Run(db, nil); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	dir := t.TempDir()
	writeOEMConfig(t, dir, "toyota", baseURL, seeds...)
	logger := slog.Default()
	oems, err := config.NewOEMStore(dir, logger)
	if err != nil {
		t.Fatalf("failed to load oem store: %v", err)
	}
	t.Cleanup(func() { _ = oems.Close() })

	repos := repository.New(db)
	reg := registry.New(repos.Pages, registry.Options{}, logger)
	disc := discovery.New(reg, logger)
	cat := catalog.NewStore(repos, nil, logger)
	fetcher := fetch.New(fetch.Limits{RatePerSecond: 100, Burst: 100, MaxConcurrency: 8},
		5*time.Second, 1, logger)

	pipe := pipeline.New(pipeline.Deps{
		Fetcher:    fetcher,
		Renderer:   passRenderer{html: testPageHTML},
		Extractor:  extract.NewCoordinator(noRouter{}, extract.NewSelectorHealth(), logger),
		Catalog:    cat,
		Discoverer: disc,
		Registry:   reg,
	}, logger)

	cfg := &config.Config{
		SchedulerTickInterval: time.Minute,
		SchedulerWorkers:      4,
		ShutdownGracePeriod:   5 * time.Second,
		RemovalGracePeriod:    48 * time.Hour,
	}
	sched := New(cfg, Deps{
		OEMs:       oems,
		Pipeline:   pipe,
		Discoverer: disc,
		Registry:   reg,
		Catalog:    cat,
		Runs:       repos.Runs,
	}, logger)
	return sched, repos
}

func TestOrderPages(t *testing.T) {
	pages := []*models.SourcePage{
		{URL: "a", PageType: models.PageTypeNews},
		{URL: "b", PageType: models.PageTypeOffers},
		{URL: "c", PageType: models.PageTypeVehicleDetail},
		{URL: "d", PageType: models.PageTypeOffers},
		{URL: "e", PageType: models.PageTypeHomepage},
	}
	orderPages(pages)

	want := []string{"b", "d", "e", "c", "a"}
	for i, u := range want {
		if pages[i].URL != u {
			t.Fatalf("position %d: expected %s, got %s", i, u, pages[i].URL)
		}
	}
}

func TestRunOEMCompletes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(testPageHTML))
	}))
	defer server.Close()

	sched, repos := setupScheduler(t, server.URL, server.URL+"/vehicles")
	ctx := context.Background()

	if err := sched.registerSeeds(ctx); err != nil {
		t.Fatalf("registerSeeds failed: %v", err)
	}
	oem := sched.oems.Get("toyota")
	if oem == nil {
		t.Fatal("expected toyota in oem store")
	}

	sched.runOEM(ctx, oem, false)

	runs, err := repos.Runs.List(ctx, "toyota", 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	run := runs[0]
	if run.Status != models.RunStatusCompleted {
		t.Errorf("expected completed, got %s (errors: %s)", run.Status, run.ErrorJSON)
	}
	if run.PagesChecked != 1 || run.PagesChanged != 1 {
		t.Errorf("unexpected counters: %+v", run)
	}
	if run.ProductsUpserted != 1 {
		t.Errorf("expected 1 product upserted, got %d", run.ProductsUpserted)
	}
	if run.FinishedAt == nil {
		t.Error("expected run closed")
	}

	product, err := repos.Products.GetByKey(ctx, "toyota", "terrain-x")
	if err != nil || product == nil {
		t.Fatalf("expected extracted product, got %v (err %v)", product, err)
	}
}

func TestRunOEMNoDuePagesNoRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(testPageHTML))
	}))
	defer server.Close()

	sched, repos := setupScheduler(t, server.URL, server.URL+"/vehicles")
	ctx := context.Background()
	if err := sched.registerSeeds(ctx); err != nil {
		t.Fatalf("registerSeeds failed: %v", err)
	}
	oem := sched.oems.Get("toyota")

	sched.runOEM(ctx, oem, false)
	sched.runOEM(ctx, oem, false) // nothing due on the second pass

	runs, err := repos.Runs.List(ctx, "toyota", 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected only the first pass to open a run, got %d", len(runs))
	}
}

func TestRunOEMPartialWhenCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(testPageHTML))
	}))
	defer server.Close()

	sched, repos := setupScheduler(t, server.URL, server.URL+"/vehicles")
	if err := sched.registerSeeds(context.Background()); err != nil {
		t.Fatalf("registerSeeds failed: %v", err)
	}
	oem := sched.oems.Get("toyota")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sched.runOEM(ctx, oem, false)

	runs, err := repos.Runs.List(context.Background(), "toyota", 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].Status != models.RunStatusPartial {
		t.Errorf("expected partial run on cancellation, got %s", runs[0].Status)
	}
}

func TestWorkerBoundSharedAcrossRuns(t *testing.T) {
	var inFlight, peak atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inFlight.Add(1)
		for {
			prev := peak.Load()
			if cur <= prev || peak.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		_, _ = w.Write([]byte(testPageHTML))
	}))
	defer server.Close()

	db, err := sql.Open("libsql", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := migrations.Run(db, nil); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	dir := t.TempDir()
	writeOEMConfig(t, dir, "toyota", server.URL, server.URL+"/t1", server.URL+"/t2", server.URL+"/t3")
	writeOEMConfig(t, dir, "mazda", server.URL, server.URL+"/m1", server.URL+"/m2", server.URL+"/m3")
	logger := slog.Default()
	oems, err := config.NewOEMStore(dir, logger)
	if err != nil {
		t.Fatalf("failed to load oem store: %v", err)
	}
	t.Cleanup(func() { _ = oems.Close() })

	repos := repository.New(db)
	reg := registry.New(repos.Pages, registry.Options{}, logger)
	disc := discovery.New(reg, logger)
	cat := catalog.NewStore(repos, nil, logger)
	fetcher := fetch.New(fetch.Limits{RatePerSecond: 100, Burst: 100, MaxConcurrency: 8},
		5*time.Second, 1, logger)
	pipe := pipeline.New(pipeline.Deps{
		Fetcher:    fetcher,
		Renderer:   passRenderer{html: testPageHTML},
		Extractor:  extract.NewCoordinator(noRouter{}, extract.NewSelectorHealth(), logger),
		Catalog:    cat,
		Discoverer: disc,
		Registry:   reg,
	}, logger)

	cfg := &config.Config{
		SchedulerTickInterval: time.Minute,
		SchedulerWorkers:      1,
		ShutdownGracePeriod:   5 * time.Second,
		RemovalGracePeriod:    48 * time.Hour,
	}
	sched := New(cfg, Deps{
		OEMs:       oems,
		Pipeline:   pipe,
		Discoverer: disc,
		Registry:   reg,
		Catalog:    cat,
		Runs:       repos.Runs,
	}, logger)

	ctx := context.Background()
	if err := sched.registerSeeds(ctx); err != nil {
		t.Fatalf("registerSeeds failed: %v", err)
	}

	var wg sync.WaitGroup
	for _, id := range []string{"toyota", "mazda"} {
		oem := sched.oems.Get(id)
		if oem == nil {
			t.Fatalf("expected %s in oem store", id)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.runOEM(ctx, oem, false)
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > 1 {
		t.Errorf("peak concurrent page checks = %d, want 1 across both runs", got)
	}
}

func TestMarkStaleRunsOnStart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(testPageHTML))
	}))
	defer server.Close()

	sched, repos := setupScheduler(t, server.URL)
	ctx := context.Background()

	// Simulate a run left open by a crashed process.
	orphan := &models.ImportRun{OEMID: "toyota"}
	if err := repos.Runs.Create(ctx, orphan); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sched.Stop()

	got, err := repos.Runs.GetByID(ctx, orphan.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Status != models.RunStatusFailed {
		t.Errorf("expected orphan run failed on startup, got %s", got.Status)
	}
}
