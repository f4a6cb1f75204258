// Package pipeline runs the per-page check flow: fetch, short-circuit on the
// raw hash, replay a trusted API or render, short-circuit on the rendered
// hash, extract, and apply the results to the catalogue.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oemwatch/oemwatch/internal/canonical"
	"github.com/oemwatch/oemwatch/internal/catalog"
	"github.com/oemwatch/oemwatch/internal/config"
	"github.com/oemwatch/oemwatch/internal/discovery"
	"github.com/oemwatch/oemwatch/internal/extract"
	"github.com/oemwatch/oemwatch/internal/fetch"
	"github.com/oemwatch/oemwatch/internal/metrics"
	"github.com/oemwatch/oemwatch/internal/models"
	"github.com/oemwatch/oemwatch/internal/probe"
	"github.com/oemwatch/oemwatch/internal/registry"
	"github.com/oemwatch/oemwatch/internal/render"
	"github.com/oemwatch/oemwatch/internal/storage"
)

const browserUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Rendered is the yield of one browser render. Release must be called once
// the caller is done; Screenshot is only valid before Release.
type Rendered struct {
	HTML       string
	Candidates []*render.RequestRecord

	screenshot func() ([]byte, error)
	release    func()
}

func (r *Rendered) Screenshot() ([]byte, error) {
	if r.screenshot == nil {
		return nil, fmt.Errorf("screenshot not available")
	}
	return r.screenshot()
}

func (r *Rendered) Release() {
	if r.release != nil {
		r.release()
		r.release = nil
	}
}

// Renderer turns a URL into rendered HTML plus the network traffic observed
// while rendering.
type Renderer interface {
	Render(ctx context.Context, url string, wait render.WaitPolicy) (*Rendered, error)
}

// BrowserRenderer renders through the shared browser pool.
type BrowserRenderer struct {
	pool        *render.Pool
	maxBodySize int64
}

func NewBrowserRenderer(pool *render.Pool, maxBodySize int64) *BrowserRenderer {
	return &BrowserRenderer{pool: pool, maxBodySize: maxBodySize}
}

func (b *BrowserRenderer) Render(ctx context.Context, url string, wait render.WaitPolicy) (*Rendered, error) {
	session, err := b.pool.NewSession(ctx, b.maxBodySize)
	if err != nil {
		return nil, err
	}
	metrics.BrowserSessions.Inc()

	if err := session.Navigate(url, wait); err != nil {
		session.Close()
		metrics.BrowserSessions.Dec()
		return nil, err
	}
	html, err := session.HTML()
	if err != nil {
		session.Close()
		metrics.BrowserSessions.Dec()
		return nil, err
	}

	return &Rendered{
		HTML:       html,
		Candidates: session.Observer().APICandidates(),
		screenshot: session.Screenshot,
		release: func() {
			session.Close()
			metrics.BrowserSessions.Dec()
		},
	}, nil
}

// Outcome summarises one page check.
type Outcome struct {
	Changed    bool
	Applied    *catalog.Result
	LinksFound int
}

// Pipeline wires the per-page flow together.
type Pipeline struct {
	fetcher    *fetch.Fetcher
	renderer   Renderer // nil means extract from the raw body
	probes     *probe.Registry
	extractor  *extract.Coordinator
	catalog    *catalog.Store
	discoverer *discovery.Discoverer
	registry   *registry.Registry
	store      *storage.Service

	wait   render.WaitPolicy
	logger *slog.Logger
}

type Deps struct {
	Fetcher    *fetch.Fetcher
	Renderer   Renderer
	Probes     *probe.Registry
	Extractor  *extract.Coordinator
	Catalog    *catalog.Store
	Discoverer *discovery.Discoverer
	Registry   *registry.Registry
	Store      *storage.Service
	Wait       render.WaitPolicy
}

func New(deps Deps, logger *slog.Logger) *Pipeline {
	if deps.Wait.Kind == "" {
		deps.Wait = render.WaitPolicy{Kind: render.WaitNetworkIdle, Duration: 2 * time.Second}
	}
	return &Pipeline{
		fetcher:    deps.Fetcher,
		renderer:   deps.Renderer,
		probes:     deps.Probes,
		extractor:  deps.Extractor,
		catalog:    deps.Catalog,
		discoverer: deps.Discoverer,
		registry:   deps.Registry,
		store:      deps.Store,
		wait:       deps.Wait,
		logger:     logger.With("component", "pipeline"),
	}
}

// CheckPage runs the full flow for one page. force skips the hash
// short-circuits so extraction always runs.
func (p *Pipeline) CheckPage(ctx context.Context, oem *config.OEM, page *models.SourcePage, force bool) (*Outcome, error) {
	out := &Outcome{}

	res, err := p.fetcher.Get(ctx, page.URL, &fetch.Options{
		Headers: map[string]string{"User-Agent": browserUserAgent},
	})
	if err != nil {
		return out, p.recordFailure(ctx, oem, page, err)
	}
	metrics.FetchRequests.WithLabelValues("ok").Inc()

	rawHash := canonical.HashBytes(res.Body)
	if p.store != nil {
		if _, err := p.store.StoreSnapshot(ctx, oem.ID, rawHash, res.Body); err != nil {
			p.logger.Warn("failed to archive snapshot", "url", page.URL, "error", err)
		}
	}

	// Level one: identical raw bytes mean nothing downstream can differ.
	if !force && rawHash == page.LastHash && page.LastHash != "" {
		metrics.PagesChecked.WithLabelValues(oem.ID, "unchanged").Inc()
		return out, p.registry.RecordCheck(ctx, page, registry.Outcome{RawHash: rawHash})
	}

	html := string(res.Body)
	var rendered *Rendered

	in := &extract.Input{
		OEM:      oem,
		PageType: page.PageType,
	}

	// A trusted discovered API replaces the browser: when its replay
	// succeeds the render is skipped and the payload feeds extraction
	// directly, with the raw body covering hashing and link harvest.
	p.attachAPIPayload(ctx, oem, in)
	if in.APIPayload != nil {
		p.logger.Debug("api replay succeeded, skipping render", "url", page.URL)
	} else if p.renderer != nil {
		rendered, err = p.renderer.Render(ctx, page.URL, p.wait)
		if err != nil {
			p.logger.Warn("render failed, falling back to raw body", "url", page.URL, "error", err)
		} else {
			defer rendered.Release()
			html = rendered.HTML
			if p.probes != nil && len(rendered.Candidates) > 0 {
				if err := p.probes.Ingest(ctx, oem.ID, rendered.Candidates); err != nil {
					p.logger.Warn("failed to ingest api candidates", "url", page.URL, "error", err)
				}
			}
		}
	}

	if p.discoverer != nil {
		n, err := p.discoverer.HarvestLinks(ctx, oem, page, html)
		if err != nil {
			p.logger.Warn("link harvest failed", "url", page.URL, "error", err)
		}
		out.LinksFound = n
	}

	// Level two: the rendered text hash ignores markup churn that does not
	// change what a visitor reads.
	renderedHash, err := extract.RenderedHash(html)
	if err != nil {
		return out, fmt.Errorf("failed to hash rendered page: %w", err)
	}
	if !force && renderedHash == page.LastRenderedHash && page.LastRenderedHash != "" {
		metrics.PagesChecked.WithLabelValues(oem.ID, "unchanged").Inc()
		return out, p.registry.RecordCheck(ctx, page, registry.Outcome{
			RawHash: rawHash, RenderedHash: renderedHash,
		})
	}

	in.RenderedHTML = html
	result, err := p.extractor.Extract(ctx, in)
	if err != nil {
		p.logger.Warn("extraction below threshold", "url", page.URL, "error", err)
	}
	if result != nil {
		metrics.Extractions.WithLabelValues(result.Method, extractOutcome(err)).Inc()
	}

	if result != nil && err == nil && !result.Entities.Empty() {
		applied, err := p.catalog.Apply(ctx, oem,
			result.Entities.Products, result.Entities.Offers, result.Entities.Banners)
		if err != nil {
			return out, p.registry.RecordCheck(ctx, page, registry.Outcome{
				Failed: true, ErrorMessage: err.Error(),
			})
		}
		out.Applied = applied
		for _, e := range applied.Events {
			metrics.ChangesDetected.WithLabelValues(oem.ID, string(e.Severity)).Inc()
		}
		p.captureDesignChange(ctx, oem, page, rendered, applied)
	}

	out.Changed = true
	metrics.PagesChecked.WithLabelValues(oem.ID, "changed").Inc()
	return out, p.registry.RecordCheck(ctx, page, registry.Outcome{
		Changed: true, RawHash: rawHash, RenderedHash: renderedHash,
	})
}

// attachAPIPayload replays the best-scoring discovered API for the OEM and
// hands its payload to the extraction ladder.
func (p *Pipeline) attachAPIPayload(ctx context.Context, oem *config.OEM, in *extract.Input) {
	if p.probes == nil {
		return
	}
	apis, err := p.probes.Replayable(ctx, oem.ID)
	if err != nil {
		p.logger.Warn("failed to list replayable apis", "oem", oem.ID, "error", err)
		return
	}
	for _, api := range apis {
		// Templated URLs need fills we do not have at page level.
		if strings.Contains(api.URL, "{") {
			continue
		}
		if api.DataType != models.APIDataProducts && api.DataType != models.APIDataOffers {
			continue
		}
		payload, err := p.probes.Replay(ctx, api, nil)
		if err != nil {
			metrics.APIReplays.WithLabelValues("failure").Inc()
			continue
		}
		metrics.APIReplays.WithLabelValues("success").Inc()
		in.APIPayload = payload
		in.APIDataType = api.DataType
		return
	}
}

// captureDesignChange screenshots the page when a design change event fired,
// so an analyst can see what moved.
func (p *Pipeline) captureDesignChange(ctx context.Context, oem *config.OEM, page *models.SourcePage, rendered *Rendered, applied *catalog.Result) {
	if rendered == nil || p.store == nil || !p.store.IsEnabled() {
		return
	}
	for _, e := range applied.Events {
		if e.EventType != models.EventDesignChanged {
			continue
		}
		png, err := rendered.Screenshot()
		if err != nil {
			p.logger.Warn("failed to capture screenshot", "url", page.URL, "error", err)
			return
		}
		if _, err := p.store.StoreScreenshot(ctx, oem.ID, page.ID, png); err != nil {
			p.logger.Warn("failed to store screenshot", "url", page.URL, "error", err)
		}
		return
	}
}

func (p *Pipeline) recordFailure(ctx context.Context, oem *config.OEM, page *models.SourcePage, err error) error {
	kind := fetch.KindOf(err)
	metrics.FetchRequests.WithLabelValues(string(kind)).Inc()

	out := registry.Outcome{ErrorMessage: err.Error()}
	switch {
	case fetch.IsNotFound(err):
		out.NotFound = true
		metrics.PagesChecked.WithLabelValues(oem.ID, "not_found").Inc()
	case kind == fetch.KindBlocked:
		out.Blocked = true
		metrics.PagesChecked.WithLabelValues(oem.ID, "blocked").Inc()
	default:
		out.Failed = true
		metrics.PagesChecked.WithLabelValues(oem.ID, "error").Inc()
	}
	if recErr := p.registry.RecordCheck(ctx, page, out); recErr != nil {
		return fmt.Errorf("failed to record check after %v: %w", err, recErr)
	}
	return err
}

func extractOutcome(err error) string {
	if err != nil {
		return "below_threshold"
	}
	return "ok"
}
