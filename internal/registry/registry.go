// Package registry tracks the set of known source pages per OEM and decides
// when each one is due for a check, stretching the interval for pages that
// never change.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oemwatch/oemwatch/internal/canonical"
	"github.com/oemwatch/oemwatch/internal/models"
	"github.com/oemwatch/oemwatch/internal/repository"
)

// baseCadence is the check interval per page type before backoff.
var baseCadence = map[models.PageType]time.Duration{
	models.PageTypeHomepage:      2 * time.Hour,
	models.PageTypeOffers:        4 * time.Hour,
	models.PageTypeVehiclesIndex: 12 * time.Hour,
	models.PageTypeVehicleDetail: 12 * time.Hour,
	models.PageTypeNews:          24 * time.Hour,
	models.PageTypeSitemap:       24 * time.Hour,
	models.PageTypeOther:         24 * time.Hour,
}

const maxBackoffFactor = 8.0

// Outcome is what one page check produced.
type Outcome struct {
	Changed      bool
	NotFound     bool
	Blocked      bool
	Failed       bool // transient or unclassified failure
	ErrorMessage string
	RawHash      string
	RenderedHash string
}

// Registry owns page lifecycle and scheduling decisions.
type Registry struct {
	pages *repository.SQLiteSourcePageRepository

	maxDepth            int
	removeAfterNotFound int
	blockAfterDenials   int

	logger *slog.Logger
	now    func() time.Time
}

// Options configure lifecycle thresholds.
type Options struct {
	MaxDepth            int
	RemoveAfterNotFound int
	BlockAfterDenials   int
}

func New(pages *repository.SQLiteSourcePageRepository, opts Options, logger *slog.Logger) *Registry {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 2
	}
	if opts.RemoveAfterNotFound <= 0 {
		opts.RemoveAfterNotFound = 3
	}
	if opts.BlockAfterDenials <= 0 {
		opts.BlockAfterDenials = 3
	}
	return &Registry{
		pages:               pages,
		maxDepth:            opts.MaxDepth,
		removeAfterNotFound: opts.RemoveAfterNotFound,
		blockAfterDenials:   opts.BlockAfterDenials,
		logger:              logger.With("component", "registry"),
		now:                 time.Now,
	}
}

// NextDue returns when a page should next be checked. Unchecked pages are due
// immediately; stable pages back off by 25% per consecutive unchanged check,
// capped at 8x the base cadence.
func NextDue(page *models.SourcePage) time.Time {
	if page.LastCheckedAt == nil {
		return time.Time{}
	}
	base, ok := baseCadence[page.PageType]
	if !ok {
		base = baseCadence[models.PageTypeOther]
	}
	factor := 1.0 + 0.25*float64(page.ConsecutiveNoChange)
	if factor > maxBackoffFactor {
		factor = maxBackoffFactor
	}
	return page.LastCheckedAt.Add(time.Duration(float64(base) * factor))
}

// DuePages returns the active pages whose next-due time has passed.
func (r *Registry) DuePages(ctx context.Context, oemID string) ([]*models.SourcePage, error) {
	pages, err := r.pages.ListActive(ctx, oemID)
	if err != nil {
		return nil, err
	}
	now := r.now()
	var due []*models.SourcePage
	for _, p := range pages {
		if !NextDue(p).After(now) {
			due = append(due, p)
		}
	}
	return due, nil
}

// AllActive returns every active page regardless of cadence, for force crawls.
func (r *Registry) AllActive(ctx context.Context, oemID string) ([]*models.SourcePage, error) {
	return r.pages.ListActive(ctx, oemID)
}

// RecordCheck applies one check outcome to a page's counters and status.
func (r *Registry) RecordCheck(ctx context.Context, page *models.SourcePage, out Outcome) error {
	now := r.now().UTC()
	page.LastCheckedAt = &now

	switch {
	case out.NotFound:
		page.ConsecutiveNotFound++
		page.ConsecutiveBlocked = 0
		page.ErrorMessage = out.ErrorMessage
		if page.ConsecutiveNotFound >= r.removeAfterNotFound {
			page.Status = models.PageStatusRemoved
			r.logger.Info("page removed after repeated 404s", "oem", page.OEMID, "url", page.URL)
		}
	case out.Blocked:
		page.ConsecutiveBlocked++
		page.ConsecutiveNotFound = 0
		page.ErrorMessage = out.ErrorMessage
		if page.ConsecutiveBlocked >= r.blockAfterDenials {
			page.Status = models.PageStatusBlocked
			r.logger.Warn("page blocked by origin", "oem", page.OEMID, "url", page.URL)
		}
	case out.Failed:
		// Transient failure: keep counters, surface the error, stay active.
		page.ErrorMessage = out.ErrorMessage
	default:
		page.ConsecutiveNotFound = 0
		page.ConsecutiveBlocked = 0
		page.ErrorMessage = ""
		if out.RawHash != "" {
			page.LastHash = out.RawHash
		}
		if out.RenderedHash != "" {
			page.LastRenderedHash = out.RenderedHash
		}
		if out.Changed {
			page.ConsecutiveNoChange = 0
			page.LastChangedAt = &now
		} else {
			page.ConsecutiveNoChange++
		}
	}

	return r.pages.Update(ctx, page)
}

// AddSeed registers a configured seed page at depth zero.
func (r *Registry) AddSeed(ctx context.Context, oemID, rawURL string, pageType models.PageType) error {
	return r.add(ctx, oemID, rawURL, pageType, 0)
}

// AddDiscoveredLink registers a page found during crawling. Links past the
// depth bound are dropped; duplicates are no-ops.
func (r *Registry) AddDiscoveredLink(ctx context.Context, oemID, rawURL string, pageType models.PageType, depth int) error {
	if depth > r.maxDepth {
		return nil
	}
	return r.add(ctx, oemID, rawURL, pageType, depth)
}

func (r *Registry) add(ctx context.Context, oemID, rawURL string, pageType models.PageType, depth int) error {
	normalized, err := canonical.NormalizeURL(rawURL)
	if err != nil {
		return fmt.Errorf("failed to normalise url %q: %w", rawURL, err)
	}
	return r.pages.Create(ctx, &models.SourcePage{
		OEMID:    oemID,
		URL:      normalized,
		PageType: pageType,
		Depth:    depth,
	})
}
