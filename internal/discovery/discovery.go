// Package discovery grows the page registry: it walks sitemaps and harvests
// same-host links out of rendered pages, classifying each URL into a page
// type before registration.
package discovery

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/oemwatch/oemwatch/internal/config"
	"github.com/oemwatch/oemwatch/internal/models"
	"github.com/oemwatch/oemwatch/internal/registry"
)

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// classifyOrder fixes pattern evaluation order so a URL matching several
// pattern lists lands on the most specific type.
var classifyOrder = []models.PageType{
	models.PageTypeOffers,
	models.PageTypeVehicleDetail,
	models.PageTypeVehiclesIndex,
	models.PageTypeNews,
	models.PageTypeSitemap,
	models.PageTypeHomepage,
}

// Discoverer registers newly found pages with the registry.
type Discoverer struct {
	registry *registry.Registry
	logger   *slog.Logger
}

func New(reg *registry.Registry, logger *slog.Logger) *Discoverer {
	return &Discoverer{
		registry: reg,
		logger:   logger.With("component", "discovery"),
	}
}

// CrawlSitemap walks a sitemap (following one level of sitemap-index nesting)
// and registers every same-host URL that classifies to a tracked page type.
// Returns the number of URLs registered.
func (d *Discoverer) CrawlSitemap(ctx context.Context, oem *config.OEM, sitemapURL string, depth int) (int, error) {
	host, err := hostOf(oem.BaseURL)
	if err != nil {
		return 0, err
	}

	bare := strings.TrimPrefix(host, "www.")
	c := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.AllowedDomains(bare, "www."+bare),
		colly.MaxDepth(2),
	)

	registered := 0
	c.OnXML("//sitemap/loc", func(e *colly.XMLElement) {
		if ctx.Err() != nil {
			return
		}
		if err := e.Request.Visit(strings.TrimSpace(e.Text)); err != nil {
			d.logger.Debug("skipping nested sitemap", "url", e.Text, "error", err)
		}
	})
	c.OnXML("//url/loc", func(e *colly.XMLElement) {
		if ctx.Err() != nil {
			return
		}
		loc := strings.TrimSpace(e.Text)
		pageType := ClassifyURL(oem, loc)
		if pageType == models.PageTypeOther {
			return
		}
		if err := d.registry.AddDiscoveredLink(ctx, oem.ID, loc, pageType, depth); err != nil {
			d.logger.Warn("failed to register sitemap url", "url", loc, "error", err)
			return
		}
		registered++
	})

	if err := c.Visit(sitemapURL); err != nil {
		return registered, err
	}
	c.Wait()
	return registered, nil
}

// HarvestLinks pulls same-host anchors out of rendered HTML and registers the
// ones that classify to a tracked page type, at depth+1 of the source page.
func (d *Discoverer) HarvestLinks(ctx context.Context, oem *config.OEM, page *models.SourcePage, html string) (int, error) {
	links, err := ExtractLinks(oem, page.URL, html)
	if err != nil {
		return 0, err
	}
	registered := 0
	for _, l := range links {
		if err := d.registry.AddDiscoveredLink(ctx, oem.ID, l.URL, l.PageType, page.Depth+1); err != nil {
			d.logger.Warn("failed to register discovered link", "url", l.URL, "error", err)
			continue
		}
		registered++
	}
	return registered, nil
}

// Link is a classified same-host URL found on a page.
type Link struct {
	URL      string
	PageType models.PageType
}

// ExtractLinks parses anchors out of HTML, resolves them against the page
// URL, and keeps same-host links that classify to a tracked page type.
func ExtractLinks(oem *config.OEM, pageURL, html string) ([]Link, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var links []Link
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "tel:") ||
			strings.HasPrefix(href, "javascript:") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if !sameHost(abs.Host, base.Host) {
			return
		}
		abs.Fragment = ""
		u := abs.String()
		if seen[u] {
			return
		}
		seen[u] = true

		pageType := ClassifyURL(oem, u)
		if pageType == models.PageTypeOther {
			return
		}
		links = append(links, Link{URL: u, PageType: pageType})
	})
	return links, nil
}

// ClassifyURL maps a URL to a page type using the OEM's configured substring
// patterns, falling back to builtin path heuristics.
func ClassifyURL(oem *config.OEM, rawURL string) models.PageType {
	lower := strings.ToLower(rawURL)

	for _, pt := range classifyOrder {
		for _, pattern := range oem.URLPatterns[string(pt)] {
			if pattern != "" && strings.Contains(lower, strings.ToLower(pattern)) {
				return pt
			}
		}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return models.PageTypeOther
	}
	path := strings.Trim(strings.ToLower(u.Path), "/")
	switch {
	case strings.Contains(path, "sitemap"):
		return models.PageTypeSitemap
	case strings.Contains(path, "offer") || strings.Contains(path, "deal") || strings.Contains(path, "promotion"):
		return models.PageTypeOffers
	case strings.Contains(path, "news") || strings.Contains(path, "blog") || strings.Contains(path, "press"):
		return models.PageTypeNews
	case path == "vehicles" || path == "models" || path == "range" || path == "showroom":
		return models.PageTypeVehiclesIndex
	case strings.HasPrefix(path, "vehicles/") || strings.HasPrefix(path, "models/") || strings.HasPrefix(path, "range/"):
		return models.PageTypeVehicleDetail
	case path == "":
		return models.PageTypeHomepage
	default:
		return models.PageTypeOther
	}
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return u.Hostname(), nil
}

func sameHost(a, b string) bool {
	return strings.TrimPrefix(strings.ToLower(a), "www.") == strings.TrimPrefix(strings.ToLower(b), "www.")
}
