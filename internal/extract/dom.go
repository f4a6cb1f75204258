package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/oemwatch/oemwatch/internal/canonical"
	"github.com/oemwatch/oemwatch/internal/models"
)

// requiredDOMFields drive the confidence score: confidence is the mean
// fraction of these populated across extracted items.
var requiredDOMFields = []string{"external_key", "title", "price"}

// DOMSelectors extracts entities with the per-OEM CSS selector map for the
// page type. Items come from the configured item selector; each field
// selector is evaluated relative to its item.
type DOMSelectors struct {
	Health *SelectorHealth
}

func (DOMSelectors) Name() string { return "dom_selectors" }

func (s DOMSelectors) Extract(_ context.Context, in *Input) (*Result, error) {
	if in.OEM == nil || in.RenderedHTML == "" {
		return nil, nil
	}
	selectors, ok := in.OEM.Selectors[string(in.PageType)]
	if !ok || selectors.Item == "" {
		return nil, nil
	}
	if s.Health != nil && !s.Health.Healthy(in.OEM.ID, string(in.PageType)) {
		return nil, nil
	}

	start := time.Now()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(in.RenderedHTML))
	if err != nil {
		return nil, fmt.Errorf("parsing rendered html: %w", err)
	}

	var ents Entities
	var fieldScore float64
	items := doc.Find(selectors.Item)
	items.Each(func(_ int, item *goquery.Selection) {
		fields := make(map[string]string, len(selectors.Fields))
		for field, css := range selectors.Fields {
			fields[field] = selectField(item, css)
		}
		if fields["external_key"] == "" {
			fields["external_key"] = slugify(fields["title"])
		}

		populated := 0
		for _, f := range requiredDOMFields {
			if fields[f] != "" {
				populated++
			}
		}
		fieldScore += float64(populated) / float64(len(requiredDOMFields))

		if fields["external_key"] == "" {
			return
		}
		switch in.PageType {
		case models.PageTypeOffers:
			ents.Offers = append(ents.Offers, offerFromFields(fields))
		case models.PageTypeHomepage:
			ents.Banners = append(ents.Banners, bannerFromFields(fields))
		default:
			ents.Products = append(ents.Products, productFromFields(fields))
		}
	})

	res := &Result{
		Entities:     ents,
		Method:       "dom_selectors",
		ExtractionMs: time.Since(start).Milliseconds(),
	}
	if n := items.Length(); n > 0 {
		res.Confidence = fieldScore / float64(n)
	}
	return res, nil
}

// selectField evaluates one field selector. A "selector@attr" suffix reads
// an attribute instead of text; a bare "@attr" reads it off the item itself.
func selectField(item *goquery.Selection, css string) string {
	css, attr, hasAttr := strings.Cut(css, "@")
	sel := item
	if css = strings.TrimSpace(css); css != "" {
		sel = item.Find(css)
	}
	if sel.Length() == 0 {
		return ""
	}
	if hasAttr {
		v, _ := sel.First().Attr(strings.TrimSpace(attr))
		return canonical.CollapseWhitespace(v)
	}
	return canonical.CollapseWhitespace(sel.First().Text())
}

func bannerFromFields(f map[string]string) models.Banner {
	return models.Banner{
		ExternalKey: f["external_key"],
		Headline:    firstNonEmpty(f["headline"], f["title"]),
		Subtext:     firstNonEmpty(f["subtext"], f["subtitle"]),
		ImageURL:    f["image_url"],
		TargetURL:   f["target_url"],
	}
}

func slugify(s string) string {
	s = strings.ToLower(canonical.CollapseWhitespace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
