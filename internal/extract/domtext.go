// Package extract turns page content into catalogue entities through a
// ladder of strategies: direct API payloads, DOM selectors, then LLM
// extraction, coordinated by confidence scores.
package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/oemwatch/oemwatch/internal/canonical"
)

// MaxDOMTextBytes bounds the text window handed to the LLM. The rendered
// hash always covers the full normalised text.
const MaxDOMTextBytes = 30 * 1024

// strippedSelectors are removed before text extraction: scripts, styling and
// chrome that churns without meaning.
const strippedSelectors = "script, style, noscript, nav, iframe, svg, link, meta"

// NormalizeDOMText extracts the visible text of a rendered page in document
// order, whitespace collapsed. The result is unbounded; WindowFor cuts the
// LLM-sized view.
func NormalizeDOMText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parsing rendered html: %w", err)
	}
	doc.Find(strippedSelectors).Remove()

	var parts []string
	doc.Find("body *").Each(func(_ int, sel *goquery.Selection) {
		// Only leaf-ish nodes contribute, otherwise every ancestor repeats
		// its descendants' text.
		if sel.Children().Length() > 0 {
			return
		}
		if t := canonical.CollapseWhitespace(sel.Text()); t != "" {
			parts = append(parts, t)
		}
	})

	return strings.Join(parts, "\n"), nil
}

// RenderedHash digests the normalised DOM text of a rendered page.
func RenderedHash(html string) (string, error) {
	text, err := NormalizeDOMText(html)
	if err != nil {
		return "", err
	}
	return canonical.HashBytes([]byte(text)), nil
}
