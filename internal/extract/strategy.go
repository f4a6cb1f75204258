package extract

import (
	"context"
	"errors"

	"github.com/oemwatch/oemwatch/internal/config"
	"github.com/oemwatch/oemwatch/internal/models"
)

// ConfidenceThreshold is the minimum confidence that stops the ladder.
const ConfidenceThreshold = 0.75

// ErrExtractionFailed is returned when no strategy reached the confidence
// threshold.
var ErrExtractionFailed = errors.New("no extraction strategy reached the confidence threshold")

// Input is everything a strategy may draw on for one page.
type Input struct {
	OEM      *config.OEM
	PageType models.PageType

	RenderedHTML string
	DOMText      string // normalised, bounded; filled lazily from RenderedHTML

	// Retained payload from a replayed or observed API, when available.
	APIPayload  []byte
	APIDataType models.APIDataType
}

// Entities is the typed yield of a strategy.
type Entities struct {
	Products []models.Product
	Offers   []models.Offer
	Banners  []models.Banner
}

// Empty reports whether nothing was extracted.
func (e *Entities) Empty() bool {
	return len(e.Products) == 0 && len(e.Offers) == 0 && len(e.Banners) == 0
}

// Result is one strategy's outcome.
type Result struct {
	Entities     Entities
	Confidence   float64
	Method       string
	ExtractionMs int64
}

// Strategy is one rung of the extraction ladder.
type Strategy interface {
	Name() string
	// Extract returns a nil Result when the strategy does not apply to this
	// input (no payload, no selectors configured).
	Extract(ctx context.Context, in *Input) (*Result, error)
}
