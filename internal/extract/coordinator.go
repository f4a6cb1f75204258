package extract

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Coordinator walks the strategy ladder until a result clears the confidence
// threshold, feeds selector health, and remembers which strategy last worked
// per (oem, page_type).
type Coordinator struct {
	strategies []Strategy
	health     *SelectorHealth
	logger     *slog.Logger

	mu         sync.Mutex
	lastMethod map[string]string
}

// NewCoordinator builds the default ladder: direct API, DOM selectors, LLM.
func NewCoordinator(router Router, health *SelectorHealth, logger *slog.Logger) *Coordinator {
	if health == nil {
		health = NewSelectorHealth()
	}
	return &Coordinator{
		strategies: []Strategy{
			DirectAPI{},
			DOMSelectors{Health: health},
			LLM{Router: router},
		},
		health:     health,
		logger:     logger.With("component", "extract"),
		lastMethod: make(map[string]string),
	}
}

// Health exposes the selector health tracker.
func (c *Coordinator) Health() *SelectorHealth { return c.health }

// LastMethod returns the strategy that last succeeded for an
// (oem, page_type), or "".
func (c *Coordinator) LastMethod(oemID, pageType string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMethod[oemID+"|"+pageType]
}

// Extract runs the ladder. It returns the first result whose confidence
// meets the threshold; if none does, ErrExtractionFailed wraps the best
// attempt's confidence.
func (c *Coordinator) Extract(ctx context.Context, in *Input) (*Result, error) {
	if in.DOMText == "" && in.RenderedHTML != "" {
		text, err := NormalizeDOMText(in.RenderedHTML)
		if err != nil {
			c.logger.Warn("dom text normalisation failed", "error", err)
		} else {
			in.DOMText = WindowFor(text)
		}
	}

	var best *Result
	for _, s := range c.strategies {
		res, err := s.Extract(ctx, in)
		if err != nil {
			c.logger.Warn("extraction strategy errored",
				"strategy", s.Name(), "oem", oemID(in), "page_type", in.PageType, "error", err)
			c.recordOutcome(s, in, false)
			continue
		}
		if res == nil {
			// strategy does not apply to this input
			continue
		}

		passed := res.Confidence >= ConfidenceThreshold
		c.recordOutcome(s, in, passed)
		c.logger.Debug("extraction strategy ran",
			"strategy", s.Name(), "oem", oemID(in), "page_type", in.PageType,
			"confidence", res.Confidence, "elapsed_ms", res.ExtractionMs)

		if passed {
			c.remember(in, res.Method)
			return res, nil
		}
		if best == nil || res.Confidence > best.Confidence {
			best = res
		}
	}

	if best != nil {
		return best, fmt.Errorf("%w (best %s at %.2f)", ErrExtractionFailed, best.Method, best.Confidence)
	}
	return nil, ErrExtractionFailed
}

func (c *Coordinator) recordOutcome(s Strategy, in *Input, ok bool) {
	if _, isDOM := s.(DOMSelectors); isDOM && in.OEM != nil {
		c.health.Record(in.OEM.ID, string(in.PageType), ok)
	}
}

func (c *Coordinator) remember(in *Input, method string) {
	if in.OEM == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastMethod[in.OEM.ID+"|"+string(in.PageType)] = method
}

func oemID(in *Input) string {
	if in.OEM == nil {
		return ""
	}
	return in.OEM.ID
}
