package extract

import (
	"sync"
)

// healthWindow is the trailing number of attempts the success rate is
// computed over.
const healthWindow = 20

// minHealthyRate is the success rate below which a selector set is skipped.
const minHealthyRate = 0.5

// SelectorHealth tracks per-(oem, page_type) DOM-selector outcomes over a
// trailing window. Safe for concurrent use.
type SelectorHealth struct {
	mu      sync.Mutex
	windows map[string][]bool
}

// NewSelectorHealth creates an empty tracker.
func NewSelectorHealth() *SelectorHealth {
	return &SelectorHealth{windows: make(map[string][]bool)}
}

// Record appends one attempt outcome for an (oem, page_type) selector set.
func (h *SelectorHealth) Record(oemID, pageType string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := oemID + "|" + pageType
	w := append(h.windows[key], ok)
	if len(w) > healthWindow {
		w = w[len(w)-healthWindow:]
	}
	h.windows[key] = w
}

// Rate returns the trailing success rate; an unseen selector set is healthy.
func (h *SelectorHealth) Rate(oemID, pageType string) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	w := h.windows[oemID+"|"+pageType]
	if len(w) == 0 {
		return 1.0
	}
	hits := 0
	for _, ok := range w {
		if ok {
			hits++
		}
	}
	return float64(hits) / float64(len(w))
}

// Healthy reports whether the selector set should be attempted at all.
func (h *SelectorHealth) Healthy(oemID, pageType string) bool {
	return h.Rate(oemID, pageType) >= minHealthyRate
}
