package canonical

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/oemwatch/oemwatch/internal/models"
)

// Price-change thresholds for high severity: relative and absolute
// (minor units, so 100000 = $1000).
const (
	highPriceRelative = 0.05
	highPriceAbsolute = 100000
)

// textFields are cosmetic copy fields: a diff touching only these is low
// severity.
var textFields = map[string]bool{
	"title":       true,
	"subtitle":    true,
	"description": true,
	"headline":    true,
	"subtext":     true,
	"disclaimer":  true,
	"summary":     true,
}

// imageFields identify presentation-only asset changes.
var imageFields = map[string]bool{
	"image_url": true,
	"hero_image": true,
}

// Classify maps a diff to the most specific event type and its severity.
// isCritical receives the top-level field name of each changed path; any
// critical hit bumps severity one level. now anchors the offer
// live/dead test for validity changes.
func Classify(diff map[string]FieldChange, isCritical func(string) bool, now time.Time) (models.EventType, models.Severity) {
	if len(diff) == 0 {
		return models.EventUpdated, models.SeverityLow
	}

	var (
		priceSev    models.Severity
		hasPrice    bool
		availSev    models.Severity
		hasAvail    bool
		validitySev models.Severity
		hasValidity bool
		textOnly    = true
		imageOnly   = true
	)

	for path, fc := range diff {
		top := topField(path)
		if !textFields[top] {
			textOnly = false
		}
		if !imageFields[top] {
			imageOnly = false
		}

		switch {
		case isPricePath(path):
			hasPrice = true
			sev := models.SeverityMedium
			if from, okF := asFloat(fc.From); okF {
				if to, okT := asFloat(fc.To); okT {
					delta := math.Abs(to - from)
					if delta > highPriceAbsolute || (from != 0 && delta/math.Abs(from) > highPriceRelative) {
						sev = models.SeverityHigh
					}
				}
			}
			if severityRank(sev) > severityRank(priceSev) {
				priceSev = sev
			}
		case top == "availability":
			hasAvail = true
			availSev = models.SeverityMedium
			if touchesEndState(fc) {
				availSev = models.SeverityHigh
			}
		case top == "validity_start" || top == "validity_end":
			hasValidity = true
			sev := models.SeverityMedium
			if top == "validity_end" && crossesNow(fc, now) {
				sev = models.SeverityHigh
			}
			if severityRank(sev) > severityRank(validitySev) {
				validitySev = sev
			}
		}
	}

	var event models.EventType
	var sev models.Severity
	switch {
	case hasPrice:
		event, sev = models.EventPriceChanged, priceSev
	case hasAvail:
		event, sev = models.EventAvailabilityChanged, availSev
	case hasValidity:
		event, sev = models.EventValidityChanged, validitySev
	case imageOnly:
		event, sev = models.EventDesignChanged, models.SeverityLow
	case textOnly:
		event, sev = models.EventUpdated, models.SeverityLow
	default:
		event, sev = models.EventUpdated, models.SeverityMedium
	}

	if isCritical != nil {
		for path := range diff {
			if isCritical(topField(path)) {
				sev = sev.Bump()
				break
			}
		}
	}

	return event, sev
}

func topField(path string) string {
	i := strings.IndexAny(path, ".[")
	if i < 0 {
		return path
	}
	return path[:i]
}

// isPricePath matches the amount of any price object and flat saving fields.
func isPricePath(path string) bool {
	if strings.HasSuffix(path, "price.amount") || path == "saving_amount" {
		return true
	}
	// a price object appearing or disappearing wholesale
	return topField(path) == "price" && (path == "price" || strings.HasSuffix(path, ".price"))
}

// touchesEndState reports whether either side of an availability change is a
// terminal state.
func touchesEndState(fc FieldChange) bool {
	for _, v := range []any{fc.From, fc.To} {
		if s, ok := v.(string); ok && (s == "run_out" || s == "discontinued") {
			return true
		}
	}
	return false
}

// crossesNow reports whether a validity_end change moves the offer across
// the live/expired boundary.
func crossesNow(fc FieldChange, now time.Time) bool {
	from, okF := asTime(fc.From)
	to, okT := asTime(fc.To)
	if !okF || !okT {
		// an end date appearing or disappearing always changes liveness
		return okF != okT
	}
	return from.After(now) != to.After(now)
}

func asTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}

func severityRank(s models.Severity) int {
	switch s {
	case models.SeverityCritical:
		return 4
	case models.SeverityHigh:
		return 3
	case models.SeverityMedium:
		return 2
	case models.SeverityLow:
		return 1
	default:
		return 0
	}
}
