// Package probe mines network-observer traffic for JSON endpoints that carry
// catalogue data, scores them, and decides when a page crawl can replay a
// known endpoint instead of paying for a browser render.
package probe

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/oemwatch/oemwatch/internal/models"
)

// Recognisable array keys per payload type. Matching is case-insensitive on
// the key name at any of the first three nesting levels.
var dataTypeKeys = map[models.APIDataType][]string{
	models.APIDataProducts: {"products", "vehicles", "nameplates", "models", "cars"},
	models.APIDataOffers:   {"offers", "deals", "specials", "promotions"},
	models.APIDataConfig:   {"configurations", "trims", "grades", "options"},
	models.APIDataMedia:    {"images", "media", "assets", "gallery"},
}

// ClassifyPayload parses body as JSON and tags its payload shape. Returns
// false if the body is not JSON at all.
func ClassifyPayload(body []byte) (models.APIDataType, bool) {
	var tree any
	if err := json.Unmarshal(body, &tree); err != nil {
		return models.APIDataUnknown, false
	}
	if dt := sniff(tree, 0); dt != "" {
		return dt, true
	}
	return models.APIDataUnknown, true
}

func sniff(v any, depth int) models.APIDataType {
	if depth > 3 {
		return ""
	}
	m, ok := v.(map[string]any)
	if !ok {
		if arr, ok := v.([]any); ok && depth == 0 && len(arr) > 0 {
			// A bare top-level array of objects: look inside the first
			// element for identifying fields.
			if el, ok := arr[0].(map[string]any); ok {
				return sniffElement(el)
			}
		}
		return ""
	}
	for k, val := range m {
		lk := strings.ToLower(k)
		if _, isArr := val.([]any); isArr {
			for dt, keys := range dataTypeKeys {
				for _, want := range keys {
					if lk == want {
						return dt
					}
				}
			}
		}
	}
	for _, val := range m {
		if dt := sniff(val, depth+1); dt != "" {
			return dt
		}
	}
	return ""
}

// sniffElement guesses a type from the fields of a single array element.
func sniffElement(el map[string]any) models.APIDataType {
	has := func(keys ...string) bool {
		for _, k := range keys {
			if _, ok := el[k]; ok {
				return true
			}
		}
		return false
	}
	switch {
	case has("offer_type", "validity_end", "saving"):
		return models.APIDataOffers
	case has("nameplate", "model_name", "body_type", "msrp"):
		return models.APIDataProducts
	default:
		return ""
	}
}

var (
	numericSegment = regexp.MustCompile(`^\d+$`)
	hexSegment     = regexp.MustCompile(`^[0-9a-fA-F-]{16,}$`)
)

// TemplateURL normalises a concrete URL into a registry template: numeric
// path segments become {id}, long hex or UUID segments become {token}.
// Brand and model slugs stay literal.
func TemplateURL(raw string) string {
	base, query, _ := strings.Cut(raw, "?")
	segs := strings.Split(base, "/")
	for i, s := range segs {
		switch {
		case numericSegment.MatchString(s):
			segs[i] = "{id}"
		case hexSegment.MatchString(s) && strings.ContainsAny(s, "0123456789"):
			segs[i] = "{token}"
		}
	}
	out := strings.Join(segs, "/")
	if query != "" {
		out += "?" + query
	}
	return out
}
