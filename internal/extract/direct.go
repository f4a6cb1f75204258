package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oemwatch/oemwatch/internal/canonical"
	"github.com/oemwatch/oemwatch/internal/config"
	"github.com/oemwatch/oemwatch/internal/models"
)

// DirectAPI applies a declarative per-OEM JSON-path mapping to a retained
// API payload. Confidence: 0.95 when every entity has its required fields,
// 0.40 when entities came out with gaps, 0 otherwise.
type DirectAPI struct{}

func (DirectAPI) Name() string { return "direct_api" }

func (DirectAPI) Extract(_ context.Context, in *Input) (*Result, error) {
	if len(in.APIPayload) == 0 || in.OEM == nil {
		return nil, nil
	}
	mapping, ok := in.OEM.APIMappings[string(in.APIDataType)]
	if !ok {
		return nil, nil
	}

	start := time.Now()

	var tree any
	if err := json.Unmarshal(in.APIPayload, &tree); err != nil {
		return nil, fmt.Errorf("parsing api payload: %w", err)
	}

	items, ok := resolvePath(tree, mapping.Items).([]any)
	if !ok {
		return &Result{Method: "direct_api", Confidence: 0, ExtractionMs: time.Since(start).Milliseconds()}, nil
	}

	var ents Entities
	complete := true
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		fields := mappedFields(obj, mapping)
		if fields["external_key"] == "" {
			complete = false
			continue
		}
		if fields["title"] == "" {
			complete = false
		}

		switch in.APIDataType {
		case models.APIDataOffers:
			ents.Offers = append(ents.Offers, offerFromFields(fields))
		default:
			ents.Products = append(ents.Products, productFromFields(fields))
		}
	}

	res := &Result{
		Entities:     ents,
		Method:       "direct_api",
		ExtractionMs: time.Since(start).Milliseconds(),
	}
	switch {
	case ents.Empty():
		res.Confidence = 0
	case complete:
		res.Confidence = 0.95
	default:
		res.Confidence = 0.40
	}
	return res, nil
}

// mappedFields resolves every mapped path of one payload item to a string.
func mappedFields(obj map[string]any, mapping config.APIMapping) map[string]string {
	out := map[string]string{
		"external_key": stringify(resolvePath(obj, mapping.Key)),
	}
	for field, path := range mapping.Fields {
		out[field] = stringify(resolvePath(obj, path))
	}
	return out
}

// resolvePath walks a dotted path through nested JSON objects.
func resolvePath(v any, path string) any {
	if path == "" || path == "." {
		return v
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return canonical.CollapseWhitespace(t)
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func productFromFields(f map[string]string) models.Product {
	p := models.Product{
		ExternalKey:  f["external_key"],
		Title:        f["title"],
		Subtitle:     f["subtitle"],
		BodyType:     f["body_type"],
		FuelType:     f["fuel_type"],
		Availability: f["availability"],
	}
	if price := parsePriceField(f); price != nil {
		p.Price = price
	}
	if cta := f["cta_link"]; cta != "" {
		p.CTALinks = []string{cta}
	}
	return p
}

func offerFromFields(f map[string]string) models.Offer {
	o := models.Offer{
		ExternalKey: f["external_key"],
		Title:       f["title"],
		OfferType:   f["offer_type"],
		Description: f["description"],
	}
	if models := f["applicable_models"]; models != "" {
		o.ApplicableModels = splitList(models)
	}
	if price := parsePriceField(f); price != nil {
		o.Price = price
	}
	if saving := f["saving_amount"]; saving != "" {
		if cents, err := canonical.ParseMinorUnits(saving); err == nil {
			o.SavingAmount = cents
		}
	}
	if start := f["validity_start"]; start != "" {
		if t, err := time.Parse(time.RFC3339, start); err == nil {
			o.ValidityStart = &t
		}
	}
	if end := f["validity_end"]; end != "" {
		if t, err := time.Parse(time.RFC3339, end); err == nil {
			o.ValidityEnd = &t
		}
	}
	return o
}

func parsePriceField(f map[string]string) *models.Price {
	raw := f["price"]
	if raw == "" {
		return nil
	}
	price := &models.Price{RawString: raw, Currency: f["currency"]}
	if cents, err := canonical.ParseMinorUnits(raw); err == nil {
		price.Amount = cents
	}
	if price.Currency == "" {
		price.Currency = "AUD"
	}
	return price
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
