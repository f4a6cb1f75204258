package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/oemwatch/oemwatch/internal/config"
	"github.com/oemwatch/oemwatch/internal/llm"
	"github.com/oemwatch/oemwatch/internal/models"
)

const vehicleListHTML = `<html><head><script>tracking()</script><style>.x{}</style></head>
<body>
<nav><a href="/">Home</a></nav>
<div class="vehicle-card" data-key="ranger-xlt">
  <h3 class="vehicle-title">Ranger   XLT</h3>
  <span class="vehicle-price">$59,990</span>
  <span class="vehicle-availability">available</span>
</div>
<div class="vehicle-card" data-key="everest-sport">
  <h3 class="vehicle-title">Everest Sport</h3>
  <span class="vehicle-price">$71,990</span>
  <span class="vehicle-availability">available</span>
</div>
</body></html>`

func testOEM() *config.OEM {
	return &config.OEM{
		ID:      "ford",
		Name:    "Ford Australia",
		BaseURL: "https://www.ford.com.au",
		Selectors: map[string]config.SelectorSet{
			"vehicles_index": {
				Item: "div.vehicle-card",
				Fields: map[string]string{
					"external_key": "@data-key",
					"title":        ".vehicle-title",
					"price":        ".vehicle-price",
					"availability": ".vehicle-availability",
				},
			},
		},
		APIMappings: map[string]config.APIMapping{
			"products": {
				Items: "data.nameplates",
				Key:   "slug",
				Fields: map[string]string{
					"title": "name",
					"price": "pricing.driveaway",
				},
			},
		},
	}
}

func TestNormalizeDOMText(t *testing.T) {
	text, err := NormalizeDOMText(vehicleListHTML)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(text, "tracking()") || strings.Contains(text, ".x{}") {
		t.Error("script/style content leaked into text")
	}
	if strings.Contains(text, "Home") {
		t.Error("nav content leaked into text")
	}
	if !strings.Contains(text, "Ranger XLT") {
		t.Errorf("visible text missing, got: %q", text)
	}
}

func TestRenderedHashIgnoresScriptChurn(t *testing.T) {
	a, err := RenderedHash(vehicleListHTML)
	if err != nil {
		t.Fatal(err)
	}
	b, err := RenderedHash(strings.Replace(vehicleListHTML, "tracking()", "tracking2()", 1))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("rendered hash changed on script-only difference")
	}

	c, err := RenderedHash(strings.Replace(vehicleListHTML, "$59,990", "$64,990", 1))
	if err != nil {
		t.Fatal(err)
	}
	if a == c {
		t.Error("rendered hash did not change on visible-text difference")
	}
}

func TestRenderedHashCoversTextBeyondLLMWindow(t *testing.T) {
	// Two pages whose visible text is identical for well past the LLM
	// window and differs only near the bottom of the document.
	page := func(price string) string {
		var b strings.Builder
		b.WriteString("<html><body>")
		for i := 0; b.Len() < MaxDOMTextBytes+4096; i++ {
			fmt.Fprintf(&b, "<p>model variant row %d with standard equipment list</p>", i)
		}
		fmt.Fprintf(&b, "<div class=\"vehicle-card\"><span class=\"vehicle-price\">%s</span></div>", price)
		b.WriteString("</body></html>")
		return b.String()
	}

	a, err := RenderedHash(page("$39,990"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := RenderedHash(page("$59,990"))
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("rendered hash identical despite text difference past the LLM window")
	}

	text, err := NormalizeDOMText(page("$39,990"))
	if err != nil {
		t.Fatal(err)
	}
	if len(text) <= MaxDOMTextBytes {
		t.Fatalf("normalised text = %d bytes, expected more than %d", len(text), MaxDOMTextBytes)
	}
	if w := WindowFor(text); len(w) > MaxDOMTextBytes {
		t.Errorf("llm window = %d bytes, want <= %d", len(w), MaxDOMTextBytes)
	}
}

func TestDirectAPIExtraction(t *testing.T) {
	payload := []byte(`{"data":{"nameplates":[
		{"slug":"ranger-xlt","name":"Ranger XLT","pricing":{"driveaway":59990}},
		{"slug":"everest-sport","name":"Everest Sport","pricing":{"driveaway":71990}}
	]}}`)

	res, err := DirectAPI{}.Extract(context.Background(), &Input{
		OEM:         testOEM(),
		PageType:    models.PageTypeVehiclesIndex,
		APIPayload:  payload,
		APIDataType: models.APIDataProducts,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Confidence != 0.95 {
		t.Errorf("confidence = %f, want 0.95", res.Confidence)
	}
	if len(res.Entities.Products) != 2 {
		t.Fatalf("products = %d, want 2", len(res.Entities.Products))
	}
	p := res.Entities.Products[0]
	if p.ExternalKey != "ranger-xlt" || p.Title != "Ranger XLT" {
		t.Errorf("product = %+v", p)
	}
	if p.Price == nil || p.Price.Amount != 5999000 {
		t.Errorf("price = %+v, want 5999000 minor units", p.Price)
	}
}

func TestDirectAPIMissingKeyLowersConfidence(t *testing.T) {
	payload := []byte(`{"data":{"nameplates":[
		{"slug":"ranger-xlt","name":"Ranger XLT"},
		{"name":"Mystery Model"}
	]}}`)

	res, err := DirectAPI{}.Extract(context.Background(), &Input{
		OEM:         testOEM(),
		APIPayload:  payload,
		APIDataType: models.APIDataProducts,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Confidence != 0.40 {
		t.Errorf("confidence = %f, want 0.40", res.Confidence)
	}
}

func TestDOMSelectorExtraction(t *testing.T) {
	res, err := DOMSelectors{}.Extract(context.Background(), &Input{
		OEM:          testOEM(),
		PageType:     models.PageTypeVehiclesIndex,
		RenderedHTML: vehicleListHTML,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Confidence < ConfidenceThreshold {
		t.Errorf("confidence = %f, want >= %f", res.Confidence, ConfidenceThreshold)
	}
	if len(res.Entities.Products) != 2 {
		t.Fatalf("products = %d, want 2", len(res.Entities.Products))
	}
	p := res.Entities.Products[0]
	if p.ExternalKey != "ranger-xlt" || p.Title != "Ranger XLT" || p.Availability != "available" {
		t.Errorf("product = %+v", p)
	}
	if p.Price == nil || p.Price.Amount != 5999000 {
		t.Errorf("price = %+v", p.Price)
	}
}

func TestDOMSkippedWhenUnhealthy(t *testing.T) {
	health := NewSelectorHealth()
	for i := 0; i < healthWindow; i++ {
		health.Record("ford", "vehicles_index", i%4 == 0) // 25% success
	}

	res, err := DOMSelectors{Health: health}.Extract(context.Background(), &Input{
		OEM:          testOEM(),
		PageType:     models.PageTypeVehiclesIndex,
		RenderedHTML: vehicleListHTML,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res != nil {
		t.Error("unhealthy selectors should be skipped")
	}
}

type fakeRouter struct {
	content string
	err     error
	calls   int
}

func (f *fakeRouter) Call(_ context.Context, _ llm.Task, _, _ string, _ bool) (*llm.CallResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CallResult{Content: f.content}, nil
}

func TestLLMExtraction(t *testing.T) {
	router := &fakeRouter{content: `{"products":[{"external_key":"ranger-xlt","title":"Ranger XLT","price":"$59,990"}],"offers":[]}`}
	res, err := LLM{Router: router}.Extract(context.Background(), &Input{
		OEM:     testOEM(),
		DOMText: "Ranger XLT $59,990",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Confidence != 0.70 {
		t.Errorf("confidence = %f, want 0.70", res.Confidence)
	}
	if len(res.Entities.Products) != 1 || res.Entities.Products[0].Price.Amount != 5999000 {
		t.Errorf("entities = %+v", res.Entities)
	}
}

func TestCoordinatorPrefersDirectAPI(t *testing.T) {
	router := &fakeRouter{content: `{"products":[]}`}
	c := NewCoordinator(router, nil, slog.Default())

	payload := []byte(`{"data":{"nameplates":[{"slug":"ranger-xlt","name":"Ranger XLT","pricing":{"driveaway":59990}}]}}`)
	res, err := c.Extract(context.Background(), &Input{
		OEM:          testOEM(),
		PageType:     models.PageTypeVehiclesIndex,
		RenderedHTML: vehicleListHTML,
		APIPayload:   payload,
		APIDataType:  models.APIDataProducts,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Method != "direct_api" {
		t.Errorf("method = %s, want direct_api", res.Method)
	}
	if router.calls != 0 {
		t.Error("LLM should not run when direct API succeeds")
	}
	if got := c.LastMethod("ford", "vehicles_index"); got != "direct_api" {
		t.Errorf("last method = %q", got)
	}
}

func TestCoordinatorFallsThroughToLLM(t *testing.T) {
	// No API payload and rotted selectors: only the LLM rung can answer.
	health := NewSelectorHealth()
	for i := 0; i < healthWindow; i++ {
		health.Record("ford", "vehicles_index", false)
	}
	router := &fakeRouter{content: `{"products":[{"external_key":"ranger-xlt","title":"Ranger XLT","price":"$59,990"}]}`}
	c := NewCoordinator(router, health, slog.Default())

	res, err := c.Extract(context.Background(), &Input{
		OEM:          testOEM(),
		PageType:     models.PageTypeVehiclesIndex,
		RenderedHTML: vehicleListHTML,
	})
	if err == nil {
		t.Fatal("expected threshold failure: LLM confidence 0.70 < 0.75")
	}
	if res == nil || res.Method != "llm_extraction" {
		t.Fatalf("expected best-effort llm result, got %+v", res)
	}
	if router.calls != 1 {
		t.Errorf("router calls = %d, want 1", router.calls)
	}
}

func TestCoordinatorHealthRecovery(t *testing.T) {
	health := NewSelectorHealth()
	for i := 0; i < healthWindow; i++ {
		health.Record("ford", "vehicles_index", true)
	}
	if !health.Healthy("ford", "vehicles_index") {
		t.Fatal("expected healthy selector set")
	}
	if rate := health.Rate("holden", "offers"); rate != 1.0 {
		t.Errorf("unseen selector rate = %f, want 1.0", rate)
	}
}
