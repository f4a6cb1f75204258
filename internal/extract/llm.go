package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oemwatch/oemwatch/internal/llm"
)

const llmExtractionConfidence = 0.70

const extractionSystemPrompt = `You extract structured vehicle catalogue data from web page text.
Return ONLY a JSON object of the form:
{"products":[{"external_key":"","title":"","subtitle":"","body_type":"","fuel_type":"","availability":"","price":"","currency":""}],
"offers":[{"external_key":"","title":"","offer_type":"","description":"","price":"","saving_amount":"","validity_end":""}]}
Omit entries you cannot ground in the text. external_key is a lowercase slug of the model or offer name.
Prices are the displayed strings. availability is one of: available, run_out, discontinued, coming_soon, or empty.`

// Router is the slice of the LLM router the extractor needs.
type Router interface {
	Call(ctx context.Context, task llm.Task, system, prompt string, requireJSON bool) (*llm.CallResult, error)
}

// LLM is the last rung of the ladder: a bounded text window plus the target
// schema goes to the router under the extraction task. Confidence is 0.70 on
// a clean parse, 0 otherwise. Retries live in the router.
type LLM struct {
	Router Router
}

func (LLM) Name() string { return "llm_extraction" }

func (s LLM) Extract(ctx context.Context, in *Input) (*Result, error) {
	if s.Router == nil || in.DOMText == "" {
		return nil, nil
	}

	start := time.Now()

	res, err := s.Router.Call(ctx, llm.TaskExtraction, extractionSystemPrompt, in.DOMText, true)
	if err != nil {
		return nil, fmt.Errorf("llm extraction call: %w", err)
	}

	raw, err := llm.ExtractJSON(res.Content)
	if err != nil {
		return &Result{Method: "llm_extraction", Confidence: 0, ExtractionMs: time.Since(start).Milliseconds()}, nil
	}

	var payload struct {
		Products []map[string]string `json:"products"`
		Offers   []map[string]string `json:"offers"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return &Result{Method: "llm_extraction", Confidence: 0, ExtractionMs: time.Since(start).Milliseconds()}, nil
	}

	var ents Entities
	for _, f := range payload.Products {
		if f["external_key"] == "" {
			f["external_key"] = slugify(f["title"])
		}
		if f["external_key"] == "" {
			continue
		}
		p := productFromFields(f)
		p.Meta = map[string]string{"extraction_method": "llm"}
		ents.Products = append(ents.Products, p)
	}
	for _, f := range payload.Offers {
		if f["external_key"] == "" {
			f["external_key"] = slugify(f["title"])
		}
		if f["external_key"] == "" {
			continue
		}
		o := offerFromFields(f)
		if o.ValidityEnd == nil {
			// The model often returns bare dates; accept those too.
			if t, err := time.Parse("2006-01-02", f["validity_end"]); err == nil {
				o.ValidityEnd = &t
			}
		}
		o.Meta = map[string]string{"extraction_method": "llm"}
		ents.Offers = append(ents.Offers, o)
	}

	out := &Result{
		Entities:     ents,
		Method:       "llm_extraction",
		ExtractionMs: time.Since(start).Milliseconds(),
	}
	if !ents.Empty() {
		out.Confidence = llmExtractionConfidence
	}
	return out, nil
}

// WindowFor trims normalised DOM text to the LLM window size, cutting on a
// line boundary where possible.
func WindowFor(domText string) string {
	if len(domText) <= MaxDOMTextBytes {
		return domText
	}
	cut := domText[:MaxDOMTextBytes]
	if i := lastNewline(cut); i > MaxDOMTextBytes/2 {
		cut = cut[:i]
	}
	return cut
}

func lastNewline(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return i
		}
	}
	return -1
}
