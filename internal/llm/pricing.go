package llm

import "sort"

// ModelPrice is the cost of one model in USD per million tokens.
type ModelPrice struct {
	Provider      Provider
	Model         string
	InputPerMTok  float64
	OutputPerMTok float64
}

// defaultPrices covers the models the default routing table uses. Overridable
// at router construction.
var defaultPrices = []ModelPrice{
	{ProviderAnthropic, "claude-3-5-haiku-latest", 0.80, 4.00},
	{ProviderAnthropic, "claude-sonnet-4-20250514", 3.00, 15.00},
	{ProviderOpenAI, "gpt-4o-mini", 0.15, 0.60},
	{ProviderOpenAI, "gpt-4o", 2.50, 10.00},
	{ProviderOpenRouter, "meta-llama/llama-3.1-8b-instruct", 0.05, 0.08},
	{ProviderOllama, "llama3.1", 0, 0},
}

// PriceTable resolves per-call costs.
type PriceTable struct {
	prices map[string]ModelPrice
}

// NewPriceTable builds a table from entries, falling back to defaults when
// entries is empty.
func NewPriceTable(entries []ModelPrice) *PriceTable {
	if len(entries) == 0 {
		entries = defaultPrices
	}
	t := &PriceTable{prices: make(map[string]ModelPrice, len(entries))}
	for _, p := range entries {
		t.prices[priceKey(p.Provider, p.Model)] = p
	}
	return t
}

// Cost computes the USD cost of a call. Unknown models cost zero.
func (t *PriceTable) Cost(provider Provider, model string, inputTokens, outputTokens int) float64 {
	p, ok := t.prices[priceKey(provider, model)]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*p.InputPerMTok + float64(outputTokens)/1e6*p.OutputPerMTok
}

// CheapestFirst lists every known model ordered by combined per-token price,
// cheapest first. Ties break on the key for a stable order.
func (t *PriceTable) CheapestFirst() []ModelPrice {
	out := make([]ModelPrice, 0, len(t.prices))
	for _, p := range t.prices {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		bi := out[i].InputPerMTok + out[i].OutputPerMTok
		bj := out[j].InputPerMTok + out[j].OutputPerMTok
		if bi != bj {
			return bi < bj
		}
		return priceKey(out[i].Provider, out[i].Model) < priceKey(out[j].Provider, out[j].Model)
	})
	return out
}

func priceKey(provider Provider, model string) string {
	return string(provider) + "/" + model
}
