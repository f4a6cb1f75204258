package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oemwatch/oemwatch/internal/metrics"
	"github.com/oemwatch/oemwatch/internal/models"
)

// ErrSpendCapExhausted is returned when every candidate model for a task has
// hit its monthly spend cap.
var ErrSpendCapExhausted = errors.New("monthly LLM spend cap exhausted")

// LLMFailure wraps the terminal failure after all retries and fallbacks.
type LLMFailure struct {
	Task Task
	Err  error
}

func (e *LLMFailure) Error() string {
	return fmt.Sprintf("llm task %s failed after retries and fallback: %v", e.Task, e.Err)
}

func (e *LLMFailure) Unwrap() error { return e.Err }

// ModelRef names one provider+model pair.
type ModelRef struct {
	Provider Provider
	Model    string
}

// Route is the primary/fallback pair for one task.
type Route struct {
	Primary  ModelRef
	Fallback ModelRef
}

// DefaultRoutes maps every task to a cheap primary with a stronger fallback.
func DefaultRoutes() map[Task]Route {
	cheap := ModelRef{ProviderOpenAI, "gpt-4o-mini"}
	strong := ModelRef{ProviderAnthropic, "claude-sonnet-4-20250514"}
	haiku := ModelRef{ProviderAnthropic, "claude-3-5-haiku-latest"}
	vision := ModelRef{ProviderOpenAI, "gpt-4o"}

	return map[Task]Route{
		TaskHTMLNormalisation:  {Primary: cheap, Fallback: haiku},
		TaskExtraction:         {Primary: cheap, Fallback: strong},
		TaskDiffClassification: {Primary: cheap, Fallback: haiku},
		TaskChangeSummary:      {Primary: haiku, Fallback: cheap},
		TaskDesignVision:       {Primary: vision, Fallback: strong},
		TaskContentGeneration:  {Primary: strong, Fallback: vision},
	}
}

// CallResult is a successful routed call.
type CallResult struct {
	Content      string
	Model        ModelRef
	WasFallback  bool
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// Router picks a model per task, retries once on the same model, falls back
// once, and records every attempt in the inference log. Safe for parallel
// callers; the only shared mutable state is the spend tracker and the sink.
type Router struct {
	caller Caller
	routes map[Task]Route
	prices *PriceTable
	sink   *Sink
	logger *slog.Logger

	capUSD    float64            // monthly default per model; 0 = uncapped
	modelCaps map[string]float64 // "provider/model" -> USD, overrides capUSD
	mu        sync.Mutex
	spend     map[string]float64 // "YYYY-MM|provider/model" -> USD
	now       func() time.Time

	batch      *Batcher
	batchTasks map[Task]bool
}

// NewRouter creates a router. routes may be nil to use DefaultRoutes.
func NewRouter(caller Caller, routes map[Task]Route, prices *PriceTable, sink *Sink, monthlyCapUSD float64, logger *slog.Logger) *Router {
	if routes == nil {
		routes = DefaultRoutes()
	}
	if prices == nil {
		prices = NewPriceTable(nil)
	}
	return &Router{
		caller: caller,
		routes: routes,
		prices: prices,
		sink:   sink,
		logger:    logger.With("component", "llm-router"),
		capUSD:    monthlyCapUSD,
		modelCaps: make(map[string]float64),
		spend:     make(map[string]float64),
		now:       time.Now,
	}
}

// SetModelCap overrides the monthly spend cap for one model.
func (r *Router) SetModelCap(provider Provider, model string, usd float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modelCaps[priceKey(provider, model)] = usd
}

// EnableBatching queues the named tasks for deferred batch execution at half
// the interactive price. Only tasks that tolerate the delay belong here.
func (r *Router) EnableBatching(tasks []Task, window time.Duration) {
	r.batchTasks = make(map[Task]bool, len(tasks))
	for _, t := range tasks {
		r.batchTasks[t] = true
	}
	r.batch = newBatcher(r, window, r.logger)
}

// Call routes one task. The attempt sequence is primary, primary again,
// then fallback; requireJSON adds a strict-JSON validation to each attempt.
// Batch-enabled tasks block until their batch window closes.
func (r *Router) Call(ctx context.Context, task Task, system, prompt string, requireJSON bool) (*CallResult, error) {
	if r.batch != nil && r.batchTasks[task] {
		return r.batch.submit(ctx, task, system, prompt, requireJSON)
	}
	return r.call(ctx, task, system, prompt, requireJSON, 1)
}

func (r *Router) call(ctx context.Context, task Task, system, prompt string, requireJSON bool, costScale float64) (*CallResult, error) {
	route, ok := r.routes[task]
	if !ok {
		return nil, fmt.Errorf("no route configured for task %s", task)
	}

	type attempt struct {
		ref      ModelRef
		fallback bool
	}
	attempts := []attempt{
		{route.Primary, false},
		{route.Primary, false},
		{route.Fallback, true},
	}

	var lastErr error
	capped := 0
	for _, a := range attempts {
		if r.capExceeded(a.ref) {
			capped++
			lastErr = ErrSpendCapExhausted
			continue
		}

		res, err := r.attempt(ctx, task, a.ref, a.fallback, system, prompt, requireJSON, costScale)
		if err == nil {
			return res, nil
		}
		lastErr = err
		r.logger.Warn("llm attempt failed",
			"task", task, "provider", a.ref.Provider, "model", a.ref.Model,
			"fallback", a.fallback, "error", err)
	}

	if capped == len(attempts) {
		return r.callCheapest(ctx, task, route, system, prompt, requireJSON, costScale)
	}
	return nil, &LLMFailure{Task: task, Err: lastErr}
}

// callCheapest reroutes a fully capped task to the cheapest model still under
// its cap, trying candidates in price order.
func (r *Router) callCheapest(ctx context.Context, task Task, route Route, system, prompt string, requireJSON bool, costScale float64) (*CallResult, error) {
	var lastErr error
	tried := 0
	for _, p := range r.prices.CheapestFirst() {
		ref := ModelRef{p.Provider, p.Model}
		if ref == route.Primary || ref == route.Fallback || r.capExceeded(ref) {
			continue
		}
		tried++
		r.logger.Warn("spend cap reached, rerouting to cheaper model",
			"task", task, "provider", ref.Provider, "model", ref.Model)
		res, err := r.attempt(ctx, task, ref, true, system, prompt, requireJSON, costScale)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	if tried == 0 {
		return nil, ErrSpendCapExhausted
	}
	return nil, &LLMFailure{Task: task, Err: lastErr}
}

func (r *Router) attempt(ctx context.Context, task Task, ref ModelRef, fallback bool, system, prompt string, requireJSON bool, costScale float64) (*CallResult, error) {
	start := r.now()
	resp, err := r.caller.Complete(ctx, Request{
		Provider:    ref.Provider,
		Model:       ref.Model,
		System:      system,
		Prompt:      prompt,
		RequireJSON: requireJSON,
	})
	latency := time.Since(start).Milliseconds()

	row := &models.InferenceLog{
		Provider:    string(ref.Provider),
		Model:       ref.Model,
		TaskType:    string(task),
		LatencyMs:   int(latency),
		WasFallback: fallback,
		PromptHash:  hashText(system + "\n" + prompt),
	}

	metrics.LLMLatency.WithLabelValues(string(ref.Provider), ref.Model).
		Observe(float64(latency) / 1000)

	var content string
	if resp != nil {
		row.InputTokens = resp.InputTokens
		row.OutputTokens = resp.OutputTokens
		row.CostUSD = r.prices.Cost(ref.Provider, ref.Model, resp.InputTokens, resp.OutputTokens) * costScale
		content = resp.Content
		r.addSpend(ref, row.CostUSD)
		metrics.LLMCostUSD.WithLabelValues(string(ref.Provider), ref.Model).Add(row.CostUSD)
	}

	if err == nil && requireJSON {
		if _, jerr := ExtractJSON(content); jerr != nil {
			err = jerr
		}
	}

	if err != nil {
		row.Status = models.InferenceFailed
		r.sink.Record(row)
		return nil, err
	}

	row.Status = models.InferenceOK
	row.ResponseHash = hashText(content)
	r.sink.Record(row)

	return &CallResult{
		Content:      content,
		Model:        ref,
		WasFallback:  fallback,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      row.CostUSD,
	}, nil
}

// ExtractJSON validates that text is (or contains, inside a markdown fence)
// a single JSON document, returning the raw JSON.
func ExtractJSON(text string) (string, error) {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
		s = strings.TrimSpace(s)
	}
	if !json.Valid([]byte(s)) {
		return "", fmt.Errorf("model output is not valid JSON")
	}
	return s, nil
}

// SeedSpend primes the current month's accumulator for one model, so a
// restart mid-month cannot overrun the cap.
func (r *Router) SeedSpend(provider, model string, usd float64) {
	if usd <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := r.now().UTC().Format("2006-01") + "|" + provider + "/" + model
	r.spend[key] += usd
}

func (r *Router) capExceeded(ref ModelRef) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	limit, ok := r.modelCaps[priceKey(ref.Provider, ref.Model)]
	if !ok {
		limit = r.capUSD
	}
	if limit <= 0 {
		return false
	}
	return r.spend[r.spendKey(ref)] >= limit
}

func (r *Router) addSpend(ref ModelRef, usd float64) {
	if usd == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spend[r.spendKey(ref)] += usd
}

func (r *Router) spendKey(ref ModelRef) string {
	return r.now().UTC().Format("2006-01") + "|" + string(ref.Provider) + "/" + ref.Model
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
