// Package metrics exposes Prometheus instrumentation for the crawler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PagesChecked counts page checks by OEM and result
	// (changed, unchanged, not_found, blocked, error).
	PagesChecked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oemwatch_pages_checked_total",
		Help: "Page checks performed, by OEM and result.",
	}, []string{"oem", "result"})

	// ChangesDetected counts change events by OEM and severity.
	ChangesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oemwatch_changes_detected_total",
		Help: "Change events recorded, by OEM and severity.",
	}, []string{"oem", "severity"})

	// FetchRequests counts outbound fetches by error kind (ok, transient,
	// permanent, blocked, timeout).
	FetchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oemwatch_fetch_requests_total",
		Help: "Outbound HTTP fetches, by outcome kind.",
	}, []string{"kind"})

	// Extractions counts extraction attempts by method and outcome.
	Extractions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oemwatch_extractions_total",
		Help: "Extraction attempts, by method and outcome.",
	}, []string{"method", "outcome"})

	// LLMCostUSD accumulates LLM spend by provider and model.
	LLMCostUSD = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oemwatch_llm_cost_usd_total",
		Help: "Cumulative LLM spend in USD, by provider and model.",
	}, []string{"provider", "model"})

	// LLMLatency observes chat-completion round trips by provider and model.
	LLMLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oemwatch_llm_latency_seconds",
		Help:    "LLM call latency, by provider and model.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"provider", "model"})

	// FetchDuration observes outbound fetch latency by outcome kind.
	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oemwatch_fetch_duration_seconds",
		Help:    "Outbound HTTP fetch latency, by outcome kind.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"kind"})

	// APIReplays counts discovered-API replay attempts by outcome.
	APIReplays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oemwatch_api_replays_total",
		Help: "Discovered API replay attempts, by outcome.",
	}, []string{"outcome"})

	// RunDuration observes how long one OEM import run takes.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oemwatch_run_duration_seconds",
		Help:    "Duration of one OEM import run.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"oem", "status"})

	// BrowserSessions gauges currently open render sessions.
	BrowserSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oemwatch_browser_sessions_active",
		Help: "Currently open browser render sessions.",
	})
)
