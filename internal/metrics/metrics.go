// Package metrics exposes Prometheus counters and histograms for request
// outcomes, selector picks, and cooldown events. This is ambient
// observability, not part of the dispatch contract itself: nothing about
// dispatch correctness depends on these series being scraped.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "quotio"

// LatencyBuckets mirrors a typical LLM-gateway latency distribution:
// dense at sub-second granularity, coarser into multi-minute territory
// for slow/streaming completions.
var LatencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 13, 21, 34, 55, 89, 144, 233,
}

var (
	// RequestsTotal counts every dispatched attempt by outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total dispatch attempts by provider, model, and status.",
		},
		[]string{"provider", "model", "status"},
	)

	// RequestLatencySeconds tracks per-attempt latency.
	RequestLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "Per-attempt latency against a provider.",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider", "model"},
	)

	// CooldownEntriesTotal counts credentials entering cooldown, by reason.
	CooldownEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cooldown_entries_total",
			Help:      "Credentials entering cooldown, by provider and reason.",
		},
		[]string{"provider", "reason"},
	)

	// SelectorPicksTotal counts credential picks by selector strategy.
	SelectorPicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selector_picks_total",
			Help:      "Credential selections by selector strategy and provider.",
		},
		[]string{"strategy", "provider"},
	)

	// ModelCooldownResponsesTotal counts HTTP 429 model_cooldown responses
	// surfaced to clients.
	ModelCooldownResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_cooldown_responses_total",
			Help:      "HTTP 429 model_cooldown responses surfaced to clients, by model.",
		},
		[]string{"model"},
	)

	// HTTPRequestDurationSeconds tracks coarse, route-level request latency
	// (the full handler chain, including any dispatch retries), as opposed
	// to RequestLatencySeconds which tracks a single provider attempt.
	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "End-to-end HTTP handler latency by route and status.",
			Buckets:   LatencyBuckets,
		},
		[]string{"route", "status"},
	)
)
