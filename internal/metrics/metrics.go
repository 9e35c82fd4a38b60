// Package metrics exposes the Prometheus collectors for the jamnet
// pipeline. Each process registers the same collector set under its own
// registry so dashboards can scrape emitter, amplifier and attributor
// uniformly.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the pipeline-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	rpcAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jamnet",
			Subsystem: "rpc",
			Name:      "attempts_total",
			Help:      "Total RPC attempts by endpoint index and error class.",
		},
		[]string{"endpoint", "class"},
	)

	rpcFailovers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "jamnet",
			Subsystem: "rpc",
			Name:      "failover_total",
			Help:      "Total endpoint rotations after a failed attempt.",
		},
	)

	emissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jamnet",
			Subsystem: "emitter",
			Name:      "emissions_total",
			Help:      "Total emission attempts by outcome.",
		},
		[]string{"outcome"},
	)

	emissionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "jamnet",
			Subsystem: "emitter",
			Name:      "tick_duration_seconds",
			Help:      "Duration of emitter ticks.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	amplifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jamnet",
			Subsystem: "amplifier",
			Name:      "amplifications_total",
			Help:      "Total signal amplifications by outcome.",
		},
		[]string{"outcome"},
	)

	bundleOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jamnet",
			Subsystem: "amplifier",
			Name:      "bundles_total",
			Help:      "Capture bundle submissions by terminal state.",
		},
		[]string{"state"},
	)

	attestations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jamnet",
			Subsystem: "attributor",
			Name:      "attestations_total",
			Help:      "Yield attestations by outcome.",
		},
		[]string{"outcome"},
	)

	matchSimilarity = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "jamnet",
			Subsystem: "attributor",
			Name:      "match_similarity",
			Help:      "Similarity scores of candidate matches.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		},
	)
)

func init() {
	Registry.MustRegister(
		rpcAttempts,
		rpcFailovers,
		emissions,
		emissionDuration,
		amplifications,
		bundleOutcomes,
		attestations,
		matchSimilarity,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordRPCAttempt records one RPC attempt against an endpoint. Class is
// "ok" for successes, otherwise the error class name.
func RecordRPCAttempt(endpoint, class string) {
	rpcAttempts.WithLabelValues(endpoint, class).Inc()
}

// RecordRPCFailover records one endpoint rotation.
func RecordRPCFailover() {
	rpcFailovers.Inc()
}

// RecordEmission records an emitter tick outcome and duration.
func RecordEmission(outcome string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	emissions.WithLabelValues(outcome).Inc()
	emissionDuration.Observe(duration.Seconds())
}

// RecordAmplification records one amplification outcome.
func RecordAmplification(outcome string) {
	amplifications.WithLabelValues(outcome).Inc()
}

// RecordBundle records a capture bundle terminal state.
func RecordBundle(state string) {
	bundleOutcomes.WithLabelValues(state).Inc()
}

// RecordAttestation records one attestation outcome.
func RecordAttestation(outcome string) {
	attestations.WithLabelValues(outcome).Inc()
}

// ObserveSimilarity records a candidate match similarity score.
func ObserveSimilarity(score float64) {
	matchSimilarity.Observe(score)
}
