// Package observability exposes Prometheus collectors for the relay and the
// asset cache engine. Collectors register on the default registry, which the
// server variant serves on its metrics endpoint.
package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	relayExchanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_exchanges_total",
		Help: "Relay exchanges by host variant, response mode, status code and final state.",
	}, []string{"variant", "mode", "status", "state"})

	relayDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatrelay_exchange_duration_seconds",
		Help:    "Time from request receipt to the end of the downstream response.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"variant", "mode"})

	relayStreamedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_streamed_bytes_total",
		Help: "Bytes piped from upstream event streams to clients.",
	}, []string{"variant"})

	relayAborts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_stream_aborts_total",
		Help: "Streams that ended before upstream finished, by reason.",
	}, []string{"variant", "reason"})

	cacheFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assetcache_fetches_total",
		Help: "Fetches handled by the asset cache engine, by strategy and response source.",
	}, []string{"strategy", "source"})
)

// Exchange summarizes one finished relay exchange.
type Exchange struct {
	Variant  string
	Mode     string
	Status   int
	State    string
	Duration time.Duration
	Streamed int64
	Abort    string
}

// RecordExchange updates the relay collectors.
func RecordExchange(e Exchange) {
	relayExchanges.WithLabelValues(e.Variant, e.Mode, strconv.Itoa(e.Status), e.State).Inc()
	relayDuration.WithLabelValues(e.Variant, e.Mode).Observe(e.Duration.Seconds())
	if e.Streamed > 0 {
		relayStreamedBytes.WithLabelValues(e.Variant).Add(float64(e.Streamed))
	}
	if e.Abort != "" {
		relayAborts.WithLabelValues(e.Variant, e.Abort).Inc()
	}
}

// RecordCacheFetch counts one intercepted fetch.
func RecordCacheFetch(strategy, source string) {
	cacheFetches.WithLabelValues(strategy, source).Inc()
}
