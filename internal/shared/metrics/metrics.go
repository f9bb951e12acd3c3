// Package metrics holds the Prometheus collectors of the auction engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "liveauction"

// Bid outcomes used as the "outcome" label of BidsTotal.
const (
	OutcomeAccepted    = "accepted"
	OutcomeTooLow      = "too_low"
	OutcomeNotOpen     = "not_open"
	OutcomeExpired     = "expired"
	OutcomeNotFound    = "not_found"
	OutcomeInvalid     = "invalid"
	OutcomeUnavailable = "unavailable"
)

// Metrics groups every collector. Build one with New and hand it to the
// engine, the hub and the HTTP layer; Register exposes it.
type Metrics struct {
	BidsTotal        *prometheus.CounterVec
	BidCASAttempts   prometheus.Histogram
	VersionConflicts prometheus.Counter

	AuctionsOpened *prometheus.CounterVec
	AuctionsClosed *prometheus.CounterVec
	SweepDuration  prometheus.Histogram

	HubSubscriptions prometheus.Gauge
	HubDelivered     prometheus.Counter
	HubDropped       *prometheus.CounterVec
	HubSinkErrors    prometheus.Counter

	PublishFailures *prometheus.CounterVec
	RateLimited     prometheus.Counter

	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the collectors without registering them.
func New() *Metrics {
	return &Metrics{
		BidsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "bids_total",
			Help:      "Bids processed by the engine, by outcome",
		}, []string{"outcome"}),
		BidCASAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "bid_cas_attempts",
			Help:      "Compare-and-swap attempts needed per bid",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 12, 16},
		}),
		VersionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "version_conflicts_total",
			Help:      "Optimistic concurrency conflicts retried by the engine",
		}),
		AuctionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "auctions_opened_total",
			Help:      "Auctions moved from scheduled to open, by trigger",
		}, []string{"trigger"}),
		AuctionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "auctions_closed_total",
			Help:      "Auctions finalized, by result",
		}, []string{"result"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one open/close sweep",
			Buckets:   prometheus.DefBuckets,
		}),
		HubSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "subscriptions",
			Help:      "Live subscriptions",
		}),
		HubDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "events_delivered_total",
			Help:      "Events delivered to sinks",
		}),
		HubDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "events_dropped_total",
			Help:      "Events not delivered, by reason",
		}, []string{"reason"}),
		HubSinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "sink_errors_total",
			Help:      "Sink delivery failures, each one ends its subscription",
		}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "publish_failures_total",
			Help:      "Outbound messages the broker refused, by topic",
		}, []string{"topic"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Bid requests rejected by the rate limiter",
		}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// Register adds every collector, plus the Go and process collectors, to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	cs := []prometheus.Collector{
		m.BidsTotal,
		m.BidCASAttempts,
		m.VersionConflicts,
		m.AuctionsOpened,
		m.AuctionsClosed,
		m.SweepDuration,
		m.HubSubscriptions,
		m.HubDelivered,
		m.HubDropped,
		m.HubSinkErrors,
		m.PublishFailures,
		m.RateLimited,
		m.HTTPRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the exposition format for the collectors in g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
