package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the settlement engine
type Metrics struct {
	// Listing lifecycle
	ListingsCreated prometheus.Counter
	ListingsRemoved *prometheus.CounterVec // reason: unlisted, sold, failed, banned

	// Offer/settlement lifecycle
	OffersAccepted  *prometheus.CounterVec // rail: native, token
	OffersRejected  *prometheus.CounterVec // rail + reason
	Resolutions     *prometheus.CounterVec // outcome: sale, failed, malformed, over_budget, too_many_recipients, retried
	ResolutionDelay *prometheus.HistogramVec

	// Counterparty policy
	AccountsBanned prometheus.Counter

	// HTTP surface
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics
func NewMetrics(namespace, service string) *Metrics {
	return &Metrics{
		ListingsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "listings_created_total",
				Help:      "Total number of listings created",
			},
		),
		ListingsRemoved: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "listings_removed_total",
				Help:      "Total number of listings removed",
			},
			[]string{"reason"},
		),
		OffersAccepted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "offers_accepted_total",
				Help:      "Total number of offers that locked a listing",
			},
			[]string{"rail"},
		),
		OffersRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "offers_rejected_total",
				Help:      "Total number of rejected purchase attempts",
			},
			[]string{"rail", "reason"},
		),
		Resolutions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "resolutions_total",
				Help:      "Total number of settlement resolutions by outcome",
			},
			[]string{"outcome"},
		),
		ResolutionDelay: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "resolution_delay_seconds",
				Help:      "Time between offer acceptance and settlement resolution",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"rail"},
		),
		AccountsBanned: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "accounts_banned_total",
				Help:      "Total number of accounts added to the ban set",
			},
		),
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: service,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}
}

// Handler returns the /metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
