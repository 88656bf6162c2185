package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	DriversOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})
	LocationUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Driver location updates by outcome"},
		[]string{"result"},
	)

	OffersCreated    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_created_total", Help: "Ride offers created"})
	OfferRounds      = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "offer_rounds_total", Help: "Waves or sequential steps dispatched"}, []string{"strategy"})
	OfferAccepts     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "offer_accepts_total", Help: "Accept attempts by result"}, []string{"result"})
	OffersClosed     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "offers_closed_total", Help: "Offers leaving the open state"}, []string{"status"})
	AcceptLatency    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "accept_latency_seconds", Help: "Offer accept critical section latency"})
	DelayJobsHandled = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "delay_jobs_total", Help: "Delay queue jobs handled by outcome"}, []string{"job", "result"})

	Settlements           = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "settlements_total", Help: "Trip settlements by outcome"}, []string{"outcome"})
	SettlementLegFailures = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "settlement_leg_failures_total", Help: "Wallet legs that failed after retries"}, []string{"leg"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
