package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the engine's Prometheus collectors. A nil registerer yields
// unregistered collectors, which is what tests use.
type Metrics struct {
	Reservations       *prometheus.CounterVec
	Releases           *prometheus.CounterVec
	Settlements        prometheus.Counter
	Verdicts           *prometheus.CounterVec
	UnfulfilledOrders  prometheus.Counter
	SweepRuns          *prometheus.CounterVec
	SweepReservations  *prometheus.CounterVec
	GatewayCalls       *prometheus.HistogramVec
	AuditDiscrepancies prometheus.Counter
	PublishDropped     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Reservations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stock",
			Name:      "reservations_total",
			Help:      "Reserve attempts by result.",
		}, []string{"result"}),
		Releases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stock",
			Name:      "releases_total",
			Help:      "Reservations released back into stock by audit reason.",
		}, []string{"reason"}),
		Settlements: f.NewCounter(prometheus.CounterOpts{
			Namespace: "stock",
			Name:      "settled_reservations_total",
			Help:      "Reservations finalized as sold.",
		}),
		Verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stock",
			Name:      "gateway_verdicts_total",
			Help:      "Gateway verdicts by outcome and whether they changed state.",
		}, []string{"outcome", "applied"}),
		UnfulfilledOrders: f.NewCounter(prometheus.CounterOpts{
			Namespace: "stock",
			Name:      "unfulfilled_orders_total",
			Help:      "Authorized orders with reservations closed before settlement.",
		}),
		SweepRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stock",
			Name:      "reclaimer_sweeps_total",
			Help:      "Reclaimer sweep cycles by result.",
		}, []string{"result"}),
		SweepReservations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stock",
			Name:      "reclaimer_reservations_total",
			Help:      "Reservations handled by the reclaimer by action.",
		}, []string{"action"}),
		GatewayCalls: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stock",
			Name:      "gateway_call_seconds",
			Help:      "Payment gateway call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "result"}),
		AuditDiscrepancies: f.NewCounter(prometheus.CounterOpts{
			Namespace: "stock",
			Name:      "audit_discrepancies_total",
			Help:      "Items found with stock disagreeing with the audit log.",
		}),
		PublishDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "stock",
			Name:      "cache_publish_dropped_total",
			Help:      "Display stock updates dropped because the publish queue was full.",
		}),
	}
}
