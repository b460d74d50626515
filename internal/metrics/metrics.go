// Package metrics holds the Prometheus collectors shared by the admission
// path, the persistence worker and the cache.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Admissions      *prometheus.CounterVec // result
	OrdersPersisted prometheus.Counter
	OrdersRejected  *prometheus.CounterVec // reason
	WorkerFailures  prometheus.Counter
	PendingReplayed prometheus.Counter
	EntriesClaimed  prometheus.Counter
	CacheLookups    *prometheus.CounterVec // strategy, outcome
	CacheRebuilds   *prometheus.CounterVec // strategy
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seckill_admissions_total",
			Help: "Flash-sale admission attempts by result.",
		}, []string{"result"}),
		OrdersPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seckill_orders_persisted_total",
			Help: "Voucher orders committed to the durable store.",
		}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seckill_orders_rejected_total",
			Help: "Queue entries dropped during re-validation by reason.",
		}, []string{"reason"}),
		WorkerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seckill_worker_failures_total",
			Help: "Queue entries left unacknowledged after a processing error.",
		}),
		PendingReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seckill_pending_replayed_total",
			Help: "Entries acknowledged from the pending list during recovery.",
		}),
		EntriesClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seckill_entries_claimed_total",
			Help: "Idle entries taken over from other consumers' pending lists.",
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Cache-aside lookups by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		CacheRebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_rebuilds_total",
			Help: "Backing-store loads that repopulated the cache.",
		}, []string{"strategy"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Admissions, m.OrdersPersisted, m.OrdersRejected, m.WorkerFailures,
			m.PendingReplayed, m.EntriesClaimed, m.CacheLookups, m.CacheRebuilds,
		)
	}
	return m
}
