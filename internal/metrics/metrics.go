// Package metrics defines the Prometheus instrumentation shared by the
// session registry, sync engine and voucher lifecycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles all collectors. Construct once per process and inject.
type Metrics struct {
	SessionsActive prometheus.Gauge
	ConnectsTotal  *prometheus.CounterVec
	SyncRunsTotal  *prometheus.CounterVec
	SyncEntities   *prometheus.CounterVec
	VoucherBatches *prometheus.CounterVec
	VoucherCreds   prometheus.Counter
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "rosfleet_sessions_active",
			Help: "Number of live router sessions held by the registry.",
		}),
		ConnectsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rosfleet_connects_total",
			Help: "Router connect attempts by result.",
		}, []string{"result"}),
		SyncRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rosfleet_sync_runs_total",
			Help: "Sync invocations by result.",
		}, []string{"result"}),
		SyncEntities: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rosfleet_sync_entities_total",
			Help: "Entities processed by sync, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		VoucherBatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rosfleet_voucher_batches_total",
			Help: "Voucher batches reaching a terminal status.",
		}, []string{"status"}),
		VoucherCreds: f.NewCounter(prometheus.CounterOpts{
			Name: "rosfleet_voucher_credentials_total",
			Help: "Credentials persisted by voucher batch generation.",
		}),
	}
}
