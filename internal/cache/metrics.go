package cache

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "filecache"

type metrics struct {
	requests    *prometheus.CounterVec
	writes      prometheus.Counter
	evictions   prometheus.Counter
	maintenance *prometheus.CounterVec
	size        prometheus.Gauge
}

// newMetrics 在 reg 上注册指标；reg 为 nil 时指标仍可用但不注册。
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Total number of cache lookups by result.",
		}, []string{"result"}),
		writes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "writes_total",
			Help:      "Total number of entries written.",
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "evictions_total",
			Help:      "Total number of entries removed by size-bounded eviction.",
		}),
		maintenance: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "maintenance_total",
			Help:      "Total number of maintenance passes by operation and status.",
		}, []string{"op", "status"}),
		size: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "size_bytes",
			Help:      "Last known aggregate size of the cache directory.",
		}),
	}
}

func (m *metrics) observeMaintenance(op string, err error) {
	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrMaintenanceBusy):
		status = "busy"
	default:
		status = "error"
	}
	m.maintenance.WithLabelValues(op, status).Inc()
}
