package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openclaw/launcher/internal/core/domain"
	"github.com/openclaw/launcher/internal/core/ports"
	"github.com/openclaw/launcher/internal/core/services"
	"github.com/openclaw/launcher/internal/egress"
)

// launcherCollector builds metrics from the status cache, restart
// counters, and egress counters at scrape time. Instances are labeled by
// identity only; wallet keys never appear in metric labels.
type launcherCollector struct {
	registry ports.Registry
	cache    *services.StatusCache
	restarts *services.RestartCounters
	counters *egress.Counters

	instanceCount *prometheus.Desc
	instanceUp    *prometheus.Desc
	instanceCPU   *prometheus.Desc
	instanceMem   *prometheus.Desc
	restartTotal  *prometheus.Desc
	egressAllowed *prometheus.Desc
	egressBlocked *prometheus.Desc
}

func newLauncherCollector(
	registry ports.Registry,
	cache *services.StatusCache,
	restarts *services.RestartCounters,
	counters *egress.Counters,
) *launcherCollector {
	return &launcherCollector{
		registry: registry,
		cache:    cache,
		restarts: restarts,
		counters: counters,
		instanceCount: prometheus.NewDesc(
			"openclaw_instances",
			"Number of registered instances.",
			nil, nil,
		),
		instanceUp: prometheus.NewDesc(
			"openclaw_instance_up",
			"Whether the instance was running at the last reconciliation pass.",
			[]string{"instance"}, nil,
		),
		instanceCPU: prometheus.NewDesc(
			"openclaw_instance_cpu_percent",
			"CPU usage of the instance, normalized by core count.",
			[]string{"instance"}, nil,
		),
		instanceMem: prometheus.NewDesc(
			"openclaw_instance_memory_bytes",
			"Memory usage of the instance in bytes.",
			[]string{"instance"}, nil,
		),
		restartTotal: prometheus.NewDesc(
			"openclaw_instance_restarts_total",
			"Unexpected exits observed since launcherd started.",
			[]string{"instance"}, nil,
		),
		egressAllowed: prometheus.NewDesc(
			"openclaw_egress_allowed_total",
			"Egress requests that passed validation.",
			nil, nil,
		),
		egressBlocked: prometheus.NewDesc(
			"openclaw_egress_blocked_total",
			"Egress requests rejected by validation.",
			nil, nil,
		),
	}
}

func (lc *launcherCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- lc.instanceCount
	ch <- lc.instanceUp
	ch <- lc.instanceCPU
	ch <- lc.instanceMem
	ch <- lc.restartTotal
	ch <- lc.egressAllowed
	ch <- lc.egressBlocked
}

func (lc *launcherCollector) Collect(ch chan<- prometheus.Metric) {
	doc := lc.registry.Load()
	ch <- prometheus.MustNewConstMetric(lc.instanceCount, prometheus.GaugeValue, float64(len(doc.Instances)))

	for identity, entry := range lc.cache.Snapshot() {
		up := 0.0
		if entry.Status == domain.StatusRunning {
			up = 1.0
		}
		ch <- prometheus.MustNewConstMetric(lc.instanceUp, prometheus.GaugeValue, up, identity)
		ch <- prometheus.MustNewConstMetric(lc.instanceCPU, prometheus.GaugeValue, entry.CPUPercent, identity)
		ch <- prometheus.MustNewConstMetric(lc.instanceMem, prometheus.GaugeValue, float64(entry.MemoryBytes), identity)
	}
	for identity, count := range lc.restarts.Snapshot() {
		ch <- prometheus.MustNewConstMetric(lc.restartTotal, prometheus.CounterValue, float64(count), identity)
	}

	ch <- prometheus.MustNewConstMetric(lc.egressAllowed, prometheus.CounterValue, float64(lc.counters.Allowed()))
	ch <- prometheus.MustNewConstMetric(lc.egressBlocked, prometheus.CounterValue, float64(lc.counters.Blocked()))
}

// MetricsHandler returns the Prometheus scrape endpoint as a Fiber
// handler, bridged through the net/http adaptor.
func MetricsHandler(
	registry ports.Registry,
	cache *services.StatusCache,
	restarts *services.RestartCounters,
	counters *egress.Counters,
) fiber.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newLauncherCollector(registry, cache, restarts, counters))
	return adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
}
