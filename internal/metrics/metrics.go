// Package metrics exposes scheduler and replication counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every datasync metric on its own registry.
// All methods are safe on a nil receiver so components can run without metrics.
type Collector struct {
	registry *prometheus.Registry

	runsFinished   *prometheus.CounterVec
	runDuration    prometheus.Histogram
	recordsSynced  prometheus.Counter
	leasesLost     *prometheus.CounterVec
	runsAbandoned  prometheus.Counter
	orphansDropped *prometheus.CounterVec
	scheduledJobs  prometheus.Gauge
	activeRuns     prometheus.Gauge
	workerLeader   prometheus.Gauge
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasync_runs_finished_total",
			Help: "Job runs by terminal status",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "datasync_run_duration_seconds",
			Help:    "Wall time of finished job runs",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		recordsSynced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasync_records_synced_total",
			Help: "Records written to the document store",
		}),
		leasesLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasync_leases_lost_total",
			Help: "Leases found reclaimed by another owner",
		}, []string{"kind"}),
		runsAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasync_runs_abandoned_total",
			Help: "Runs marked abandoned by the reaper",
		}),
		orphansDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasync_orphan_collections_dropped_total",
			Help: "Leftover staging and backup collections dropped by the reaper",
		}, []string{"kind"}),
		scheduledJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "datasync_scheduled_jobs",
			Help: "Jobs currently holding a cron entry",
		}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "datasync_active_runs",
			Help: "Runs executing in this process",
		}),
		workerLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "datasync_worker_lease_held",
			Help: "1 while this process holds the worker lease",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.runsFinished,
		c.runDuration,
		c.recordsSynced,
		c.leasesLost,
		c.runsAbandoned,
		c.orphansDropped,
		c.scheduledJobs,
		c.activeRuns,
		c.workerLeader,
	)
	return c
}

// Handler serves the registry for scraping.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RunStarted() {
	if c == nil {
		return
	}
	c.activeRuns.Inc()
}

// RunFinished records a terminal run. Skipped runs never started and don't touch activeRuns.
func (c *Collector) RunFinished(status string, d time.Duration, started bool) {
	if c == nil {
		return
	}
	if started {
		c.activeRuns.Dec()
		c.runDuration.Observe(d.Seconds())
	}
	c.runsFinished.WithLabelValues(status).Inc()
}

func (c *Collector) RecordsSynced(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.recordsSynced.Add(float64(n))
}

func (c *Collector) LeaseLost(kind string) {
	if c == nil {
		return
	}
	c.leasesLost.WithLabelValues(kind).Inc()
}

func (c *Collector) RunAbandoned() {
	if c == nil {
		return
	}
	c.runsAbandoned.Inc()
}

func (c *Collector) OrphanDropped(kind string) {
	if c == nil {
		return
	}
	c.orphansDropped.WithLabelValues(kind).Inc()
}

func (c *Collector) SetScheduledJobs(n int) {
	if c == nil {
		return
	}
	c.scheduledJobs.Set(float64(n))
}

func (c *Collector) SetLeader(held bool) {
	if c == nil {
		return
	}
	if held {
		c.workerLeader.Set(1)
	} else {
		c.workerLeader.Set(0)
	}
}
