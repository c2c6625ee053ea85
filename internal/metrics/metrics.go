package metrics

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Results recorded for triggers and jobs.
const (
	ResultStarted    = "started"
	ResultAlready    = "already"
	ResultRejected   = "rejected"
	ResultSucceeded  = "succeeded"
	ResultRetried    = "retried"
	ResultDeadLetter = "dead_lettered"
	ResultDropped    = "dropped"
)

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	StageTriggersTotal *prometheus.CounterVec
	JobsTotal          *prometheus.CounterVec
	JobDuration        *prometheus.HistogramVec
	StaleStagesTotal   *prometheus.CounterVec
}

// New registers the pipeline metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StageTriggersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meetings_stage_triggers_total",
				Help: "Stage trigger requests by stage and result",
			},
			[]string{"stage", "result"},
		),
		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meetings_jobs_total",
				Help: "Worker jobs by type and result",
			},
			[]string{"type", "result"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meetings_job_duration_seconds",
				Help:    "Worker job processing time",
				Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"type"},
		),
		StaleStagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meetings_stale_stages_total",
				Help: "Stages failed by the stale sweep",
			},
			[]string{"stage"},
		),
	}
}

// RecordTrigger counts a stage trigger.
func (m *Metrics) RecordTrigger(stage, result string) {
	if m == nil {
		return
	}
	m.StageTriggersTotal.WithLabelValues(stage, result).Inc()
}

// RecordJob counts a finished job attempt and its duration.
func (m *Metrics) RecordJob(jobType, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(jobType, result).Inc()
	m.JobDuration.WithLabelValues(jobType).Observe(took.Seconds())
}

// RecordStale counts a stage failed by the sweeper.
func (m *Metrics) RecordStale(stage string) {
	if m == nil {
		return
	}
	m.StaleStagesTotal.WithLabelValues(stage).Inc()
}

// PoolStatsCollector exports pgx pool statistics on each scrape.
type PoolStatsCollector struct {
	pool *pgxpool.Pool

	totalConns    *prometheus.Desc
	idleConns     *prometheus.Desc
	acquiredConns *prometheus.Desc
}

// NewPoolStatsCollector creates a collector labelled with the service name.
func NewPoolStatsCollector(pool *pgxpool.Pool, service string) *PoolStatsCollector {
	labels := prometheus.Labels{"service": service}
	return &PoolStatsCollector{
		pool:          pool,
		totalConns:    prometheus.NewDesc("meetings_db_pool_total_conns", "Open connections in the pool", nil, labels),
		idleConns:     prometheus.NewDesc("meetings_db_pool_idle_conns", "Idle connections in the pool", nil, labels),
		acquiredConns: prometheus.NewDesc("meetings_db_pool_acquired_conns", "Connections currently acquired", nil, labels),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalConns
	ch <- c.idleConns
	ch <- c.acquiredConns
}

// Collect implements prometheus.Collector.
func (c *PoolStatsCollector) Collect(ch chan<- prometheus.Metric) {
	if c.pool == nil {
		return
	}
	stats := c.pool.Stat()
	ch <- prometheus.MustNewConstMetric(c.totalConns, prometheus.GaugeValue, float64(stats.TotalConns()))
	ch <- prometheus.MustNewConstMetric(c.idleConns, prometheus.GaugeValue, float64(stats.IdleConns()))
	ch <- prometheus.MustNewConstMetric(c.acquiredConns, prometheus.GaugeValue, float64(stats.AcquiredConns()))
}
