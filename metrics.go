package eventbus

import (
	"context"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/prometheus/client_golang/prometheus"
)

// BusStats is a point-in-time snapshot of delivery counters, grounded on
// the teacher's EventMetrics/PerEngineStats shape but flattened to this
// package's single in-process engine.
type BusStats struct {
	Delivered      uint64
	Failed         uint64
	Dropped        uint64
	DeadLettered   uint64
	PendingRetries int
}

// StatsProvider is implemented by Bus; metrics exporters depend on this
// narrow interface rather than *Bus directly so they can be unit tested
// against a fake.
type StatsProvider interface {
	Stats() BusStats
}

// PrometheusCollector adapts a StatsProvider to prometheus.Collector,
// grounded on the teacher's metrics_exporters.go PrometheusCollector.
type PrometheusCollector struct {
	source StatsProvider

	delivered      *prometheus.Desc
	failed         *prometheus.Desc
	dropped        *prometheus.Desc
	deadLettered   *prometheus.Desc
	pendingRetries *prometheus.Desc
}

// NewPrometheusCollector creates a Collector reading from source.
func NewPrometheusCollector(source StatsProvider) *PrometheusCollector {
	return &PrometheusCollector{
		source:         source,
		delivered:      prometheus.NewDesc("eventbus_delivered_total", "Total successful deliveries.", nil, nil),
		failed:         prometheus.NewDesc("eventbus_failed_total", "Total failed delivery attempts.", nil, nil),
		dropped:        prometheus.NewDesc("eventbus_dropped_total", "Total dispatch items dropped under back-pressure.", nil, nil),
		deadLettered:   prometheus.NewDesc("eventbus_dead_lettered_total", "Total events handed off to dead-letter.", nil, nil),
		pendingRetries: prometheus.NewDesc("eventbus_pending_retries", "Current count of scheduled retry attempts.", nil, nil),
	}
}

func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.delivered
	ch <- c.failed
	ch <- c.dropped
	ch <- c.deadLettered
	ch <- c.pendingRetries
}

func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()
	ch <- prometheus.MustNewConstMetric(c.delivered, prometheus.CounterValue, float64(stats.Delivered))
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(stats.Failed))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(stats.Dropped))
	ch <- prometheus.MustNewConstMetric(c.deadLettered, prometheus.CounterValue, float64(stats.DeadLettered))
	ch <- prometheus.MustNewConstMetric(c.pendingRetries, prometheus.GaugeValue, float64(stats.PendingRetries))
}

// DatadogStatsdExporter periodically flushes BusStats to a Datadog Agent
// over StatsD, grounded on the teacher's DatadogStatsdExporter.
type DatadogStatsdExporter struct {
	source   StatsProvider
	client   *statsd.Client
	interval time.Duration

	stop chan struct{}
}

// NewDatadogStatsdExporter creates an exporter flushing every interval.
func NewDatadogStatsdExporter(source StatsProvider, client *statsd.Client, interval time.Duration) *DatadogStatsdExporter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &DatadogStatsdExporter{source: source, client: client, interval: interval, stop: make(chan struct{})}
}

// Run flushes stats on a ticker until ctx is canceled or Close is called.
func (e *DatadogStatsdExporter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.flush()
		}
	}
}

func (e *DatadogStatsdExporter) flush() {
	stats := e.source.Stats()
	_ = e.client.Count("eventbus.delivered", int64(stats.Delivered), nil, 1)
	_ = e.client.Count("eventbus.failed", int64(stats.Failed), nil, 1)
	_ = e.client.Count("eventbus.dropped", int64(stats.Dropped), nil, 1)
	_ = e.client.Count("eventbus.dead_lettered", int64(stats.DeadLettered), nil, 1)
	_ = e.client.Gauge("eventbus.pending_retries", float64(stats.PendingRetries), nil, 1)
}

// Close stops the exporter's run loop and flushes the underlying client.
func (e *DatadogStatsdExporter) Close() error {
	close(e.stop)
	return e.client.Close()
}
