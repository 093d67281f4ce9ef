package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetricsClient implements MetricsClient using Prometheus collectors.
// Collectors are created lazily and keyed by metric name plus label names.
type PrometheusMetricsClient struct {
	namespace string

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	mu sync.Mutex
}

// NewPrometheusMetricsClient creates a new Prometheus metrics client
func NewPrometheusMetricsClient(namespace string) *PrometheusMetricsClient {
	return &PrometheusMetricsClient{
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// RecordCounter records a counter metric
func (c *PrometheusMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {
	c.getOrCreateCounter(name, labelNames(labels)).With(labels).Add(value)
}

// RecordGauge records a gauge metric
func (c *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	c.getOrCreateGauge(name, labelNames(labels)).With(labels).Set(value)
}

// RecordHistogram records a histogram metric
func (c *PrometheusMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	c.getOrCreateHistogram(name, labelNames(labels)).With(labels).Observe(value)
}

// RecordDuration records a duration in seconds
func (c *PrometheusMetricsClient) RecordDuration(name string, duration time.Duration, labels map[string]string) {
	c.RecordHistogram(name, duration.Seconds(), labels)
}

// IncrementCounter increments an unlabelled counter
func (c *PrometheusMetricsClient) IncrementCounter(name string, value float64) {
	c.RecordCounter(name, value, nil)
}

// Close implements MetricsClient.Close
func (c *PrometheusMetricsClient) Close() error {
	return nil
}

func (c *PrometheusMetricsClient) getOrCreateCounter(name string, names []string) *prometheus.CounterVec {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := collectorKey(name, names)
	if counter, ok := c.counters[key]; ok {
		return counter
	}

	counter := promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      fmt.Sprintf("Counter for %s", name),
	}, names)
	c.counters[key] = counter
	return counter
}

func (c *PrometheusMetricsClient) getOrCreateGauge(name string, names []string) *prometheus.GaugeVec {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := collectorKey(name, names)
	if gauge, ok := c.gauges[key]; ok {
		return gauge
	}

	gauge := promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      fmt.Sprintf("Gauge for %s", name),
	}, names)
	c.gauges[key] = gauge
	return gauge
}

func (c *PrometheusMetricsClient) getOrCreateHistogram(name string, names []string) *prometheus.HistogramVec {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := collectorKey(name, names)
	if histogram, ok := c.histograms[key]; ok {
		return histogram
	}

	histogram := promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      fmt.Sprintf("Histogram for %s", name),
		Buckets:   prometheus.DefBuckets,
	}, names)
	c.histograms[key] = histogram
	return histogram
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func collectorKey(name string, names []string) string {
	key := name
	for _, n := range names {
		key += "|" + n
	}
	return key
}

// NoopMetricsClient is a MetricsClient that does nothing, for tests
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a new NoopMetricsClient
func NewNoopMetricsClient() MetricsClient {
	return &NoopMetricsClient{}
}

// RecordCounter implements MetricsClient.RecordCounter
func (n *NoopMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {}

// RecordGauge implements MetricsClient.RecordGauge
func (n *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {}

// RecordHistogram implements MetricsClient.RecordHistogram
func (n *NoopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {}

// RecordDuration implements MetricsClient.RecordDuration
func (n *NoopMetricsClient) RecordDuration(name string, duration time.Duration, labels map[string]string) {
}

// IncrementCounter implements MetricsClient.IncrementCounter
func (n *NoopMetricsClient) IncrementCounter(name string, value float64) {}

// Close implements MetricsClient.Close
func (n *NoopMetricsClient) Close() error { return nil }
