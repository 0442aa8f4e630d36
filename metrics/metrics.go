// Package metrics exports the counters bumped through a stats.Client as
// Prometheus metrics.
package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector is a stats.Client which creates a Prometheus metric the first
// time a key is bumped. Keys are dotted, as "task.started"; each becomes a
// metric prefixed with the namespace, as "bcat_task_started_total".
//
//	BumpSum        counter   <key>_total
//	BumpAvg        gauge     <key>_avg, holding the last value
//	BumpHistogram  histogram <key>
//	BumpTime       histogram <key>_seconds
type Collector struct {
	namespace string
	registry  *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	histograms map[string]prometheus.Histogram
}

var _ stats.Client = &Collector{}

// NewCollector returns a collector with its own registry, which also
// carries the Go runtime and process collectors.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &Collector{
		namespace:  namespace,
		registry:   reg,
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		histograms: make(map[string]prometheus.Histogram),
	}
}

// Registry returns the registry metrics are added to.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// GaugeFunc exports a value computed at collection time, such as the
// number of live tasks.
func (c *Collector) GaugeFunc(key, help string, fn func() float64) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Name:      metricName(key),
		Help:      help,
	}, fn))
}

// BumpSum adds val to the counter for key. Negative values are ignored
// since counters only go up.
func (c *Collector) BumpSum(key string, val float64) {
	if val < 0 {
		return
	}
	c.counter(key).Add(val)
}

// BumpAvg records the latest value for key.
func (c *Collector) BumpAvg(key string, val float64) {
	c.gauge(key).Set(val)
}

// BumpHistogram adds an observation to the histogram for key.
func (c *Collector) BumpHistogram(key string, val float64) {
	c.histogram(metricName(key), key, prometheus.ExponentialBuckets(1, 4, 10)).Observe(val)
}

// BumpTime starts a timer. Calling End records the elapsed seconds.
func (c *Collector) BumpTime(key string) interface {
	End()
} {
	h := c.histogram(metricName(key)+"_seconds", key, prometheus.DefBuckets)
	return timer{h: h, start: time.Now()}
}

type timer struct {
	h     prometheus.Histogram
	start time.Time
}

func (t timer) End() {
	t.h.Observe(time.Since(t.start).Seconds())
}

func (c *Collector) counter(key string) prometheus.Counter {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.counters[key]
	if !ok {
		m = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: c.namespace,
			Name:      metricName(key) + "_total",
			Help:      "Total of " + key,
		})
		c.registry.MustRegister(m)
		c.counters[key] = m
	}
	return m
}

func (c *Collector) gauge(key string) prometheus.Gauge {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.gauges[key]
	if !ok {
		m = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: c.namespace,
			Name:      metricName(key) + "_avg",
			Help:      "Last value of " + key,
		})
		c.registry.MustRegister(m)
		c.gauges[key] = m
	}
	return m
}

func (c *Collector) histogram(name, key string, buckets []float64) prometheus.Histogram {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.histograms[name]
	if !ok {
		m = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: c.namespace,
			Name:      name,
			Help:      "Distribution of " + key,
			Buckets:   buckets,
		})
		c.registry.MustRegister(m)
		c.histograms[name] = m
	}
	return m
}

// metricName turns a dotted stats key into a Prometheus name.
func metricName(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, key)
}
