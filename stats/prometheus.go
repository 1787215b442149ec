package stats

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder exports core counters and event timings as Prometheus
// metrics. Register it with a prometheus.Registerer once; counters are
// created lazily per name.
type PrometheusRecorder struct {
	mu        sync.Mutex
	namespace string
	counters  map[string]prometheus.Counter
	observers map[string]prometheus.Histogram
	reg       prometheus.Registerer
}

// NewPrometheusRecorder creates a PrometheusRecorder registering its metrics
// with reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewPrometheusRecorder(namespace string, reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusRecorder{
		namespace: namespace,
		counters:  make(map[string]prometheus.Counter),
		observers: make(map[string]prometheus.Histogram),
		reg:       reg,
	}
}

func (r *PrometheusRecorder) counter(name string) prometheus.Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[name]
	if !ok {
		c = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: r.namespace,
			Name:      name,
			Help:      "searchkv counter " + name,
		})
		r.reg.MustRegister(c)
		r.counters[name] = c
	}
	return c
}

func (r *PrometheusRecorder) histogram(name string) prometheus.Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.observers[name]
	if !ok {
		h = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: r.namespace,
			Name:      name + "_seconds",
			Help:      "searchkv event duration " + name,
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		})
		r.reg.MustRegister(h)
		r.observers[name] = h
	}
	return h
}

// Increment implements Recorder.
func (r *PrometheusRecorder) Increment(name string) {
	r.counter(name).Inc()
}

// Add implements Recorder.
func (r *PrometheusRecorder) Add(name string, delta int64) {
	r.counter(name).Add(float64(delta))
}

// Observe implements Recorder.
func (r *PrometheusRecorder) Observe(name string, d time.Duration) {
	r.histogram(name).Observe(d.Seconds())
}
