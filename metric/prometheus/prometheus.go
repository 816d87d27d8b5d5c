// Package prometheus is the reference metric.Collector backend, exposing
// the cache's counters and gauges through a private prometheus.Registry
// rendered to text by Gather(), and an HTTP middleware for the admin
// server's /metrics and /status endpoints. Adapted from the teacher's
// metric/prometheus/prometheus.go: a registry replaces the old package-level
// promauto defaults so multiple *Cache instances in one process don't
// collide on metric names, and NewCounter/NewGauge/NewCounterVec take real
// per-metric help text instead of one hard-coded string borrowed from the
// disk-cache hit counter.
package prometheus

import (
	"bytes"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	httpmetrics "github.com/slok/go-http-metrics/metrics/prometheus"
	"github.com/slok/go-http-metrics/middleware"
	middlewarestd "github.com/slok/go-http-metrics/middleware/std"

	"github.com/repque/content-cache/metric"
)

// durationBuckets is the buckets used for Prometheus histograms in seconds.
var durationBuckets = []float64{.5, 1, 2.5, 5, 10, 20, 40, 80, 160, 320}

type collector struct {
	reg *prometheus.Registry
}

// NewCollector returns a prometheus-backed metric.Collector with its own
// private registry.
func NewCollector() metric.Collector {
	return &collector{reg: prometheus.NewRegistry()}
}

// NewCollectorWithHandler is NewCollector plus the http.Handler serving
// that same collector's registry, for callers that need to mount /metrics
// (e.g. via WrapEndpoints) alongside constructing the collector.
func NewCollectorWithHandler() (metric.Collector, http.Handler) {
	c := &collector{reg: prometheus.NewRegistry()}
	return c, c.Handler()
}

func (c *collector) NewCounter(name, help string) metric.Counter {
	ctr := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	c.reg.MustRegister(ctr)
	return ctr
}

func (c *collector) NewGauge(name, help string) metric.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	c.reg.MustRegister(g)
	return g
}

type counterVec struct {
	cv *prometheus.CounterVec
}

func (v *counterVec) WithLabel(label string) metric.Counter {
	return v.cv.WithLabelValues(label)
}

func (c *collector) NewCounterVec(name, help, labelName string) metric.Vec {
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, []string{labelName})
	c.reg.MustRegister(cv)
	return &counterVec{cv: cv}
}

// Gather renders every metric registered through this collector in the
// standard Prometheus text exposition format.
func (c *collector) Gather() (string, error) {
	families, err := c.reg.Gather()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

// Handler returns an http.Handler serving this collector's own private
// registry, for mounting under /metrics. Using promhttp.HandlerFor(c.reg,
// ...) here (rather than promhttp.Handler(), which serves the default
// global registry) keeps /metrics showing exactly the counters this
// collector registered, even when multiple collectors exist in one process.
func (c *collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// WrapEndpoints attaches metrics, a status handler, and the cache's own
// request handler to mux, each instrumented with request-duration
// middleware.
func WrapEndpoints(mux *http.ServeMux, metrics http.Handler, cache http.HandlerFunc, status http.HandlerFunc) {
	metricsMdlw := middleware.New(middleware.Config{
		Recorder: httpmetrics.NewRecorder(httpmetrics.Config{
			DurationBuckets: durationBuckets,
		}),
	})
	mux.Handle("/metrics", middlewarestd.Handler("metrics", metricsMdlw, metrics))
	mux.Handle("/status", middlewarestd.Handler("status", metricsMdlw, http.HandlerFunc(status)))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		middlewarestd.Handler(r.Method, metricsMdlw, http.HandlerFunc(cache)).ServeHTTP(w, r)
	})
}
