package observ

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type registry struct {
	mu       sync.Mutex
	prom     *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	hist     map[string]*prometheus.HistogramVec
	degraded map[string]string // component -> reason
}

var reg = newRegistry()

func newRegistry() *registry {
	r := &registry{
		prom:     prometheus.NewRegistry(),
		counters: map[string]*prometheus.CounterVec{},
		gauges:   map[string]*prometheus.GaugeVec{},
		hist:     map[string]*prometheus.HistogramVec{},
		degraded: map[string]string{},
	}
	r.prom.MustRegister(prometheus.NewGoCollector())
	return r
}

// labelNames returns the sorted label keys so the same name always maps to the same vector shape.
func labelNames(lbl map[string]string) []string {
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *registry) counter(name string, labels map[string]string) prometheus.Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	vec, ok := r.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, labelNames(labels))
		if err := r.prom.Register(vec); err != nil {
			return nil
		}
		r.counters[name] = vec
	}
	c, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return nil
	}
	return c
}

func (r *registry) gauge(name string, labels map[string]string) prometheus.Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	vec, ok := r.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, labelNames(labels))
		if err := r.prom.Register(vec); err != nil {
			return nil
		}
		r.gauges[name] = vec
	}
	g, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return nil
	}
	return g
}

func (r *registry) histogram(name string, labels map[string]string) prometheus.Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	vec, ok := r.hist[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: name, Buckets: prometheus.DefBuckets}, labelNames(labels))
		if err := r.prom.Register(vec); err != nil {
			return nil
		}
		r.hist[name] = vec
	}
	h, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return nil
	}
	return h
}

// Metric calls never fail; a label-shape mismatch for an existing name is dropped silently.

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	if c := reg.counter(name, labels); c != nil && value >= 0 {
		c.Add(value)
	}
}

func SetGauge(name string, value float64, labels map[string]string) {
	if g := reg.gauge(name, labels); g != nil {
		g.Set(value)
	}
}

func Observe(name string, value float64, labels map[string]string) {
	if h := reg.histogram(name, labels); h != nil {
		h.Observe(value)
	}
}

// RecordDuration observes a duration in seconds under name+"_seconds".
func RecordDuration(name string, d time.Duration, labels map[string]string) {
	Observe(name+"_seconds", d.Seconds(), labels)
}

// Collector exposes the underlying vector for a counter name, for tests and scrapes.
func Collector(name string) prometheus.Collector {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if c, ok := reg.counters[name]; ok {
		return c
	}
	if g, ok := reg.gauges[name]; ok {
		return g
	}
	if h, ok := reg.hist[name]; ok {
		return h
	}
	return nil
}

// Handler serves the registry in Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.prom, promhttp.HandlerOpts{})
}

// SetDegraded marks a component degraded; an empty reason clears it.
func SetDegraded(component, reason string) {
	reg.mu.Lock()
	if reason == "" {
		delete(reg.degraded, component)
	} else {
		reg.degraded[component] = reason
	}
	reg.mu.Unlock()

	v := 0.0
	if reason != "" {
		v = 1
	}
	SetGauge("component_degraded", v, map[string]string{"component": component})
}

type HealthStatus struct {
	Status    string            `json:"status"` // "healthy" | "degraded"
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Version   string            `json:"version"`
	Degraded  map[string]string `json:"degraded,omitempty"`
}

var (
	startTime = time.Now()
	version   = "dev" // Set via build flags
)

func SetVersion(v string) {
	version = v
}

// Health returns the current health snapshot.
func Health() HealthStatus {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	h := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(startTime).String(),
		Version:   version,
	}
	if len(reg.degraded) > 0 {
		h.Status = "degraded"
		h.Degraded = make(map[string]string, len(reg.degraded))
		for k, v := range reg.degraded {
			h.Degraded[k] = v
		}
	}
	return h
}

func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := Health()
		statusCode := http.StatusOK
		if health.Status == "degraded" {
			statusCode = http.StatusPartialContent
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(health)
	})
}
