// Package prometheus implements metrics.Sink on a prometheus registry.
// Collectors are created lazily from the event name: "_total" suffixes become
// counters, "_milliseconds" suffixes become histograms, everything else a
// gauge.
package prometheus

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Duration buckets in milliseconds, covering sub-millisecond cache hits up to
// multi-minute uploads.
var durationBuckets = []float64{
	1, 5, 10, 50, 100, 500,
	1000, 5000, 10000, 30000, 60000, 300000,
}

// Sink is a prometheus-backed metrics.Sink. Safe for concurrent use.
type Sink struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	// labelKeys pins the label set of each metric at first sight; later
	// events project onto it, absent labels reporting empty.
	labelKeys map[string][]string
}

// NewSink returns a sink on the given registry. A nil registry gets a fresh
// one preloaded with the Go and process collectors.
func NewSink(registry *prometheus.Registry) *Sink {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return &Sink{
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		labelKeys:  make(map[string][]string),
	}
}

// Registry exposes the underlying registry for the ops /metrics handler.
func (s *Sink) Registry() *prometheus.Registry {
	return s.registry
}

// OnEvent implements metrics.Sink.
func (s *Sink) OnEvent(name string, labels map[string]string, value float64) {
	s.mu.Lock()
	keys, seen := s.labelKeys[name]
	if !seen {
		keys = make([]string, 0, len(labels))
		for k := range labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		s.labelKeys[name] = keys
	}

	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = labels[k]
	}

	switch {
	case strings.HasSuffix(name, "_total"):
		vec, ok := s.counters[name]
		if !ok {
			vec = promauto.With(s.registry).NewCounterVec(
				prometheus.CounterOpts{Name: name, Help: name}, keys)
			s.counters[name] = vec
		}
		s.mu.Unlock()
		vec.WithLabelValues(values...).Add(value)

	case strings.HasSuffix(name, "_milliseconds"):
		vec, ok := s.histograms[name]
		if !ok {
			vec = promauto.With(s.registry).NewHistogramVec(
				prometheus.HistogramOpts{Name: name, Help: name, Buckets: durationBuckets}, keys)
			s.histograms[name] = vec
		}
		s.mu.Unlock()
		vec.WithLabelValues(values...).Observe(value)

	default:
		vec, ok := s.gauges[name]
		if !ok {
			vec = promauto.With(s.registry).NewGaugeVec(
				prometheus.GaugeOpts{Name: name, Help: name}, keys)
			s.gauges[name] = vec
		}
		s.mu.Unlock()
		vec.WithLabelValues(values...).Set(value)
	}
}
