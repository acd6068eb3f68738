// Package metrics is Fustor's Prometheus facade, grounded in rclone's
// fs/rc/rcserver metrics server: a package-level registry that callers push
// gauges/counters into, with a NoOp default so unit tests never need a real
// registry (spec.md §9 "no hidden singletons beyond a metrics facade with
// NoOp default").
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the minimal surface Fustor's components need from a metrics
// backend. The default NoOp implementation satisfies it trivially; Install
// swaps in a real Prometheus-backed Sink.
type Sink interface {
	Gauge(name string, labels prometheus.Labels) prometheus.Gauge
	Counter(name string, labels prometheus.Labels) prometheus.Counter
}

type noopSink struct{}

func (noopSink) Gauge(string, prometheus.Labels) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Name: "noop"})
}

func (noopSink) Counter(string, prometheus.Labels) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Name: "noop"})
}

type promSink struct {
	registry *prometheus.Registry
	mu       sync.Mutex
	gauges   map[string]*prometheus.GaugeVec
	counters map[string]*prometheus.CounterVec
}

var (
	mu      sync.RWMutex
	current Sink = noopSink{}
)

// Install replaces the active sink. Fusion's and Agent's main() call this
// once at startup with a real registry; tests leave the NoOp default.
func Install(registry *prometheus.Registry) {
	mu.Lock()
	defer mu.Unlock()
	current = &promSink{
		registry: registry,
		gauges:   make(map[string]*prometheus.GaugeVec),
		counters: make(map[string]*prometheus.CounterVec),
	}
}

// Reset restores the NoOp sink, used by tests that called Install.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	current = noopSink{}
}

func active() Sink {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Gauge returns (creating if necessary) a gauge with the given name and
// label values.
func Gauge(name string, labels prometheus.Labels) prometheus.Gauge {
	return active().Gauge(name, labels)
}

// Counter returns (creating if necessary) a counter with the given name and
// label values.
func Counter(name string, labels prometheus.Labels) prometheus.Counter {
	return active().Counter(name, labels)
}

func (s *promSink) Gauge(name string, labels prometheus.Labels) prometheus.Gauge {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := labelKeys(labels)
	vec, ok := s.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, keys)
		s.registry.MustRegister(vec)
		s.gauges[name] = vec
	}
	return vec.With(labels)
}

func (s *promSink) Counter(name string, labels prometheus.Labels) prometheus.Counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := labelKeys(labels)
	vec, ok := s.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, keys)
		s.registry.MustRegister(vec)
		s.counters[name] = vec
	}
	return vec.With(labels)
}

func labelKeys(labels prometheus.Labels) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	return keys
}
