// Package prometheus implements core.MetricsRecorder on a private
// Prometheus registry.
package prometheus

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-skus/core"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Config struct {
	Namespace string
	Buckets   []float64
}

func DefaultConfig() Config {
	return Config{
		Namespace: "",
		Buckets:   []float64{5, 25, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	}
}

// Recorder creates one vector per metric name on first use. The label set
// is fixed by the first observation; later tags outside it are dropped and
// missing ones are recorded empty.
type Recorder struct {
	config   Config
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*counterEntry
	histograms map[string]*histogramEntry
}

type counterEntry struct {
	labels []string
	vec    *prometheus.CounterVec
}

type histogramEntry struct {
	labels []string
	vec    *prometheus.HistogramVec
}

func NewRecorder(cfg Config) *Recorder {
	if len(cfg.Buckets) == 0 {
		cfg.Buckets = DefaultConfig().Buckets
	}
	return &Recorder{
		config:     cfg,
		registry:   prometheus.NewRegistry(),
		counters:   map[string]*counterEntry{},
		histograms: map[string]*histogramEntry{},
	}
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the recorder's registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value < 0 {
		return
	}
	metric := MetricName(name)
	if metric == "" {
		return
	}
	r.mu.Lock()
	entry, ok := r.counters[metric]
	if !ok {
		labels := labelNames(tags)
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: r.config.Namespace,
			Name:      metric,
			Help:      "skus counter " + name,
		}, labels)
		if err := r.registry.Register(vec); err != nil {
			r.mu.Unlock()
			return
		}
		entry = &counterEntry{labels: labels, vec: vec}
		r.counters[metric] = entry
	}
	r.mu.Unlock()
	entry.vec.WithLabelValues(labelValues(entry.labels, tags)...).Add(float64(value))
}

func (r *Recorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	metric := MetricName(name)
	if metric == "" {
		return
	}
	r.mu.Lock()
	entry, ok := r.histograms[metric]
	if !ok {
		labels := labelNames(tags)
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: r.config.Namespace,
			Name:      metric,
			Help:      "skus histogram " + name,
			Buckets:   r.config.Buckets,
		}, labels)
		if err := r.registry.Register(vec); err != nil {
			r.mu.Unlock()
			return
		}
		entry = &histogramEntry{labels: labels, vec: vec}
		r.histograms[metric] = entry
	}
	r.mu.Unlock()
	entry.vec.WithLabelValues(labelValues(entry.labels, tags)...).Observe(value)
}

// MetricName maps a dotted engine metric name onto the Prometheus charset,
// e.g. skus.refresh_order.total becomes skus_refresh_order_total.
func MetricName(name string) string {
	return sanitize(name)
}

func sanitize(value string) string {
	value = strings.TrimSpace(value)
	var b strings.Builder
	for i, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteRune('_')
			}
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for key := range tags {
		if label := sanitize(key); label != "" {
			names = append(names, label)
		}
	}
	sort.Strings(names)
	return names
}

func labelValues(labels []string, tags map[string]string) []string {
	byLabel := make(map[string]string, len(tags))
	for key, value := range tags {
		byLabel[sanitize(key)] = value
	}
	values := make([]string, len(labels))
	for i, label := range labels {
		values[i] = byLabel[label]
	}
	return values
}

var _ core.MetricsRecorder = (*Recorder)(nil)
