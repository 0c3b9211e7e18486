package metrics

import (
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "qubedb"

var defaultBuckets = []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

// Prometheus implements Collector on top of an explicit registerer. Vectors are
// created on first use with the label names of that first observation; later
// observations of the same metric must use the same label set.
type Prometheus struct {
	reg        prometheus.Registerer
	constLabel prometheus.Labels

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	onError    func(error)
}

func NewPrometheus(reg prometheus.Registerer, nodeID string) *Prometheus {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Prometheus{
		reg:        reg,
		constLabel: prometheus.Labels{"node_id": nodeID},
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		onError:    func(error) {},
	}
}

// OnError sets a callback for registration and label errors.
func (p *Prometheus) OnError(f func(error)) {
	p.onError = f
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (p *Prometheus) register(c prometheus.Collector, name string) {
	if err := p.reg.Register(c); err != nil {
		p.onError(fmt.Errorf("register %s: %w", name, err))
	}
}

func (p *Prometheus) IncCounter(name string, labels map[string]string, delta float64) {
	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        name,
			ConstLabels: p.constLabel,
		}, labelNames(labels))
		p.counters[name] = vec
		p.register(vec, name)
	}
	p.mu.Unlock()

	c, err := vec.GetMetricWith(labels)
	if err != nil {
		p.onError(err)
		return
	}
	c.Add(delta)
}

func (p *Prometheus) SetGauge(name string, labels map[string]string, value float64) {
	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        name,
			ConstLabels: p.constLabel,
		}, labelNames(labels))
		p.gauges[name] = vec
		p.register(vec, name)
	}
	p.mu.Unlock()

	g, err := vec.GetMetricWith(labels)
	if err != nil {
		p.onError(err)
		return
	}
	g.Set(value)
}

func (p *Prometheus) ObserveHistogram(name string, labels map[string]string, value float64) {
	p.mu.Lock()
	vec, ok := p.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        name,
			ConstLabels: p.constLabel,
			Buckets:     defaultBuckets,
		}, labelNames(labels))
		p.histograms[name] = vec
		p.register(vec, name)
	}
	p.mu.Unlock()

	h, err := vec.GetMetricWith(labels)
	if err != nil {
		p.onError(err)
		return
	}
	h.Observe(value)
}
