package telemetry

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink maps samples onto Prometheus summaries named after the metric
// and events onto a single counter labelled by event name. The label set of a
// metric is fixed by its first sample; later tags outside that set are dropped
// and missing ones are recorded as empty.
type PrometheusSink struct {
	namespace  string
	registerer prometheus.Registerer

	mu      sync.Mutex
	metrics map[string]*summaryEntry
	events  *prometheus.CounterVec
}

type summaryEntry struct {
	vec    *prometheus.SummaryVec
	labels []string
}

// NewPrometheusSink creates a sink registering collectors on reg (the default
// registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer, namespace string) *PrometheusSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "ticketbus"
	}
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Number of bus events recorded, by event name.",
	}, []string{"event"})
	events = registerOrReuse(reg, events)

	return &PrometheusSink{
		namespace:  namespace,
		registerer: reg,
		metrics:    make(map[string]*summaryEntry),
		events:     events,
	}
}

func (p *PrometheusSink) RecordMetric(name string, value float64, tags Tags) {
	entry := p.summaryFor(name, tags)
	values := make([]string, len(entry.labels))
	for i, label := range entry.labels {
		values[i] = tags[label]
	}
	entry.vec.WithLabelValues(values...).Observe(value)
}

func (p *PrometheusSink) RecordEvent(name string, _ Properties) {
	p.events.WithLabelValues(name).Inc()
}

func (p *PrometheusSink) summaryFor(name string, tags Tags) *summaryEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	metricName := SanitizeName(name)
	if entry, ok := p.metrics[metricName]; ok {
		return entry
	}

	labels := make([]string, 0, len(tags))
	for k := range tags {
		labels = append(labels, SanitizeName(k))
	}
	sort.Strings(labels)

	vec := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: p.namespace,
		Name:      metricName,
		Help:      "Bus metric " + name + ".",
	}, labels)
	vec = registerOrReuse(p.registerer, vec)

	entry := &summaryEntry{vec: vec, labels: labels}
	p.metrics[metricName] = entry
	return entry
}

// registerOrReuse registers c, returning the already registered collector of
// the same type when one exists.
func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

// SanitizeName converts a dotted metric name such as "breaker.requests" into
// a valid Prometheus identifier.
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "unnamed"
	}
	return b.String()
}
