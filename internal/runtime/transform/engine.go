// Package transform converts payloads between JSON, XML and CSV using a
// runtime-mutable rule registry keyed by (source, target) format.
package transform

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	errspkg "github.com/drblury/ticketbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/ticketbus/internal/runtime/logging"
	"github.com/drblury/ticketbus/internal/runtime/telemetry"
)

// Built-in formats.
const (
	FormatJSON = "JSON"
	FormatXML  = "XML"
	FormatCSV  = "CSV"
)

// Built-in converter identifiers.
const (
	ConverterJSONToXML = "json-to-xml"
	ConverterXMLToJSON = "xml-to-json"
	ConverterJSONToCSV = "json-to-csv"
	ConverterCSVToJSON = "csv-to-json"
)

// Converter turns a payload of one format into another.
type Converter func(payload []byte) ([]byte, error)

// Rule binds an ordered format pair to a converter.
type Rule struct {
	Source      string `json:"source"`
	Target      string `json:"target"`
	ConverterID string `json:"converter_id"`
	Active      bool   `json:"active"`
}

// Direction renders the rule key as "SOURCE->TARGET".
func (r Rule) Direction() string {
	return direction(r.Source, r.Target)
}

type ruleKey struct {
	source string
	target string
}

// NormalizeFormat upper-cases and trims a format name.
func NormalizeFormat(format string) string {
	return strings.ToUpper(strings.TrimSpace(format))
}

func direction(source, target string) string {
	return NormalizeFormat(source) + "->" + NormalizeFormat(target)
}

// Option customises an Engine.
type Option func(*Engine)

// WithSink sends per-transform samples to a telemetry sink.
func WithSink(s telemetry.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithLogger sets the engine logger.
func WithLogger(log loggingpkg.ServiceLogger) Option {
	return func(e *Engine) { e.log = log }
}

// WithClock replaces time.Now for latency measurement.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine holds the converter catalogue and the active rules.
type Engine struct {
	mu         sync.RWMutex
	rules      map[ruleKey]Rule
	converters map[string]Converter

	metrics *metrics
	sink    telemetry.Sink
	log     loggingpkg.ServiceLogger
	now     func() time.Time
}

// New builds an engine seeded with the JSON<->XML and JSON<->CSV rules.
func New(opts ...Option) *Engine {
	e := &Engine{
		rules: make(map[ruleKey]Rule),
		converters: map[string]Converter{
			ConverterJSONToXML: JSONToXML,
			ConverterXMLToJSON: XMLToJSON,
			ConverterJSONToCSV: JSONToCSV,
			ConverterCSVToJSON: CSVToJSON,
		},
		metrics: newMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.log = loggingpkg.OrNop(e.log)
	e.sink = telemetry.Guard(e.sink, e.log)

	for _, r := range []Rule{
		{Source: FormatJSON, Target: FormatXML, ConverterID: ConverterJSONToXML, Active: true},
		{Source: FormatXML, Target: FormatJSON, ConverterID: ConverterXMLToJSON, Active: true},
		{Source: FormatJSON, Target: FormatCSV, ConverterID: ConverterJSONToCSV, Active: true},
		{Source: FormatCSV, Target: FormatJSON, ConverterID: ConverterCSVToJSON, Active: true},
	} {
		e.rules[ruleKey{r.Source, r.Target}] = r
	}
	return e
}

// RegisterConverter adds or replaces a conversion routine.
func (e *Engine) RegisterConverter(id string, fn Converter) error {
	if id == "" || fn == nil {
		return fmt.Errorf("transform: converter id and function are required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.converters[id] = fn
	return nil
}

// AddRule adds or replaces the rule for its (source, target) pair. The
// converter must already be registered.
func (e *Engine) AddRule(r Rule) error {
	r.Source = NormalizeFormat(r.Source)
	r.Target = NormalizeFormat(r.Target)
	if r.Source == "" || r.Target == "" {
		return fmt.Errorf("transform: rule requires source and target formats")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.converters[r.ConverterID]; !ok {
		return &errspkg.NotFoundError{Kind: "converter", ID: r.ConverterID}
	}
	e.rules[ruleKey{r.Source, r.Target}] = r
	e.log.Info("Transformation rule configured", loggingpkg.LogFields{
		"direction": r.Direction(),
		"converter": r.ConverterID,
		"active":    r.Active,
	})
	return nil
}

// DeactivateRule disables the rule for a pair and reports whether one existed.
func (e *Engine) DeactivateRule(source, target string) bool {
	key := ruleKey{NormalizeFormat(source), NormalizeFormat(target)}
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[key]
	if !ok {
		return false
	}
	r.Active = false
	e.rules[key] = r
	return true
}

// Rule returns the configured rule for a pair, or an inactive placeholder
// when none exists.
func (e *Engine) Rule(source, target string) Rule {
	key := ruleKey{NormalizeFormat(source), NormalizeFormat(target)}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if r, ok := e.rules[key]; ok {
		return r
	}
	return Rule{Source: key.source, Target: key.target}
}

// Rules lists every configured rule ordered by direction.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Direction() < out[j].Direction() })
	return out
}

// Transform converts payload from source to target format. Equal formats
// (case-insensitive) return payload untouched without validation. A missing
// or inactive rule yields *errors.UnsupportedTransformationError; a
// conversion failure yields *errors.TransformationError.
func (e *Engine) Transform(ctx context.Context, payload []byte, source, target string) ([]byte, error) {
	src, dst := NormalizeFormat(source), NormalizeFormat(target)
	if src == dst {
		return payload, nil
	}

	_, span := otel.Tracer("ticketbus/transform").Start(ctx, "Transform")
	defer span.End()
	span.SetAttributes(
		attribute.String("transform.source", src),
		attribute.String("transform.target", dst),
		attribute.Int("transform.payload_bytes", len(payload)),
	)

	dir := direction(src, dst)
	e.metrics.requested(dir)

	e.mu.RLock()
	rule, ok := e.rules[ruleKey{src, dst}]
	var conv Converter
	if ok && rule.Active {
		conv = e.converters[rule.ConverterID]
	}
	e.mu.RUnlock()

	if conv == nil {
		err := &errspkg.UnsupportedTransformationError{Source: src, Target: dst}
		e.metrics.failed(dir)
		e.sink.RecordMetric("transform.failure", 1, telemetry.Tags{"direction": dir, "kind": "unsupported"})
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	start := e.now()
	out, err := conv(payload)
	elapsed := e.now().Sub(start)
	if err != nil {
		terr := &errspkg.TransformationError{Source: src, Target: dst, Cause: err}
		e.metrics.failed(dir)
		e.sink.RecordMetric("transform.failure", 1, telemetry.Tags{"direction": dir, "kind": "conversion"})
		span.RecordError(err)
		span.SetStatus(codes.Error, terr.Error())
		e.log.Debug("Transformation failed", loggingpkg.LogFields{"direction": dir, "error": err.Error()})
		return nil, terr
	}

	e.metrics.succeeded(dir, elapsed)
	e.sink.RecordMetric("transform.latency_ms", float64(elapsed)/float64(time.Millisecond), telemetry.Tags{"direction": dir})
	return out, nil
}

// Metrics returns a snapshot of the transformation counters.
func (e *Engine) Metrics() MetricsSnapshot {
	return e.metrics.snapshot()
}

type metrics struct {
	mu         sync.Mutex
	directions map[string]uint64
	successes  uint64
	failures   uint64
	avg        time.Duration
}

// MetricsSnapshot reports transformation counters. AverageLatency covers
// successful transforms only.
type MetricsSnapshot struct {
	Directions     map[string]uint64 `json:"directions"`
	Successes      uint64            `json:"successes"`
	Failures       uint64            `json:"failures"`
	AverageLatency time.Duration     `json:"average_latency"`
}

func newMetrics() *metrics {
	return &metrics{directions: make(map[string]uint64)}
}

func (m *metrics) requested(dir string) {
	m.mu.Lock()
	m.directions[dir]++
	m.mu.Unlock()
}

func (m *metrics) failed(string) {
	m.mu.Lock()
	m.failures++
	m.mu.Unlock()
}

func (m *metrics) succeeded(_ string, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successes++
	n := time.Duration(m.successes)
	m.avg = (m.avg*(n-1) + elapsed) / n
}

func (m *metrics) snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	dirs := make(map[string]uint64, len(m.directions))
	for k, v := range m.directions {
		dirs[k] = v
	}
	return MetricsSnapshot{
		Directions:     dirs,
		Successes:      m.successes,
		Failures:       m.failures,
		AverageLatency: m.avg,
	}
}
