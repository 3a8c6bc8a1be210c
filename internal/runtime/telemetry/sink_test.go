package telemetry

import (
	"bytes"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loggingpkg "github.com/drblury/ticketbus/internal/runtime/logging"
)

type recordingSink struct {
	mu      sync.Mutex
	metrics []string
	events  []string
}

func (r *recordingSink) RecordMetric(name string, _ float64, _ Tags) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = append(r.metrics, name)
}

func (r *recordingSink) RecordEvent(name string, _ Properties) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name)
}

type panickingSink struct{}

func (panickingSink) RecordMetric(string, float64, Tags) { panic("metric backend down") }
func (panickingSink) RecordEvent(string, Properties)     { panic("event backend down") }

func TestGuardNilIsNop(t *testing.T) {
	s := Guard(nil, nil)
	assert.NotPanics(t, func() {
		s.RecordMetric("x", 1, nil)
		s.RecordEvent("y", nil)
	})
}

func TestGuardSwallowsPanics(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	s := Guard(panickingSink{}, loggingpkg.NewLogrusServiceLogger(logger))
	assert.NotPanics(t, func() {
		s.RecordMetric("breaker.requests", 1, Tags{"service": "a"})
		s.RecordEvent("breaker.opened", Properties{"service": "a"})
	})
	assert.Contains(t, buf.String(), "Telemetry sink failed")
	assert.Contains(t, buf.String(), "metric backend down")
}

func TestGuardDoesNotDoubleWrap(t *testing.T) {
	g := Guard(&recordingSink{}, nil)
	assert.Same(t, g, Guard(g, nil))
}

func TestMultiContinuesPastFailingSink(t *testing.T) {
	rec := &recordingSink{}
	s := Multi(nil, panickingSink{}, nil, rec)

	s.RecordMetric("m", 1, nil)
	s.RecordEvent("e", nil)

	assert.Equal(t, []string{"m"}, rec.metrics)
	assert.Equal(t, []string{"e"}, rec.events)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&logrus.JSONFormatter{})

	s := NewLogSink(loggingpkg.NewLogrusServiceLogger(logger))
	s.RecordMetric("dlq.enqueued", 1, Tags{"service": "billing"})
	s.RecordEvent("breaker.opened", Properties{"service": "billing"})

	out := buf.String()
	assert.Contains(t, out, `"metric":"dlq.enqueued"`)
	assert.Contains(t, out, `"tag_service":"billing"`)
	assert.Contains(t, out, `"event":"breaker.opened"`)
}

func TestPrometheusSinkEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewPrometheusSink(reg, "test")

	s.RecordEvent("breaker.opened", nil)
	s.RecordEvent("breaker.opened", nil)
	s.RecordEvent("breaker.closed", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(s.events.WithLabelValues("breaker.opened")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.events.WithLabelValues("breaker.closed")))
}

func TestPrometheusSinkMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewPrometheusSink(reg, "test")

	s.RecordMetric("breaker.latency_ms", 10, Tags{"service": "a"})
	s.RecordMetric("breaker.latency_ms", 30, Tags{"service": "a", "extra": "dropped"})
	s.RecordMetric("breaker.latency_ms", 5, nil)

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range families {
		if mf.GetName() != "test_breaker_latency_ms" {
			continue
		}
		found = true
		require.Len(t, mf.GetMetric(), 2)
		for _, m := range mf.GetMetric() {
			require.Len(t, m.GetLabel(), 1)
			switch m.GetLabel()[0].GetValue() {
			case "a":
				assert.Equal(t, uint64(2), m.GetSummary().GetSampleCount())
				assert.Equal(t, 40.0, m.GetSummary().GetSampleSum())
			case "":
				assert.Equal(t, uint64(1), m.GetSummary().GetSampleCount())
			default:
				t.Fatalf("unexpected label value %q", m.GetLabel()[0].GetValue())
			}
		}
	}
	assert.True(t, found)
}

func TestPrometheusSinkReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewPrometheusSink(reg, "shared")
	second := NewPrometheusSink(reg, "shared")

	first.RecordEvent("x", nil)
	second.RecordEvent("x", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(first.events.WithLabelValues("x")))
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "breaker_requests", SanitizeName("breaker.requests"))
	assert.Equal(t, "_9lives", SanitizeName("9lives"))
	assert.Equal(t, "a_b_c", SanitizeName("a-b c"))
	assert.Equal(t, "unnamed", SanitizeName(""))
}
