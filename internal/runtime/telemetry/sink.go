// Package telemetry defines the fire-and-forget metric and event sink used by
// the bus components, plus Prometheus, logging and fan-out implementations.
package telemetry

import (
	"fmt"

	loggingpkg "github.com/drblury/ticketbus/internal/runtime/logging"
)

// Tags label a numeric metric sample.
type Tags map[string]string

// Properties describe a discrete event.
type Properties map[string]string

// Sink accepts metric samples and events. Implementations must not block for
// long and must never surface failures to the caller.
type Sink interface {
	RecordMetric(name string, value float64, tags Tags)
	RecordEvent(name string, properties Properties)
}

type nopSink struct{}

func (nopSink) RecordMetric(string, float64, Tags) {}
func (nopSink) RecordEvent(string, Properties)     {}

// Nop returns a sink that discards everything.
func Nop() Sink { return nopSink{} }

// Guard returns a sink that swallows panics raised by s, logging them on log.
// A nil s yields Nop.
func Guard(s Sink, log loggingpkg.ServiceLogger) Sink {
	if s == nil {
		return Nop()
	}
	if g, ok := s.(*guardedSink); ok {
		return g
	}
	return &guardedSink{inner: s, log: loggingpkg.OrNop(log)}
}

type guardedSink struct {
	inner Sink
	log   loggingpkg.ServiceLogger
}

func (g *guardedSink) RecordMetric(name string, value float64, tags Tags) {
	defer g.recover("metric", name)
	g.inner.RecordMetric(name, value, tags)
}

func (g *guardedSink) RecordEvent(name string, properties Properties) {
	defer g.recover("event", name)
	g.inner.RecordEvent(name, properties)
}

func (g *guardedSink) recover(kind, name string) {
	if r := recover(); r != nil {
		g.log.Error("Telemetry sink failed", fmt.Errorf("panic: %v", r), loggingpkg.LogFields{
			"kind": kind,
			"name": name,
		})
	}
}

// Multi fans samples out to every sink. Each sink is guarded individually so
// one failing sink does not starve the others.
func Multi(log loggingpkg.ServiceLogger, sinks ...Sink) Sink {
	guarded := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			guarded = append(guarded, Guard(s, log))
		}
	}
	return multiSink(guarded)
}

type multiSink []Sink

func (m multiSink) RecordMetric(name string, value float64, tags Tags) {
	for _, s := range m {
		s.RecordMetric(name, value, tags)
	}
}

func (m multiSink) RecordEvent(name string, properties Properties) {
	for _, s := range m {
		s.RecordEvent(name, properties)
	}
}

// LogSink writes every sample at debug level.
type LogSink struct {
	log loggingpkg.ServiceLogger
}

// NewLogSink builds a LogSink. A nil logger discards output.
func NewLogSink(log loggingpkg.ServiceLogger) *LogSink {
	return &LogSink{log: loggingpkg.OrNop(log)}
}

func (l *LogSink) RecordMetric(name string, value float64, tags Tags) {
	fields := loggingpkg.LogFields{"metric": name, "value": value}
	for k, v := range tags {
		fields["tag_"+k] = v
	}
	l.log.Debug("Metric recorded", fields)
}

func (l *LogSink) RecordEvent(name string, properties Properties) {
	fields := loggingpkg.LogFields{"event": name}
	for k, v := range properties {
		fields["prop_"+k] = v
	}
	l.log.Debug("Event recorded", fields)
}
