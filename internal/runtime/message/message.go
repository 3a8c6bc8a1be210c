// Package message defines the envelope moved through the bus: identity, type
// tag, target service, format-tagged payload and headers.
package message

import (
	"time"

	"github.com/drblury/ticketbus/internal/runtime/ids"
)

// Message is a unit of work addressed to a single target service.
type Message struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	TargetService string    `json:"target_service"`
	Payload       []byte    `json:"payload"`
	Headers       Headers   `json:"headers,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Option customises a message built by New.
type Option func(*Message)

// New builds a message with a fresh ULID and the current time.
func New(messageType, targetService string, payload []byte, opts ...Option) Message {
	now := time.Now().UTC()
	msg := Message{
		ID:            ids.CreateULIDAt(now),
		Type:          messageType,
		TargetService: targetService,
		Payload:       payload,
		Headers:       Headers{},
		CreatedAt:     now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&msg)
		}
	}
	return msg
}

// WithID overrides the generated identifier.
func WithID(id string) Option {
	return func(m *Message) {
		if id != "" {
			m.ID = id
		}
	}
}

// WithCreatedAt overrides the creation timestamp.
func WithCreatedAt(t time.Time) Option {
	return func(m *Message) { m.CreatedAt = t }
}

// WithHeader sets a single header.
func WithHeader(key, value string) Option {
	return func(m *Message) { m.Headers = m.Headers.With(key, value) }
}

// WithHeaders merges the supplied headers.
func WithHeaders(h Headers) Option {
	return func(m *Message) { m.Headers = m.Headers.WithAll(h) }
}

// WithFormats declares the payload's source and expected target encodings.
func WithFormats(source, target string) Option {
	return func(m *Message) {
		m.Headers = m.Headers.WithAll(Headers{
			HeaderSourceFormat: source,
			HeaderTargetFormat: target,
		})
	}
}

// WithCorrelationID stamps the correlation header.
func WithCorrelationID(id string) Option {
	return WithHeader(HeaderCorrelationID, id)
}

// SourceFormat returns the declared source format, JSON when absent.
func (m Message) SourceFormat() string {
	return m.Headers.Get(HeaderSourceFormat, DefaultFormat)
}

// TargetFormat returns the declared target format, JSON when absent.
func (m Message) TargetFormat() string {
	return m.Headers.Get(HeaderTargetFormat, DefaultFormat)
}

// CorrelationID returns the correlation header, if any.
func (m Message) CorrelationID() string {
	return m.Headers[HeaderCorrelationID]
}

// Clone returns a deep copy; payload and headers are not shared.
func (m Message) Clone() Message {
	cloned := m
	if m.Payload != nil {
		cloned.Payload = append([]byte(nil), m.Payload...)
	}
	cloned.Headers = m.Headers.Clone()
	return cloned
}

// WithPayload returns a copy carrying a different payload.
func (m Message) WithPayload(payload []byte) Message {
	cloned := m
	cloned.Payload = payload
	cloned.Headers = m.Headers.Clone()
	return cloned
}
