package handlers

import (
	loggingpkg "github.com/drblury/ticketbus/internal/runtime/logging"
	"github.com/drblury/ticketbus/internal/runtime/message"
)

// MessageContextBase carries the envelope of the message being handled and
// the logger scoped to it.
type MessageContextBase struct {
	Message message.Message
	Logger  loggingpkg.ServiceLogger
}

// CloneHeaders returns a copy of the incoming headers so handlers can mutate
// headers for follow-up messages without touching the original.
func (b MessageContextBase) CloneHeaders() message.Headers {
	return b.Message.Headers.Clone()
}

// Get retrieves a header value by key.
func (b MessageContextBase) Get(key string) string {
	return b.Message.Headers[key]
}

// CorrelationID returns the correlation header, if present.
func (b MessageContextBase) CorrelationID() string {
	return b.Message.CorrelationID()
}
