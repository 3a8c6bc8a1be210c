// Package handlers maps message type tags to handlers and adapts typed JSON
// handlers to the generic handler contract.
package handlers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	errspkg "github.com/drblury/ticketbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/ticketbus/internal/runtime/logging"
	"github.com/drblury/ticketbus/internal/runtime/message"
)

// Handler processes one message and may return follow-up messages to send.
type Handler interface {
	Handle(ctx context.Context, msg message.Message) ([]message.Message, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg message.Message) ([]message.Message, error)

func (f HandlerFunc) Handle(ctx context.Context, msg message.Message) ([]message.Message, error) {
	return f(ctx, msg)
}

// Registry dispatches messages by type tag.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      loggingpkg.ServiceLogger
}

// NewRegistry returns an empty registry.
func NewRegistry(log loggingpkg.ServiceLogger) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		log:      loggingpkg.OrNop(log),
	}
}

// Register binds messageType to h, replacing any previous handler.
func (r *Registry) Register(messageType string, h Handler) error {
	if messageType == "" {
		return errspkg.ErrMessageTypeRequired
	}
	if h == nil {
		return errspkg.ErrHandlerRequired
	}
	r.mu.Lock()
	_, replaced := r.handlers[messageType]
	r.handlers[messageType] = h
	r.mu.Unlock()

	r.log.Info("Handler registered", loggingpkg.LogFields{
		"message_type": messageType,
		"replaced":     replaced,
	})
	return nil
}

// Unregister removes the handler for messageType.
func (r *Registry) Unregister(messageType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[messageType]
	delete(r.handlers, messageType)
	return ok
}

// Handler returns the handler bound to messageType.
func (r *Registry) Handler(messageType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[messageType]
	return h, ok
}

// Types lists registered message types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Dispatch runs the handler registered for msg.Type. An unregistered type
// is logged and reported as errors.ErrUnhandled.
func (r *Registry) Dispatch(ctx context.Context, msg message.Message) ([]message.Message, error) {
	h, ok := r.Handler(msg.Type)
	if !ok {
		r.log.Info("No handler registered for message type", loggingpkg.LogFields{
			"message_id":   msg.ID,
			"message_type": msg.Type,
		})
		return nil, fmt.Errorf("%w: %q", errspkg.ErrUnhandled, msg.Type)
	}
	return h.Handle(ctx, msg)
}
