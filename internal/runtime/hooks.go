package runtime

import (
	"context"
	"time"

	wmmessage "github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/ticketbus/internal/runtime/logging"
	"github.com/drblury/ticketbus/internal/runtime/message"
)

// DispatchContext describes one handler invocation to hooks.
type DispatchContext struct {
	// MessageID is the bus identifier of the message.
	MessageID string
	// MessageType selects the handler.
	MessageType string
	// TargetService is the service the message is addressed to.
	TargetService string
	// CorrelationID links related messages.
	CorrelationID string
	// Headers are the message headers, reserved envelope keys excluded.
	Headers message.Headers
	// Context is the context the handler runs with.
	Context context.Context
	// StartedAt is when dispatch began.
	StartedAt time.Time
	// Duration is only set in OnDispatchDone and OnDispatchError.
	Duration time.Duration
}

// DispatchHooks are optional lifecycle callbacks; nil hooks are skipped.
type DispatchHooks struct {
	OnDispatchStart func(ctx DispatchContext)
	OnDispatchDone  func(ctx DispatchContext)
	OnDispatchError func(ctx DispatchContext, err error)
}

// Merge combines two hook sets. Hooks from other run after those of h.
func (h DispatchHooks) Merge(other DispatchHooks) DispatchHooks {
	return DispatchHooks{
		OnDispatchStart: chainHooks(h.OnDispatchStart, other.OnDispatchStart),
		OnDispatchDone:  chainHooks(h.OnDispatchDone, other.OnDispatchDone),
		OnDispatchError: chainErrorHooks(h.OnDispatchError, other.OnDispatchError),
	}
}

func (h DispatchHooks) empty() bool {
	return h.OnDispatchStart == nil && h.OnDispatchDone == nil && h.OnDispatchError == nil
}

func chainHooks(a, b func(DispatchContext)) func(DispatchContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DispatchContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(DispatchContext, error)) func(DispatchContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DispatchContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// DispatchHooksMiddleware invokes hooks around every dispatch.
func DispatchHooksMiddleware(hooks DispatchHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "dispatch_hooks",
		Middleware: dispatchHooksMiddleware(hooks),
	}
}

func dispatchHooksMiddleware(hooks DispatchHooks) wmmessage.HandlerMiddleware {
	return func(h wmmessage.HandlerFunc) wmmessage.HandlerFunc {
		return func(msg *wmmessage.Message) ([]*wmmessage.Message, error) {
			envelope := message.FromWatermill(msg)
			dctx := DispatchContext{
				MessageID:     envelope.ID,
				MessageType:   envelope.Type,
				TargetService: envelope.TargetService,
				CorrelationID: envelope.CorrelationID(),
				Headers:       envelope.Headers,
				Context:       msg.Context(),
				StartedAt:     time.Now(),
			}

			if hooks.OnDispatchStart != nil {
				hooks.OnDispatchStart(dctx)
			}

			msgs, err := h(msg)
			dctx.Duration = time.Since(dctx.StartedAt)

			if err != nil {
				if hooks.OnDispatchError != nil {
					hooks.OnDispatchError(dctx, err)
				}
			} else if hooks.OnDispatchDone != nil {
				hooks.OnDispatchDone(dctx)
			}
			return msgs, err
		}
	}
}

// LoggingHooks logs every dispatch outcome.
func LoggingHooks(logger loggingpkg.ServiceLogger) DispatchHooks {
	logger = loggingpkg.OrNop(logger)
	return DispatchHooks{
		OnDispatchStart: func(ctx DispatchContext) {
			logger.Debug("Dispatch started", loggingpkg.LogFields{
				"message_id":     ctx.MessageID,
				"message_type":   ctx.MessageType,
				"target_service": ctx.TargetService,
			})
		},
		OnDispatchDone: func(ctx DispatchContext) {
			logger.Info("Dispatch completed", loggingpkg.LogFields{
				"message_id":   ctx.MessageID,
				"message_type": ctx.MessageType,
				"duration_ms":  ctx.Duration.Milliseconds(),
			})
		},
		OnDispatchError: func(ctx DispatchContext, err error) {
			logger.Error("Dispatch failed", err, loggingpkg.LogFields{
				"message_id":     ctx.MessageID,
				"message_type":   ctx.MessageType,
				"target_service": ctx.TargetService,
				"duration_ms":    ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks forwards dispatch outcomes keyed by message type.
func MetricsHooks(onStart, onDone, onError func(messageType string)) DispatchHooks {
	return DispatchHooks{
		OnDispatchStart: func(ctx DispatchContext) {
			if onStart != nil {
				onStart(ctx.MessageType)
			}
		},
		OnDispatchDone: func(ctx DispatchContext) {
			if onDone != nil {
				onDone(ctx.MessageType)
			}
		},
		OnDispatchError: func(ctx DispatchContext, _ error) {
			if onError != nil {
				onError(ctx.MessageType)
			}
		},
	}
}

// AlertingHooks calls alertFunc for every failed dispatch.
func AlertingHooks(alertFunc func(ctx DispatchContext, err error)) DispatchHooks {
	return DispatchHooks{OnDispatchError: alertFunc}
}
