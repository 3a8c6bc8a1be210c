package bus

import (
	"context"

	wmmessage "github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/ticketbus/internal/runtime/breaker"
	"github.com/drblury/ticketbus/internal/runtime/handlers"
	"github.com/drblury/ticketbus/internal/runtime/message"
)

// ServiceResolver names the breaker a Watermill message is charged to.
type ServiceResolver func(msg *wmmessage.Message) string

// ServiceFromMetadata charges a message to its target service header.
func ServiceFromMetadata(msg *wmmessage.Message) string {
	return msg.Metadata.Get(message.HeaderTargetService)
}

// BreakerMiddleware runs Watermill handlers under the breaker of the service
// returned by resolve. Messages resolving to an empty name pass through.
func BreakerMiddleware(b *breaker.Breaker, resolve ServiceResolver) wmmessage.HandlerMiddleware {
	if resolve == nil {
		resolve = ServiceFromMetadata
	}
	return func(h wmmessage.HandlerFunc) wmmessage.HandlerFunc {
		return func(msg *wmmessage.Message) ([]*wmmessage.Message, error) {
			service := resolve(msg)
			if service == "" {
				return h(msg)
			}
			return breaker.Execute(msg.Context(), b, service, func(context.Context) ([]*wmmessage.Message, error) {
				return h(msg)
			})
		}
	}
}

// RouteHandler adapts the bus into a message handler. Undeliverable
// messages are already captured when ErrNotRouted is returned.
func (b *Bus) RouteHandler() handlers.HandlerFunc {
	return func(ctx context.Context, msg message.Message) ([]message.Message, error) {
		if !b.RouteMessage(ctx, msg) {
			return nil, ErrNotRouted
		}
		return nil, nil
	}
}
