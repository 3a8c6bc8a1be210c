package runtime

import (
	errspkg "github.com/drblury/ticketbus/internal/runtime/errors"
	handlerpkg "github.com/drblury/ticketbus/internal/runtime/handlers"
)

// RegisterHandler binds messageType to handler on the dispatch registry.
func (s *Service) RegisterHandler(messageType string, handler handlerpkg.Handler) error {
	return s.handlers.Register(messageType, handler)
}

// RouteType registers the bus as the handler of every listed type, so those
// messages are routed to their target service.
func (s *Service) RouteType(messageTypes ...string) error {
	route := s.bus.RouteHandler()
	for _, messageType := range messageTypes {
		if err := s.handlers.Register(messageType, route); err != nil {
			return err
		}
	}
	return nil
}

// RegisterJSONHandler decodes payloads of messageType into T before calling
// handler. Outputs are JSON encoded and sent back to the inbox.
func RegisterJSONHandler[T any, O any](svc *Service, messageType string, handler handlerpkg.JSONMessageHandler[T, O]) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}

	wrapped, err := handlerpkg.BuildJSONHandler(handler, svc.Logger)
	if err != nil {
		return err
	}
	return svc.handlers.Register(messageType, wrapped)
}
