package runtime

import (
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	wmmessage "github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	buspkg "github.com/drblury/ticketbus/internal/runtime/bus"
	idspkg "github.com/drblury/ticketbus/internal/runtime/ids"
	loggingpkg "github.com/drblury/ticketbus/internal/runtime/logging"
	"github.com/drblury/ticketbus/internal/runtime/message"
)

// MiddlewareBuilder constructs a handler middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (wmmessage.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware is added to the dispatch chain.
// A Builder returning a nil middleware registers nothing.
type MiddlewareRegistration struct {
	Name       string
	Middleware wmmessage.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the chain NewService registers unless disabled.
// The first entry wraps all others.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		StatsMiddleware(),
		RecovererMiddleware(),
	}
}

// MetricsMiddleware records Watermill handler metrics when metrics are enabled.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (wmmessage.HandlerMiddleware, error) {
			if !s.Conf.MetricsEnabled {
				return nil, nil
			}
			builder := metrics.NewPrometheusMetricsBuilder(s.registerer, metricsNamespace, "dispatch")
			return builder.NewRouterMiddleware().Middleware, nil
		},
	}
}

// CorrelationIDMiddleware ensures each dispatched message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

// LogMessagesMiddleware logs the payload and metadata of dispatched messages.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (wmmessage.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps dispatch in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

// StatsMiddleware feeds the per-type handler statistics exposed by the admin API.
func StatsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "stats",
		Builder: func(s *Service) (wmmessage.HandlerMiddleware, error) {
			return s.stats.middleware(), nil
		},
	}
}

// BreakerMiddleware guards dispatch with the service's circuit breaker, keyed
// by the message's target service. It is opt-in and meant for custom
// handlers only: types bound with RouteType already charge the circuit inside
// the bus, so stacking this over them counts each failed delivery twice.
func BreakerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "breaker",
		Builder: func(s *Service) (wmmessage.HandlerMiddleware, error) {
			return buspkg.BreakerMiddleware(s.bus.Breaker(), buspkg.ServiceFromMetadata), nil
		},
	}
}

// RecovererMiddleware converts handler panics into errors.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware appends the middleware to the dispatch chain.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw wmmessage.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.middlewareMu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.middlewareMu.Unlock()
	return nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares)+1)
	registrations = append(registrations, defaults...)
	if !deps.Hooks.empty() {
		registrations = append(registrations, DispatchHooksMiddleware(deps.Hooks))
	}
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

// chain wraps h so that the first registered middleware runs outermost.
func (s *Service) chain(h wmmessage.HandlerFunc) wmmessage.HandlerFunc {
	s.middlewareMu.RLock()
	defer s.middlewareMu.RUnlock()
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		h = s.middlewares[i](h)
	}
	return h
}

func correlationIDMiddleware(h wmmessage.HandlerFunc) wmmessage.HandlerFunc {
	return func(msg *wmmessage.Message) ([]*wmmessage.Message, error) {
		if msg.Metadata.Get(message.HeaderCorrelationID) == "" {
			id := msg.Metadata.Get(message.HeaderMessageID)
			if id == "" {
				id = idspkg.CreateULID()
			}
			msg.Metadata.Set(message.HeaderCorrelationID, id)
		}
		return h(msg)
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) wmmessage.HandlerMiddleware {
	return func(h wmmessage.HandlerFunc) wmmessage.HandlerFunc {
		return func(msg *wmmessage.Message) ([]*wmmessage.Message, error) {
			logger.Debug("Dispatching message", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"payload":      string(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

func tracerMiddleware(h wmmessage.HandlerFunc) wmmessage.HandlerFunc {
	return func(msg *wmmessage.Message) ([]*wmmessage.Message, error) {
		ctx, span := otel.Tracer("ticketbus/dispatch").Start(msg.Context(), "DispatchMessage")
		defer span.End()
		msg.SetContext(ctx)

		span.SetAttributes(
			attribute.String("message.uuid", msg.UUID),
			attribute.String("message.type", msg.Metadata.Get(message.HeaderMessageType)),
			attribute.String("message.target_service", msg.Metadata.Get(message.HeaderTargetService)),
		)
		out, err := h(msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return out, err
	}
}
