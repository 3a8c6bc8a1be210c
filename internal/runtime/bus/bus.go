// Package bus routes messages to their target services. Each message is
// checked against its target's circuit breaker, transformed into the format
// the target expects and delivered under breaker protection. Anything that
// cannot be delivered is captured in the dead letter store.
package bus

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/ticketbus/internal/runtime/breaker"
	"github.com/drblury/ticketbus/internal/runtime/deadletter"
	errspkg "github.com/drblury/ticketbus/internal/runtime/errors"
	"github.com/drblury/ticketbus/internal/runtime/ids"
	loggingpkg "github.com/drblury/ticketbus/internal/runtime/logging"
	"github.com/drblury/ticketbus/internal/runtime/message"
	"github.com/drblury/ticketbus/internal/runtime/registry"
	"github.com/drblury/ticketbus/internal/runtime/telemetry"
	"github.com/drblury/ticketbus/internal/runtime/transform"
)

const (
	// ReasonServiceUnavailable is recorded when the target's breaker refuses
	// traffic or the registry marks the service inactive.
	ReasonServiceUnavailable = "Service unavailable"

	// UnroutedService holds messages that arrive without a target service.
	UnroutedService = "unrouted"

	// DefaultMaxRetries bounds dead letter retries issued through the bus.
	DefaultMaxRetries = 3
	// DefaultConcurrency bounds the fan-out of RouteMessages.
	DefaultConcurrency = 16
)

var (
	// ErrDelivererRequired is returned by New without a deliverer.
	ErrDelivererRequired = errors.New("ticketbus: deliverer is required")

	// ErrNotRouted is reported by RouteHandler when a message was captured
	// in the dead letter store instead of being delivered.
	ErrNotRouted = errors.New("ticketbus: message not routed")

	errServiceInactive = errors.New(ReasonServiceUnavailable)
)

// Option customises a Bus.
type Option func(*Bus)

func WithBreaker(b *breaker.Breaker) Option {
	return func(bus *Bus) { bus.breaker = b }
}

func WithDeadLetters(s *deadletter.Store) Option {
	return func(bus *Bus) { bus.deadLetters = s }
}

func WithTransformer(e *transform.Engine) Option {
	return func(bus *Bus) { bus.transformer = e }
}

func WithRegistry(r *registry.Registry) Option {
	return func(bus *Bus) { bus.registry = r }
}

func WithSink(s telemetry.Sink) Option {
	return func(bus *Bus) { bus.sink = s }
}

func WithLogger(log loggingpkg.ServiceLogger) Option {
	return func(bus *Bus) { bus.log = log }
}

// WithMaxRetries sets the retry bound used by RetryDeadLetter.
func WithMaxRetries(n int) Option {
	return func(bus *Bus) {
		if n > 0 {
			bus.maxRetries = n
		}
	}
}

// WithConcurrency bounds how many messages RouteMessages routes at once.
func WithConcurrency(n int) Option {
	return func(bus *Bus) {
		if n > 0 {
			bus.concurrency = n
		}
	}
}

// Bus is the single entry point moving messages to their targets.
type Bus struct {
	deliverer   Deliverer
	breaker     *breaker.Breaker
	deadLetters *deadletter.Store
	transformer *transform.Engine
	registry    *registry.Registry

	sink        telemetry.Sink
	log         loggingpkg.ServiceLogger
	maxRetries  int
	concurrency int
}

// New builds a bus around deliverer. Collaborators not supplied through
// options are created with their defaults. The dead letter store retries
// through the bus unless it already has a redeliverer.
func New(deliverer Deliverer, opts ...Option) (*Bus, error) {
	if deliverer == nil {
		return nil, ErrDelivererRequired
	}
	b := &Bus{
		deliverer:   deliverer,
		maxRetries:  DefaultMaxRetries,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.log = loggingpkg.OrNop(b.log)
	b.sink = telemetry.Guard(b.sink, b.log)
	if b.breaker == nil {
		b.breaker = breaker.New(breaker.WithLogger(b.log), breaker.WithSink(b.sink))
	}
	if b.deadLetters == nil {
		b.deadLetters = deadletter.NewStore(deadletter.WithLogger(b.log), deadletter.WithSink(b.sink))
	}
	if b.transformer == nil {
		b.transformer = transform.New(transform.WithLogger(b.log), transform.WithSink(b.sink))
	}
	if b.registry == nil {
		b.registry = registry.New(registry.WithLogger(b.log))
	}
	if !b.deadLetters.HasRedeliverer() {
		b.deadLetters.SetRedeliverer(b)
	}
	return b, nil
}

func (b *Bus) Breaker() *breaker.Breaker { return b.breaker }

func (b *Bus) DeadLetters() *deadletter.Store { return b.deadLetters }

func (b *Bus) Transformer() *transform.Engine { return b.transformer }

func (b *Bus) Registry() *registry.Registry { return b.registry }

func (b *Bus) MaxRetries() int { return b.maxRetries }

// RouteMessage delivers msg to its target service and reports whether it
// arrived. Every failure is captured in the dead letter store and never
// returned to the caller.
func (b *Bus) RouteMessage(ctx context.Context, msg message.Message) bool {
	msg = b.prepare(msg)
	service := msg.TargetService

	ctx, span := otel.Tracer("ticketbus/bus").Start(ctx, "RouteMessage")
	defer span.End()
	span.SetAttributes(
		attribute.String("message.id", msg.ID),
		attribute.String("message.type", msg.Type),
		attribute.String("message.target_service", service),
		attribute.String("message.correlation_id", msg.CorrelationID()),
	)

	// Only a closed circuit delivers. Open circuits recover through Reset or
	// a half-open probe made with Execute.
	if b.breaker.Status(service).State != breaker.StateClosed {
		b.capture(msg, ReasonServiceUnavailable)
		span.SetStatus(codes.Error, ReasonServiceUnavailable)
		return false
	}

	if err := b.deliver(ctx, msg); err != nil {
		b.capture(msg, failureReason(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false
	}

	b.sink.RecordMetric("bus.routed", 1, telemetry.Tags{"service": service})
	b.log.Debug("Message routed", loggingpkg.LogFields{
		"message_id": msg.ID,
		"service":    service,
	})
	return true
}

// RouteMessages routes the batch concurrently and returns the messages that
// were delivered, in completion order.
func (b *Bus) RouteMessages(ctx context.Context, batch []message.Message) []message.Message {
	var (
		mu        sync.Mutex
		delivered = make([]message.Message, 0, len(batch))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for _, msg := range batch {
		g.Go(func() error {
			prepared := b.prepare(msg)
			if b.RouteMessage(gctx, prepared) {
				mu.Lock()
				delivered = append(delivered, prepared)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return delivered
}

// Redeliver resolves, transforms and delivers msg under breaker protection
// without capturing failures. The dead letter store retries through it.
func (b *Bus) Redeliver(ctx context.Context, msg message.Message) error {
	return b.deliver(ctx, msg)
}

func (b *Bus) deliver(ctx context.Context, msg message.Message) error {
	service := msg.TargetService
	endpoint := b.registry.Discover(service)
	if !endpoint.Active {
		return errServiceInactive
	}

	payload, err := b.transformer.Transform(ctx, msg.Payload, msg.SourceFormat(), msg.TargetFormat())
	if err != nil {
		return err
	}
	out := msg.WithPayload(payload)

	return b.breaker.Do(ctx, service, func(ctx context.Context) error {
		if err := b.deliverer.Deliver(ctx, endpoint, out); err != nil {
			return &errspkg.DeliveryError{Service: service, Cause: err}
		}
		return nil
	})
}

// prepare fills in the envelope fields the bus relies on. It is idempotent.
func (b *Bus) prepare(msg message.Message) message.Message {
	if msg.TargetService == "" {
		msg.TargetService = UnroutedService
	}
	if msg.ID == "" {
		msg.ID = ids.CreateULID()
	}
	if msg.CorrelationID() == "" {
		msg.Headers = msg.Headers.With(message.HeaderCorrelationID, msg.ID)
	}
	return msg
}

func (b *Bus) capture(msg message.Message, reason string) {
	b.sink.RecordMetric("bus.dead_lettered", 1, telemetry.Tags{"service": msg.TargetService})
	if err := b.deadLetters.Add(msg, reason); err != nil {
		b.log.Error("Failed to dead-letter message", err, loggingpkg.LogFields{
			"message_id": msg.ID,
			"service":    msg.TargetService,
			"reason":     reason,
		})
	}
}

func failureReason(err error) string {
	var delivery *errspkg.DeliveryError
	if errors.As(err, &delivery) && delivery.Cause != nil {
		return delivery.Cause.Error()
	}
	return err.Error()
}

// Status reports the breaker status of service.
func (b *Bus) Status(service string) breaker.Status {
	return b.breaker.Status(service)
}

// Statuses reports every known breaker status.
func (b *Bus) Statuses() []breaker.Status {
	return b.breaker.Statuses()
}

// Execute runs op under the breaker of service.
func Execute[T any](ctx context.Context, b *Bus, service string, op func(context.Context) (T, error)) (T, error) {
	return breaker.Execute(ctx, b.breaker, service, op)
}

// EnqueueDeadLetter records msg in the dead letter store.
func (b *Bus) EnqueueDeadLetter(msg message.Message, reason string) error {
	return b.deadLetters.Add(b.prepare(msg), reason)
}

// DeadLetterMessages lists the active dead letters of service.
func (b *Bus) DeadLetterMessages(service string) []message.Message {
	return b.deadLetters.Messages(service)
}

// RetryDeadLetter retries a dead letter with the configured retry bound.
func (b *Bus) RetryDeadLetter(ctx context.Context, id string) (bool, error) {
	return b.deadLetters.Retry(ctx, id, b.maxRetries)
}

// Register adds a service to the registry.
func (b *Bus) Register(e registry.Entry) error {
	return b.registry.Register(e)
}

// Discover resolves service through the registry.
func (b *Bus) Discover(service string) registry.Entry {
	return b.registry.Discover(service)
}
