package errors

import (
	sterrors "errors"
	"fmt"
	"time"
)

var (
	ErrBusRequired         = sterrors.New("ticketbus: service bus is required")
	ErrServiceRequired     = sterrors.New("ticketbus: service is required")
	ErrHandlerRequired     = sterrors.New("ticketbus: handler function is required")
	ErrMessageTypeRequired = sterrors.New("ticketbus: message type is required")
	ErrInboxRequired       = sterrors.New("ticketbus: inbox is required")
	ErrPublisherRequired   = sterrors.New("ticketbus: publisher is required")
	ErrSubscriberRequired  = sterrors.New("ticketbus: subscriber is required")
	ErrQueueRequired       = sterrors.New("ticketbus: queue name is required")
	ErrServiceNameRequired = sterrors.New("ticketbus: service name is required")
	ErrPayloadTypeRequired = sterrors.New("ticketbus: payload type is required")
	ErrPayloadPointer      = sterrors.New("ticketbus: payload type must be a pointer")
	ErrConfigRequired      = sterrors.New("ticketbus: configuration is required")
	ErrLoggerRequired      = sterrors.New("ticketbus: logger is required")
)

// ConfigValidationError wraps the joined validation failures of a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "ticketbus: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// Taxonomy sentinels. Typed errors below match them through errors.Is.
var (
	// ErrBreakerOpen signals that the target is deemed unhealthy. Callers should
	// treat it as transient and not retry immediately.
	ErrBreakerOpen = sterrors.New("ticketbus: circuit breaker open")

	// ErrTransformationUnsupported signals that no active rule exists for the
	// requested format pair. It is a caller error and never transient.
	ErrTransformationUnsupported = sterrors.New("ticketbus: transformation not supported")

	// ErrTransformationFailed signals that a payload could not be converted.
	ErrTransformationFailed = sterrors.New("ticketbus: transformation failed")

	// ErrDeliveryFailed signals that the underlying send operation failed.
	ErrDeliveryFailed = sterrors.New("ticketbus: delivery failed")

	// ErrRetryExhausted signals that a dead letter reached its retry limit.
	ErrRetryExhausted = sterrors.New("ticketbus: retries exhausted")

	// ErrNotFound signals an unknown message id or service name.
	ErrNotFound = sterrors.New("ticketbus: not found")

	// ErrUnhandled signals that no handler is registered for a message type.
	ErrUnhandled = sterrors.New("ticketbus: unhandled message type")
)

// BreakerOpenError is returned instead of invoking an operation while the
// breaker for Service is open.
type BreakerOpenError struct {
	Service string
	RetryAt time.Time
}

func (e *BreakerOpenError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("ticketbus: circuit breaker open for %s", e.Service)
	}
	return fmt.Sprintf("ticketbus: circuit breaker open for %s until %s", e.Service, e.RetryAt.Format(time.RFC3339))
}

func (e *BreakerOpenError) Is(target error) bool {
	return target == ErrBreakerOpen
}

// UnsupportedTransformationError reports a missing or inactive rule.
type UnsupportedTransformationError struct {
	Source string
	Target string
}

func (e *UnsupportedTransformationError) Error() string {
	return fmt.Sprintf("ticketbus: transformation from %s to %s is not supported", e.Source, e.Target)
}

func (e *UnsupportedTransformationError) Is(target error) bool {
	return target == ErrTransformationUnsupported
}

// TransformationError wraps a parse or conversion failure.
type TransformationError struct {
	Source string
	Target string
	Cause  error
}

func (e *TransformationError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("ticketbus: transformation from %s to %s failed", e.Source, e.Target)
	}
	return fmt.Sprintf("ticketbus: transformation from %s to %s failed: %v", e.Source, e.Target, e.Cause)
}

func (e *TransformationError) Unwrap() error { return e.Cause }

func (e *TransformationError) Is(target error) bool {
	return target == ErrTransformationFailed
}

// DeliveryError wraps the error raised by a send operation.
type DeliveryError struct {
	Service string
	Cause   error
}

func (e *DeliveryError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("ticketbus: delivery to %s failed", e.Service)
	}
	return e.Cause.Error()
}

func (e *DeliveryError) Unwrap() error { return e.Cause }

func (e *DeliveryError) Is(target error) bool {
	return target == ErrDeliveryFailed
}

// RetryExhaustedError reports a dead letter that reached its retry limit.
type RetryExhaustedError struct {
	MessageID  string
	RetryCount int
	MaxRetries int
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("ticketbus: message %s exhausted retries (%d/%d)", e.MessageID, e.RetryCount, e.MaxRetries)
}

func (e *RetryExhaustedError) Is(target error) bool {
	return target == ErrRetryExhausted
}

// NotFoundError reports an unknown resource of the given kind.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("ticketbus: %s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Category describes how callers should react to an error.
type Category int

const (
	// CategoryNone is returned for nil errors.
	CategoryNone Category = iota
	// CategoryTransient errors may succeed later: open breakers and failed
	// deliveries or conversions that can be retried from the dead letter store.
	CategoryTransient
	// CategoryPermanent errors will not succeed without a change by the caller.
	CategoryPermanent
)

func (c Category) String() string {
	switch c {
	case CategoryNone:
		return "none"
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Classify maps an error onto a Category. Unknown errors are transient.
func Classify(err error) Category {
	switch {
	case err == nil:
		return CategoryNone
	case sterrors.Is(err, ErrTransformationUnsupported),
		sterrors.Is(err, ErrRetryExhausted),
		sterrors.Is(err, ErrNotFound),
		sterrors.Is(err, ErrUnhandled):
		return CategoryPermanent
	default:
		return CategoryTransient
	}
}

// IsRetryable reports whether err is worth retrying later.
func IsRetryable(err error) bool {
	return Classify(err) == CategoryTransient
}
