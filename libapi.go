package ticketbus

import (
	runtimepkg "github.com/drblury/ticketbus/internal/runtime"
	"github.com/drblury/ticketbus/internal/runtime/breaker"
	buspkg "github.com/drblury/ticketbus/internal/runtime/bus"
	configpkg "github.com/drblury/ticketbus/internal/runtime/config"
	"github.com/drblury/ticketbus/internal/runtime/deadletter"
	"github.com/drblury/ticketbus/internal/runtime/deadletter/sqlaudit"
	errspkg "github.com/drblury/ticketbus/internal/runtime/errors"
	handlerpkg "github.com/drblury/ticketbus/internal/runtime/handlers"
	idspkg "github.com/drblury/ticketbus/internal/runtime/ids"
	jsoncodec "github.com/drblury/ticketbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/ticketbus/internal/runtime/logging"
	"github.com/drblury/ticketbus/internal/runtime/message"
	"github.com/drblury/ticketbus/internal/runtime/registry"
	"github.com/drblury/ticketbus/internal/runtime/telemetry"
	"github.com/drblury/ticketbus/internal/runtime/transform"
	"github.com/drblury/ticketbus/transport"
	_ "github.com/drblury/ticketbus/transport/transports"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	TransportFactory    = runtimepkg.TransportFactory

	Message = message.Message
	Headers = message.Headers

	Bus           = buspkg.Bus
	Deliverer     = buspkg.Deliverer
	DelivererFunc = buspkg.DelivererFunc

	Handler                          = handlerpkg.Handler
	HandlerFunc                      = handlerpkg.HandlerFunc
	JSONMessageContext[T any]        = handlerpkg.JSONMessageContext[T]
	JSONMessageOutput[T any]         = handlerpkg.JSONMessageOutput[T]
	JSONMessageHandler[T any, O any] = handlerpkg.JSONMessageHandler[T, O]
	MessageContextBase               = handlerpkg.MessageContextBase

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	DispatchContext = runtimepkg.DispatchContext
	DispatchHooks   = runtimepkg.DispatchHooks
	HandlerStats    = runtimepkg.HandlerStats

	BreakerStatus   = breaker.Status
	BreakerState    = breaker.State
	DeadLetter      = deadletter.Entry
	AuditSink       = deadletter.AuditSink
	ServiceEndpoint = registry.Entry
	TransformRule   = transform.Rule
	TelemetrySink   = telemetry.Sink

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	ConfigValidationError = errspkg.ConfigValidationError
	ErrorCategory         = errspkg.Category

	TransportConfig       = transport.Config
	TransportBuilder      = transport.Builder
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewMessage        = message.New
	WithMessageID     = message.WithID
	WithHeader        = message.WithHeader
	WithFormats       = message.WithFormats
	WithCorrelationID = message.WithCorrelationID

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	StatsMiddleware         = runtimepkg.StatsMiddleware
	BreakerMiddleware       = runtimepkg.BreakerMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	DispatchHooksMiddleware = runtimepkg.DispatchHooksMiddleware
	LoggingHooks            = runtimepkg.LoggingHooks
	MetricsHooks            = runtimepkg.MetricsHooks
	AlertingHooks           = runtimepkg.AlertingHooks

	NewPublisherDeliverer = buspkg.NewPublisherDeliverer
	NewHTTPDeliverer      = buspkg.NewHTTPDeliverer
	TopicByService        = buspkg.TopicByService
	TopicByEndpoint       = buspkg.TopicByEndpoint

	OpenSQLAudit = sqlaudit.Open

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ValidateFormat  = transform.ValidateFormat
	NormalizeFormat = transform.NormalizeFormat

	ClassifyError = errspkg.Classify
	IsRetryable   = errspkg.IsRetryable

	ErrServiceRequired     = errspkg.ErrServiceRequired
	ErrHandlerRequired     = errspkg.ErrHandlerRequired
	ErrMessageTypeRequired = errspkg.ErrMessageTypeRequired
	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrBreakerOpen         = errspkg.ErrBreakerOpen
	ErrDeliveryFailed      = errspkg.ErrDeliveryFailed
	ErrRetryExhausted      = errspkg.ErrRetryExhausted
	ErrNotFound            = errspkg.ErrNotFound
	ErrUnhandled           = errspkg.ErrUnhandled
	ErrNotRouted           = buspkg.ErrNotRouted

	NewLogger            = loggingpkg.New
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger

	CreateULID = idspkg.CreateULID
)

// Error categories returned by ClassifyError.
const (
	ErrorCategoryNone      = errspkg.CategoryNone
	ErrorCategoryTransient = errspkg.CategoryTransient
	ErrorCategoryPermanent = errspkg.CategoryPermanent
)

// Breaker states.
const (
	BreakerClosed   = breaker.StateClosed
	BreakerOpen     = breaker.StateOpen
	BreakerHalfOpen = breaker.StateHalfOpen
)

// Payload formats understood by the transformation engine.
const (
	FormatJSON = transform.FormatJSON
	FormatXML  = transform.FormatXML
	FormatCSV  = transform.FormatCSV
)

func RegisterJSONHandler[T any, O any](svc *Service, messageType string, handler JSONMessageHandler[T, O]) error {
	return runtimepkg.RegisterJSONHandler(svc, messageType, handler)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
