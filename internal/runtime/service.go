package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmmessage "github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/ticketbus/internal/runtime/breaker"
	buspkg "github.com/drblury/ticketbus/internal/runtime/bus"
	configpkg "github.com/drblury/ticketbus/internal/runtime/config"
	"github.com/drblury/ticketbus/internal/runtime/deadletter"
	errspkg "github.com/drblury/ticketbus/internal/runtime/errors"
	handlerpkg "github.com/drblury/ticketbus/internal/runtime/handlers"
	"github.com/drblury/ticketbus/internal/runtime/inbox"
	loggingpkg "github.com/drblury/ticketbus/internal/runtime/logging"
	"github.com/drblury/ticketbus/internal/runtime/registry"
	"github.com/drblury/ticketbus/internal/runtime/telemetry"
	"github.com/drblury/ticketbus/internal/runtime/transform"
	transportpkg "github.com/drblury/ticketbus/transport"
)

const metricsNamespace = "ticketbus"

// TransportFactory abstracts how the Service obtains its publisher and
// subscriber. *transport.Registry satisfies it.
type TransportFactory interface {
	Build(ctx context.Context, cfg transportpkg.Config, logger watermill.LoggerAdapter) (transportpkg.Transport, error)
}

// ServiceDependencies holds the optional collaborators of a Service. Zero
// values select the defaults.
type ServiceDependencies struct {
	// TransportFactory defaults to transport.DefaultRegistry.
	TransportFactory TransportFactory
	// Deliverer defaults to publishing on the transport, one topic per target service.
	Deliverer buspkg.Deliverer
	// AuditSink receives archived and purged dead letters.
	AuditSink deadletter.AuditSink
	// Sink defaults to a Prometheus sink when metrics are enabled, a debug log sink otherwise.
	Sink telemetry.Sink
	// Registerer and Gatherer default to the Prometheus default registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	Hooks                     DispatchHooks

	// Services are registered before the Service is returned.
	Services []registry.Entry
	// Clock drives dispatch statistics. Defaults to time.Now.
	Clock func() time.Time
}

// Service drains the durable inbox and dispatches each message to the
// handler registered for its type. Handlers usually hand messages to the bus.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher  wmmessage.Publisher
	subscriber wmmessage.Subscriber
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	bus      *buspkg.Bus
	inbox    *inbox.Inbox
	handlers *handlerpkg.Registry
	stats    *dispatchStats

	middlewares  []wmmessage.HandlerMiddleware
	middlewareMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	running       []*http.Server

	closeOnce sync.Once
}

// NewService builds every collaborator from conf and subscribes to the inbox
// queue. Register handlers on the returned Service before calling Start.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	c := conf.WithDefaults()
	if err := c.Validate(); err != nil {
		return nil, errspkg.ConfigValidationError{Err: err}
	}
	log = loggingpkg.OrNop(log)
	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating ticket bus service", loggingpkg.LogFields{
		"pubsub_system": c.PubSubSystem,
		"inbox_queue":   c.InboxQueue,
		"config":        c.String(),
	})

	s := &Service{
		Conf:       &c,
		Logger:     log,
		registerer: deps.Registerer,
		gatherer:   deps.Gatherer,
		handlers:   handlerpkg.NewRegistry(log),
		stats:      newDispatchStats(deps.Clock),
	}
	if s.registerer == nil {
		s.registerer = prometheus.DefaultRegisterer
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultRegistry
	}
	transport, err := factory.Build(ctx, s.Conf, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("build %s transport: %w", c.PubSubSystem, err)
	}
	s.publisher = transport.Publisher
	s.subscriber = transport.Subscriber

	if err := s.buildBus(deps); err != nil {
		s.closeTransport()
		return nil, err
	}

	s.inbox, err = inbox.New(ctx, s.publisher, s.subscriber, c.InboxQueue, inbox.WithLogger(log))
	if err != nil {
		s.closeTransport()
		return nil, fmt.Errorf("subscribe to inbox %q: %w", c.InboxQueue, err)
	}

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		s.closeTransport()
		return nil, err
	}

	if c.MetricsEnabled && c.MetricsPort > 0 {
		s.RegisterHTTPHandler(c.MetricsPort, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if c.AdminEnabled {
		s.registerAdminAPI()
	}
	return s, nil
}

func (s *Service) buildBus(deps ServiceDependencies) error {
	sink := deps.Sink
	if sink == nil {
		if s.Conf.MetricsEnabled {
			sink = telemetry.NewPrometheusSink(s.registerer, metricsNamespace)
		} else {
			sink = telemetry.NewLogSink(s.Logger)
		}
	}

	cb := breaker.New(
		breaker.WithThreshold(s.Conf.BreakerThreshold),
		breaker.WithTimeout(s.Conf.BreakerTimeout),
		breaker.WithSink(sink),
		breaker.WithLogger(s.Logger),
	)

	storeOpts := []deadletter.Option{
		deadletter.WithSink(sink),
		deadletter.WithLogger(s.Logger),
	}
	if deps.AuditSink != nil {
		storeOpts = append(storeOpts, deadletter.WithAuditSink(deps.AuditSink))
	}
	if s.Conf.MetricsEnabled {
		dlMetrics := deadletter.NewMetrics(s.registerer)
		if err := dlMetrics.Register(); err != nil {
			return fmt.Errorf("register dead letter metrics: %w", err)
		}
		if err := s.registerer.Register(breaker.NewCollector(cb)); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return fmt.Errorf("register breaker metrics: %w", err)
			}
		}
		storeOpts = append(storeOpts, deadletter.WithMetrics(dlMetrics))
	}
	store := deadletter.NewStore(storeOpts...)

	services := registry.New(
		registry.WithEndpointTemplate(s.Conf.RegistryEndpointTemplate),
		registry.WithDefaultTransport(s.Conf.RegistryDefaultTransport),
		registry.WithLogger(s.Logger),
	)
	for _, entry := range deps.Services {
		if err := services.Register(entry); err != nil {
			return fmt.Errorf("register service %q: %w", entry.Name, err)
		}
	}

	deliverer := deps.Deliverer
	if deliverer == nil {
		pd, err := buspkg.NewPublisherDeliverer(s.publisher, buspkg.TopicByService)
		if err != nil {
			return err
		}
		deliverer = pd
	}

	b, err := buspkg.New(deliverer,
		buspkg.WithBreaker(cb),
		buspkg.WithDeadLetters(store),
		buspkg.WithTransformer(transform.New(transform.WithSink(sink), transform.WithLogger(s.Logger))),
		buspkg.WithRegistry(services),
		buspkg.WithSink(sink),
		buspkg.WithLogger(s.Logger),
		buspkg.WithMaxRetries(s.Conf.DeadLetterMaxRetries),
		buspkg.WithConcurrency(s.Conf.DrainConcurrency),
	)
	if err != nil {
		return err
	}
	s.bus = b
	return nil
}

// Bus returns the service bus the Service routes through.
func (s *Service) Bus() *buspkg.Bus { return s.bus }

// Inbox returns the durable inbox the drain loop consumes.
func (s *Service) Inbox() *inbox.Inbox { return s.inbox }

// Handlers returns the per-type handler registry.
func (s *Service) Handlers() *handlerpkg.Registry { return s.handlers }

// HandlerStats returns dispatch statistics per message type.
func (s *Service) HandlerStats() []HandlerStats { return s.stats.Snapshot() }

// Send enqueues a message for target on the inbox and returns its id.
func (s *Service) Send(ctx context.Context, target, messageType string, payload []byte) (string, error) {
	return s.inbox.Send(ctx, target, messageType, payload)
}

// RegisterHTTPHandler mounts handler on the server listening on port. Servers
// start with Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.running = append(s.running, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}

func (s *Service) stopHTTPServers(ctx context.Context) {
	s.httpServersMu.Lock()
	servers := s.running
	s.running = nil
	s.httpServersMu.Unlock()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			s.Logger.Error("HTTP server shutdown failed", err, loggingpkg.LogFields{"address": srv.Addr})
		}
	}
}

// Close stops the inbox subscription and closes the transport. Start calls it
// on return.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = errors.Join(s.inbox.Close(), s.closeTransport())
	})
	return err
}

func (s *Service) closeTransport() error {
	var errs []error
	if s.subscriber != nil {
		errs = append(errs, s.subscriber.Close())
	}
	if s.publisher != nil && any(s.publisher) != any(s.subscriber) {
		errs = append(errs, s.publisher.Close())
	}
	return errors.Join(errs...)
}
