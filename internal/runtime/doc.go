/*
Package runtime hosts the ticket bus Service: the long-running loop that
drains the durable inbox and dispatches each message to the handler
registered for its type.

# Components

The Service wires together:
  - a transport (publisher and subscriber) built through the transport registry
  - the durable inbox subscribed to the configured queue
  - the service bus with its circuit breaker, dead letter store,
    transformation engine and service registry
  - the dispatch middleware chain
  - HTTP servers for Prometheus metrics and the admin API

# Middleware

Dispatch runs through Watermill handler middleware. The default chain is,
outermost first:
  - CorrelationID: stamps a correlation id, the message id when absent
  - LogMessages: debug logging of payloads and metadata
  - Tracer: OpenTelemetry span per dispatch
  - Metrics: Watermill Prometheus handler metrics, when enabled
  - Stats: per-type latency, throughput and error statistics
  - Recoverer: converts handler panics into errors

DispatchHooks and extra registrations are appended after the defaults.

# Sub-packages

  - bus/: the service bus (RouteMessage, RouteMessages and pass-throughs)
  - breaker/: per-service circuit breakers
  - deadletter/: dead letter store, metrics and the SQL audit sink
  - transform/: JSON, XML and CSV payload conversion
  - registry/: service discovery
  - inbox/: durable inbox over a Watermill publisher/subscriber pair
  - handlers/: per-type handler registry and typed JSON handlers
  - config/, errors/, ids/, jsoncodec/, logging/, telemetry/, shardmap/

# Usage Example

	svc, err := runtime.NewService(ctx, cfg, logger, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}
	if err := svc.RouteType("ticket.created", "ticket.updated"); err != nil {
		return err
	}
	return svc.Start(ctx)
*/
package runtime
