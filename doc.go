// Package ticketbus is a service bus that routes tickets between services on
// top of Watermill. Messages are enqueued on a durable inbox; the drain loop
// takes them off in batches, runs them through a middleware chain and hands
// each one to the handler registered for its type.
//
// The bus routes a message to its target service: it looks the service up in
// the registry (or synthesizes a conventional endpoint), converts the payload
// between JSON, XML and CSV when the declared formats differ, and delivers it
// under a per-service circuit breaker. Anything that cannot be delivered is
// captured in the dead letter store, from where it can be retried, archived
// or purged.
//
// # Transports
//
// The inbox runs on any registered transport:
//   - channel: in-process Go channels for tests and single-node setups
//   - kafka: consumer-group subscription shared by all instances
//   - rabbitmq: durable AMQP work queue
//   - aws: SNS topics drained through SQS, LocalStack aware
//   - nats: NATS Core with a queue group
//   - http: webhook style publisher and subscriber
//
// # Middleware
//
// The default chain injects correlation IDs, logs messages, opens an
// OpenTelemetry span, records Prometheus metrics and per-type statistics, and
// recovers panics. DispatchHooks add start, done and error callbacks around
// every dispatch. Custom middleware goes in ServiceDependencies.Middlewares.
//
// # Operations
//
// With metrics enabled the Service serves /metrics; with the admin API
// enabled it exposes handler statistics, breaker state, dead letters,
// registered services and transformation rules over HTTP.
package ticketbus
