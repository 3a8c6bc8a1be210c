package transport

// Capabilities describes what a transport backend guarantees to the bus.
type Capabilities struct {
	// Name is the registered transport name.
	Name string

	// SupportsNativeDLQ is set when the broker itself can park poison
	// messages. The bus always keeps its own dead letter store.
	SupportsNativeDLQ bool

	// SupportsOrdering is set when messages on one topic arrive in publish order.
	SupportsOrdering bool

	// SupportsTracing is set when the transport propagates tracing headers.
	SupportsTracing bool

	// SupportsBatching is set when the transport publishes in batches.
	SupportsBatching bool

	// SupportsAck and SupportsNack report explicit acknowledgement support.
	SupportsAck  bool
	SupportsNack bool

	// MaxMessageSize is the largest payload in bytes, 0 when unknown.
	MaxMessageSize int64
}

// RequiresDLQEmulation reports whether failed messages can only be kept by
// the bus's dead letter store.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsReliableDelivery reports at-least-once semantics (ack and nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Fits reports whether a payload of size bytes is within MaxMessageSize.
func (c Capabilities) Fits(size int) bool {
	return c.MaxMessageSize == 0 || int64(size) <= c.MaxMessageSize
}

// Capability sets of the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsBatching: true,
		SupportsAck:      true,
		MaxMessageSize:   1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsAck:       true,
		SupportsNack:      true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576,
	}

	AWSCapabilities = Capabilities{
		Name:              "aws",
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsBatching:  true,
		SupportsAck:       true,
		SupportsNack:      true,
		MaxMessageSize:    262144,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities returns the capabilities registered in the default registry.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
