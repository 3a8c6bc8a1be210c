// Package transports imports every built-in transport so each registers
// itself with the default registry.
package transports

import (
	_ "github.com/drblury/ticketbus/transport/aws"
	_ "github.com/drblury/ticketbus/transport/channel"
	_ "github.com/drblury/ticketbus/transport/http"
	_ "github.com/drblury/ticketbus/transport/kafka"
	_ "github.com/drblury/ticketbus/transport/nats"
	_ "github.com/drblury/ticketbus/transport/rabbitmq"
)
