package bus

import (
	"context"
	nethttp "net/http"

	"github.com/ThreeDotsLabs/watermill"
	wmhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	wmmessage "github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/ticketbus/internal/runtime/errors"
	"github.com/drblury/ticketbus/internal/runtime/message"
	"github.com/drblury/ticketbus/internal/runtime/registry"
)

// Deliverer sends a transformed message to the endpoint resolved for its
// target service.
type Deliverer interface {
	Deliver(ctx context.Context, endpoint registry.Entry, msg message.Message) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, endpoint registry.Entry, msg message.Message) error

func (f DelivererFunc) Deliver(ctx context.Context, endpoint registry.Entry, msg message.Message) error {
	return f(ctx, endpoint, msg)
}

// TopicFunc picks the publish topic for a delivery.
type TopicFunc func(endpoint registry.Entry, msg message.Message) string

// TopicByService publishes to a topic named after the target service.
func TopicByService(endpoint registry.Entry, _ message.Message) string {
	return endpoint.Name
}

// TopicByEndpoint publishes to the endpoint URL, which is what HTTP
// publishers expect as their topic.
func TopicByEndpoint(endpoint registry.Entry, _ message.Message) string {
	return endpoint.Endpoint
}

// PublisherDeliverer delivers by publishing onto a Watermill publisher.
type PublisherDeliverer struct {
	publisher wmmessage.Publisher
	topic     TopicFunc
}

// NewPublisherDeliverer returns a deliverer publishing to pub. A nil topic
// function defaults to TopicByService.
func NewPublisherDeliverer(pub wmmessage.Publisher, topic TopicFunc) (*PublisherDeliverer, error) {
	if pub == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if topic == nil {
		topic = TopicByService
	}
	return &PublisherDeliverer{publisher: pub, topic: topic}, nil
}

func (d *PublisherDeliverer) Deliver(ctx context.Context, endpoint registry.Entry, msg message.Message) error {
	wm := message.ToWatermill(msg)
	if ctx != nil {
		wm.SetContext(ctx)
	}
	return d.publisher.Publish(d.topic(endpoint, msg), wm)
}

// NewHTTPDeliverer POSTs each message to its registry endpoint. Responses
// with a status of 400 or above are delivery failures.
func NewHTTPDeliverer(client *nethttp.Client, logger watermill.LoggerAdapter) (*PublisherDeliverer, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	pub, err := wmhttp.NewPublisher(wmhttp.PublisherConfig{
		MarshalMessageFunc: wmhttp.DefaultMarshalMessageFunc,
		Client:             client,
	}, logger)
	if err != nil {
		return nil, err
	}
	return NewPublisherDeliverer(pub, TopicByEndpoint)
}
