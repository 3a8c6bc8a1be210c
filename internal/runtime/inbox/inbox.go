// Package inbox implements the durable inbox on top of a Watermill
// publisher/subscriber pair. The inbox topic is subscribed once at
// construction; ReceiveBatch drains it with a timeout.
package inbox

import (
	"context"
	"errors"
	"sync"
	"time"

	wmmessage "github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/ticketbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/ticketbus/internal/runtime/logging"
	"github.com/drblury/ticketbus/internal/runtime/message"
)

// ErrClosed is returned once the inbox or its subscription has been closed.
var ErrClosed = errors.New("ticketbus: inbox closed")

// Inbox publishes to and consumes from a single queue.
type Inbox struct {
	publisher wmmessage.Publisher
	queue     string
	log       loggingpkg.ServiceLogger

	messages <-chan *wmmessage.Message
	cancel   context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// Option customises an Inbox.
type Option func(*Inbox)

func WithLogger(log loggingpkg.ServiceLogger) Option {
	return func(i *Inbox) { i.log = log }
}

// New subscribes to queue and returns an inbox ready to receive. The
// subscription lives until Close or until ctx is cancelled.
func New(ctx context.Context, publisher wmmessage.Publisher, subscriber wmmessage.Subscriber, queue string, opts ...Option) (*Inbox, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if subscriber == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	if queue == "" {
		return nil, errspkg.ErrQueueRequired
	}

	i := &Inbox{publisher: publisher, queue: queue}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	i.log = loggingpkg.OrNop(i.log)

	subCtx, cancel := context.WithCancel(ctx)
	messages, err := subscriber.Subscribe(subCtx, queue)
	if err != nil {
		cancel()
		return nil, err
	}
	i.messages = messages
	i.cancel = cancel
	return i, nil
}

// Queue returns the topic the inbox consumes.
func (i *Inbox) Queue() string {
	return i.queue
}

// Send publishes a new message for target onto the inbox queue and returns
// its id.
func (i *Inbox) Send(ctx context.Context, target, messageType string, payload []byte, opts ...message.Option) (string, error) {
	if messageType == "" {
		return "", errspkg.ErrMessageTypeRequired
	}
	msg := message.New(messageType, target, payload, opts...)
	if err := i.SendMessage(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// SendMessage publishes an existing message onto the inbox queue.
func (i *Inbox) SendMessage(ctx context.Context, msg message.Message) error {
	if i.isClosed() {
		return ErrClosed
	}
	wm := message.ToWatermill(msg)
	if ctx != nil {
		wm.SetContext(ctx)
	}
	if err := i.publisher.Publish(i.queue, wm); err != nil {
		return err
	}
	i.log.Debug("Message sent to inbox", loggingpkg.LogFields{
		"queue":          i.queue,
		"message_id":     msg.ID,
		"message_type":   msg.Type,
		"target_service": msg.TargetService,
	})
	return nil
}

// ReceiveBatch collects up to max messages, waiting at most timeout for the
// batch to fill. An empty result after the timeout is not an error. Messages
// are acknowledged as they are taken off the subscription.
func (i *Inbox) ReceiveBatch(ctx context.Context, max int, timeout time.Duration) ([]message.Message, error) {
	if max <= 0 {
		max = 1
	}
	if i.isClosed() {
		return nil, ErrClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	batch := make([]message.Message, 0, max)
	for len(batch) < max {
		select {
		case <-ctx.Done():
			return batch, ctx.Err()
		case <-timer.C:
			return batch, nil
		case wm, ok := <-i.messages:
			if !ok {
				if len(batch) > 0 {
					return batch, nil
				}
				return nil, ErrClosed
			}
			batch = append(batch, message.FromWatermill(wm))
			wm.Ack()
		}
	}
	return batch, nil
}

// Close ends the subscription. Further calls return ErrClosed.
func (i *Inbox) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	i.cancel()
	return nil
}

func (i *Inbox) isClosed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}
