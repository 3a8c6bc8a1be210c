package bus

import (
	"context"
	"errors"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmmessage "github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ticketbus/internal/runtime/breaker"
	errspkg "github.com/drblury/ticketbus/internal/runtime/errors"
	"github.com/drblury/ticketbus/internal/runtime/message"
	"github.com/drblury/ticketbus/internal/runtime/registry"
)

func TestPublisherDelivererPublishesToServiceTopic(t *testing.T) {
	ps := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer ps.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	received, err := ps.Subscribe(ctx, "billing")
	require.NoError(t, err)

	d, err := NewPublisherDeliverer(ps, nil)
	require.NoError(t, err)

	msg := message.New("invoice.requested", "billing", []byte(`{"amount":12}`))
	require.NoError(t, d.Deliver(context.Background(), registry.Entry{Name: "billing"}, msg))

	select {
	case wm := <-received:
		wm.Ack()
		got := message.FromWatermill(wm)
		assert.Equal(t, msg.ID, got.ID)
		assert.Equal(t, "invoice.requested", got.Type)
		assert.JSONEq(t, `{"amount":12}`, string(got.Payload))
	case <-time.After(time.Second):
		t.Fatal("message was not published")
	}
}

func TestNewPublisherDelivererRequiresPublisher(t *testing.T) {
	_, err := NewPublisherDeliverer(nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrPublisherRequired)
}

func TestTopicFuncs(t *testing.T) {
	e := registry.Entry{Name: "mail", Endpoint: "http://mail/api"}
	assert.Equal(t, "mail", TopicByService(e, message.Message{}))
	assert.Equal(t, "http://mail/api", TopicByEndpoint(e, message.Message{}))
}

func TestHTTPDelivererPostsToEndpoint(t *testing.T) {
	bodies := make(chan string, 1)
	ok := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		raw, _ := io.ReadAll(r.Body)
		bodies <- string(raw)
		w.WriteHeader(nethttp.StatusAccepted)
	}))
	defer ok.Close()
	failing := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.WriteHeader(nethttp.StatusServiceUnavailable)
	}))
	defer failing.Close()

	d, err := NewHTTPDeliverer(ok.Client(), nil)
	require.NoError(t, err)

	msg := message.New("ticket.created", "intake", []byte(`<root><id>1</id></root>`))
	require.NoError(t, d.Deliver(context.Background(), registry.Entry{Name: "intake", Endpoint: ok.URL}, msg))
	assert.Equal(t, `<root><id>1</id></root>`, <-bodies)

	err = d.Deliver(context.Background(), registry.Entry{Name: "intake", Endpoint: failing.URL}, msg)
	assert.Error(t, err)
}

func TestBreakerMiddleware(t *testing.T) {
	b := breaker.New(breaker.WithThreshold(2), breaker.WithTimeout(time.Hour))
	calls := 0
	handler := BreakerMiddleware(b, nil)(func(msg *wmmessage.Message) ([]*wmmessage.Message, error) {
		calls++
		return nil, errors.New("downstream failed")
	})

	newMsg := func() *wmmessage.Message {
		return message.ToWatermill(message.New("ticket.created", "crm", nil))
	}
	for i := 0; i < 2; i++ {
		_, err := handler(newMsg())
		assert.EqualError(t, err, "downstream failed")
	}
	_, err := handler(newMsg())
	assert.ErrorIs(t, err, errspkg.ErrBreakerOpen)
	assert.Equal(t, 2, calls)
	assert.Equal(t, breaker.StateOpen, b.Status("crm").State)

	untargeted := wmmessage.NewMessage("id-1", nil)
	_, err = handler(untargeted)
	assert.EqualError(t, err, "downstream failed")
	assert.Equal(t, 3, calls)
}
