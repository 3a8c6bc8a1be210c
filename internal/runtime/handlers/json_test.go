package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/ticketbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/ticketbus/internal/runtime/logging"
	"github.com/drblury/ticketbus/internal/runtime/message"
)

type ticketCreated struct {
	ID      int    `json:"id"`
	Subject string `json:"subject"`
}

type notificationRequested struct {
	TicketID  int       `json:"ticket_id"`
	Requested time.Time `json:"requested"`
}

func TestBuildJSONHandlerProcessesPayload(t *testing.T) {
	handler, err := BuildJSONHandler(func(ctx context.Context, evt JSONMessageContext[*ticketCreated]) ([]JSONMessageOutput[*notificationRequested], error) {
		require.NotNil(t, ctx)
		require.NotNil(t, evt.Payload)
		assert.Equal(t, 42, evt.Payload.ID)
		assert.Equal(t, "cid-1", evt.CorrelationID())
		assert.Equal(t, "portal", evt.Get("origin"))

		headers := evt.CloneHeaders()
		headers["processed"] = "true"
		return []JSONMessageOutput[*notificationRequested]{
			{
				Message:       &notificationRequested{TicketID: evt.Payload.ID, Requested: time.Unix(100, 0).UTC()},
				Type:          "notification.requested",
				TargetService: "mail",
				Headers:       headers,
			},
		}, nil
	}, loggingpkg.NopLogger())
	require.NoError(t, err)

	incoming := message.New("ticket.created", "intake", []byte(`{"id":42,"subject":"vpn"}`),
		message.WithCorrelationID("cid-1"),
		message.WithHeader("origin", "portal"),
	)
	produced, err := handler(context.Background(), incoming)
	require.NoError(t, err)
	require.Len(t, produced, 1)

	out := produced[0]
	assert.Equal(t, "notification.requested", out.Type)
	assert.Equal(t, "mail", out.TargetService)
	assert.Equal(t, "true", out.Headers["processed"])
	assert.Equal(t, "cid-1", out.CorrelationID())
	assert.NotEqual(t, incoming.ID, out.ID)
	assert.JSONEq(t, `{"ticket_id":42,"requested":"1970-01-01T00:01:40Z"}`, string(out.Payload))
	assert.Empty(t, incoming.Headers["processed"])
}

func TestBuildJSONHandlerErrors(t *testing.T) {
	handler, err := BuildJSONHandler(func(ctx context.Context, evt JSONMessageContext[*ticketCreated]) ([]JSONMessageOutput[*notificationRequested], error) {
		return nil, errors.New("handler failed")
	}, nil)
	require.NoError(t, err)

	_, err = handler(context.Background(), message.New("ticket.created", "intake", []byte(`{invalid-json`)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal JSON payload")

	_, err = handler(context.Background(), message.New("ticket.created", "intake", []byte(`{"id":1}`)))
	assert.EqualError(t, err, "handler failed")
}

func TestBuildJSONHandlerValidatesInputs(t *testing.T) {
	_, err := BuildJSONHandler[*ticketCreated, *notificationRequested](nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrHandlerRequired)

	_, err = BuildJSONHandler(func(ctx context.Context, evt JSONMessageContext[ticketCreated]) ([]JSONMessageOutput[*notificationRequested], error) {
		return nil, nil
	}, nil)
	assert.ErrorIs(t, err, errspkg.ErrPayloadPointer)
}

func TestJSONPrototypeFactory(t *testing.T) {
	_, err := jsonPrototypeFactory[any]()
	assert.ErrorIs(t, err, errspkg.ErrPayloadTypeRequired)

	factory, err := jsonPrototypeFactory[*ticketCreated]()
	require.NoError(t, err)
	first, second := factory(), factory()
	assert.NotSame(t, first, second)
}

func TestConvertJSONOutputs(t *testing.T) {
	incoming := message.New("ticket.updated", "intake", nil, message.WithHeader("origin", "fallback"))

	msgs, err := convertJSONOutputs[*notificationRequested](nil, incoming)
	require.NoError(t, err)
	assert.Nil(t, msgs)

	_, err = convertJSONOutputs([]JSONMessageOutput[*notificationRequested]{{Message: nil}}, incoming)
	assert.EqualError(t, err, "json handler emitted zero-value message")

	produced, err := convertJSONOutputs([]JSONMessageOutput[*notificationRequested]{
		{Message: &notificationRequested{TicketID: 7}},
	}, incoming)
	require.NoError(t, err)
	require.Len(t, produced, 1)
	assert.Equal(t, "fallback", produced[0].Headers["origin"])
	assert.Equal(t, "ticket.updated", produced[0].Type)
	assert.Equal(t, "intake", produced[0].TargetService)
}
