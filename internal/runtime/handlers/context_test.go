package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/ticketbus/internal/runtime/message"
)

func TestMessageContextBase(t *testing.T) {
	base := MessageContextBase{
		Message: message.New("ticket.created", "intake", nil, message.WithHeaders(message.NewHeaders(
			"key1", "value1",
			message.HeaderCorrelationID, "corr-9",
		))),
	}

	assert.Equal(t, "value1", base.Get("key1"))
	assert.Equal(t, "", base.Get("missing"))
	assert.Equal(t, "corr-9", base.CorrelationID())

	cloned := base.CloneHeaders()
	cloned["key1"] = "changed"
	assert.Equal(t, "value1", base.Get("key1"))
}

func TestMessageContextBaseWithoutHeaders(t *testing.T) {
	base := MessageContextBase{}
	assert.Empty(t, base.CorrelationID())
	cloned := base.CloneHeaders()
	assert.NotNil(t, cloned)
}
