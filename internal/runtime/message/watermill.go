package message

import (
	"time"

	wmmessage "github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/ticketbus/internal/runtime/ids"
)

// ToWatermill converts a message into a Watermill message. Envelope fields
// travel as reserved metadata keys.
func ToWatermill(m Message) *wmmessage.Message {
	wm := wmmessage.NewMessage(m.ID, m.Payload)
	for k, v := range m.Headers {
		wm.Metadata.Set(k, v)
	}
	wm.Metadata.Set(HeaderMessageID, m.ID)
	if m.Type != "" {
		wm.Metadata.Set(HeaderMessageType, m.Type)
	}
	if m.TargetService != "" {
		wm.Metadata.Set(HeaderTargetService, m.TargetService)
	}
	if !m.CreatedAt.IsZero() {
		wm.Metadata.Set(HeaderCreatedAt, m.CreatedAt.UTC().Format(time.RFC3339Nano))
	}
	return wm
}

// FromWatermill rebuilds a message from a Watermill message. Missing envelope
// fields fall back to the Watermill UUID and the ULID timestamp.
func FromWatermill(wm *wmmessage.Message) Message {
	headers := make(Headers, len(wm.Metadata))
	for k, v := range wm.Metadata {
		switch k {
		case HeaderMessageID, HeaderMessageType, HeaderTargetService, HeaderCreatedAt:
		default:
			headers[k] = v
		}
	}

	msg := Message{
		ID:            wm.Metadata.Get(HeaderMessageID),
		Type:          wm.Metadata.Get(HeaderMessageType),
		TargetService: wm.Metadata.Get(HeaderTargetService),
		Payload:       append([]byte(nil), wm.Payload...),
		Headers:       headers,
	}
	if msg.ID == "" {
		msg.ID = wm.UUID
	}
	if raw := wm.Metadata.Get(HeaderCreatedAt); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			msg.CreatedAt = t
		}
	}
	if msg.CreatedAt.IsZero() {
		if t, ok := ids.Timestamp(msg.ID); ok {
			msg.CreatedAt = t
		}
	}
	return msg
}
