package handlers

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	errspkg "github.com/drblury/ticketbus/internal/runtime/errors"
	jsoncodec "github.com/drblury/ticketbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/ticketbus/internal/runtime/logging"
	"github.com/drblury/ticketbus/internal/runtime/message"
)

// JSONMessageContext exposes the decoded payload alongside the envelope.
type JSONMessageContext[T any] struct {
	MessageContextBase
	Payload T
}

// JSONMessageOutput is a follow-up message emitted by a JSON handler. Empty
// fields fall back to the incoming message's type, target and headers.
type JSONMessageOutput[T any] struct {
	Message       T
	Type          string
	TargetService string
	Headers       message.Headers
}

// JSONMessageHandler processes a decoded JSON payload.
type JSONMessageHandler[T any, O any] func(ctx context.Context, event JSONMessageContext[T]) ([]JSONMessageOutput[O], error)

// BuildJSONHandler converts a typed JSON handler into a Handler. T must be a
// pointer type.
func BuildJSONHandler[T any, O any](handler JSONMessageHandler[T, O], logger loggingpkg.ServiceLogger) (HandlerFunc, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	prototypeFactory, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}
	logger = loggingpkg.OrNop(logger)

	return func(ctx context.Context, msg message.Message) ([]message.Message, error) {
		typed := prototypeFactory()

		if err := jsoncodec.Unmarshal(msg.Payload, typed); err != nil {
			return nil, fmt.Errorf("failed to unmarshal JSON payload: %w", err)
		}

		event := JSONMessageContext[T]{
			MessageContextBase: MessageContextBase{
				Message: msg,
				Logger: logger.With(loggingpkg.LogFields{
					"message_id":   msg.ID,
					"message_type": msg.Type,
				}),
			},
			Payload: typed,
		}

		outgoing, err := handler(ctx, event)
		if err != nil {
			return nil, err
		}

		return convertJSONOutputs(outgoing, msg)
	}, nil
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrPayloadTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrPayloadPointer
	}
	elem := typ.Elem()
	return func() T {
		clone := reflect.New(elem).Interface()
		return clone.(T)
	}, nil
}

func convertJSONOutputs[T any](outputs []JSONMessageOutput[T], incoming message.Message) ([]message.Message, error) {
	if len(outputs) == 0 {
		return nil, nil
	}

	result := make([]message.Message, len(outputs))
	for i, out := range outputs {
		if reflect.ValueOf(&out.Message).Elem().IsZero() {
			return nil, errors.New("json handler emitted zero-value message")
		}

		payload, err := jsoncodec.Marshal(out.Message)
		if err != nil {
			return nil, err
		}

		headers := out.Headers
		if headers == nil {
			headers = incoming.Headers
		}
		headers = headers.Clone()
		if cid := incoming.CorrelationID(); cid != "" && headers[message.HeaderCorrelationID] == "" {
			headers[message.HeaderCorrelationID] = cid
		}

		msgType := out.Type
		if msgType == "" {
			msgType = incoming.Type
		}
		target := out.TargetService
		if target == "" {
			target = incoming.TargetService
		}

		result[i] = message.New(msgType, target, payload, message.WithHeaders(headers))
	}

	return result, nil
}
