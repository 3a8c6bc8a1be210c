package runtime

import (
	"context"
	"errors"
	"time"

	wmmessage "github.com/ThreeDotsLabs/watermill/message"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/ticketbus/internal/runtime/inbox"
	loggingpkg "github.com/drblury/ticketbus/internal/runtime/logging"
	"github.com/drblury/ticketbus/internal/runtime/message"
)

const shutdownTimeout = 10 * time.Second

// Start serves the registered HTTP handlers and drains the inbox until ctx is
// cancelled or the inbox closes. In-flight dispatches finish before it
// returns; the Service is closed afterwards.
func (s *Service) Start(ctx context.Context) error {
	s.startHTTPServers()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		s.stopHTTPServers(shutdownCtx)
		if err := s.Close(); err != nil {
			s.Logger.Error("Failed to close service", err, nil)
		}
	}()

	s.Logger.Info("Drain loop started", loggingpkg.LogFields{
		"queue":       s.inbox.Queue(),
		"batch_size":  s.Conf.DrainBatchSize,
		"concurrency": s.Conf.DrainConcurrency,
	})

	for {
		n, err := s.DrainOnce(ctx)
		switch {
		case ctx.Err() != nil:
			s.Logger.Info("Drain loop stopped", nil)
			return nil
		case errors.Is(err, inbox.ErrClosed):
			s.Logger.Info("Inbox closed, drain loop stopped", nil)
			return nil
		case err != nil:
			return err
		}

		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			s.Logger.Info("Drain loop stopped", nil)
			return nil
		case <-time.After(s.Conf.PollIdleBackoff):
		}
	}
}

// DrainOnce receives one batch from the inbox and dispatches it with bounded
// concurrency. It returns the number of messages taken off the inbox.
// Dispatch failures are logged and counted, never returned.
func (s *Service) DrainOnce(ctx context.Context) (int, error) {
	batch, err := s.inbox.ReceiveBatch(ctx, s.Conf.DrainBatchSize, s.Conf.ReceiveTimeout)

	// Received messages are already acknowledged and must be handled even
	// when the receive was cut short.
	dispatchCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(s.Conf.DrainConcurrency)
	for _, msg := range batch {
		g.Go(func() error {
			_ = s.Dispatch(dispatchCtx, msg)
			return nil
		})
	}
	_ = g.Wait()
	return len(batch), err
}

// Dispatch runs msg through the middleware chain and its type's handler.
// Messages the handler emits are sent back to the inbox.
func (s *Service) Dispatch(ctx context.Context, msg message.Message) error {
	wm := message.ToWatermill(msg)
	wm.SetContext(ctx)

	outputs, err := s.chain(s.dispatchHandler)(wm)
	if err != nil {
		s.Logger.Error("Message dispatch failed", err, loggingpkg.LogFields{
			"message_id":     msg.ID,
			"message_type":   msg.Type,
			"target_service": msg.TargetService,
		})
		return err
	}

	var errs []error
	for _, out := range outputs {
		if err := s.inbox.SendMessage(ctx, message.FromWatermill(out)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.Logger.Error("Failed to enqueue handler output", err, loggingpkg.LogFields{"message_id": msg.ID})
		return err
	}
	return nil
}

func (s *Service) dispatchHandler(wm *wmmessage.Message) ([]*wmmessage.Message, error) {
	outputs, err := s.handlers.Dispatch(wm.Context(), message.FromWatermill(wm))
	if err != nil {
		return nil, err
	}
	converted := make([]*wmmessage.Message, 0, len(outputs))
	for _, out := range outputs {
		converted = append(converted, message.ToWatermill(out))
	}
	return converted, nil
}
