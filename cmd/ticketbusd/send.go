package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/drblury/ticketbus"
	loggingpkg "github.com/drblury/ticketbus/internal/runtime/logging"
	"github.com/drblury/ticketbus/internal/runtime/message"
)

var (
	sourceFormat  string
	targetFormat  string
	correlationID string
)

var sendCmd = &cobra.Command{
	Use:   "send <target-service> <message-type> [payload]",
	Short: "Enqueue one message on the inbox",
	Long: `Enqueue one message on the inbox of the configured transport. The
payload is read from stdin when it is omitted or "-".`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}
		if err := conf.Validate(); err != nil {
			return ticketbus.ConfigValidationError{Err: err}
		}

		payload, err := readPayload(args, cmd.InOrStdin())
		if err != nil {
			return err
		}

		logger := ticketbus.NewLogger(conf.LogBackend, conf.LogLevel, os.Stderr)
		tr, err := ticketbus.BuildTransport(cmd.Context(), conf, loggingpkg.NewWatermillAdapter(logger))
		if err != nil {
			return err
		}
		defer tr.Publisher.Close()
		if tr.Subscriber != nil && any(tr.Subscriber) != any(tr.Publisher) {
			defer tr.Subscriber.Close()
		}

		opts := []message.Option{message.WithFormats(sourceFormat, targetFormat)}
		if correlationID != "" {
			opts = append(opts, message.WithCorrelationID(correlationID))
		}
		msg := message.New(args[1], args[0], payload, opts...)
		if err := tr.Publisher.Publish(conf.InboxQueue, message.ToWatermill(msg)); err != nil {
			return fmt.Errorf("publish to %s: %w", conf.InboxQueue, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), msg.ID)
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sourceFormat, "source-format", ticketbus.FormatJSON, "format of the payload")
	sendCmd.Flags().StringVar(&targetFormat, "target-format", ticketbus.FormatJSON, "format the target service expects")
	sendCmd.Flags().StringVar(&correlationID, "correlation-id", "", "correlation id, defaults to the message id")
}

func readPayload(args []string, stdin io.Reader) ([]byte, error) {
	if len(args) == 3 && args[2] != "-" {
		return []byte(args[2]), nil
	}
	payload, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return payload, nil
}
