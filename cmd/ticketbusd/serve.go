package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/drblury/ticketbus"
)

var (
	routeTypes []string
	services   []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Drain the inbox and route messages until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}
		logger := ticketbus.NewLogger(conf.LogBackend, conf.LogLevel, os.Stdout)

		entries, err := parseServices(services)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		deps := ticketbus.ServiceDependencies{
			Services: entries,
			Hooks:    ticketbus.LoggingHooks(logger),
		}
		if conf.AuditDSN != "" {
			audit, err := ticketbus.OpenSQLAudit(ctx, conf.AuditDriver, conf.AuditDSN)
			if err != nil {
				return err
			}
			defer audit.Close()
			deps.AuditSink = audit
		}

		svc, err := ticketbus.NewService(ctx, conf, logger, deps)
		if err != nil {
			return err
		}
		if err := svc.RouteType(routeTypes...); err != nil {
			_ = svc.Close()
			return err
		}

		logger.Info("ticketbusd starting", ticketbus.LogFields{
			"version":     Version,
			"route_types": routeTypes,
			"services":    len(entries),
		})
		return svc.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringSliceVar(&routeTypes, "route", []string{"ticket"}, "message types routed to their target service")
	serveCmd.Flags().StringArrayVar(&services, "service", nil, "register a service as name=endpoint (repeatable)")
}

// parseServices turns name=endpoint pairs into active registry entries.
func parseServices(specs []string) ([]ticketbus.ServiceEndpoint, error) {
	entries := make([]ticketbus.ServiceEndpoint, 0, len(specs))
	for _, spec := range specs {
		name, endpoint, ok := strings.Cut(spec, "=")
		name, endpoint = strings.TrimSpace(name), strings.TrimSpace(endpoint)
		if !ok || name == "" || endpoint == "" {
			return nil, fmt.Errorf("invalid --service %q: want name=endpoint", spec)
		}
		entries = append(entries, ticketbus.ServiceEndpoint{Name: name, Endpoint: endpoint, Active: true})
	}
	return entries, nil
}
