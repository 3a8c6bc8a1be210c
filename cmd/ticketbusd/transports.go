package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/drblury/ticketbus"
)

var transportsCmd = &cobra.Command{
	Use:   "transports",
	Short: "List the built-in transports and their capabilities",
	RunE: func(cmd *cobra.Command, _ []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tRELIABLE\tNATIVE DLQ\tORDERING\tMAX SIZE")
		for _, name := range ticketbus.DefaultTransportRegistry.Names() {
			caps := ticketbus.GetCapabilities(name)
			size := "-"
			if caps.MaxMessageSize > 0 {
				size = fmt.Sprint(caps.MaxMessageSize)
			}
			fmt.Fprintf(w, "%s\t%t\t%t\t%t\t%s\n",
				name, caps.SupportsReliableDelivery(), caps.SupportsNativeDLQ, caps.SupportsOrdering, size)
		}
		return w.Flush()
	},
}
