package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/serial-crawler/internal/adapter"
)

func newAdaptersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adapters",
		Short: "Inspects and seeds adapter configuration rows",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Prints every adapter configuration row",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			configs, err := appInstance.Store().AdapterConfigs(cmd.Context(), false)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ADAPTER\tSITE\tDOMAIN\tENABLED")
			for _, c := range configs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", c.AdapterName, c.Site, c.Domain, c.Enabled)
			}
			return w.Flush()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "seed",
		Short: "Adds a row for every built-in adapter that has none",
		Long: `Adds an enabled configuration row for each built-in adapter missing
from the store. Existing rows are never modified. Running processes pick up
new rows on their next start.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			added, err := adapter.SeedConfigs(cmd.Context(), appInstance.Store(), adapter.Builtin())
			if err != nil {
				return err
			}
			if len(added) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "all adapters already configured")
				return nil
			}
			for _, name := range added {
				fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", name)
			}
			return nil
		},
	})
	return cmd
}
