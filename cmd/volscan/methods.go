package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newMethodsCmd(root *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "methods",
		Short: "List measurement methods and whether they are available here",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}

			registry, err := newRegistry(cmd.Context(), cfg, newLogger(cmd.ErrOrStderr(), cfg, "methods"))
			if err != nil {
				return err
			}
			methods := registry.Methods()

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(methods)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tAVAILABLE\tPERFORMANCE\tACCURACY\tFEATURES\tDESCRIPTION")
			for _, m := range methods {
				fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\t%s\n",
					m.Name, m.Available, m.PerformanceTier, m.AccuracyTier,
					strings.Join(m.Features, ","), m.Description)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the catalog as JSON")
	return cmd
}
