package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newArchivesCmd(opts *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "archives",
		Short: "List the enabled archives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			archives, err := a.Service.ListArchives(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				data, err := json.MarshalIndent(archives, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal archives: %w", err)
				}
				cmd.Println(string(data))
				return nil
			}

			if len(archives) == 0 {
				cmd.Println("No archives configured.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tKIND\tPRIORITY\tDEPTH\tBASE URL")
			for _, archive := range archives {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					archive.Name, archive.Kind, archive.Priority, archive.EffectiveDepth(), archive.BaseURL)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output archives as JSON")
	return cmd
}
