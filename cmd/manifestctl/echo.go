package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newEchoCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "echo [archive...]",
		Short: "Test the connection to archives",
		Long: `Runs a connection test against the named archives, or every enabled
archive: C-ECHO for DIMSE, a QIDO-RS ping for DICOMweb, a ping for SQL.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			names := args
			if len(names) == 0 {
				archives, err := a.Service.ListArchives(cmd.Context())
				if err != nil {
					return err
				}
				for _, archive := range archives {
					names = append(names, archive.Name)
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ARCHIVE\tSTATUS\tTIME\tERROR")
			failed := 0
			for _, name := range names {
				status, err := a.Service.TestArchive(cmd.Context(), name)
				if err != nil {
					failed++
					elapsed := "-"
					if status != nil {
						elapsed = fmt.Sprintf("%dms", status.ResponseTime)
					}
					fmt.Fprintf(w, "%s\tFAILED\t%s\t%v\n", name, elapsed, err)
					continue
				}
				fmt.Fprintf(w, "%s\tOK\t%dms\t\n", name, status.ResponseTime)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d archives failed", failed, len(names))
			}
			return nil
		},
	}
}
