package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func NewRescueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rescue",
		Short: "Reinstate dead-lettered operations whose failure looks transient",
		Long: `Run one rescue round over the unresolved dead letters. Entries whose failure
reason matches rescue.transient_patterns are queued again as new operations;
entries already rescued rescue.max_generations times are left for a person.

The round is skipped when another instance holds the rescue lock.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openAdminStore(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()

			report, err := store.rescue.Rescue(ctx)
			if err != nil {
				return err
			}
			return rootOpts.print(cmd.OutOrStdout(), report, func(w io.Writer) {
				if report.Skipped {
					fmt.Fprintln(w, "skipped: another instance holds the rescue lock")
					return
				}
				fmt.Fprintf(w, "examined %d, reinstated %d, permanent %d, capped %d\n",
					report.Examined, len(report.Reinstated), report.Permanent, report.Capped)
				if len(report.Reinstated) > 0 {
					fmt.Fprintf(w, "new operations: %s\n", strings.Join(report.Reinstated, ", "))
				}
			})
		},
	}
}
