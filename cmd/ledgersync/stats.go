package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	v1 "ledgersync/pkg/api/v1"

	"github.com/spf13/cobra"
)

func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue counts by status",
		Long: `Show how many operations sit in each status, read straight from the store.
The breaker lives in the serving process, so its state is only available
from the /v1/stats endpoint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openAdminStore(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()

			counts, err := store.queue.CountByStatus(ctx)
			if err != nil {
				return err
			}
			stats := v1.Stats{
				Pending:    counts[v1.StatusPending],
				InProgress: counts[v1.StatusInProgress],
				Retry:      counts[v1.StatusRetry],
				Failed:     counts[v1.StatusFailed],
				DeadLetter: counts[v1.StatusDeadLetter],
				Synced:     counts[v1.StatusSynced],
				At:         time.Now(),
			}
			return rootOpts.print(cmd.OutOrStdout(), stats, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "pending\t%d\n", stats.Pending)
				fmt.Fprintf(tw, "in_progress\t%d\n", stats.InProgress)
				fmt.Fprintf(tw, "retry\t%d\n", stats.Retry)
				fmt.Fprintf(tw, "failed\t%d\n", stats.Failed)
				fmt.Fprintf(tw, "dead_letter\t%d\n", stats.DeadLetter)
				fmt.Fprintf(tw, "synced\t%d\n", stats.Synced)
				_ = tw.Flush()
			})
		},
	}
}
