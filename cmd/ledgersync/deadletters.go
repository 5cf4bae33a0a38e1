package main

import (
	"fmt"
	"io"
	"os/user"
	"strconv"
	"strings"
	"text/tabwriter"

	"ledgersync/internal/dto/resp"

	"github.com/spf13/cobra"
)

type DeadLetterOptions struct {
	*RootOptions
	All   bool
	Limit int
	By    string
}

func NewDeadLettersCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeadLetterOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:     "dead-letters",
		Aliases: []string{"dlq"},
		Short:   "Inspect and resolve dead-lettered operations",
	}
	cmd.PersistentFlags().StringVar(&opts.By, "by", defaultOperator(), "name recorded as resolved_by")

	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter entries, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeadLetterList(cmd, opts)
		},
	}
	list.Flags().BoolVar(&opts.All, "all", false, "include resolved entries")
	list.Flags().IntVar(&opts.Limit, "limit", 50, "maximum entries to show (0 for all)")

	reinstate := &cobra.Command{
		Use:   "reinstate <id>",
		Short: "Queue an entry again regardless of its failure kind or rescue count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeadLetterResolve(cmd, opts, args[0], true)
		},
	}

	discard := &cobra.Command{
		Use:   "discard <id>",
		Short: "Resolve an entry without queueing it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeadLetterResolve(cmd, opts, args[0], false)
		},
	}

	cmd.AddCommand(list, reinstate, discard)
	return cmd
}

func runDeadLetterList(cmd *cobra.Command, opts *DeadLetterOptions) error {
	ctx := cmd.Context()
	store, err := openAdminStore(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.queue.ListDeadLetters(ctx, !opts.All, opts.Limit)
	if err != nil {
		return err
	}
	return opts.print(cmd.OutOrStdout(), resp.DeadLetterList{Items: entries}, func(w io.Writer) {
		if len(entries) == 0 {
			fmt.Fprintln(w, "no dead letters")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tOPERATION\tTARGET\tKIND\tATTEMPTS\tGEN\tMOVED\tRESOLUTION\tREASON")
		for _, e := range entries {
			resolution := "-"
			if e.Resolution != nil {
				resolution = *e.Resolution
			}
			fmt.Fprintf(tw, "%d\t%s\t%s/%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
				e.ID, e.OperationID, e.TargetCollection, e.DocumentID, e.FailureKind,
				e.TotalAttempts, e.RescueGeneration, e.MovedToDeadLetterAt.Format("2006-01-02 15:04:05"),
				resolution, truncate(e.FailureReason, 60))
		}
		_ = tw.Flush()
	})
}

func runDeadLetterResolve(cmd *cobra.Command, opts *DeadLetterOptions, rawID string, reinstate bool) error {
	id, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid dead letter id %q", rawID)
	}

	ctx := cmd.Context()
	store, err := openAdminStore(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer store.Close()

	if !reinstate {
		if err := store.rescue.Discard(ctx, id, opts.By); err != nil {
			return err
		}
		return opts.print(cmd.OutOrStdout(), map[string]any{"id": id, "resolution": "discarded"}, func(w io.Writer) {
			fmt.Fprintf(w, "dead letter %d discarded\n", id)
		})
	}

	opID, err := store.rescue.Reinstate(ctx, id, opts.By)
	if err != nil {
		return err
	}
	return opts.print(cmd.OutOrStdout(), resp.ReinstateResp{OperationID: opID}, func(w io.Writer) {
		fmt.Fprintf(w, "dead letter %d reinstated as operation %s\n", id, opID)
	})
}

func defaultOperator() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "cli"
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
