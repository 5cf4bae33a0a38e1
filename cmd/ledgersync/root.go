package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"ledgersync/internal/config"
	"ledgersync/pkg/logger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type RootOptions struct {
	ConfigPath string
	Format     string // "text" | "json"

	cfg   *config.Config
	viper *viper.Viper
}

var validFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ledgersync",
		Short: "Offline-first sync engine for point-of-sale ledgers",
		Long: `ledgersync keeps every local write in a durable queue and replays it
against the remote store once the network allows, with retries, a circuit
breaker and a dead-letter store for operations that cannot be applied.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			cfg, v, err := config.Load(opts.ConfigPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			opts.cfg, opts.viper = cfg, v
			logger.InitLogger(cfg.Server.Environment)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default ./config.yaml or ./config/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewRescueCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewDeadLettersCommand(opts))

	return cmd
}

// print writes v as indented JSON, or calls text for the human format.
func (o *RootOptions) print(w io.Writer, v any, text func(io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
