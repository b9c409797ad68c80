package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/okian/blindslot/internal/config"
	"github.com/okian/blindslot/pkg/logger"
)

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	logJSON    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "blindslot",
		Short: "Schedules meetings without showing anyone else's calendar",
		Long: `blindslot coordinates a meeting time across several calendar owners.

Candidate slots are turned into opaque tokens; each participant scores the
tokens against its own calendar, and the coordinator picks a winner from the
scores alone. Only the initiator learns which time won.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.configPath != "" {
				if err := os.Setenv("BLINDSLOT_CONFIG", opts.configPath); err != nil {
					return fmt.Errorf("set config path: %w", err)
				}
			}
			return logger.Init(logger.WithWriter(cmd.ErrOrStderr()), logger.WithJSON(opts.logJSON))
		},
	}
	cmd.SetVersionTemplate(`{{printf "blindslot version %s\n" .Version}}`)

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file (overrides BLINDSLOT_CONFIG)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides log_level)")
	cmd.PersistentFlags().BoolVar(&opts.logJSON, "log-json", false, "emit JSON logs")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newDemoCmd(opts))
	return cmd
}

// loadConfig loads configuration and applies the shared flag overrides.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if cfg.LogJSON && !opts.logJSON {
		if err := logger.Init(logger.WithWriter(cmd.ErrOrStderr()), logger.WithJSON(true)); err != nil {
			return nil, err
		}
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		logger.Get().Warn(cmd.Context(), "invalid log_level; falling back to info",
			logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}
	return cfg, nil
}
