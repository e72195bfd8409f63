// Package cli is the entralink command surface: the HTTP server and the
// scheduled jobs.
package cli

import (
	"context"

	"github.com/spf13/cobra"

	"entralink/internal/platform/config"
	"entralink/internal/platform/logger"
)

// Version is set by ldflags.
var Version = "dev"

// NewRootCommand builds the command tree. Configuration is read from the
// environment before any subcommand runs.
func NewRootCommand() *cobra.Command {
	var (
		logLevel string
		cfg      config.Config
	)

	root := &cobra.Command{
		Use:           "entralink",
		Short:         "Entra ID sign-in and directory sync",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				loaded.LogLevel = logLevel
			}
			cfg = loaded
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override ENTRALINK_LOG_LEVEL (debug, info, warn, error)")

	// withApp runs fn against a freshly wired App and closes it afterwards.
	withApp := runner(func(fn appFunc) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := logger.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel)
			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()
			return fn(ctx, cmd, a)
		}
	})

	root.AddCommand(
		newServeCommand(withApp),
		newSyncCommand(withApp),
		newTokensCommand(withApp),
		newStatesCommand(withApp),
		newMigrateCommand(withApp),
	)
	return root
}

type appFunc func(ctx context.Context, cmd *cobra.Command, a *App) error

// runner adapts an appFunc into a cobra RunE.
type runner func(fn appFunc) func(*cobra.Command, []string) error

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	root := NewRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		root.PrintErrln("error:", err)
		return 1
	}
	return 0
}
