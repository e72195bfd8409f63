package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"entralink/internal/platform/postgres"
)

func newSyncCommand(run runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Directory synchronization jobs",
	}
	var full bool
	users := &cobra.Command{
		Use:   "users",
		Short: "Reconcile directory users against local accounts",
		RunE: run(func(ctx context.Context, cmd *cobra.Command, a *App) error {
			if full {
				a.cfg.Sync.Delta = false
			}
			engine, err := a.syncEngine(ctx)
			if err != nil {
				return err
			}
			report, runErr := engine.Run(ctx)
			if report != nil {
				fmt.Fprintf(cmd.OutOrStdout(),
					"seen=%d created=%d updated=%d switched=%d pending=%d suspended=%d deleted=%d reenabled=%d skipped=%d failed=%d\n",
					report.Seen, report.Created, report.Updated, report.Switched, report.PendingMatches,
					report.Suspended, report.Deleted, report.Reenabled, report.Skipped, report.Failed)
			}
			return runErr
		}),
	}
	users.Flags().BoolVar(&full, "full", false, "ignore the stored delta token and enumerate every user")
	cmd.AddCommand(users)
	return cmd
}

func newTokensCommand(run runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Token lifecycle jobs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Refresh every stored token nearing expiry",
		RunE: run(func(ctx context.Context, cmd *cobra.Command, a *App) error {
			report, err := a.tokens.RefreshExpiring(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "considered=%d refreshed=%d failed=%d\n",
				report.Considered, report.Refreshed, report.Failed)
			return nil
		}),
	})
	return cmd
}

func newStatesCommand(run runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "states",
		Short: "Authorization state maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reap",
		Short: "Delete authorization states older than the state TTL",
		RunE: run(func(ctx context.Context, cmd *cobra.Command, a *App) error {
			n, err := a.states.Reap(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reaped=%d\n", n)
			return nil
		}),
	})
	return cmd
}

var errNoDatabase = errors.New("ENTRALINK_DATABASE_URL is not set")

func newMigrateCommand(run runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database schema management",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending schema migrations",
		RunE: run(func(_ context.Context, _ *cobra.Command, a *App) error {
			if a.db == nil {
				return errNoDatabase
			}
			return postgres.Migrate(a.db, a.logger)
		}),
	})
	return cmd
}
