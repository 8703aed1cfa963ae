package commands

import (
	"fmt"
	"fotaflow/internal/store/sqlitestore"
	"log/slog"

	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	cfg := sqlitestore.LoadConfigFromEnv()

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending SQLite job store migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := sqlitestore.Open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			slog.Info("Job store migrated", "path", cfg.Path)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "migrated %s\n", cfg.Path)
			return err
		},
	}

	cmd.Flags().StringVar(&cfg.Path, "sqlite", cfg.Path, "SQLite database path (defaults to SQLITE_PATH)")

	return cmd
}
