// Package commands implements the fotactl subcommands.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"fotaflow/internal/config"
	"io"

	"github.com/spf13/cobra"
)

type globalOptions struct {
	server string
	apiKey string
}

// Execute runs the root command.
func Execute(ctx context.Context, version, commit string) error {
	return newRootCommand(version, commit).ExecuteContext(ctx)
}

func newRootCommand(version, commit string) *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "fotactl",
		Short: "Operate firmware-over-the-air upgrades",
		Long: `fotactl starts, aborts and inspects FOTA executions on a running
fota-service, resolves upgrade paths offline and migrates the SQLite job store.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.server, "server",
		config.GetEnv("FOTACTL_SERVER", "http://localhost:8080"), "fota-service base URL")
	rootCmd.PersistentFlags().StringVar(&opts.apiKey, "api-key",
		config.GetSecret("API_KEY"), "API key (defaults to API_KEY or API_KEY_FILE)")

	rootCmd.AddCommand(newStartCommand(opts))
	rootCmd.AddCommand(newAbortCommand(opts))
	rootCmd.AddCommand(newStatusCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))
	rootCmd.AddCommand(newResolveCommand())
	rootCmd.AddCommand(newMigrateCommand())

	return rootCmd
}

// printJSON writes v indented to w.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
