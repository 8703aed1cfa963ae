package commands

import (
	"fotaflow/internal/firmware"

	"github.com/spf13/cobra"
)

func newResolveCommand() *cobra.Command {
	var (
		pathFile     string
		appVersion   string
		modemVersion string
		types        []string
	)

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve the next bundle of an upgrade path offline",
		Long: `Resolve evaluates an upgrade path against firmware details given on the
command line, the same way the service does before each submission.`,
		Example: `  fotactl resolve --path app-path.yaml --app-version 1.0.0 --types APP,MODEM`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := loadUpgradePath(pathFile)
			if err != nil {
				return err
			}
			up, err := firmware.NextUpgrade(firmware.UpgradePath(path), firmware.Details{
				AppVersion:       appVersion,
				ModemVersion:     modemVersion,
				SupportedTargets: firmware.ParseFOTATypes(types),
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"target":          up.Target,
				"reportedVersion": up.ReportedVersion,
				"bundleId":        up.BundleID,
				"done":            up.Done(),
			})
		},
	}

	cmd.Flags().StringVar(&pathFile, "path", "", "YAML upgrade path file")
	cmd.Flags().StringVar(&appVersion, "app-version", "", "reported application version")
	cmd.Flags().StringVar(&modemVersion, "modem-version", "", "reported modem firmware version")
	cmd.Flags().StringSliceVar(&types, "types", []string{"APP", "MODEM"}, "FOTA types the device supports")
	_ = cmd.MarkFlagRequired("path")

	return cmd
}
