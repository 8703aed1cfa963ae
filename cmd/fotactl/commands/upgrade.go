package commands

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// pathFile is an upgrade path document. Either the top level is the path
// or it sits under "upgradePath".
type pathFile struct {
	UpgradePath map[string]string `yaml:"upgradePath"`
}

func loadUpgradePath(file string) (map[string]string, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read upgrade path: %w", err)
	}
	var doc pathFile
	if err := yaml.Unmarshal(data, &doc); err == nil && len(doc.UpgradePath) > 0 {
		return doc.UpgradePath, nil
	}
	var path map[string]string
	if err := yaml.Unmarshal(data, &path); err != nil {
		return nil, fmt.Errorf("failed to parse upgrade path %s: %w", file, err)
	}
	if len(path) == 0 {
		return nil, fmt.Errorf("upgrade path %s is empty", file)
	}
	return path, nil
}

func newStartCommand(opts *globalOptions) *cobra.Command {
	var device, fingerprint, pathFile, target string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start an upgrade along an upgrade path",
		Example: `  # Upgrade the application firmware
  fotactl start --device dev-1 --fingerprint fp-1 --path app-path.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := loadUpgradePath(pathFile)
			if err != nil {
				return err
			}
			body := map[string]any{"upgradePath": path}
			if target != "" {
				body["target"] = target
			}

			var resp map[string]any
			err = newClient(opts).do(cmd.Context(), http.MethodPost, []string{"v1", "devices", device, "fota"},
				map[string]string{fingerprintHeader: fingerprint}, body, &resp)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}

	cmd.Flags().StringVar(&device, "device", "", "device ID")
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "device fingerprint")
	cmd.Flags().StringVar(&pathFile, "path", "", "YAML upgrade path file")
	cmd.Flags().StringVar(&target, "target", "", "expected target (app or modem)")
	_ = cmd.MarkFlagRequired("device")
	_ = cmd.MarkFlagRequired("fingerprint")
	_ = cmd.MarkFlagRequired("path")

	return cmd
}

func newAbortCommand(opts *globalOptions) *cobra.Command {
	var device, execution, fingerprint string

	cmd := &cobra.Command{
		Use:   "abort",
		Short: "Abort a running upgrade",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			err := newClient(opts).do(cmd.Context(), http.MethodDelete,
				[]string{"v1", "devices", device, "fota", execution},
				map[string]string{fingerprintHeader: fingerprint}, nil, &resp)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}

	cmd.Flags().StringVar(&device, "device", "", "device ID")
	cmd.Flags().StringVar(&execution, "execution", "", "execution ID")
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "device fingerprint")
	_ = cmd.MarkFlagRequired("device")
	_ = cmd.MarkFlagRequired("execution")
	_ = cmd.MarkFlagRequired("fingerprint")

	return cmd
}

func newStatusCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <executionId>",
		Short: "Show one execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := newClient(opts).do(cmd.Context(), http.MethodGet, []string{"v1", "fota", args[0]}, nil, nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

func newHistoryCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <deviceId>",
		Short: "List a device's executions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := newClient(opts).do(cmd.Context(), http.MethodGet, []string{"v1", "devices", args[0], "fota"}, nil, nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}
