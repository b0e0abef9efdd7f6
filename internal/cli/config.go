package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/zoneq/internal/config"
)

func newConfigCmd() *cobra.Command {
	var defaults bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective queue configuration as YAML",
		Long: "Print the queue configuration after defaults and normalization. " +
			"With --config the file is validated first.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := queueConfig
			if defaults {
				cfg = config.DefaultQueueConfig()
			}
			data, err := cfg.Marshal()
			if err != nil {
				return fmt.Errorf("render config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().BoolVar(&defaults, "defaults", false, "Print the built-in defaults and ignore --config")
	return cmd
}
