package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/xyproto/env/v2"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config [file]",
		Short: "Print the effective scheduler configuration as YAML",
		Long: `Without arguments prints the defaults for this machine, or the file named by
TIERSCHED_CONFIG. With a file, loads and validates it on top of the defaults.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := env.Str("TIERSCHED_CONFIG")
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
