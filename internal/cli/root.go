package cli

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/xyproto/env/v2"

	"github.com/me/tiersched/internal/logging"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// NewRootCmd creates the root cobra command for the tiersched CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tiersched",
		Short: "tiersched: tiered compilation scheduler",
		Long: "tiersched decides when and at which tier code units are compiled, queues the\n" +
			"work per backend class and runs it on bounded worker pools. It ships a synthetic\n" +
			"workload, an admin server and a compile history store.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(flagLogLevel), flagLogFormat, cmd.ErrOrStderr())
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", env.Str("TIERSCHED_SERVER", "http://localhost:8090"), "Admin server URL (or TIERSCHED_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", env.Str("TIERSCHED_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newServeCmd(),
		newStatusCmd(),
		newWorkersCmd(),
		newCompileCmd(),
		newHistoryCmd(),
		newConfigCmd(),
	)

	return root
}
