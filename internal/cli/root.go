// Package cli implements the tasknode command line: the worker daemon and
// the client commands that talk to its API.
package cli

import (
	"log/slog"
	"os"

	"github.com/me/tasknode/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default worker URL, checking TASKNODE_SERVER first.
func defaultServer() string {
	if s := os.Getenv("TASKNODE_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8090"
}

// NewRootCmd creates the root cobra command for the tasknode CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tasknode",
		Short: "tasknode runs dependency-gated compute tasks on one worker",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logging.Setup(flagLogLevel, flagLogFormat, flagDebug)
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "Worker API URL (or TASKNODE_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newServeCmd(),
		newOverviewCmd(),
		newDispatchCmd(),
		newResolveCmd(),
		newRemoveObjectCmd(),
		newCancelCmd(),
		newHistoryCmd(),
	)

	return root
}
