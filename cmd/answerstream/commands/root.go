// Package commands provides the CLI commands for answerstream.
package commands

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/answergrid/answerstream/internal/logging"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	logLevel string
	pretty   bool
)

var rootCmd = &cobra.Command{
	Use:   "answerstream",
	Short: "answerstream - streaming client for the answer backend",
	Long: `answerstream streams AI-generated answers from the answer backend,
rendering tokens as they arrive.

Run 'answerstream ask "your question"' to stream an answer.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
		logging.Init(logging.Config{
			Level:  logging.ParseLevel(logLevel),
			Pretty: pretty,
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty-logs", false, "Human-readable log output")

	rootCmd.SetVersionTemplate(fmt.Sprintf("answerstream %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(askCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
