package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "preflight",
	Short: "preflight checks whether a machine is ready for a real-time call",
	Long: `preflight runs a six stage call-readiness diagnostic: browser compatibility,
microphone, speaker, camera resolutions, media connectivity and real-time messaging.

Use "serve" to expose the diagnostic over HTTP and WebSocket, or "run" to execute a
single run from the terminal and print its report.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to the config file (default: first of configs/config.yaml, config.yaml, /etc/preflight/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Override the configured log level")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(tokenCmd)
}
