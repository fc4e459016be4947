// Relay bridges chat platforms (Discord, Telegram, QQ, WhatsApp) to an agent
// over an in-process message bus.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay: multi-channel chat gateway for an agent.",
	Long: `Relay keeps persistent connections to chat platforms, publishes every
accepted message to an in-process bus, and delivers the agent's replies back
to the channel they came from. Scheduled jobs and an admin API share the bus.`,
	RunE:          runGateway, // Default to gateway mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(gatewayCmd, sendCmd, jobsCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
