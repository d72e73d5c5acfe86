// Velocity: sandboxed AI agent sessions behind a streaming API.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "velocity",
	Short: "Velocity: sandboxed AI agent sessions behind a streaming API.",
	Long: `Velocity runs one AI agent session per isolated sandbox. Each session keeps a
long-lived worker that executes the agent program inside its sandbox, streams
the agent's events back to the caller and brokers the network calls the
sandbox is not allowed to make itself.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, chatCmd, driverCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
