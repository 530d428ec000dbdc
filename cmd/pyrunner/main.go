// PyRunner — supervised Python script execution for small devices.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pyrunner",
	Short: "PyRunner — validated Python script execution with live terminal streaming.",
	Long: `PyRunner stores Python scripts on a device, statically validates them against
a security policy, runs them under pseudo-terminals, and streams their output
to WebSocket observers. A single HTTP server carries the management API, the
observer endpoint, and metrics.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, validateCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
