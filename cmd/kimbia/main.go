package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kimbia",
	Short: "Kimbia - multi-language code execution broker",
	Long: `Kimbia runs untrusted code snippets in isolated sandboxes.

It exposes a language catalog, queues executions with global and per-caller
capacity limits, and serves results over HTTP and the Model Context Protocol.

Running kimbia without a subcommand starts the gateways (same as 'kimbia serve').`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func init() {
	// Load .env file if present (useful for development)
	_ = godotenv.Load()

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(languagesCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
