package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Build information. Populated at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("kimbia %s (commit: %s, built: %s)\n", version, commit, date)
	},
}
