package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "passage",
	Short: "Expose local dev servers on public subdomains",
	Long:  "Passage tunnels local development servers to public wildcard subdomains through agents that dial out to the edge.",
}

// Execute runs the root command; called by main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
