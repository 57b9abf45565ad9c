package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/passage-dev/passage/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("passage %s (%s)\n", config.Version, config.ShortRevision())
		fmt.Printf("  built:  %s\n", config.BuildTime)
		fmt.Printf("  go:     %s\n", config.GoVersion())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
