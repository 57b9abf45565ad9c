package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/passage-dev/passage/internal/bootstrap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Passage server",
	Long:  "Run the edge server: management API, agent plane, tunnel handshake endpoint, and public ingress.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := bootstrap.Bootstrap(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
