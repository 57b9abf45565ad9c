package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/passage-dev/passage/internal/agent"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the Passage agent",
	Long:  "Run the agent worker: heartbeats to the server, executes project commands, and keeps a tunnel up for every exposed port.",
	Run: func(cmd *cobra.Command, args []string) {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := agent.LoadConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		applyAgentFlags(cmd, cfg)

		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		setupAgentLogger(cfg.LogLevel)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := agent.NewRunner(cfg).Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

// applyAgentFlags layers explicitly set command line flags over the file
// and environment values.
func applyAgentFlags(cmd *cobra.Command, cfg *agent.Config) {
	cmd.Flags().Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "server":
			cfg.ServerURL = strings.TrimRight(f.Value.String(), "/")
		case "api-key":
			cfg.APIKey = f.Value.String()
		case "state-dir":
			cfg.StateDir = f.Value.String()
		case "log-level":
			cfg.LogLevel = f.Value.String()
		}
	})
}

func setupAgentLogger(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.TimeOnly,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})))
}

func init() {
	agentCmd.Flags().StringP("config", "c", "", "Config file (default: ~/.passage-agent/agent.yaml)")
	agentCmd.Flags().String("server", "", "Server URL, e.g. https://passage.example.com")
	agentCmd.Flags().String("api-key", "", "Agent API key")
	agentCmd.Flags().String("state-dir", "", "Directory for the agent lock and default config")
	agentCmd.Flags().String("log-level", "", "Log level: debug, info, warn or error")
	rootCmd.AddCommand(agentCmd)
}
