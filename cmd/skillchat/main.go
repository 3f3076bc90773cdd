package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"skillchat/internal/infra/config"
	"skillchat/internal/infra/obs"
)

var verbose bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "skillchat",
	Short:         "Real-time direct chat client and stub backend",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level.")
	rootCmd.AddCommand(chatCmd, stubCmd, tokenCmd)
}

// loadConfig reads the environment, falling back to defaults when it cannot
// be parsed.
func loadConfig(level slog.Level) (config.Config, *slog.Logger) {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}
	if verbose {
		level = slog.LevelDebug
	}
	logger := obs.NewLoggerTo(os.Stderr, env, level)
	cfg, err := config.Load()
	if err != nil {
		logger.Warn("using fallback configuration", "error", err)
		cfg = config.Fallback()
		cfg.Env = env
	}
	return cfg, logger
}
