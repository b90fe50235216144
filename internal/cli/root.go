// Package cli implements the servicegraph operator command line.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/malbeclabs/servicegraph/pkg/client"
	"github.com/spf13/cobra"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1

	defaultAPIURL = "http://localhost:8000"
)

func Run() ExitCode {
	rootCmd := &cobra.Command{
		Use:          "servicegraph",
		Short:        "Operator CLI for the servicegraph topology API.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Help(); err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "set debug logging level")
	rootCmd.PersistentFlags().String("api-url", getenv("SERVICEGRAPH_API_URL", defaultAPIURL), "servicegraph API base URL (env: SERVICEGRAPH_API_URL)")
	rootCmd.PersistentFlags().Uint64("project-id", 1, "project to submit to and query")

	rootCmd.AddCommand(
		NewMigrateCmd().Command(),
		NewGenDataCmd().Command(),
		NewGraphCmd().Command(),
		NewServiceMapCmd().Command(),
		NewActiveNodesCmd().Command(),
		NewHistogramCmd().Command(),
	)

	if err := rootCmd.Execute(); err != nil {
		return exitCodeError
	}
	return exitCodeSuccess
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

// rootOptions reads the persistent flags every subcommand shares.
func rootOptions(cmd *cobra.Command) (*slog.Logger, *client.Client, error) {
	verbose, err := cmd.Root().PersistentFlags().GetBool("verbose")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get verbose flag: %w", err)
	}
	apiURL, err := cmd.Root().PersistentFlags().GetString("api-url")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get api-url flag: %w", err)
	}
	projectID, err := cmd.Root().PersistentFlags().GetUint64("project-id")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get project-id flag: %w", err)
	}
	return newLogger(verbose), client.New(apiURL, projectID), nil
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
