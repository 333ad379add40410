package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	configDir string
	debugLog  bool
)

var rootCmd = &cobra.Command{
	Use:   "authbroker",
	Short: "Manage OAuth2 authentication sessions for configured providers",
	Long: `authbroker acquires and maintains OAuth2 sessions using the
authorization code flow with PKCE. Providers are declared in a config
file; clients without a pre-provisioned client_id are registered
dynamically at the provider. Tokens are persisted per provider and
refreshed ahead of expiry.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if debugLog {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// SetVersion sets the version for the root command
func SetVersion(version string) {
	rootCmd.Version = version
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "directory containing config.yaml and the token store (default ~/.config/authbroker)")
	rootCmd.PersistentFlags().BoolVar(&debugLog, "debug", false, "enable debug logging")
}
