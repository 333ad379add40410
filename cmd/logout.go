package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logoutAll bool

var logoutCmd = &cobra.Command{
	Use:   "logout <provider> [session-id]",
	Short: "Remove authentication sessions",
	Long: `Logout removes a single session by id, or every session of the
provider with --all. Removing a session drops its token from the
persisted store; the provider is not contacted.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		b, err := newBroker(ctx)
		if err != nil {
			return err
		}
		defer b.close()

		providerID := args[0]

		if logoutAll {
			sessions, err := b.registry.GetSessions(ctx, providerID, nil)
			if err != nil {
				return err
			}
			for _, s := range sessions {
				if err := b.registry.RemoveSession(ctx, providerID, s.ID); err != nil {
					return err
				}
			}
			fmt.Printf("Removed %d session(s) from %s\n", len(sessions), providerID)
			return nil
		}

		if len(args) < 2 {
			return fmt.Errorf("session id required (or use --all)")
		}
		if err := b.registry.RemoveSession(ctx, providerID, args[1]); err != nil {
			return err
		}
		fmt.Printf("Removed session %s from %s\n", args[1], providerID)
		return nil
	},
}

func init() {
	logoutCmd.Flags().BoolVar(&logoutAll, "all", false, "remove all sessions of the provider")
	rootCmd.AddCommand(logoutCmd)
}
