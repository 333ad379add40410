package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"authbroker/internal/registry"
)

var (
	loginScopes []string
	loginForce  bool
)

var loginCmd = &cobra.Command{
	Use:   "login <provider>",
	Short: "Create an authentication session with a provider",
	Long: `Login opens the provider's authorization page in your browser and
waits for the redirect back. An existing session matching the requested
scopes is reused unless --new is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		b, err := newBroker(ctx)
		if err != nil {
			return err
		}
		defer b.close()

		providerID := args[0]
		scopes := loginScopes
		if scopes == nil {
			if pc, ok := b.cfg.Provider(providerID); ok {
				scopes = pc.Scopes
			}
		}

		sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
		sp.Suffix = " waiting for browser authorization..."
		sp.Start()

		session, err := b.registry.GetSession(ctx, "cli", providerID, scopes, registry.GetSessionOptions{
			CreateIfNone:    true,
			ForceNewSession: loginForce,
		})
		sp.Stop()
		if err != nil {
			return err
		}

		fmt.Printf("Logged in to %s as %s\n", providerID, session.Account.Label)
		fmt.Printf("  session: %s\n", session.ID)
		if len(session.Scopes) > 0 {
			fmt.Printf("  scopes:  %v\n", session.Scopes)
		}
		return nil
	},
}

func init() {
	loginCmd.Flags().StringSliceVar(&loginScopes, "scopes", nil, "scopes to request (default: provider config)")
	loginCmd.Flags().BoolVar(&loginForce, "new", false, "create a new session even if one exists")
	rootCmd.AddCommand(loginCmd)
}
