package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"authbroker/pkg/auth"
	brokerstrings "authbroker/pkg/strings"
)

var statusOutput string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show active sessions across all configured providers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		b, err := newBroker(ctx)
		if err != nil {
			return err
		}
		defer b.close()

		providers := b.registry.Providers()
		ids := make([]string, 0, len(providers))
		for id := range providers {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		status := auth.StatusResponse{}
		for _, id := range ids {
			sessions, err := b.registry.GetSessions(ctx, id, nil)
			if err != nil {
				return err
			}

			ps := auth.ProviderStatus{
				ID:            id,
				Label:         providers[id],
				Authenticated: len(sessions) > 0,
			}
			for _, s := range sessions {
				ps.Sessions = append(ps.Sessions, auth.SessionStatus{
					SessionID:    s.ID,
					Account:      s.Account.ID,
					AccountLabel: s.Account.Label,
					Scopes:       s.Scopes,
				})
			}
			status.Providers = append(status.Providers, ps)
		}

		switch statusOutput {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		case "table":
			renderStatusTable(status)
			return nil
		default:
			return fmt.Errorf("unknown output format %q (want table or json)", statusOutput)
		}
	},
}

func renderStatusTable(status auth.StatusResponse) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Provider", "Session", "Account", "Scopes"})

	for _, p := range status.Providers {
		if len(p.Sessions) == 0 {
			t.AppendRow(table.Row{p.ID, "-", "-", "-"})
			continue
		}
		for _, s := range p.Sessions {
			scopes := brokerstrings.Truncate(strings.Join(s.Scopes, " "), brokerstrings.DefaultCellMaxLen)
			t.AppendRow(table.Row{p.ID, s.SessionID, s.AccountLabel, scopes})
		}
	}

	t.SetStyle(table.StyleLight)
	t.Render()
}

func init() {
	statusCmd.Flags().StringVar(&statusOutput, "output", "table", "output format (table or json)")
	rootCmd.AddCommand(statusCmd)
}
