package cmd

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"authbroker/internal/config"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List configured providers",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := configDir
		if dir == "" {
			var err error
			dir, err = config.DefaultDir()
			if err != nil {
				return err
			}
		}

		cfg, err := config.Load(dir)
		if err != nil {
			return err
		}
		if len(cfg.Providers) == 0 {
			fmt.Printf("No providers configured in %s/config.yaml\n", dir)
			return nil
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"ID", "Label", "Issuer", "Client"})
		for _, p := range cfg.Providers {
			client := "dynamic"
			if p.ClientID != "" {
				client = p.ClientID
			}
			t.AppendRow(table.Row{p.ID, p.DisplayLabel(), p.Issuer, client})
		}
		t.SetStyle(table.StyleLight)
		t.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(providersCmd)
}
