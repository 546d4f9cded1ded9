package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/mbd888/signgate/internal/auth"
	"github.com/spf13/cobra"
)

func (a *app) keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an API key for the signing gate server",
		Long: `Keygen prints a new raw API key and the hashed entry to configure on the
server (AGENT_API_KEYS or APPROVER_API_KEYS). Give the raw key to the
caller; store only the hashed entry.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, entry, err := auth.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "API key:      %s\n", color.New(color.Bold).Sprint(raw))
			fmt.Fprintf(a.out, "Server entry: %s\n", entry)
			color.New(color.FgYellow).Fprintln(a.out, "\nThe raw key is shown once.")
			return nil
		},
	}
}
