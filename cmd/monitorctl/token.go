package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/M3-K0/marketplace-monitor/internal/api/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Mint a bearer token for the API",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().String("scope", auth.ScopeAdmin, "Token scope: admin or viewer")
	tokenCmd.Flags().Duration("ttl", 0, "Token lifetime (default security.token_ttl)")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	scope, _ := cmd.Flags().GetString("scope")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	if ttl <= 0 {
		ttl = cfg.Security.TokenTTL
	}
	tok, err := auth.IssueToken(cfg.Security.JWTSecret, args[0], scope, ttl, time.Now())
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
