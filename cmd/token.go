package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"smart-clock/internal/api"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for the local API write endpoints",
	RunE:  runToken,
}

var (
	tokenSubject string
	tokenTTL     time.Duration
)

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "cli", "token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	token, err := api.NewToken(cfg.API.JWTSecret, tokenSubject, tokenTTL)
	if err != nil {
		return fmt.Errorf("failed to issue token (is api.jwt_secret set?): %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
