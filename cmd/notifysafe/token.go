package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/notifysafe/internal/api"
)

var (
	tokenActor      string
	tokenPrivileged bool
	tokenTTL        time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed actor token for the API",
	Long: `Issue an HS256 token signed with api.jwt_secret. The actor is recorded on
audit entries for requests made with the token.

Examples:
  notifysafe token --actor alice
  notifysafe token --actor ops-bot --privileged --ttl 1h`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenActor, "actor", "", "Actor name (required)")
	tokenCmd.Flags().BoolVar(&tokenPrivileged, "privileged", false, "Allow privileged operations such as retry_all")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	tokenCmd.MarkFlagRequired("actor")

	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	token, err := api.GenerateToken(cfg.API.JWTSecret, tokenActor, tokenPrivileged, tokenTTL)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}

	fmt.Println(token)
	return nil
}
