package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pelusa-v/pelusa-messenger/internal/auth"
	"github.com/pelusa-v/pelusa-messenger/internal/config"
)

var tokenTTL time.Duration

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default TOKEN_TTL)")
}

var tokenCmd = &cobra.Command{
	Use:   "token [user-id]",
	Short: "Mint an access token for a user",
	Long: `Signs an access token with JWT_SECRET. Export it as ACCESS_TOKEN to act
as that user, or pass it to the relay as ?token=.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		v, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
		if err != nil {
			return err
		}
		ttl := tokenTTL
		if ttl <= 0 {
			ttl = cfg.TokenTTL
		}
		token, err := v.Sign(args[0], ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}
