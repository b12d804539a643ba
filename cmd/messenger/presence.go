package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(presenceCmd)
}

var presenceCmd = &cobra.Command{
	Use:       "presence [active|away]",
	Short:     "Set the signed-in user's activity status",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"active", "away"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var active bool
		switch args[0] {
		case "active":
			active = true
		case "away":
		default:
			return fmt.Errorf("presence must be active or away, got %q", args[0])
		}
		return withApp(cmd, true, func(ctx context.Context, a *app) error {
			return a.messenger.SetActive(ctx, active)
		})
	},
}

func init() {
	rootCmd.AddCommand(logoutCmd)
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Mark yourself away and drop the session",
	Long: `Sets the signed-in user's status to away. Unset ACCESS_TOKEN afterwards;
tokens are stateless and stay valid until they expire.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, true, func(ctx context.Context, a *app) error {
			return a.messenger.SignOut(ctx, a.session.SignOut)
		})
	},
}
