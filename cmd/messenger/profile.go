package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pelusa-v/pelusa-messenger/internal/chat"
)

var (
	profileArgs chat.Profile

	editFirst string
	editLast  string
)

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileShowCmd, profileEditCmd, profileAvatarCmd, profileCreateCmd)

	profileEditCmd.Flags().StringVar(&editFirst, "first", "", "first name")
	profileEditCmd.Flags().StringVar(&editLast, "last", "", "last name")
	_ = profileEditCmd.MarkFlagRequired("first")
	_ = profileEditCmd.MarkFlagRequired("last")

	profileCreateCmd.Flags().StringVar(&profileArgs.FirstName, "first", "", "first name")
	profileCreateCmd.Flags().StringVar(&profileArgs.LastName, "last", "", "last name")
	profileCreateCmd.Flags().StringVar(&profileArgs.AvatarURL, "avatar", "", "avatar url")
	_ = profileCreateCmd.MarkFlagRequired("first")
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show or edit your profile",
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the signed-in user's profile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, true, func(ctx context.Context, a *app) error {
			self, err := a.session.CurrentUser(ctx)
			if err != nil {
				return err
			}
			p, err := a.store.GetProfile(ctx, self)
			if err != nil {
				return err
			}
			printProfile(cmd.OutOrStdout(), p)
			return nil
		})
	},
}

var profileEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Change your first and last name",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, true, func(ctx context.Context, a *app) error {
			p, err := a.messenger.UpdateProfile(ctx, editFirst, editLast)
			if err != nil {
				return err
			}
			printProfile(cmd.OutOrStdout(), p)
			return nil
		})
	},
}

var profileAvatarCmd = &cobra.Command{
	Use:   "avatar [image-path]",
	Short: "Upload a new avatar image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, true, func(ctx context.Context, a *app) error {
			p, err := a.messenger.UploadAvatar(ctx, filepath.Base(args[0]), data)
			if err != nil {
				return err
			}
			printProfile(cmd.OutOrStdout(), p)
			return nil
		})
	},
}

// profileCreateCmd seeds a profile row for a new user id. Accounts are
// provisioned outside the messenger, so this writes straight to Postgres.
var profileCreateCmd = &cobra.Command{
	Use:   "create [user-id]",
	Short: "Create or replace a profile row (postgres only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, false, func(ctx context.Context, a *app) error {
			if a.pg == nil {
				return fmt.Errorf("profile create needs DATABASE_URL")
			}
			p := profileArgs
			p.ID = args[0]
			if err := a.pg.UpsertProfile(ctx, p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%s)\n", p.ID, p.FullName())
			return nil
		})
	},
}

func printProfile(w io.Writer, p chat.Profile) {
	fmt.Fprintf(w, "id:      %s\nname:    %s\nstatus:  %s\n", p.ID, p.FullName(), status(p.IsActive))
	if p.AvatarURL != "" {
		fmt.Fprintf(w, "avatar:  %s\n", p.AvatarURL)
	}
}
