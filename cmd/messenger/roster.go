package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pelusa-v/pelusa-messenger/internal/chat"
)

var (
	contactsSearch string
	rosterWatch    bool

	groupTitle   string
	groupMembers []string
)

func init() {
	rootCmd.AddCommand(contactsCmd, groupsCmd)
	contactsCmd.Flags().StringVarP(&contactsSearch, "search", "s", "", "filter by name")
	contactsCmd.Flags().BoolVarP(&rosterWatch, "watch", "w", false, "keep printing as the roster changes")
	groupsCmd.Flags().BoolVarP(&rosterWatch, "watch", "w", false, "keep printing as the roster changes")

	groupsCmd.AddCommand(groupCreateCmd)
	groupCreateCmd.Flags().StringVar(&groupTitle, "title", "", "group title")
	groupCreateCmd.Flags().StringSliceVar(&groupMembers, "members", nil, "comma separated member ids")
	_ = groupCreateCmd.MarkFlagRequired("title")
	_ = groupCreateCmd.MarkFlagRequired("members")
}

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "List everyone you can message, most recent conversation first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return showRoster(cmd, func(w io.Writer, r *chat.Roster) {
			printContacts(w, r.Search(contactsSearch))
		})
	},
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List your groups, most recent activity first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return showRoster(cmd, func(w io.Writer, r *chat.Roster) {
			printGroups(w, r.Groups())
		})
	},
}

var groupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a group with you and the given members",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, true, func(ctx context.Context, a *app) error {
			g, err := a.messenger.CreateGroup(ctx, groupTitle, groupMembers)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s %q with %s\n", g.ID, g.Title, strings.Join(g.ParticipantIDs, ", "))
			return nil
		})
	},
}

func showRoster(cmd *cobra.Command, render func(io.Writer, *chat.Roster)) error {
	return withApp(cmd, true, func(ctx context.Context, a *app) error {
		r, err := a.messenger.Roster(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !rosterWatch {
			if err := r.Refresh(ctx); err != nil {
				return err
			}
			render(out, r)
			return nil
		}

		errc := make(chan error, 1)
		go func() { errc <- r.Watch(ctx) }()
		for {
			select {
			case err := <-errc:
				return err
			case <-r.Updates():
				fmt.Fprintln(out, "---")
				render(out, r)
			}
		}
	})
}

func printContacts(w io.Writer, contacts []chat.Contact) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tLAST MESSAGE")
	for _, c := range contacts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, c.FullName(), status(c.IsActive), preview(c.LastMessage))
	}
	_ = tw.Flush()
}

func printGroups(w io.Writer, groups []chat.GroupSummary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tMEMBERS\tLAST MESSAGE")
	for _, g := range groups {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", g.ID, g.Title, len(g.ParticipantIDs), preview(g.LastMessage))
	}
	_ = tw.Flush()
}

func status(active bool) string {
	if active {
		return "active"
	}
	return "away"
}

func preview(m *chat.Message) string {
	if m == nil {
		return "-"
	}
	text := m.Content
	if m.Kind != chat.MessageText {
		text = fmt.Sprintf("[%s] %s", m.Kind, m.Content)
	}
	if r := []rune(text); len(r) > 40 {
		text = string(r[:39]) + "…"
	}
	return fmt.Sprintf("%s  %s", m.CreatedAt.Local().Format("Jan 2 15:04"), text)
}
