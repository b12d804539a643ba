package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"

	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "messenger",
	Short: "Terminal client for pelusa messenger",
	Long: `messenger talks to the chat backend as the user named by ACCESS_TOKEN:
list contacts and groups, open a live conversation, and flip presence.

Settings come from the environment or a .env file in the working directory.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once by main.main().
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// withApp opens the wiring for one command and closes it afterwards.
func withApp(cmd *cobra.Command, needUser bool, fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	a, err := newApp(ctx, needUser)
	if err != nil {
		return err
	}
	defer a.Close()
	defer a.closeOnSignOut(cancel)()
	return fn(ctx, a)
}
