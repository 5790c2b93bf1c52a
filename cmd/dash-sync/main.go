package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dash-sync",
		Short: "Keep conversations and notifications in sync with the backend",
		Long: `dash-sync holds a live push channel per scope, reconciles pushed
records with fetched history and local sends, and optionally exposes
the live scopes over MCP.

Configuration is read from the environment and an optional .env file.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context())
		},
	}

	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(newRunCmd(), newWatchCmd(), newVersionCmd())

	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <conversation-id>",
		Short: "Follow a conversation in the terminal and send lines from stdin",
		Long: `Follow a conversation in the terminal. Each line read from stdin is
sent as a message. Lines starting with a slash are commands:

  /retry <client-temp-id>    resend a failed message
  /discard <client-temp-id>  drop a failed message
  /clear                     clear the conversation history
  /quit                      exit`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), args[0], cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}
