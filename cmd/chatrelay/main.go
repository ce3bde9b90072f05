package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatrelay/cmd/chatrelay/cmds"
)

func main() {
	flags := &cmds.GlobalFlags{}
	rootCmd := &cobra.Command{
		Use:   "chatrelay",
		Short: "chatrelay relays websocket chat rooms to a hosted LLM with a web fetch tool",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return flags.Load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			flags.Close()
		},
		SilenceUsage: true,
	}
	flags.Register(rootCmd)

	rootCmd.AddCommand(
		cmds.NewServeCommand(flags),
		cmds.NewClientCommand(flags),
		cmds.NewTokenCommand(flags),
		cmds.NewHistoryCommand(flags),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
