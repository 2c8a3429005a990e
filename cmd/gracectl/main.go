package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var server string
	c := &client{}

	rootCmd := &cobra.Command{
		Use:          "gracectl",
		Short:        "Talk to a running Grace server",
		Long:         "gracectl opens conversation sessions with a Grace server and reads or writes its memory tiers.",
		SilenceUsage: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			c.base = server
		},
	}
	rootCmd.PersistentFlags().StringVar(&server, "server", envOr("GRACE_SERVER", "http://localhost:3210"), "Grace server URL")

	rootCmd.AddCommand(
		newChatCmd(c),
		newSayCmd(c),
		newRememberCmd(c),
		newRecallCmd(c),
		newSessionsCmd(c),
		newStatusCmd(c),
	)
	return rootCmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
