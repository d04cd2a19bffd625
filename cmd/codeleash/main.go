package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "codeleash",
		Short: "codeleash - pair your editor with your phone",
		Long:  "Bridges an editor host with mobile clients: QR/PIN pairing, a local WebSocket command bus, an embedded room relay, and tunnel fallback for off-LAN access.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.AddCommand(
		serveCmd(),
		pairCmd(),
		relaydCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the codeleash version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("codeleash", version)
		},
	}
}
