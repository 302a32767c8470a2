package cmd

import (
	"fmt"
	"log"
	"os"

	"AuxParty/server"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "auxparty_server",
	Short: "AuxParty is a collaborative listening party service.",
	Run: func(cmd *cobra.Command, args []string) {
		log.Println("Starting AuxParty server...")
		server.Start()
	},
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
