package cmd

import (
	"AuxParty/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动AuxParty服务器",
	Long:  `启动AuxParty听歌派对系统的HTTP服务器，提供API服务和WebSocket通道`,
	Run: func(cmd *cobra.Command, args []string) {
		server.Start()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
