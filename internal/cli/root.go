// Package cli implements the seeknet command tree. The daemon subcommand
// runs the node itself; every other subcommand talks to a running daemon
// over its unix socket.
package cli

import (
	"os"

	"github.com/jotraynor/seeknet/internal/config"
	"github.com/spf13/cobra"
)

// socketPath is shared by every subcommand that needs the daemon.
var socketPath string

var rootCmd = &cobra.Command{
	Use:   "seeknet",
	Short: "a peer to peer file sharing client",
	Long: `seeknet searches a central index and downloads files directly from peers.
Start the daemon first, then run search and download against it.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", config.DefaultSocketPath, "daemon control socket")
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
}
