package cli

import (
	"fmt"

	"github.com/jotraynor/seeknet/internal/client"
	"github.com/jotraynor/seeknet/internal/logger"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "show the daemon's server session",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.NewLogger("info")

		status, err := client.New(socketPath).Status()
		if err != nil {
			log.Fatal(err)
			return
		}
		if status.Connected {
			fmt.Printf("Connected as %s\n", status.Identity)
		} else {
			fmt.Println("Not connected. The daemon logs in on the first search or download.")
		}
	},
}
