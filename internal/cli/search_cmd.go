package cli

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jotraynor/seeknet/internal/client"
	"github.com/jotraynor/seeknet/internal/logger"
	"github.com/spf13/cobra"
)

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search query...",
	Short: "search the network for files",
	Long:  `search asks every peer on the network for files matching the query and prints what comes back within the search window.`,
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.NewLogger("info")
		query := strings.Join(args, " ")

		results, err := client.New(socketPath).Search(query, searchLimit)
		if err != nil {
			log.Fatal(err)
			return
		}
		if len(results) == 0 {
			fmt.Println("No results.")
			return
		}

		for i, r := range results {
			fmt.Printf("%2d. %s\n", i+1, r.Path)
			fmt.Printf("    peer %s, %s", r.Peer, humanize.Bytes(r.Size))
			if r.Bitrate > 0 {
				fmt.Printf(", %d kbps", r.Bitrate)
			}
			if r.SlotFree {
				fmt.Printf(", slot free")
			} else {
				fmt.Printf(", queue %d", r.QueueLength)
			}
			fmt.Printf(", %d KB/s\n", r.AvgSpeed)
		}
	},
}

func init() {
	searchCmd.Flags().IntVar(&searchLimit, "limit", 25, "maximum number of results")
}
