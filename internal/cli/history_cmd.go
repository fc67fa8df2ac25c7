package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jotraynor/seeknet/internal/client"
	"github.com/jotraynor/seeknet/internal/logger"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "show past transfers and searches",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.NewLogger("info")

		hist, err := client.New(socketPath).History(historyLimit)
		if err != nil {
			log.Fatal(err)
			return
		}

		if len(hist.Transfers) == 0 {
			fmt.Println("No transfers yet.")
		}
		for _, tr := range hist.Transfers {
			when := time.Unix(tr.StartedAt, 0).Format("2006-01-02 15:04")
			fmt.Printf("%s  %-8s  %s from %s", when, tr.State, tr.RemotePath, tr.Peer)
			if tr.Transferred > 0 {
				fmt.Printf(" (%s)", humanize.Bytes(uint64(tr.Transferred)))
			}
			if tr.Reason != "" {
				fmt.Printf(" [%s]", tr.Reason)
			}
			fmt.Println()
		}

		if len(hist.Searches) > 0 {
			fmt.Println()
			for _, s := range hist.Searches {
				when := time.Unix(s.CreatedAt, 0).Format("2006-01-02 15:04")
				fmt.Printf("%s  searched %q, %d results\n", when, s.Query, s.Results)
			}
		}
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "rows per section")
}
