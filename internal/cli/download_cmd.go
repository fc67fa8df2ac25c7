package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jotraynor/seeknet/internal/client"
	"github.com/jotraynor/seeknet/internal/ipc"
	"github.com/jotraynor/seeknet/internal/logger"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var downloadTimeout time.Duration

var downloadCmd = &cobra.Command{
	Use:   "download peer remote-path",
	Short: "download a file from a peer",
	Long: `download asks the daemon to fetch a file seen in search results.
The remote path must match the search result exactly, backslashes included.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.NewLogger("info")
		peer, remotePath := args[0], args[1]

		var bar *progressbar.ProgressBar
		resp, err := client.New(socketPath).Download(peer, remotePath, downloadTimeout, func(p ipc.DownloadProgress) {
			switch p.State {
			case "queued":
				fmt.Printf("Queued at position %d, waiting for a slot...\n", p.QueuePlace)
			case "active":
				if bar == nil && p.Size > 0 {
					bar = progressbar.DefaultBytes(p.Size, "downloading")
				}
				if bar != nil {
					_ = bar.Set64(p.Transferred)
				}
			}
		})
		if bar != nil {
			fmt.Println()
		}
		if err != nil {
			var ce *client.Error
			if errors.As(err, &ce) && ce.Kind == ipc.ErrKindStream && ce.ByteCount > 0 {
				fmt.Printf("Transfer died after %s, partial file kept\n", humanize.Bytes(uint64(ce.ByteCount)))
			}
			log.Fatal(err)
			return
		}

		fmt.Printf("Saved to %s (%s)\n", resp.SavedPath, humanize.Bytes(uint64(resp.ByteCount)))
	},
}

func init() {
	downloadCmd.Flags().DurationVar(&downloadTimeout, "timeout", 10*time.Minute, "give up after this long")
}
