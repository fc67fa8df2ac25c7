package cli

import (
	"context"

	"github.com/jotraynor/seeknet/internal/config"
	"github.com/jotraynor/seeknet/internal/logger"
	"github.com/jotraynor/seeknet/internal/node"
	"github.com/jotraynor/seeknet/internal/store"
	"github.com/spf13/cobra"
)

var (
	daemonServer    string
	daemonDownloads string
	daemonDB        string
	daemonPort      int
	daemonVerbose   bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "runs the seeknet daemon",
	Long: `runs the seeknet daemon in the foreground. Credentials come from
SEEKNET_USERNAME and SEEKNET_PASSWORD; flags override the rest of the
environment configuration.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.NewLogger("info")

		cfg, err := config.Load()
		if err != nil {
			log.Fatal(err)
			return
		}
		if cmd.Flag("socket").Changed {
			cfg.SocketPath = socketPath
		}
		if daemonServer != "" {
			cfg.ServerAddr = daemonServer
		}
		if daemonDownloads != "" {
			cfg.DownloadsDir = daemonDownloads
		}
		if daemonDB != "" {
			cfg.DatabasePath = daemonDB
		}
		if daemonPort >= 0 {
			cfg.ListenPort = daemonPort
		}
		if daemonVerbose {
			cfg.LogLevel = "debug"
		}
		log = logger.NewLogger(cfg.LogLevel)

		st, err := store.Open(cfg.DatabasePath)
		if err != nil {
			log.Fatal(err)
			return
		}
		defer st.Close()

		n := node.New(node.Options{Config: cfg, Store: st, Logger: log})
		if err := n.Start(context.Background()); err != nil {
			log.Fatal(err)
		}
	},
}

func init() {
	daemonCmd.Flags().StringVar(&daemonServer, "server", "", "index server address, overrides SEEKNET_SERVER")
	daemonCmd.Flags().StringVar(&daemonDownloads, "downloads", "", "directory for finished downloads")
	daemonCmd.Flags().StringVar(&daemonDB, "db", "", "history database path")
	daemonCmd.Flags().IntVar(&daemonPort, "listen-port", -1, "TCP port for inbound peer connections, 0 picks a free one")
	daemonCmd.Flags().BoolVar(&daemonVerbose, "verbose", false, "debug logging")
}
