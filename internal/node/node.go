// Package node wires the protocol packages into one running daemon: a
// session to the server, the search coordinator, the transfer manager,
// the history ledger, and the IPC surface the CLI talks to.
package node

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jotraynor/seeknet/internal/config"
	"github.com/jotraynor/seeknet/internal/logger"
	"github.com/jotraynor/seeknet/internal/protocol"
	"github.com/jotraynor/seeknet/internal/search"
	"github.com/jotraynor/seeknet/internal/session"
	"github.com/jotraynor/seeknet/internal/store"
	"github.com/jotraynor/seeknet/internal/transfer"
	"github.com/jotraynor/seeknet/internal/transport"
	"github.com/sirupsen/logrus"
)

const maxMalformedFrames = 3

// Ledger is the slice of the store the node records history through.
type Ledger interface {
	CreateTransfer(ctx context.Context, tr *store.Transfer) error
	UpdateTransfer(ctx context.Context, tr *store.Transfer) error
	ListTransfers(ctx context.Context, limit int) ([]store.Transfer, error)
	RecordSearch(ctx context.Context, query string, results int) error
	ListSearches(ctx context.Context, limit int) ([]store.Search, error)
}

var _ Ledger = (*store.Store)(nil)

type Options struct {
	Config *config.Config
	Store  Ledger
	Logger *logrus.Logger
}

type Node struct {
	cfg    *config.Config
	logger *logrus.Logger
	ledger Ledger

	transport *transport.Manager
	session   *session.Session
	searches  *search.Coordinator
	transfers *transfer.Manager
}

func New(opts Options) *Node {
	log := opts.Logger
	if log == nil {
		log = logger.NewLogger(opts.Config.LogLevel)
	}

	n := &Node{cfg: opts.Config, logger: log, ledger: opts.Store}

	n.transport = transport.NewManager(transport.Options{Logger: log})
	n.session = session.New(session.Options{
		ServerAddr: opts.Config.ServerAddr,
		Username:   opts.Config.Username,
		Password:   opts.Config.Password,
		ListenPort: opts.Config.ListenPort,
		Transport:  n.transport,
		Logger:     log,
	})
	n.searches = search.New(search.Options{
		Server: n.session,
		Logger: log,
		Window: opts.Config.SearchWindow,
	})
	n.transfers = transfer.New(transfer.Options{
		Username:     opts.Config.Username,
		Resolver:     n.session,
		Dialer:       n.transport,
		Logger:       log,
		FrameHandler: n.handlePeerFrame,
	})
	return n
}

// Start brings the daemon up and blocks until the context is cancelled or
// a termination signal arrives.
func (n *Node) Start(ctx context.Context) error {
	bound, err := n.transport.Listen(fmt.Sprintf(":%d", n.cfg.ListenPort), n.handleInbound)
	if err != nil {
		return fmt.Errorf("peer listener: %w", err)
	}
	if port := portOf(bound); port != 0 {
		n.session.AdvertisePort(port)
	}

	ln, err := n.listenIPC()
	if err != nil {
		return err
	}
	go n.serveIPC(ctx, ln)

	n.logger.Infof("daemon ready: socket %s, peer port %s", n.cfg.SocketPath, bound)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		n.logger.Infof("received %v, shutting down", sig)
	case <-ctx.Done():
		n.logger.Info("shutting down")
	}

	_ = ln.Close()
	_ = n.session.Close()
	_ = n.transport.Close()
	_ = os.Remove(n.cfg.SocketPath)
	n.logger.Info("daemon stopped")
	return nil
}

// Search runs a query and records it in the ledger. A limit of zero or
// less returns empty without touching the network.
func (n *Node) Search(ctx context.Context, query string, limit int) ([]search.Result, error) {
	if limit <= 0 {
		return nil, nil
	}
	if err := n.session.EnsureReady(ctx); err != nil {
		return nil, err
	}

	results, err := n.searches.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	if err := n.ledger.RecordSearch(ctx, query, len(results)); err != nil {
		n.logger.Warnf("recording search: %v", err)
	}
	return results, nil
}

// Status reports the session as it stands without forcing a login.
func (n *Node) Status() session.Status {
	return n.session.Status()
}

func (n *Node) History(ctx context.Context, limit int) ([]store.Transfer, []store.Search, error) {
	transfers, err := n.ledger.ListTransfers(ctx, limit)
	if err != nil {
		return nil, nil, err
	}
	searches, err := n.ledger.ListSearches(ctx, limit)
	if err != nil {
		return nil, nil, err
	}
	return transfers, searches, nil
}

// handleInbound greets peers that dial our listen port. Message
// connections join the frame pump; file connections are refused because
// nothing is shared for upload.
func (n *Node) handleInbound(c *transport.Conn, init *protocol.PeerInit) {
	if init.ConnType == protocol.ConnTypeFile {
		n.logger.Warnf("refusing inbound file connection from %s", init.Username)
		_ = c.Close()
		return
	}
	n.logger.Debugf("peer %s connected from %s", init.Username, c.RemoteAddr())
	c.Start(n.handlePeerFrame)
}

// handlePeerFrame routes decoded peer messages to whoever waits on them.
// It runs on connection pump goroutines and must not block.
func (n *Node) handlePeerFrame(c *transport.Conn, payload []byte) {
	msg, err := protocol.DecodePeerMessage(payload)
	if err != nil {
		n.logger.Warnf("dropping malformed peer frame from %s: %v", c.RemoteAddr(), err)
		if c.MarkMalformed() >= maxMalformedFrames {
			n.logger.Warnf("peer %s sent %d malformed frames, dropping the connection", c.RemoteAddr(), maxMalformedFrames)
			_ = c.Close()
		}
		return
	}

	switch m := msg.(type) {
	case *protocol.SearchReply:
		n.searches.Deliver(m)
	case *protocol.TransferRequest:
		// Nothing is shared, so every inbound request is declined.
		reply := &protocol.TransferFailed{Token: m.Token, Reason: "no shared files"}
		if err := c.WriteMessage(protocol.EncodePeer(reply)); err != nil {
			n.logger.Debugf("declining transfer request: %v", err)
		}
	default:
		n.transfers.Deliver(msg)
	}
}

func portOf(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
