package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/jotraynor/seeknet/internal/config"
	"github.com/jotraynor/seeknet/internal/ipc"
	"github.com/jotraynor/seeknet/internal/protocol"
	"github.com/jotraynor/seeknet/internal/search"
	"github.com/jotraynor/seeknet/internal/session"
	"github.com/jotraynor/seeknet/internal/transfer"
	"github.com/jotraynor/seeknet/internal/transport"
)

const (
	defaultDownloadTimeout = 10 * time.Minute

	// Byte-count progress is throttled to this interval; state changes
	// always go out immediately.
	progressInterval = 250 * time.Millisecond
)

func (n *Node) listenIPC() (net.Listener, error) {
	_ = os.Remove(n.cfg.SocketPath)
	ln, err := net.Listen("unix", n.cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("ipc listener: %w", err)
	}
	return ln, nil
}

func (n *Node) serveIPC(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			n.logger.Warnf("ipc accept: %v", err)
			continue
		}
		go n.handleIPCConn(ctx, conn)
	}
}

// handleIPCConn serves one CLI request and hangs up. The CLI opens a
// fresh connection per command.
func (n *Node) handleIPCConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	req, err := ipc.Read(conn)
	if err != nil {
		if err != io.EOF {
			n.logger.Warnf("ipc read: %v", err)
		}
		return
	}
	n.logger.Debugf("ipc request %s (%s)", req.Kind, req.ID)

	switch req.Kind {
	case ipc.KindSearchRequest:
		n.handleSearchRequest(ctx, conn, req)
	case ipc.KindDownloadRequest:
		n.handleDownloadRequest(ctx, conn, req)
	case ipc.KindStatusRequest:
		n.handleStatusRequest(conn, req)
	case ipc.KindHistoryRequest:
		n.handleHistoryRequest(ctx, conn, req)
	default:
		n.writeIPCError(conn, req.ID, ipc.ErrKindInternal, fmt.Sprintf("unknown request kind %q", req.Kind), 0)
	}
}

func (n *Node) handleSearchRequest(ctx context.Context, conn net.Conn, req *ipc.Envelope) {
	var sr ipc.SearchRequest
	if err := req.Decode(&sr); err != nil {
		n.writeIPCError(conn, req.ID, ipc.ErrKindInternal, err.Error(), 0)
		return
	}

	results, err := n.Search(ctx, sr.Query, sr.Limit)
	if err != nil {
		n.writeIPCError(conn, req.ID, classify(err), err.Error(), 0)
		return
	}

	resp := ipc.SearchResponse{Results: make([]ipc.SearchResult, 0, len(results))}
	for _, r := range results {
		resp.Results = append(resp.Results, ipc.SearchResult{
			Peer:        r.Peer,
			Path:        r.Path,
			Size:        r.Size,
			Bitrate:     r.Bitrate,
			Duration:    r.Duration,
			SlotFree:    r.SlotFree,
			AvgSpeed:    r.AvgSpeed,
			QueueLength: r.QueueLength,
		})
	}
	n.writeIPC(conn, ipc.KindSearchResponse, req.ID, resp)
}

func (n *Node) handleDownloadRequest(ctx context.Context, conn net.Conn, req *ipc.Envelope) {
	var dr ipc.DownloadRequest
	if err := req.Decode(&dr); err != nil {
		n.writeIPCError(conn, req.ID, ipc.ErrKindInternal, err.Error(), 0)
		return
	}

	timeout := defaultDownloadTimeout
	if dr.TimeoutSeconds > 0 {
		timeout = time.Duration(dr.TimeoutSeconds) * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Progress runs on this goroutine (the download is synchronous), so
	// writes to conn never interleave.
	lastState := transfer.TicketState(-1)
	var lastSent time.Time
	progress := func(tk *transfer.Ticket) {
		st := tk.State()
		now := time.Now()
		if st == lastState && now.Sub(lastSent) < progressInterval {
			return
		}
		lastState, lastSent = st, now
		n.writeIPC(conn, ipc.KindDownloadProgress, req.ID, ipc.DownloadProgress{
			State:       st.String(),
			Size:        tk.Size(),
			Transferred: tk.Transferred(),
			QueuePlace:  tk.QueuePlace(),
		})
	}

	outcome, err := n.Download(dctx, dr.Peer, dr.Path, progress)
	if err != nil {
		n.writeIPCError(conn, req.ID, classify(err), err.Error(), outcome.ByteCount)
		return
	}
	n.writeIPC(conn, ipc.KindDownloadResponse, req.ID, ipc.DownloadResponse{
		SavedPath: outcome.SavedPath,
		ByteCount: outcome.ByteCount,
	})
}

func (n *Node) handleStatusRequest(conn net.Conn, req *ipc.Envelope) {
	st := n.Status()
	n.writeIPC(conn, ipc.KindStatusResponse, req.ID, ipc.StatusResponse{
		Connected: st.Connected,
		Identity:  st.Identity,
	})
}

func (n *Node) handleHistoryRequest(ctx context.Context, conn net.Conn, req *ipc.Envelope) {
	var hr ipc.HistoryRequest
	if err := req.Decode(&hr); err != nil {
		n.writeIPCError(conn, req.ID, ipc.ErrKindInternal, err.Error(), 0)
		return
	}

	transfers, searches, err := n.History(ctx, hr.Limit)
	if err != nil {
		n.writeIPCError(conn, req.ID, ipc.ErrKindInternal, err.Error(), 0)
		return
	}

	resp := ipc.HistoryResponse{
		Transfers: make([]ipc.HistoryTransfer, 0, len(transfers)),
		Searches:  make([]ipc.HistorySearch, 0, len(searches)),
	}
	for _, tr := range transfers {
		resp.Transfers = append(resp.Transfers, ipc.HistoryTransfer{
			Peer:        tr.Peer,
			RemotePath:  tr.RemotePath,
			SavedPath:   tr.SavedPath,
			Size:        tr.Size,
			Transferred: tr.Transferred,
			State:       tr.State,
			Reason:      tr.Reason,
			StartedAt:   tr.StartedAt,
			FinishedAt:  tr.FinishedAt,
		})
	}
	for _, se := range searches {
		resp.Searches = append(resp.Searches, ipc.HistorySearch{
			Query:     se.Query,
			Results:   se.Results,
			CreatedAt: se.CreatedAt,
		})
	}
	n.writeIPC(conn, ipc.KindHistoryResponse, req.ID, resp)
}

func (n *Node) writeIPC(conn net.Conn, kind, id string, payload any) {
	e, err := ipc.NewEnvelope(kind, id, payload)
	if err != nil {
		n.logger.Warnf("building %s envelope: %v", kind, err)
		return
	}
	if err := ipc.Write(conn, e); err != nil {
		n.logger.Debugf("ipc write %s: %v", kind, err)
	}
}

func (n *Node) writeIPCError(conn net.Conn, id, kind, msg string, byteCount int64) {
	n.writeIPC(conn, ipc.KindError, id, ipc.ErrorResponse{Kind: kind, Message: msg, ByteCount: byteCount})
}

// classify maps an operation error to the kind string the CLI shows.
func classify(err error) string {
	switch {
	case errors.Is(err, config.ErrMissingCredentials):
		return ipc.ErrKindConfiguration
	case errors.Is(err, session.ErrAuthenticationFailed):
		return ipc.ErrKindAuthentication
	case errors.Is(err, transport.ErrConnectFailed),
		errors.Is(err, transport.ErrConnectionClosed),
		errors.Is(err, session.ErrConnectionLost),
		errors.Is(err, session.ErrClosed),
		errors.Is(err, transfer.ErrPeerUnreachable):
		return ipc.ErrKindConnection
	case errors.Is(err, protocol.ErrMalformedMessage):
		return ipc.ErrKindMalformed
	case errors.Is(err, search.ErrSearchFailed):
		return ipc.ErrKindSearch
	case errors.Is(err, transfer.ErrTransferRejected):
		return ipc.ErrKindRejected
	case errors.Is(err, transfer.ErrStreamError):
		return ipc.ErrKindStream
	default:
		return ipc.ErrKindInternal
	}
}
