package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jotraynor/seeknet/internal/store"
	"github.com/jotraynor/seeknet/internal/transfer"
)

// Outcome reports where a download landed. ByteCount is authoritative
// even when the download failed partway, and SavedPath is set whenever a
// file exists on disk, partial or not.
type Outcome struct {
	SavedPath string
	ByteCount int64
}

// Download fetches remotePath from peer into the downloads directory,
// recording the attempt in the ledger either way.
func (n *Node) Download(ctx context.Context, peer, remotePath string, progress transfer.Progress) (Outcome, error) {
	name, err := SavedName(remotePath)
	if err != nil {
		return Outcome{}, err
	}
	savedPath := filepath.Join(n.cfg.DownloadsDir, name)

	if err := n.session.EnsureReady(ctx); err != nil {
		return Outcome{}, err
	}

	rec := &store.Transfer{Peer: peer, RemotePath: remotePath, State: transfer.TicketPending.String()}
	if err := n.ledger.CreateTransfer(ctx, rec); err != nil {
		n.logger.Warnf("recording transfer: %v", err)
	}

	open := func() (io.WriteCloser, error) {
		if err := os.MkdirAll(n.cfg.DownloadsDir, 0o755); err != nil {
			return nil, err
		}
		return os.Create(savedPath)
	}

	ticket, err := n.transfers.Download(ctx, peer, remotePath, open, progress)

	rec.State = ticket.State().String()
	rec.Size = ticket.Size()
	rec.Transferred = ticket.Transferred()
	rec.FinishedAt = time.Now().Unix()
	if err != nil {
		rec.Reason = err.Error()
	} else {
		rec.SavedPath = savedPath
	}
	if uerr := n.ledger.UpdateTransfer(context.Background(), rec); uerr != nil {
		n.logger.Warnf("updating transfer record: %v", uerr)
	}

	out := Outcome{ByteCount: ticket.Transferred()}
	if err != nil {
		// A dead stream leaves its partial file in place; everything
		// before that leaves no file at all.
		if errors.Is(err, transfer.ErrStreamError) {
			out.SavedPath = savedPath
		}
		return out, err
	}
	out.SavedPath = savedPath
	return out, nil
}

// SavedName maps a remote path to the bare name the file is saved under.
// Remote paths use backslash separators as often as forward slashes.
func SavedName(remotePath string) (string, error) {
	name := path.Base(strings.ReplaceAll(remotePath, "\\", "/"))
	if name == "" || name == "." || name == "/" || name == ".." {
		return "", fmt.Errorf("remote path %q has no usable file name", remotePath)
	}
	return name, nil
}
