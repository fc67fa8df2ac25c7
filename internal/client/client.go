// Package client talks to a running daemon over its unix socket. Each
// request gets its own connection; download progress events stream in
// between the request and its final response.
package client

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jotraynor/seeknet/internal/ipc"
)

// Error is a daemon-reported failure, classified by kind so callers can
// tell a rejected transfer from a dead stream.
type Error struct {
	Kind      string
	Message   string
	ByteCount int64
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

type Client struct {
	socketPath string
}

func New(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

func (c *Client) dial() (net.Conn, error) {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable at %s: %w", c.socketPath, err)
	}
	return conn, nil
}

// roundTrip sends one request and decodes the matching response into out.
// onEvent sees every same-ID envelope that arrives before the final
// response, download progress being the only such traffic today.
func (c *Client) roundTrip(kind string, payload any, wantKind string, out any, onEvent func(*ipc.Envelope)) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	id := uuid.NewString()
	req, err := ipc.NewEnvelope(kind, id, payload)
	if err != nil {
		return err
	}
	if err := ipc.Write(conn, req); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}

	for {
		resp, err := ipc.Read(conn)
		if err != nil {
			return fmt.Errorf("read daemon reply: %w", err)
		}
		if resp.ID != id {
			continue
		}

		switch resp.Kind {
		case wantKind:
			if out == nil {
				return nil
			}
			return resp.Decode(out)
		case ipc.KindError:
			var er ipc.ErrorResponse
			if err := resp.Decode(&er); err != nil {
				return err
			}
			return &Error{Kind: er.Kind, Message: er.Message, ByteCount: er.ByteCount}
		default:
			if onEvent != nil {
				onEvent(resp)
			}
		}
	}
}

func (c *Client) Search(query string, limit int) ([]ipc.SearchResult, error) {
	var resp ipc.SearchResponse
	req := ipc.SearchRequest{Query: query, Limit: limit}
	if err := c.roundTrip(ipc.KindSearchRequest, req, ipc.KindSearchResponse, &resp, nil); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Download asks the daemon to fetch path from peer. onProgress, when set,
// is called for every progress event the daemon streams back.
func (c *Client) Download(peer, path string, timeout time.Duration, onProgress func(ipc.DownloadProgress)) (*ipc.DownloadResponse, error) {
	req := ipc.DownloadRequest{Peer: peer, Path: path, TimeoutSeconds: int(timeout / time.Second)}

	var resp ipc.DownloadResponse
	err := c.roundTrip(ipc.KindDownloadRequest, req, ipc.KindDownloadResponse, &resp, func(e *ipc.Envelope) {
		if e.Kind != ipc.KindDownloadProgress || onProgress == nil {
			return
		}
		var p ipc.DownloadProgress
		if err := e.Decode(&p); err == nil {
			onProgress(p)
		}
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Status() (*ipc.StatusResponse, error) {
	var resp ipc.StatusResponse
	if err := c.roundTrip(ipc.KindStatusRequest, nil, ipc.KindStatusResponse, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) History(limit int) (*ipc.HistoryResponse, error) {
	var resp ipc.HistoryResponse
	req := ipc.HistoryRequest{Limit: limit}
	if err := c.roundTrip(ipc.KindHistoryRequest, req, ipc.KindHistoryResponse, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}
