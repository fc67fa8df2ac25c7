// Package search fans queries out through the server and collects the
// replies that peers push back over their own connections.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jotraynor/seeknet/internal/protocol"
	"github.com/sirupsen/logrus"
)

const defaultWindow = 10 * time.Second

// ErrSearchFailed wraps transport-level failures while issuing a search.
var ErrSearchFailed = errors.New("search failed")

// Result is one file offered by one peer.
type Result struct {
	Peer        string
	Path        string
	Size        uint64
	Bitrate     uint32 // kbit/s, 0 when the peer did not report it
	Duration    uint32 // seconds, 0 when the peer did not report it
	SlotFree    bool
	AvgSpeed    uint32
	QueueLength uint32
}

// ServerLink sends encoded payloads on the server channel. It is
// satisfied by *session.Session.
type ServerLink interface {
	Send(payload []byte) error
}

type Options struct {
	Server ServerLink
	Logger *logrus.Logger

	// Window is how long a search collects replies. Zero means the
	// default of ten seconds.
	Window time.Duration
}

// Coordinator correlates outgoing searches with the replies that trickle
// in. Each search owns a token; replies carrying a token nobody waits for
// anymore are dropped on the floor.
type Coordinator struct {
	server ServerLink
	logger *logrus.Logger
	window time.Duration
	tokens *protocol.TokenSource

	mu     sync.Mutex
	active map[uint32]*collector
}

// collector gathers one search's results. closed flips when the window
// ends so stragglers stop landing while the results are read out.
type collector struct {
	results []Result
	seen    map[string]struct{}
	closed  bool
}

func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Window == 0 {
		opts.Window = defaultWindow
	}

	return &Coordinator{
		server: opts.Server,
		logger: opts.Logger,
		window: opts.Window,
		tokens: protocol.NewTokenSource(),
		active: make(map[uint32]*collector),
	}
}

// Search broadcasts the query and collects replies until the window
// elapses. Cancelling the context cuts the window short; whatever arrived
// by then is returned. A limit of zero or less returns nothing without
// touching the network.
func (c *Coordinator) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if limit <= 0 {
		return nil, nil
	}

	token := c.tokens.Next()
	col := &collector{seen: make(map[string]struct{})}

	c.mu.Lock()
	if _, exists := c.active[token]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: token %d already in flight", ErrSearchFailed, token)
	}
	c.active[token] = col
	c.mu.Unlock()
	defer c.retire(token)

	payload := protocol.EncodeServer(&protocol.Search{Token: token, Query: query})
	if err := c.server.Send(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSearchFailed, err)
	}
	c.logger.Debugf("search %d for %q open for %v", token, query, c.window)

	timer := time.NewTimer(c.window)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	c.mu.Lock()
	col.closed = true
	results := col.results
	c.mu.Unlock()

	sortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	c.logger.Infof("search for %q returned %d results", query, len(results))
	return results, nil
}

func (c *Coordinator) retire(token uint32) {
	c.mu.Lock()
	delete(c.active, token)
	c.mu.Unlock()
}

// Deliver feeds one peer's reply into its collector, skipping files the
// same peer already offered. Replies for unknown or closed tokens are
// dropped; peers answer on their own schedule and stragglers are normal.
func (c *Coordinator) Deliver(reply *protocol.SearchReply) {
	c.mu.Lock()
	defer c.mu.Unlock()

	col, ok := c.active[reply.Token]
	if !ok || col.closed {
		c.logger.Debugf("dropping %d results from %s for inactive token %d",
			len(reply.Files), reply.Username, reply.Token)
		return
	}

	for _, f := range reply.Files {
		key := reply.Username + "\x00" + f.Path
		if _, dup := col.seen[key]; dup {
			continue
		}
		col.seen[key] = struct{}{}

		r := Result{
			Peer:        reply.Username,
			Path:        f.Path,
			Size:        f.Size,
			SlotFree:    reply.SlotFree,
			AvgSpeed:    reply.AvgSpeed,
			QueueLength: reply.QueueLength,
		}
		if v, ok := f.Bitrate(); ok {
			r.Bitrate = v
		}
		if v, ok := f.Duration(); ok {
			r.Duration = v
		}
		col.results = append(col.results, r)
	}
}

// sortResults ranks peers with a free upload slot first and faster peers
// before slower ones. The sort is stable so equal peers keep their
// arrival order and repeated searches do not shuffle.
func sortResults(rs []Result) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].SlotFree != rs[j].SlotFree {
			return rs[i].SlotFree
		}
		return rs[i].AvgSpeed > rs[j].AvgSpeed
	})
}
