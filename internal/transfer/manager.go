// Package transfer negotiates downloads with peers and streams the file
// bytes to a sink. A download talks to its peer twice: first over a
// message connection to ask for the file, then over a dedicated file
// connection that carries nothing but the ticket frame and raw bytes.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/jotraynor/seeknet/internal/protocol"
	"github.com/jotraynor/seeknet/internal/transport"
	"github.com/sirupsen/logrus"
)

const (
	streamBufSize = 32 * 1024

	// Replies for one token are few; a small buffer absorbs a burst of
	// queue updates without blocking the dispatch path.
	replyBuffer = 4
)

var (
	// ErrPeerUnreachable covers everything that keeps us from talking to
	// the peer at all: failed address lookup, refused dial, dead
	// connection before the request got out.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrTransferRejected is a peer's answer, explicit or by silence:
	// declined, failed before the first byte, or queued past the
	// caller's patience.
	ErrTransferRejected = errors.New("transfer rejected")

	// ErrStreamError is a failure after streaming began. The output
	// keeps whatever bytes made it; the error text and the ticket say
	// how many.
	ErrStreamError = errors.New("stream error")
)

type TicketState int32

const (
	TicketPending TicketState = iota
	TicketQueued
	TicketActive
	TicketComplete
	TicketFailed
)

func (s TicketState) String() string {
	switch s {
	case TicketPending:
		return "pending"
	case TicketQueued:
		return "queued"
	case TicketActive:
		return "active"
	case TicketComplete:
		return "complete"
	case TicketFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Ticket tracks one download. The manager mutates it; everyone else reads
// through the atomic accessors, including mid-flight progress callbacks.
type Ticket struct {
	Token uint32
	Peer  string
	Path  string

	state       atomic.Int32
	size        atomic.Int64
	transferred atomic.Int64
	queuePlace  atomic.Uint32
}

func (t *Ticket) State() TicketState { return TicketState(t.state.Load()) }

// Size is the byte count the peer promised, 0 until the accept arrives.
func (t *Ticket) Size() int64 { return t.size.Load() }

// Transferred is the authoritative count of bytes written to the sink.
func (t *Ticket) Transferred() int64 { return t.transferred.Load() }

// QueuePlace is the last reported queue position, 0 if never queued.
func (t *Ticket) QueuePlace() uint32 { return t.queuePlace.Load() }

func (t *Ticket) setState(s TicketState) { t.state.Store(int32(s)) }

// Resolver turns a peer name into a dialable address. *session.Session
// satisfies it.
type Resolver interface {
	PeerAddress(ctx context.Context, username string) (string, error)
}

// Dialer opens framed connections. *transport.Manager satisfies it.
type Dialer interface {
	Dial(ctx context.Context, addr string) (*transport.Conn, error)
}

// SinkFunc opens the write side for an accepted transfer. It is not
// called until the peer agrees to send, so a rejected download never
// leaves an empty file behind.
type SinkFunc func() (io.WriteCloser, error)

// Progress observes a ticket whenever its state or byte count moves. It
// runs on the download's goroutine; keep it quick.
type Progress func(t *Ticket)

type Options struct {
	// Username announces who we are in the init frame of every
	// connection this manager dials.
	Username string

	Resolver Resolver
	Dialer   Dialer
	Logger   *logrus.Logger

	// FrameHandler dispatches frames arriving on the message
	// connections this manager dials. The node wires it to its router,
	// which feeds transfer replies back in through Deliver.
	FrameHandler transport.Handler
}

// Manager runs downloads and routes peer replies to them by token.
type Manager struct {
	username string
	resolver Resolver
	dialer   Dialer
	logger   *logrus.Logger
	frames   transport.Handler
	tokens   *protocol.TokenSource

	mu      sync.Mutex
	pending map[uint32]chan protocol.PeerMessage
	pconns  map[string]*transport.Conn
}

func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	return &Manager{
		username: opts.Username,
		resolver: opts.Resolver,
		dialer:   opts.Dialer,
		logger:   opts.Logger,
		frames:   opts.FrameHandler,
		tokens:   protocol.NewTokenSource(),
		pending:  make(map[uint32]chan protocol.PeerMessage),
		pconns:   make(map[string]*transport.Conn),
	}
}

// Download fetches path from peer into the sink that open provides. The
// returned ticket is never nil; on failure it reports how far the
// transfer got.
func (m *Manager) Download(ctx context.Context, peer, path string, open SinkFunc, progress Progress) (*Ticket, error) {
	if progress == nil {
		progress = func(*Ticket) {}
	}

	ticket := &Ticket{Token: m.tokens.Next(), Peer: peer, Path: path}
	m.logger.Infof("requesting %q from %s (token %d)", path, peer, ticket.Token)

	addr, err := m.resolver.PeerAddress(ctx, peer)
	if err != nil {
		ticket.setState(TicketFailed)
		return ticket, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}

	mc, err := m.messageConn(ctx, peer, addr)
	if err != nil {
		ticket.setState(TicketFailed)
		return ticket, err
	}

	replies := make(chan protocol.PeerMessage, replyBuffer)
	m.mu.Lock()
	m.pending[ticket.Token] = replies
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, ticket.Token)
		m.mu.Unlock()
	}()

	req := &protocol.TransferRequest{Token: ticket.Token, Path: path}
	if err := mc.WriteMessage(protocol.EncodePeer(req)); err != nil {
		ticket.setState(TicketFailed)
		return ticket, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	progress(ticket)

	size, err := m.awaitAccept(ctx, ticket, replies, progress)
	if err != nil {
		ticket.setState(TicketFailed)
		progress(ticket)
		return ticket, err
	}

	fc, err := m.dialer.Dial(ctx, addr)
	if err != nil {
		ticket.setState(TicketFailed)
		progress(ticket)
		return ticket, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	defer func() { _ = fc.Close() }()

	init := protocol.PeerInit{Username: m.username, ConnType: protocol.ConnTypeFile, Token: ticket.Token}
	if err := fc.WriteMessage(protocol.EncodePeerInit(init)); err != nil {
		ticket.setState(TicketFailed)
		progress(ticket)
		return ticket, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	tick := protocol.TransferTicket{Token: ticket.Token}
	if err := fc.WriteMessage(protocol.EncodeTransferTicket(tick)); err != nil {
		ticket.setState(TicketFailed)
		progress(ticket)
		return ticket, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}

	ticket.size.Store(int64(size))
	ticket.setState(TicketActive)
	progress(ticket)

	written, err := m.stream(ctx, fc, open, ticket, size, progress)
	if err != nil {
		ticket.setState(TicketFailed)
		progress(ticket)
		return ticket, err
	}

	ticket.setState(TicketComplete)
	progress(ticket)
	m.logger.Infof("downloaded %q from %s (%d bytes)", path, peer, written)
	return ticket, nil
}

// awaitAccept waits out the negotiation: an accept ends it with the
// promised size, anything else ends it with ErrTransferRejected. Queue
// updates keep it waiting until the caller's context runs out.
func (m *Manager) awaitAccept(ctx context.Context, ticket *Ticket, replies <-chan protocol.PeerMessage, progress Progress) (uint64, error) {
	for {
		select {
		case msg := <-replies:
			switch r := msg.(type) {
			case *protocol.TransferReply:
				if !r.Allowed {
					reason := r.Reason
					if reason == "" {
						reason = "peer declined"
					}
					return 0, fmt.Errorf("%w: %s", ErrTransferRejected, reason)
				}
				return r.Size, nil
			case *protocol.QueuePosition:
				ticket.queuePlace.Store(r.Place)
				ticket.setState(TicketQueued)
				m.logger.Infof("queued at position %d for %q on %s", r.Place, ticket.Path, ticket.Peer)
				progress(ticket)
			case *protocol.TransferFailed:
				reason := r.Reason
				if reason == "" {
					reason = "peer aborted"
				}
				return 0, fmt.Errorf("%w: %s", ErrTransferRejected, reason)
			}
		case <-ctx.Done():
			if place := ticket.QueuePlace(); place > 0 {
				return 0, fmt.Errorf("%w: still queued at position %d: %v", ErrTransferRejected, place, ctx.Err())
			}
			return 0, fmt.Errorf("%w: no answer from peer: %v", ErrTransferRejected, ctx.Err())
		}
	}
}

// stream copies exactly size bytes from the file connection into the
// sink. The sink opens here, after acceptance, and is closed on every
// path out.
func (m *Manager) stream(ctx context.Context, fc *transport.Conn, open SinkFunc, ticket *Ticket, size uint64, progress Progress) (int64, error) {
	sink, err := open()
	if err != nil {
		return 0, fmt.Errorf("open sink: %w", err)
	}
	closed := false
	defer func() {
		if !closed {
			_ = sink.Close()
		}
	}()

	buf := make([]byte, streamBufSize)
	var written int64
	for uint64(written) < size {
		if err := ctx.Err(); err != nil {
			return written, fmt.Errorf("%w: cancelled after %d of %d bytes: %v", ErrStreamError, written, size, err)
		}

		chunk := buf
		if rest := size - uint64(written); rest < uint64(len(chunk)) {
			chunk = chunk[:rest]
		}
		n, rerr := fc.Read(chunk)
		if n > 0 {
			wn, werr := sink.Write(chunk[:n])
			written += int64(wn)
			ticket.transferred.Store(written)
			progress(ticket)
			if werr != nil {
				return written, fmt.Errorf("%w: sink write after %d of %d bytes: %v", ErrStreamError, written, size, werr)
			}
		}
		if rerr != nil {
			return written, fmt.Errorf("%w: stream ended after %d of %d bytes: %v", ErrStreamError, written, size, rerr)
		}
	}

	closed = true
	if err := sink.Close(); err != nil {
		return written, fmt.Errorf("%w: close sink after %d bytes: %v", ErrStreamError, written, err)
	}
	return written, nil
}

// messageConn returns a live message connection to the peer, dialing and
// introducing ourselves if none is cached from an earlier download.
func (m *Manager) messageConn(ctx context.Context, peer, addr string) (*transport.Conn, error) {
	m.mu.Lock()
	if c := m.pconns[peer]; c != nil && !c.Closed() {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	c, err := m.dialer.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}

	init := protocol.PeerInit{Username: m.username, ConnType: protocol.ConnTypeMessage}
	if err := c.WriteMessage(protocol.EncodePeerInit(init)); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	c.Start(m.frames)

	m.mu.Lock()
	m.pconns[peer] = c
	m.mu.Unlock()
	c.OnClose(func(dead *transport.Conn) {
		m.mu.Lock()
		if m.pconns[peer] == dead {
			delete(m.pconns, peer)
		}
		m.mu.Unlock()
	})
	return c, nil
}

// Deliver routes a transfer-related peer message to the download that
// owns its token. It is safe from any goroutine and never blocks.
func (m *Manager) Deliver(msg protocol.PeerMessage) {
	var token uint32
	switch r := msg.(type) {
	case *protocol.TransferReply:
		token = r.Token
	case *protocol.QueuePosition:
		token = r.Token
	case *protocol.TransferFailed:
		token = r.Token
	default:
		return
	}

	m.mu.Lock()
	ch := m.pending[token]
	m.mu.Unlock()
	if ch == nil {
		m.logger.Debugf("dropping %T for unknown token %d", msg, token)
		return
	}

	select {
	case ch <- msg:
	default:
		m.logger.Warnf("reply buffer full for token %d, dropping %T", token, msg)
	}
}
