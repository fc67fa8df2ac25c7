// Package transport owns the client's TCP connections: the server link,
// peer message connections, and file transfer connections. It deals in
// framed payloads; what the payloads mean is the caller's business.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jotraynor/seeknet/internal/protocol"
	"github.com/sirupsen/logrus"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultIdleTimeout  = 5 * time.Minute
	defaultReadTimeout  = 45 * time.Second
	defaultWriteTimeout = 30 * time.Second

	// A dialing peer has this long to produce its init frame.
	handshakeTimeout = 10 * time.Second
)

// AcceptFunc receives each inbound peer connection after its init frame
// has been read and validated.
type AcceptFunc func(c *Conn, init *protocol.PeerInit)

type Options struct {
	Logger *logrus.Logger

	// Zero values fall back to the package defaults.
	DialTimeout  time.Duration
	IdleTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Manager tracks every live connection so Close can take the whole set
// down and nothing is left half-open.
type Manager struct {
	logger *logrus.Logger

	dialTimeout  time.Duration
	idleTimeout  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	mu     sync.Mutex
	ln     net.Listener
	conns  map[*Conn]struct{}
	closed bool
}

func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}

	return &Manager{
		logger:       opts.Logger,
		dialTimeout:  opts.DialTimeout,
		idleTimeout:  opts.IdleTimeout,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
		conns:        make(map[*Conn]struct{}),
	}
}

// Dial opens a framed connection to addr, honoring both the manager's
// dial timeout and the caller's context.
func (m *Manager) Dial(ctx context.Context, addr string) (*Conn, error) {
	d := net.Dialer{Timeout: m.dialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnectFailed, addr, err)
	}

	c := m.adopt(nc)
	if c == nil {
		_ = nc.Close()
		return nil, ErrConnectionClosed
	}
	return c, nil
}

// Listen accepts inbound peer connections on addr and reports the bound
// address, which matters when addr asks for port 0.
func (m *Manager) Listen(addr string, accept AcceptFunc) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen %s: %w", addr, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = ln.Close()
		return "", ErrConnectionClosed
	}
	m.ln = ln
	m.mu.Unlock()

	go m.acceptLoop(ln, accept)
	return ln.Addr().String(), nil
}

func (m *Manager) acceptLoop(ln net.Listener, accept AcceptFunc) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Warnf("accept: %v", err)
			continue
		}
		go m.handshake(nc, accept)
	}
}

// handshake reads the init frame every dialing peer must lead with.
// Connections that stall or send garbage get dropped before they are
// tracked.
func (m *Manager) handshake(nc net.Conn, accept AcceptFunc) {
	_ = nc.SetReadDeadline(time.Now().Add(handshakeTimeout))
	payload, err := readFrame(nc)
	if err != nil {
		m.logger.Debugf("dropping %s: %v", nc.RemoteAddr(), err)
		_ = nc.Close()
		return
	}

	init, err := protocol.DecodePeerInit(payload)
	if err != nil {
		m.logger.Debugf("dropping %s: %v", nc.RemoteAddr(), err)
		_ = nc.Close()
		return
	}
	_ = nc.SetReadDeadline(time.Time{})

	c := m.adopt(nc)
	if c == nil {
		_ = nc.Close()
		return
	}
	m.logger.Debugf("peer %s connected from %s (%s)", init.Username, nc.RemoteAddr(), init.ConnType)
	accept(c, init)
}

// adopt wraps and tracks a raw connection, or returns nil when the
// manager has already shut down.
func (m *Manager) adopt(nc net.Conn) *Conn {
	c := newConn(nc, m.logger, m.idleTimeout, m.readTimeout, m.writeTimeout)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.conns[c] = struct{}{}
	m.mu.Unlock()

	c.OnClose(func(dead *Conn) {
		m.mu.Lock()
		delete(m.conns, dead)
		m.mu.Unlock()
	})
	return c
}

// ConnCount reports how many connections are currently tracked.
func (m *Manager) ConnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Close stops the listener and closes every tracked connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ln := m.ln
	conns := make([]*Conn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

// readFrame reads exactly one frame with blocking reads. Used for the
// inbound handshake, before a connection has a pump.
func readFrame(nc net.Conn) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(nc, header[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(header[:])
	if size > protocol.MaxFrameSize {
		return nil, fmt.Errorf("frame length %d exceeds limit: %w", size, protocol.ErrMalformedMessage)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(nc, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
