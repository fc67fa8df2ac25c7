// Package session drives the client's relationship with the central
// server: lazy login, the keepalive loop, and request/reply traffic on
// the server channel.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jotraynor/seeknet/internal/protocol"
	"github.com/jotraynor/seeknet/internal/transport"
	"github.com/sirupsen/logrus"
)

const (
	defaultLoginTimeout   = 15 * time.Second
	defaultPingInterval   = 30 * time.Second
	defaultLivenessWindow = 90 * time.Second

	// After this many undecodable frames the server connection goes.
	maxMalformedFrames = 3
)

var (
	// ErrAuthenticationFailed covers rejected credentials and logins the
	// server never answered.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrConnectionLost is returned when an operation needs the server
	// channel and it is gone.
	ErrConnectionLost = errors.New("server connection lost")

	// ErrClosed is returned once the session has been shut down for good.
	ErrClosed = errors.New("session closed")
)

type State int

const (
	StateDisconnected State = iota
	StateAuthenticating
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status is the caller-facing view of the session.
type Status struct {
	Connected bool
	Identity  string
}

// Dialer opens framed connections. *transport.Manager satisfies it.
type Dialer interface {
	Dial(ctx context.Context, addr string) (*transport.Conn, error)
}

var _ Dialer = (*transport.Manager)(nil)

type Options struct {
	ServerAddr string
	Username   string
	Password   string
	ListenPort int

	Transport Dialer
	Logger    *logrus.Logger

	// Zero values fall back to the package defaults.
	LoginTimeout   time.Duration
	PingInterval   time.Duration
	LivenessWindow time.Duration
}

// Session is the single writer of the connection state machine. All
// transitions happen under one mutex; reads from the wire arrive on the
// connection's pump goroutine and only ever hand data over through
// pending-reply channels.
type Session struct {
	serverAddr string
	username   string
	password   string
	listenPort int

	transport Dialer
	logger    *logrus.Logger

	loginTimeout   time.Duration
	pingInterval   time.Duration
	livenessWindow time.Duration

	// opMu serializes login attempts so concurrent operations do not
	// race to authenticate.
	opMu sync.Mutex

	mu            sync.Mutex
	state         State
	conn          *transport.Conn
	lastActivity  time.Time
	keepaliveStop chan struct{}
	pendingLogin  chan *protocol.LoginReply
	pendingAddrs  map[string][]chan *protocol.PeerAddressReply
}

func New(opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.LoginTimeout == 0 {
		opts.LoginTimeout = defaultLoginTimeout
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.LivenessWindow == 0 {
		opts.LivenessWindow = defaultLivenessWindow
	}

	return &Session{
		serverAddr:     opts.ServerAddr,
		username:       opts.Username,
		password:       opts.Password,
		listenPort:     opts.ListenPort,
		transport:      opts.Transport,
		logger:         opts.Logger,
		loginTimeout:   opts.LoginTimeout,
		pingInterval:   opts.PingInterval,
		livenessWindow: opts.LivenessWindow,
		state:          StateDisconnected,
		pendingAddrs:   make(map[string][]chan *protocol.PeerAddressReply),
	}
}

// EnsureReady logs in if the session is not already live. Callers invoke
// it at the top of every network operation; a session that lost its
// server connection gets a fresh login attempt on the next call.
func (s *Session) EnsureReady(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	switch s.State() {
	case StateReady:
		return nil
	case StateClosed:
		return ErrClosed
	}
	return s.login(ctx)
}

func (s *Session) login(ctx context.Context) error {
	s.setState(StateAuthenticating)
	s.logger.Infof("logging in to %s as %s", s.serverAddr, s.username)

	ctx, cancel := context.WithTimeout(ctx, s.loginTimeout)
	defer cancel()

	conn, err := s.transport.Dial(ctx, s.serverAddr)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("server %s: %w", s.serverAddr, err)
	}

	replyCh := make(chan *protocol.LoginReply, 1)
	s.mu.Lock()
	s.conn = conn
	s.pendingLogin = replyCh
	s.lastActivity = time.Now()
	s.mu.Unlock()

	conn.OnClose(s.handleServerClosed)
	conn.Start(s.handleFrame)

	login := &protocol.Login{
		Username: s.username,
		Password: s.password,
		Version:  protocol.ProtocolVersion,
	}
	if err := conn.WriteMessage(protocol.EncodeServer(login)); err != nil {
		s.teardown(conn)
		return fmt.Errorf("send login: %w", err)
	}

	select {
	case reply, ok := <-replyCh:
		if !ok {
			s.teardown(conn)
			return fmt.Errorf("%w: connection dropped during login", ErrAuthenticationFailed)
		}
		if !reply.OK {
			s.teardown(conn)
			return fmt.Errorf("%w: %s", ErrAuthenticationFailed, reply.Message)
		}
	case <-ctx.Done():
		s.teardown(conn)
		return fmt.Errorf("%w: no reply from server: %v", ErrAuthenticationFailed, ctx.Err())
	}

	stop := make(chan struct{})
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return fmt.Errorf("%w: connection dropped during login", ErrAuthenticationFailed)
	}
	s.state = StateReady
	s.keepaliveStop = stop
	listenPort := s.listenPort
	s.mu.Unlock()

	go s.keepalive(conn, stop)

	port := &protocol.SetListenPort{Port: uint32(listenPort)}
	if err := conn.WriteMessage(protocol.EncodeServer(port)); err != nil {
		s.logger.Warnf("failed to advertise listen port: %v", err)
	}

	s.logger.Infof("logged in as %s", s.username)
	return nil
}

// handleFrame runs on the server connection's pump goroutine. It decodes,
// refreshes liveness, and hands replies to their waiters without
// blocking.
func (s *Session) handleFrame(c *transport.Conn, payload []byte) {
	msg, err := protocol.DecodeServerMessage(payload)
	if err != nil {
		s.logger.Warnf("dropping malformed server frame: %v", err)
		if c.MarkMalformed() >= maxMalformedFrames {
			s.logger.Warnf("server sent %d malformed frames, dropping the connection", maxMalformedFrames)
			s.teardown(c)
		}
		return
	}
	s.touch()

	switch m := msg.(type) {
	case *protocol.LoginReply:
		s.mu.Lock()
		ch := s.pendingLogin
		s.pendingLogin = nil
		s.mu.Unlock()
		if ch == nil {
			s.logger.Debugf("unsolicited login reply")
			return
		}
		ch <- m
	case *protocol.PeerAddressReply:
		s.mu.Lock()
		waiters := s.pendingAddrs[m.Username]
		delete(s.pendingAddrs, m.Username)
		s.mu.Unlock()
		if len(waiters) == 0 {
			s.logger.Debugf("no waiters for peer address of %s", m.Username)
			return
		}
		for _, ch := range waiters {
			ch <- m
		}
	case *protocol.Pong:
		// Nothing to route; receiving it already refreshed liveness.
	default:
		s.logger.Debugf("ignoring server message %T", msg)
	}
}

func (s *Session) handleServerClosed(c *transport.Conn) {
	s.mu.Lock()
	match := s.conn == c
	s.mu.Unlock()
	if !match {
		return
	}
	s.logger.Warnf("server connection lost")
	s.teardown(c)
}

// keepalive pings the server and watches for silence. Any inbound frame
// counts as life; a server that stays quiet past the liveness window is
// treated as gone.
func (s *Session) keepalive(conn *transport.Conn, stop chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if time.Since(s.activity()) > s.livenessWindow {
				s.logger.Warnf("server went quiet for over %v, dropping the connection", s.livenessWindow)
				s.teardown(conn)
				return
			}
			if err := conn.WriteMessage(protocol.EncodeServer(&protocol.Ping{})); err != nil {
				s.logger.Warnf("keepalive ping failed: %v", err)
				s.teardown(conn)
				return
			}
		}
	}
}

// PeerAddress resolves a peer's listen address through the server. The
// session must already be Ready; callers go through EnsureReady first.
func (s *Session) PeerAddress(ctx context.Context, username string) (string, error) {
	s.mu.Lock()
	conn := s.conn
	if s.state != StateReady || conn == nil {
		s.mu.Unlock()
		return "", ErrConnectionLost
	}
	ch := make(chan *protocol.PeerAddressReply, 1)
	s.pendingAddrs[username] = append(s.pendingAddrs[username], ch)
	s.mu.Unlock()

	req := &protocol.PeerAddressRequest{Username: username}
	if err := conn.WriteMessage(protocol.EncodeServer(req)); err != nil {
		s.removeAddrWaiter(username, ch)
		return "", fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return "", ErrConnectionLost
		}
		if reply.Port == 0 {
			return "", fmt.Errorf("peer %q is offline or unknown", username)
		}
		return net.JoinHostPort(reply.IP.String(), strconv.Itoa(int(reply.Port))), nil
	case <-ctx.Done():
		s.removeAddrWaiter(username, ch)
		return "", fmt.Errorf("peer address for %q: %w", username, ctx.Err())
	}
}

func (s *Session) removeAddrWaiter(username string, ch chan *protocol.PeerAddressReply) {
	s.mu.Lock()
	defer s.mu.Unlock()

	waiters := s.pendingAddrs[username]
	for i, w := range waiters {
		if w == ch {
			s.pendingAddrs[username] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(s.pendingAddrs[username]) == 0 {
		delete(s.pendingAddrs, username)
	}
}

// AdvertisePort changes the listen port announced on future logins, for
// daemons that bind an ephemeral port and learn the real one late.
func (s *Session) AdvertisePort(port int) {
	s.mu.Lock()
	s.listenPort = port
	s.mu.Unlock()
}

// Send writes an already encoded payload on the server channel.
func (s *Session) Send(payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	ready := s.state == StateReady
	s.mu.Unlock()

	if !ready || conn == nil {
		return ErrConnectionLost
	}
	return conn.WriteMessage(payload)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status reports the session the way the status operation presents it:
// the identity only shows while the session is live.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateReady {
		return Status{Connected: true, Identity: s.username}
	}
	return Status{Connected: false}
}

// Close shuts the session down permanently. Pending waiters are released
// with closed channels, which they surface as ErrConnectionLost.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.mu.Unlock()

	s.teardown(nil)
	return nil
}

// teardown detaches the session from its connection, wakes every pending
// waiter, and closes the connection outside the state lock (the close
// callbacks take it). With a non-nil argument it only acts when that
// exact connection is still current, so a stale callback cannot kill a
// fresh login.
func (s *Session) teardown(only *transport.Conn) {
	s.mu.Lock()
	if only != nil && s.conn != only {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	if s.state != StateClosed {
		s.state = StateDisconnected
	}
	stop := s.keepaliveStop
	s.keepaliveStop = nil
	login := s.pendingLogin
	s.pendingLogin = nil
	addrs := s.pendingAddrs
	s.pendingAddrs = make(map[string][]chan *protocol.PeerAddressReply)
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if login != nil {
		close(login)
	}
	for _, waiters := range addrs {
		for _, ch := range waiters {
			close(ch)
		}
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) activity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}
