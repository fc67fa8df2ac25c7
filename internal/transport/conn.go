package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jotraynor/seeknet/internal/protocol"
	"github.com/sirupsen/logrus"
)

var (
	// ErrConnectionClosed is returned for any operation on a connection
	// that was closed, locally or by the remote side.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrConnectFailed wraps dial failures: refused, unreachable, timed
	// out.
	ErrConnectFailed = errors.New("connect failed")
)

// Handler receives each complete frame payload from a connection. It runs
// on the connection's read goroutine and must not block; hand long work
// to another goroutine.
type Handler func(c *Conn, payload []byte)

// Conn is one framed TCP connection. Writes are serialized by an internal
// mutex. Reads happen either on the pump goroutine started by Start or
// through Read for raw file streaming, never both.
type Conn struct {
	nc     net.Conn
	logger *logrus.Logger

	idleTimeout  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	wmu    sync.Mutex
	once   sync.Once
	closed atomic.Bool

	malformed atomic.Int32

	cbmu    sync.Mutex
	onClose []func(*Conn)
}

func newConn(nc net.Conn, logger *logrus.Logger, idle, read, write time.Duration) *Conn {
	return &Conn{
		nc:           nc,
		logger:       logger,
		idleTimeout:  idle,
		readTimeout:  read,
		writeTimeout: write,
	}
}

// WriteMessage frames the payload and writes it out. A failed write
// leaves no way to know how much of the frame the remote saw, so the
// connection is closed rather than left half-broken.
func (c *Conn) WriteMessage(payload []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if _, err := c.nc.Write(protocol.Frame(payload)); err != nil {
		c.Close()
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

// Start launches the read pump. Every complete frame goes to h; an
// unrecoverable framing error tears the connection down.
func (c *Conn) Start(h Handler) {
	go c.readLoop(h)
}

func (c *Conn) readLoop(h Handler) {
	defer c.Close()

	var frames protocol.FrameBuffer
	buf := make([]byte, 32*1024)
	for {
		c.nc.SetReadDeadline(time.Now().Add(c.idleTimeout))
		n, err := c.nc.Read(buf)
		if n > 0 {
			frames.Write(buf[:n])
			for {
				payload, ferr := frames.Next()
				if ferr != nil {
					c.logger.Warnf("closing %s: %v", c.RemoteAddr(), ferr)
					return
				}
				if payload == nil {
					break
				}
				h(c, payload)
			}
		}
		if err != nil {
			if !c.closed.Load() && err != io.EOF {
				c.logger.Debugf("read from %s: %v", c.RemoteAddr(), err)
			}
			return
		}
	}
}

// Read pulls raw bytes off the connection, for the file channel after its
// ticket frame. io.EOF passes through untouched so callers see the end of
// the stream. Do not mix with Start.
func (c *Conn) Read(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrConnectionClosed
	}
	c.nc.SetReadDeadline(time.Now().Add(c.readTimeout))
	return c.nc.Read(p)
}

// MarkMalformed counts one undecodable frame and reports the total, so
// the dispatch layer can drop connections that keep sending garbage.
func (c *Conn) MarkMalformed() int {
	return int(c.malformed.Add(1))
}

// OnClose registers fn to run once when the connection dies. A callback
// registered after the fact runs immediately.
func (c *Conn) OnClose(fn func(*Conn)) {
	c.cbmu.Lock()
	if !c.closed.Load() {
		c.onClose = append(c.onClose, fn)
		c.cbmu.Unlock()
		return
	}
	c.cbmu.Unlock()
	fn(c)
}

// Close shuts the connection down and runs the close callbacks. Safe to
// call more than once. Callers must not hold locks that the callbacks
// take.
func (c *Conn) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		_ = c.nc.Close()

		c.cbmu.Lock()
		cbs := c.onClose
		c.onClose = nil
		c.cbmu.Unlock()
		for _, fn := range cbs {
			fn(c)
		}
	})
	return nil
}

// Closed reports whether the connection is dead.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

func (c *Conn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}
