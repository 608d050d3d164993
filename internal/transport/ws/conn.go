// Package ws carries chat frames over WebSocket using gobwas/ws and serves the relay over HTTP.
package ws

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	closeTimeout = time.Second

	// DefaultReadLimit bounds the size of an inbound message.
	DefaultReadLimit = 64 << 10
)

// ErrMessageTooLarge is returned by Read when a message exceeds the read limit.
var ErrMessageTooLarge = errors.New("websocket message exceeds read limit")

// Conn adapts a gobwas/ws connection to chat.Conn. Reads must come from a
// single goroutine; writes may come from any.
type Conn struct {
	conn       net.Conn
	state      ws.State
	reader     *wsutil.Reader
	control    wsutil.FrameHandlerFunc
	remoteAddr string
	limit      int64

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewServerConn wraps a connection returned by ws.UpgradeHTTP.
func NewServerConn(conn net.Conn, rw *bufio.ReadWriter, addr string) *Conn {
	var src io.Reader = conn
	if rw != nil {
		src = rw.Reader
	}
	if addr == "" {
		addr = conn.RemoteAddr().String()
	}
	return newConn(conn, src, ws.StateServerSide, addr)
}

// NewClientConn wraps a connection returned by ws.Dialer.Dial. br holds bytes
// the server sent right after the handshake and may be nil.
func NewClientConn(conn net.Conn, br *bufio.Reader) *Conn {
	var src io.Reader = conn
	if br != nil {
		src = br
	}
	return newConn(conn, src, ws.StateClientSide, conn.RemoteAddr().String())
}

func newConn(conn net.Conn, src io.Reader, state ws.State, addr string) *Conn {
	c := &Conn{conn: conn, state: state, remoteAddr: addr, limit: DefaultReadLimit}
	c.control = wsutil.ControlFrameHandler(lockedWriter{c}, state)
	c.reader = &wsutil.Reader{
		Source:         src,
		State:          state,
		CheckUTF8:      true,
		OnIntermediate: c.control,
		MaxFrameSize:   DefaultReadLimit,
	}
	return c
}

// SetReadLimit sets the largest message Read accepts. It must be called
// before the first Read.
func (c *Conn) SetReadLimit(n int64) {
	if n <= 0 {
		n = DefaultReadLimit
	}
	c.limit = n
	c.reader.MaxFrameSize = n
}

// Dial opens a client connection to url.
func Dial(ctx context.Context, url string, timeout time.Duration) (*Conn, error) {
	d := ws.Dialer{Timeout: timeout}
	conn, br, _, err := d.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewClientConn(conn, br), nil
}

// Read implements chat.Conn.
// It returns the payload of the next text or binary message, answering control
// frames on the way. A close handshake from the peer is reported as io.EOF.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_ = c.conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		hdr, err := c.reader.NextFrame()
		if err != nil {
			return nil, c.readErr(ctx, err)
		}
		if hdr.OpCode.IsControl() {
			if err := c.control(hdr, c.reader); err != nil {
				return nil, c.readErr(ctx, err)
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := c.reader.Discard(); err != nil {
				return nil, c.readErr(ctx, err)
			}
			continue
		}

		data, err := io.ReadAll(io.LimitReader(c.reader, c.limit+1))
		if err != nil {
			return nil, c.readErr(ctx, err)
		}
		if int64(len(data)) > c.limit {
			return nil, ErrMessageTooLarge
		}
		return data, nil
	}
}

func (c *Conn) readErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		return io.EOF
	}
	if errors.Is(err, wsutil.ErrFrameTooLarge) {
		return ErrMessageTooLarge
	}
	return err
}

// Write implements chat.Conn.
// It sends data as a single binary message.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	_ = c.conn.SetWriteDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := wsutil.WriteMessage(c.conn, c.state, ws.OpBinary, data); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Close implements chat.Conn.
// It sends a normal closure frame and closes the underlying connection. It is
// safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(closeTimeout))
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = wsutil.WriteMessage(c.conn, c.state, ws.OpClose, body)
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// lockedWriter serializes control frame replies with regular writes.
type lockedWriter struct {
	c *Conn
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}
