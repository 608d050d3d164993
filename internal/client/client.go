// Package client implements the chat transport connection: a single websocket
// session to the relay with bounded reconnection and event listeners.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/omochice/dealroom-chat/internal/transport/ws"
	"github.com/omochice/dealroom-chat/pkg/protocol"
)

const (
	DefaultURL            = "ws://localhost:3002/ws"
	DefaultMaxAttempts    = 5
	DefaultReconnectDelay = time.Second
	defaultDialTimeout    = 5 * time.Second
	defaultWriteTimeout   = 5 * time.Second
)

// Conn is the socket a Client drives.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// DialFunc opens a Conn to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Handler receives inbound frames of one event.
type Handler func(f protocol.Frame)

// Options configures a Client.
type Options struct {
	URL string
	// UserName is sent with authenticate as the display name.
	UserName string
	// MaxAttempts bounds consecutive connection attempts, the first dial included.
	MaxAttempts    int
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	Logger         *slog.Logger
	// Dial replaces the websocket dialer, mostly for tests.
	Dial DialFunc
}

type session struct {
	ctx    context.Context
	cancel context.CancelFunc
}

type subscription[T any] struct {
	id int
	fn T
}

// Client is a connection to the relay. The zero value is not usable; use New.
type Client struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	state    State
	sess     *session
	conn     Conn
	userID   string
	token    string
	nextID   int
	handlers map[protocol.Event][]subscription[Handler]
	watchers []subscription[func(State)]

	writeMu  sync.Mutex
	dispatch dispatcher
}

// New creates a disconnected Client.
func New(opts Options) *Client {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dial == nil {
		timeout := opts.DialTimeout
		opts.Dial = func(ctx context.Context, url string) (Conn, error) {
			return ws.Dial(ctx, url, timeout)
		}
	}
	return &Client{
		opts:     opts,
		log:      opts.Logger,
		handlers: make(map[protocol.Event][]subscription[Handler]),
		dispatch: dispatcher{log: opts.Logger},
	}
}

// Connect starts a session authenticated as userID. It returns immediately;
// progress is reported through OnStateChange. It is a no-op while a session
// is connecting or connected.
func (c *Client) Connect(userID, token string) {
	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{ctx: ctx, cancel: cancel}
	c.sess = s
	c.userID = userID
	c.token = token
	c.setStateLocked(Connecting)
	c.mu.Unlock()
	c.dispatch.drain()

	go c.run(s)
}

// Disconnect ends the session, cancelling any pending reconnection. It is safe
// to call repeatedly and from listeners.
func (c *Client) Disconnect() {
	c.mu.Lock()
	s, conn := c.sess, c.conn
	c.sess, c.conn = nil, nil
	c.setStateLocked(Disconnected)
	c.mu.Unlock()

	if s != nil {
		s.cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.dispatch.drain()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the client is connected and authenticated.
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// UserID returns the user id of the latest Connect call.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Emit sends an event to the relay. It reports false when the client is not
// connected or the frame could not be written.
func (c *Client) Emit(event protocol.Event, payload any) bool {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != Connected || conn == nil {
		c.log.Debug("emit_while_disconnected", "event", event)
		return false
	}

	if err := c.write(conn, event, payload); err != nil {
		c.log.Warn("emit_failed", "event", event, "error", err)
		return false
	}
	return true
}

// On registers a handler for inbound frames of event and returns a func that
// removes it.
func (c *Client) On(event protocol.Event, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.handlers[event] = append(c.handlers[event], subscription[Handler]{id: id, fn: h})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.handlers[event] = remove(c.handlers[event], id)
		if len(c.handlers[event]) == 0 {
			delete(c.handlers, event)
		}
	}
}

// OnStateChange registers fn to be called with every state transition and
// returns a func that removes it.
func (c *Client) OnStateChange(fn func(State)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.watchers = append(c.watchers, subscription[func(State)]{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.watchers = remove(c.watchers, id)
	}
}

func remove[T any](subs []subscription[T], id int) []subscription[T] {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

func (c *Client) write(conn Conn, event protocol.Event, payload any) error {
	data, err := protocol.Marshal(event, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, data)
}

// setStateLocked records s and queues a notification. c.mu must be held.
func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.dispatch.enqueue(func() {
		c.mu.Lock()
		watchers := make([]func(State), 0, len(c.watchers))
		for _, w := range c.watchers {
			watchers = append(watchers, w.fn)
		}
		c.mu.Unlock()
		for _, fn := range watchers {
			fn(s)
		}
	})
}

// run dials and serves one session until it is cancelled or runs out of attempts.
func (c *Client) run(s *session) {
	attempt := 0
	for {
		attempt++
		c.log.Debug("connect_attempt", "url", c.opts.URL, "attempt", attempt)

		conn, err := c.dial(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			c.log.Warn("connect_failed", "url", c.opts.URL, "attempt", attempt, "error", err)
			if attempt >= c.opts.MaxAttempts {
				c.log.Error("reconnect_exhausted", "url", c.opts.URL, "attempts", attempt)
				c.finish(s)
				return
			}
			if !sleep(s.ctx, c.opts.ReconnectDelay) {
				return
			}
			continue
		}

		current, established := c.serve(s, conn)
		if !current {
			return
		}
		if established {
			attempt = 0
		} else if attempt >= c.opts.MaxAttempts {
			c.log.Error("reconnect_exhausted", "url", c.opts.URL, "attempts", attempt)
			c.finish(s)
			return
		}
		if !sleep(s.ctx, c.opts.ReconnectDelay) {
			return
		}
	}
}

func (c *Client) dial(ctx context.Context) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	conn, err := c.opts.Dial(ctx, c.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	return conn, nil
}

// serve authenticates conn and reads from it until it fails. It reports
// whether the session is still current and whether conn got as far as Connected.
func (c *Client) serve(s *session, conn Conn) (current, established bool) {
	defer conn.Close()

	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return false, false
	}
	c.conn = conn
	auth := protocol.Authenticate{UserID: c.userID, Token: c.token, UserName: c.opts.UserName}
	c.mu.Unlock()

	if err := c.write(conn, protocol.EventAuthenticate, auth); err != nil {
		c.log.Warn("authenticate_failed", "error", err)
	} else {
		c.mu.Lock()
		if c.sess == s {
			c.setStateLocked(Connected)
			established = true
		}
		c.mu.Unlock()
		c.dispatch.drain()
		c.log.Info("connected", "url", c.opts.URL, "user", auth.UserID)

		c.readLoop(s, conn)
	}

	c.mu.Lock()
	current = c.sess == s && s.ctx.Err() == nil
	if current {
		c.conn = nil
		c.setStateLocked(Connecting)
	}
	c.mu.Unlock()
	c.dispatch.drain()

	if current && established {
		c.log.Warn("connection_lost", "url", c.opts.URL)
	}
	return current, established
}

func (c *Client) readLoop(s *session, conn Conn) {
	for {
		data, err := conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				c.log.Debug("read_failed", "error", err)
			}
			return
		}

		var f protocol.Frame
		if err := f.Decode(data); err != nil {
			c.log.Warn("frame_decode_failed", "error", err)
			continue
		}
		c.dispatch.enqueue(func() { c.deliver(f) })
		c.dispatch.drain()
	}
}

func (c *Client) deliver(f protocol.Frame) {
	c.mu.Lock()
	subs := c.handlers[f.Event]
	handlers := make([]Handler, 0, len(subs))
	for _, s := range subs {
		handlers = append(handlers, s.fn)
	}
	c.mu.Unlock()

	if len(handlers) == 0 {
		c.log.Debug("frame_unhandled", "event", f.Event)
	}
	for _, h := range handlers {
		h(f)
	}
}

// finish ends a session whose attempts are exhausted.
func (c *Client) finish(s *session) {
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
		c.conn = nil
		c.setStateLocked(Disconnected)
	}
	c.mu.Unlock()
	s.cancel()
	c.dispatch.drain()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
