package client_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/omochice/dealroom-chat/internal/chat"
	"github.com/omochice/dealroom-chat/internal/client"
	"github.com/omochice/dealroom-chat/internal/transport/ws"
	"github.com/omochice/dealroom-chat/pkg/protocol"
)

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []protocol.Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 10),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.closed:
		return nil, io.EOF
	case data := <-f.in:
		return data, nil
	}
}

func (f *fakeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	var fr protocol.Frame
	if err := fr.Decode(data); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, fr)
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) push(t *testing.T, event protocol.Event, payload any) {
	t.Helper()
	data, err := protocol.Marshal(event, payload)
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}
	f.in <- data
}

func (f *fakeConn) Written() []protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Frame(nil), f.written...)
}

// fakeDialer fails the first failures dials (all of them when failures < 0)
// and hands out fresh fakeConns afterwards.
type fakeDialer struct {
	failures int

	mu       sync.Mutex
	attempts int
	conns    chan *fakeConn
}

func newFakeDialer(failures int) *fakeDialer {
	return &fakeDialer{failures: failures, conns: make(chan *fakeConn, 10)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (client.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.failures < 0 || d.attempts <= d.failures {
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	d.conns <- conn
	return conn, nil
}

func (d *fakeDialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for dial")
		return nil
	}
}

func newClient(d *fakeDialer, attempts int) *client.Client {
	return client.New(client.Options{
		URL:            "ws://relay.test/ws",
		MaxAttempts:    attempts,
		ReconnectDelay: 10 * time.Millisecond,
		Dial:           d.Dial,
	})
}

// watchStates records every transition reported by c.
func watchStates(c *client.Client) chan client.State {
	ch := make(chan client.State, 32)
	c.OnStateChange(func(s client.State) { ch <- s })
	return ch
}

func expectState(t *testing.T, ch chan client.State, want client.State) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("state = %v, want %v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for state %v", want)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state client.State
		want  string
	}{
		{client.Disconnected, "disconnected"},
		{client.Connecting, "connecting"},
		{client.Connected, "connected"},
		{client.State(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestClient_ConnectAuthenticates(t *testing.T) {
	d := newFakeDialer(0)
	c := newClient(d, 5)
	defer c.Disconnect()
	states := watchStates(c)

	if c.State() != client.Disconnected {
		t.Errorf("State() = %v before Connect, want %v", c.State(), client.Disconnected)
	}

	c.Connect("user-1", "token-1")
	expectState(t, states, client.Connecting)
	expectState(t, states, client.Connected)

	conn := d.next(t)
	written := conn.Written()
	if len(written) != 1 || written[0].Event != protocol.EventAuthenticate {
		t.Fatalf("written = %v, want a single authenticate frame", written)
	}
	var auth protocol.Authenticate
	if err := written[0].Unmarshal(&auth); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if auth.UserID != "user-1" || auth.Token != "token-1" {
		t.Errorf("authenticate = %+v", auth)
	}
	if !c.IsConnected() {
		t.Error("IsConnected() = false after Connected")
	}
}

func TestClient_ConnectIsIdempotent(t *testing.T) {
	d := newFakeDialer(0)
	c := newClient(d, 5)
	defer c.Disconnect()
	states := watchStates(c)

	c.Connect("user-1", "t")
	c.Connect("user-1", "t")
	expectState(t, states, client.Connecting)
	expectState(t, states, client.Connected)
	c.Connect("user-1", "t")

	time.Sleep(50 * time.Millisecond)
	if got := d.Attempts(); got != 1 {
		t.Errorf("dial attempts = %d, want 1", got)
	}
}

func TestClient_EmitWhenDisconnected(t *testing.T) {
	c := newClient(newFakeDialer(0), 5)

	if c.Emit(protocol.EventTyping, protocol.Typing{ConversationID: "tj-1", IsTyping: true}) {
		t.Error("Emit() = true while disconnected, want false")
	}
}

func TestClient_Emit(t *testing.T) {
	d := newFakeDialer(0)
	c := newClient(d, 5)
	defer c.Disconnect()
	states := watchStates(c)

	c.Connect("user-1", "t")
	expectState(t, states, client.Connecting)
	expectState(t, states, client.Connected)
	conn := d.next(t)

	if !c.Emit(protocol.EventJoinConversation, protocol.ConversationRef{ConversationID: "tj-1"}) {
		t.Fatal("Emit() = false while connected")
	}
	written := conn.Written()
	if got := written[len(written)-1].Event; got != protocol.EventJoinConversation {
		t.Errorf("last written event = %q, want %q", got, protocol.EventJoinConversation)
	}

	conn.Close()
	expectState(t, states, client.Connecting)
	if c.Emit(protocol.EventJoinConversation, protocol.ConversationRef{ConversationID: "tj-1"}) {
		t.Error("Emit() = true after the connection dropped")
	}
}

func TestClient_Listeners(t *testing.T) {
	d := newFakeDialer(0)
	c := newClient(d, 5)
	defer c.Disconnect()
	states := watchStates(c)

	got := make(chan protocol.Message, 4)
	off := c.On(protocol.EventMessage, func(f protocol.Frame) {
		var m protocol.Message
		if err := f.Unmarshal(&m); err != nil {
			t.Errorf("Unmarshal() error = %v", err)
		}
		got <- m
	})
	second := make(chan struct{}, 4)
	c.On(protocol.EventMessage, func(protocol.Frame) { second <- struct{}{} })

	c.Connect("user-1", "t")
	expectState(t, states, client.Connecting)
	expectState(t, states, client.Connected)
	conn := d.next(t)

	conn.push(t, protocol.EventMessage, protocol.Message{ID: "m1", ConversationID: "tj-1", Text: "hi"})
	select {
	case m := <-got:
		if m.ID != "m1" || m.Text != "hi" {
			t.Errorf("message = %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
	<-second

	off()
	off()
	conn.push(t, protocol.EventMessage, protocol.Message{ID: "m2"})
	<-second
	select {
	case m := <-got:
		t.Errorf("removed handler received %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClient_RetriesUntilConnected(t *testing.T) {
	d := newFakeDialer(2)
	c := newClient(d, 5)
	defer c.Disconnect()
	states := watchStates(c)

	c.Connect("user-1", "t")
	expectState(t, states, client.Connecting)
	expectState(t, states, client.Connected)

	if got := d.Attempts(); got != 3 {
		t.Errorf("dial attempts = %d, want 3", got)
	}
}

func TestClient_ReconnectExhausted(t *testing.T) {
	d := newFakeDialer(-1)
	c := newClient(d, 3)
	states := watchStates(c)

	c.Connect("user-1", "t")
	expectState(t, states, client.Connecting)
	expectState(t, states, client.Disconnected)

	time.Sleep(50 * time.Millisecond)
	if got := d.Attempts(); got != 3 {
		t.Errorf("dial attempts = %d, want 3", got)
	}
	if c.State() != client.Disconnected {
		t.Errorf("State() = %v, want %v", c.State(), client.Disconnected)
	}

	c.Connect("user-1", "t")
	expectState(t, states, client.Connecting)
	expectState(t, states, client.Disconnected)
	if got := d.Attempts(); got != 6 {
		t.Errorf("dial attempts after a fresh Connect = %d, want 6", got)
	}
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	d := newFakeDialer(0)
	c := newClient(d, 5)
	defer c.Disconnect()
	states := watchStates(c)

	c.Connect("user-1", "t")
	expectState(t, states, client.Connecting)
	expectState(t, states, client.Connected)
	first := d.next(t)

	first.Close()
	expectState(t, states, client.Connecting)
	expectState(t, states, client.Connected)

	second := d.next(t)
	written := second.Written()
	if len(written) == 0 || written[0].Event != protocol.EventAuthenticate {
		t.Errorf("reconnected socket did not authenticate first: %v", written)
	}
}

func TestClient_DisconnectCancelsReconnect(t *testing.T) {
	d := newFakeDialer(-1)
	c := client.New(client.Options{
		MaxAttempts:    5,
		ReconnectDelay: 50 * time.Millisecond,
		Dial:           d.Dial,
	})
	states := watchStates(c)

	c.Connect("user-1", "t")
	expectState(t, states, client.Connecting)
	time.Sleep(20 * time.Millisecond)

	c.Disconnect()
	c.Disconnect()
	expectState(t, states, client.Disconnected)

	attempts := d.Attempts()
	time.Sleep(150 * time.Millisecond)
	if got := d.Attempts(); got != attempts {
		t.Errorf("dial attempts grew from %d to %d after Disconnect", attempts, got)
	}
}

func TestClient_DisconnectFromListener(t *testing.T) {
	d := newFakeDialer(0)
	c := newClient(d, 5)
	states := watchStates(c)
	c.OnStateChange(func(s client.State) {
		if s == client.Connected {
			c.Disconnect()
		}
	})

	c.Connect("user-1", "t")
	expectState(t, states, client.Connecting)
	expectState(t, states, client.Connected)
	expectState(t, states, client.Disconnected)

	conn := d.next(t)
	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Error("socket not closed after Disconnect")
	}
}

func TestClient_ListenerPanicIsContained(t *testing.T) {
	d := newFakeDialer(0)
	c := newClient(d, 5)
	defer c.Disconnect()
	states := watchStates(c)

	c.On(protocol.EventTyping, func(protocol.Frame) { panic("boom") })
	typed := make(chan struct{}, 1)
	c.On(protocol.EventUserJoined, func(protocol.Frame) { typed <- struct{}{} })

	c.Connect("user-1", "t")
	expectState(t, states, client.Connecting)
	expectState(t, states, client.Connected)
	conn := d.next(t)

	conn.push(t, protocol.EventTyping, protocol.Typing{ConversationID: "tj-1", IsTyping: true})
	conn.push(t, protocol.EventUserJoined, protocol.Presence{ConversationID: "tj-1", UserID: "user-2"})

	select {
	case <-typed:
	case <-time.After(time.Second):
		t.Fatal("dispatch stopped after a listener panicked")
	}
}

func TestClient_AgainstRelay(t *testing.T) {
	hub := chat.NewHub(chat.Options{})
	srv := ws.New("127.0.0.1:0", hub, ws.Options{AllowedOrigins: []string{"http://localhost:3001"}})
	go srv.Start()
	defer srv.Stop()
	time.Sleep(100 * time.Millisecond)

	c := client.New(client.Options{URL: "ws://" + srv.Addr() + "/ws", UserName: "Ada"})
	defer c.Disconnect()
	states := watchStates(c)

	authed := make(chan struct{}, 1)
	c.On(protocol.EventAuthenticated, func(protocol.Frame) { authed <- struct{}{} })
	messages := make(chan protocol.Message, 1)
	c.On(protocol.EventMessage, func(f protocol.Frame) {
		var m protocol.Message
		_ = f.Unmarshal(&m)
		messages <- m
	})

	c.Connect("user-1", "t")
	expectState(t, states, client.Connecting)
	expectState(t, states, client.Connected)
	select {
	case <-authed:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for authenticated")
	}

	c.Emit(protocol.EventJoinConversation, protocol.ConversationRef{ConversationID: "tj-1"})
	deadline := time.Now().Add(time.Second)
	for hub.RoomSize("tj-1") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for join")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !c.Emit(protocol.EventSendMessage, protocol.SendMessage{ConversationID: "tj-1", Text: "hello"}) {
		t.Fatal("Emit() = false")
	}

	select {
	case m := <-messages:
		if m.Sender != protocol.SenderSelf || m.SenderName != "Ada" || m.Text != "hello" {
			t.Errorf("message = %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}
