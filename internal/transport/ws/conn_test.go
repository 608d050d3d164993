package ws_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gobwas/ws"
	"github.com/omochice/dealroom-chat/internal/transport/ws"
)

// newPeer starts an HTTP server whose handler upgrades and hands the server
// side of the connection to fn.
func newPeer(t *testing.T, fn func(c *ws.Conn)) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, rw, _, err := gws.UpgradeHTTP(r, w)
		if err != nil {
			t.Errorf("failed to upgrade: %v", err)
			return
		}
		c := ws.NewServerConn(conn, rw, r.RemoteAddr)
		defer c.Close()
		fn(c)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestConn_Read(t *testing.T) {
	url := newPeer(t, func(c *ws.Conn) {
		if err := c.Write(context.Background(), []byte("test message")); err != nil {
			t.Errorf("failed to write: %v", err)
		}
		_, _ = c.Read(context.Background())
	})

	conn, err := ws.Dial(context.Background(), url, time.Second)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()

	data, err := conn.Read(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "test message" {
		t.Errorf("Read() = %q, want %q", string(data), "test message")
	}
}

func TestConn_Write(t *testing.T) {
	received := make(chan []byte, 1)
	url := newPeer(t, func(c *ws.Conn) {
		data, err := c.Read(context.Background())
		if err != nil {
			t.Errorf("failed to read: %v", err)
			return
		}
		received <- data
	})

	conn, err := ws.Dial(context.Background(), url, time.Second)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()

	if err := conn.Write(context.Background(), []byte("hello")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	select {
	case data := <-received:
		if string(data) != "hello" {
			t.Errorf("received %q, want %q", string(data), "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestConn_ReadHonorsContext(t *testing.T) {
	release := make(chan struct{})
	url := newPeer(t, func(c *ws.Conn) {
		<-release
	})
	defer close(release)

	conn, err := ws.Dial(context.Background(), url, time.Second)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = conn.Read(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Read() error = %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestConn_CloseEndsPeerRead(t *testing.T) {
	readErr := make(chan error, 1)
	url := newPeer(t, func(c *ws.Conn) {
		_, err := c.Read(context.Background())
		readErr <- err
	})

	conn, err := ws.Dial(context.Background(), url, time.Second)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	_ = conn.Close()

	select {
	case err := <-readErr:
		if err == nil {
			t.Error("expected read error after peer closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for peer read to fail")
	}
}

func TestConn_RemoteAddr(t *testing.T) {
	url := newPeer(t, func(c *ws.Conn) {
		_, _ = c.Read(context.Background())
	})

	conn, err := ws.Dial(context.Background(), url, time.Second)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()

	if addr := conn.RemoteAddr(); !strings.Contains(addr, ":") {
		t.Errorf("RemoteAddr() = %q, expected host:port format", addr)
	}
}

func TestDial_Unreachable(t *testing.T) {
	_, err := ws.Dial(context.Background(), "ws://127.0.0.1:1/ws", 100*time.Millisecond)
	if err == nil {
		t.Error("expected error dialing a closed port, got nil")
	}
}

func TestConn_ReadLimit(t *testing.T) {
	result := make(chan error, 1)
	url := newPeer(t, func(c *ws.Conn) {
		c.SetReadLimit(16)
		_, err := c.Read(context.Background())
		result <- err
	})

	conn, err := ws.Dial(context.Background(), url, time.Second)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()

	if err := conn.Write(context.Background(), []byte(strings.Repeat("x", 32))); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	select {
	case err := <-result:
		if !errors.Is(err, ws.ErrMessageTooLarge) {
			t.Errorf("Read() error = %v, want %v", err, ws.ErrMessageTooLarge)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for read")
	}
}
