package chat_test

import (
	"context"
	"io"
	"sync"

	"github.com/omochice/dealroom-chat/internal/chat"
)

// fakeConn feeds frames pushed on in to the hub. It counts writes and closes
// so tests can check the hub leaves the socket to its transport.
type fakeConn struct {
	in   chan []byte
	addr string

	mu     sync.Mutex
	writes int
	closes int
}

func newFakeConn(addr string) *fakeConn {
	return &fakeConn{in: make(chan []byte, 10), addr: addr}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-f.in:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	}
}

func (f *fakeConn) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeConn) RemoteAddr() string {
	return f.addr
}

func (f *fakeConn) counts() (writes, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes, f.closes
}

var _ chat.Conn = (*fakeConn)(nil)
