package chat

import (
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const defaultUserName = "User"

// Client represents a connected socket and the identity it authenticated as.
type Client struct {
	ID       string
	Conn     Conn
	Outgoing chan []byte

	mu       sync.RWMutex
	userID   string
	userName string
	token    string
	limiter  *rate.Limiter
}

// NewClient wraps conn with an outgoing queue of the given size.
func NewClient(conn Conn, buffer int) *Client {
	if buffer <= 0 {
		buffer = 10
	}
	return &Client{
		ID:       uuid.NewString(),
		Conn:     conn,
		Outgoing: make(chan []byte, buffer),
	}
}

// UserID returns the authenticated user id, or "" before authentication.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// UserName returns the display name sent with authenticate.
func (c *Client) UserName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.userName == "" {
		return defaultUserName
	}
	return c.userName
}

// Authenticated reports whether the socket is bound to a user.
func (c *Client) Authenticated() bool {
	return c.UserID() != ""
}

func (c *Client) authenticate(userID, userName, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.userName = userName
	c.token = token
}

func (c *Client) allow() bool {
	c.mu.RLock()
	l := c.limiter
	c.mu.RUnlock()
	return l == nil || l.Allow()
}

func (c *Client) setLimiter(l *rate.Limiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limiter = l
}
