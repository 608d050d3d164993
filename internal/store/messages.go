package store

import (
	"slices"
	"sync"
)

// Messages maps a conversation id to its append-only message sequence.
type Messages struct {
	mu     sync.RWMutex
	byConv map[string][]Message
}

// NewMessages returns an empty store.
func NewMessages() *Messages {
	return &Messages{byConv: make(map[string][]Message)}
}

// Append adds msg to the end of the conversation's sequence.
func (s *Messages) Append(conversationID string, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byConv[conversationID] = append(s.byConv[conversationID], msg)
}

// Load replaces the conversation's sequence with msgs.
func (s *Messages) Load(conversationID string, msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byConv[conversationID] = slices.Clone(msgs)
}

// List returns a copy of the conversation's messages in display order.
func (s *Messages) List(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.byConv[conversationID])
}

// Len returns the number of messages across all conversations.
func (s *Messages) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, msgs := range s.byConv {
		n += len(msgs)
	}
	return n
}

// Reset drops every sequence.
func (s *Messages) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byConv = make(map[string][]Message)
}
