package store

import "sync"

// Conversations is an ordered, id-keyed collection of conversations.
type Conversations struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]*Conversation
}

// NewConversations returns an empty collection.
func NewConversations() *Conversations {
	return &Conversations{byID: make(map[string]*Conversation)}
}

// Upsert replaces the conversation with the same id in place, or appends it.
// It reports whether the conversation was new.
func (s *Conversations) Upsert(c Conversation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(c)
}

func (s *Conversations) upsertLocked(c Conversation) bool {
	c = c.clone()
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	if existing, ok := s.byID[c.ID]; ok {
		*existing = c
		return false
	}
	s.byID[c.ID] = &c
	s.order = append(s.order, c.ID)
	return true
}

// Load replaces the whole collection.
func (s *Conversations) Load(convs []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.byID = make(map[string]*Conversation, len(convs))
	for _, c := range convs {
		s.upsertLocked(c)
	}
}

// ApplyIncomingMessage records msg as the conversation's last message. The unread
// count grows by one only for messages from the other party while the conversation
// is not selected. A conversation not seen before is materialized from the message.
func (s *Conversations) ApplyIncomingMessage(msg Message, selected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[msg.ConversationID]
	if !ok {
		s.upsertLocked(Conversation{ID: msg.ConversationID, Name: msg.ConversationID})
		c = s.byID[msg.ConversationID]
	}
	c.LastMessageText = msg.Text
	c.LastMessageTimestamp = msg.Timestamp
	if msg.Sender == SenderOther && !selected {
		c.UnreadCount++
	}
}

// MarkRead resets the unread count. It reports whether the conversation exists.
func (s *Conversations) MarkRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return false
	}
	c.UnreadCount = 0
	return true
}

// Get returns a copy of the conversation.
func (s *Conversations) Get(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

// List returns a copy of all conversations in insertion order.
func (s *Conversations) List() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].clone())
	}
	return out
}

// Len returns the number of conversations.
func (s *Conversations) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Reset empties the collection.
func (s *Conversations) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.byID = make(map[string]*Conversation)
}
