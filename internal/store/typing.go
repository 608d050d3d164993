package store

import (
	"slices"
	"sync"
	"time"
)

type typingEntry struct {
	timer *time.Timer
}

// Typing tracks, per conversation, the users currently composing a message.
//
// With a positive TTL an entry that is not refreshed by another Set(..., true)
// within the TTL is dropped, so a lost "stop" signal cannot pin the indicator.
type Typing struct {
	mu       sync.Mutex
	ttl      time.Duration
	sets     map[string]map[string]*typingEntry
	onExpire func(conversationID, userID string)
}

// NewTyping returns a tracker. A ttl of zero disables expiry.
func NewTyping(ttl time.Duration) *Typing {
	return &Typing{
		ttl:  ttl,
		sets: make(map[string]map[string]*typingEntry),
	}
}

// OnExpire registers fn to be called, outside the tracker's lock, whenever an
// entry is dropped by its TTL.
func (t *Typing) OnExpire(fn func(conversationID, userID string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onExpire = fn
}

// Set adds or removes userID from the conversation's typing set.
func (t *Typing) Set(conversationID, userID string, isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !isTyping {
		t.removeLocked(conversationID, userID)
		return
	}

	users, ok := t.sets[conversationID]
	if !ok {
		users = make(map[string]*typingEntry)
		t.sets[conversationID] = users
	}
	if old, ok := users[userID]; ok && old.timer != nil {
		old.timer.Stop()
	}
	e := &typingEntry{}
	if t.ttl > 0 {
		e.timer = time.AfterFunc(t.ttl, func() { t.expire(conversationID, userID, e) })
	}
	users[userID] = e
}

func (t *Typing) expire(conversationID, userID string, e *typingEntry) {
	t.mu.Lock()
	if t.sets[conversationID][userID] != e {
		t.mu.Unlock()
		return
	}
	t.removeLocked(conversationID, userID)
	fn := t.onExpire
	t.mu.Unlock()

	if fn != nil {
		fn(conversationID, userID)
	}
}

func (t *Typing) removeLocked(conversationID, userID string) {
	users, ok := t.sets[conversationID]
	if !ok {
		return
	}
	if e, ok := users[userID]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(users, userID)
	}
	if len(users) == 0 {
		delete(t.sets, conversationID)
	}
}

// Users returns the sorted ids of users typing in the conversation.
func (t *Typing) Users(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.sets[conversationID]
	out := make([]string, 0, len(users))
	for id := range users {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// IsTyping reports whether userID is typing in the conversation.
func (t *Typing) IsTyping(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sets[conversationID][userID]
	return ok
}

// Reset clears every set and stops pending expiry timers.
func (t *Typing) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, users := range t.sets {
		for _, e := range users {
			if e.timer != nil {
				e.timer.Stop()
			}
		}
	}
	t.sets = make(map[string]map[string]*typingEntry)
}
