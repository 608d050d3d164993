package session

import (
	"time"

	"github.com/omochice/dealroom-chat/pkg/protocol"
)

// typingBurst is one run of keystrokes in a conversation. Its timer is only
// touched under the orchestrator mutex.
type typingBurst struct {
	timer *time.Timer
	gen   int
}

// Keystroke reports local typing activity in a conversation. The first
// keystroke of a burst emits typing=true; typing=false follows after
// TypingStopDelay without keystrokes, or on Send.
func (o *Orchestrator) Keystroke(conversationID string) {
	if conversationID == "" {
		return
	}

	o.mu.Lock()
	if o.phase != Ready {
		o.mu.Unlock()
		return
	}
	b, active := o.typers[conversationID]
	if active {
		b.timer.Stop()
	} else {
		b = &typingBurst{}
		o.typers[conversationID] = b
	}
	b.gen++
	gen := b.gen
	b.timer = time.AfterFunc(o.opts.TypingStopDelay, func() {
		o.stopTyping(conversationID, b, gen)
	})
	o.mu.Unlock()

	if !active {
		o.t.Emit(protocol.EventTyping, protocol.Typing{ConversationID: conversationID, IsTyping: true})
	}
}

// stopTyping ends the burst in conversationID. A non-nil b only ends that
// burst, and only if no keystroke re-armed it after gen.
func (o *Orchestrator) stopTyping(conversationID string, b *typingBurst, gen int) {
	o.mu.Lock()
	cur, ok := o.typers[conversationID]
	if !ok || (b != nil && (cur != b || cur.gen != gen)) {
		o.mu.Unlock()
		return
	}
	cur.timer.Stop()
	delete(o.typers, conversationID)
	o.mu.Unlock()

	o.t.Emit(protocol.EventTyping, protocol.Typing{ConversationID: conversationID, IsTyping: false})
}
