package session

import (
	"github.com/omochice/dealroom-chat/internal/client"
	"github.com/omochice/dealroom-chat/internal/store"
	"github.com/omochice/dealroom-chat/pkg/protocol"
)

func (o *Orchestrator) handleMessage(f protocol.Frame) {
	var p protocol.Message
	if err := f.Unmarshal(&p); err != nil || p.ConversationID == "" {
		o.log.Warn("message_dropped", "error", err)
		return
	}

	o.mu.Lock()
	if o.phase == Uninitialized {
		o.mu.Unlock()
		return
	}
	msg := store.Message{
		ID:              p.ID,
		ConversationID:  p.ConversationID,
		Text:            p.Text,
		Sender:          o.resolveSender(p),
		Timestamp:       p.Timestamp,
		SenderID:        p.SenderID,
		SenderName:      p.SenderName,
		Seq:             p.Seq,
		ClientMessageID: p.ClientMessageID,
	}
	o.messages.Append(msg.ConversationID, msg)
	o.conversations.ApplyIncomingMessage(msg, o.selected == msg.ConversationID)
	o.mu.Unlock()
	o.notify()
}

// resolveSender decides self or other from the sender id, falling back to the
// relay's own resolution when the id is missing.
func (o *Orchestrator) resolveSender(p protocol.Message) store.Sender {
	if p.SenderID != "" {
		if p.SenderID == o.userID {
			return store.SenderSelf
		}
		return store.SenderOther
	}
	if p.Sender == protocol.SenderSelf {
		return store.SenderSelf
	}
	return store.SenderOther
}

func (o *Orchestrator) handleConversationUpdate(f protocol.Frame) {
	var p protocol.Conversation
	if err := f.Unmarshal(&p); err != nil || p.ID == "" {
		o.log.Warn("conversation_update_dropped", "error", err)
		return
	}

	o.mu.Lock()
	if o.phase == Uninitialized {
		o.mu.Unlock()
		return
	}
	o.conversations.Upsert(store.Conversation{
		ID:                   p.ID,
		Name:                 p.Name,
		AvatarRef:            p.AvatarRef,
		LastMessageText:      p.LastMessageText,
		LastMessageTimestamp: p.LastMessageTimestamp,
		UnreadCount:          p.UnreadCount,
		Participants:         p.Participants,
	})
	o.mu.Unlock()
	o.notify()
}

func (o *Orchestrator) handleTyping(f protocol.Frame) {
	var p protocol.Typing
	if err := f.Unmarshal(&p); err != nil || p.ConversationID == "" || p.UserID == "" {
		o.log.Debug("typing_dropped", "error", err)
		return
	}

	o.mu.Lock()
	if o.phase == Uninitialized || p.UserID == o.userID {
		o.mu.Unlock()
		return
	}
	o.typing.Set(p.ConversationID, p.UserID, p.IsTyping)
	o.mu.Unlock()
	o.notify()
}

func (o *Orchestrator) handlePresence(f protocol.Frame) {
	var p protocol.Presence
	if err := f.Unmarshal(&p); err != nil {
		o.log.Debug("presence_dropped", "error", err)
		return
	}
	o.log.Debug("presence", "event", f.Event, "conversation", p.ConversationID, "user", p.UserID)
	if f.Event != protocol.EventUserLeft {
		return
	}

	o.mu.Lock()
	if o.phase == Uninitialized {
		o.mu.Unlock()
		return
	}
	o.typing.Set(p.ConversationID, p.UserID, false)
	o.mu.Unlock()
	o.notify()
}

func (o *Orchestrator) handleAuthenticationFailed(f protocol.Frame) {
	var p protocol.AuthenticationFailed
	_ = f.Unmarshal(&p)
	o.log.Warn("authentication_failed", "reason", p.Reason, "event", p.Event)
	o.setError("Authentication failed: " + p.Reason)
}

// handleStateChange rejoins every room the session is in once the transport
// is connected again, since a fresh socket starts without memberships.
func (o *Orchestrator) handleStateChange(s client.State) {
	o.log.Debug("connection_state", "state", s)
	if s != client.Connected {
		o.notify()
		return
	}

	o.mu.Lock()
	rooms := make([]string, 0, len(o.rooms))
	for id := range o.rooms {
		rooms = append(rooms, id)
	}
	o.mu.Unlock()

	for _, id := range rooms {
		o.t.Emit(protocol.EventJoinConversation, protocol.ConversationRef{ConversationID: id})
	}
	o.notify()
}
