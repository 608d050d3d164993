// Package protocol defines the events exchanged between chat clients and the relay.
package protocol

import (
	"errors"
	"strings"
)

// Event names a frame on the wire.
type Event string

// Client to server.
const (
	EventAuthenticate      Event = "authenticate"
	EventJoinConversation  Event = "join_conversation"
	EventLeaveConversation Event = "leave_conversation"
	EventSendMessage       Event = "send_message"
	EventTyping            Event = "typing"
	EventMarkRead          Event = "mark_read"
)

// Server to client. EventTyping is shared by both directions.
const (
	EventMessage              Event = "message"
	EventUserJoined           Event = "user_joined"
	EventUserLeft             Event = "user_left"
	EventConversationUpdate   Event = "conversation_update"
	EventAuthenticated        Event = "authenticated"
	EventAuthenticationFailed Event = "authentication_failed"
)

// String returns the wire name of the event.
func (e Event) String() string {
	return string(e)
}

// Sender values carried by message payloads.
const (
	SenderSelf  = "self"
	SenderOther = "other"
)

var (
	ErrMissingConversation = errors.New("conversation id is required")
	ErrEmptyText           = errors.New("message text is empty")
)

// Authenticate binds a socket to a user. The token is carried but never verified.
type Authenticate struct {
	UserID   string `json:"userId"`
	Token    string `json:"token"`
	UserName string `json:"userName,omitempty"`
}

// Authenticated acknowledges an Authenticate frame.
type Authenticated struct {
	UserID string `json:"userId"`
}

// AuthenticationFailed is sent when a socket acts before authenticating.
type AuthenticationFailed struct {
	Reason string `json:"reason"`
	Event  Event  `json:"event,omitempty"`
}

// ConversationRef is the payload of join_conversation and leave_conversation.
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

// SendMessage is a client request to broadcast text to a conversation.
type SendMessage struct {
	ConversationID  string `json:"conversationId"`
	Text            string `json:"text"`
	Timestamp       string `json:"timestamp"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// Validate reports whether the request may be relayed.
func (m SendMessage) Validate() error {
	if m.ConversationID == "" {
		return ErrMissingConversation
	}
	if strings.TrimSpace(m.Text) == "" {
		return ErrEmptyText
	}
	return nil
}

// Typing carries a typing indicator. UserID is filled in by the relay.
type Typing struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

// MarkRead is a read receipt.
type MarkRead struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// Message is a relayed chat message.
type Message struct {
	ID              string `json:"id"`
	ConversationID  string `json:"conversationId"`
	Text            string `json:"text"`
	Sender          string `json:"sender"`
	Timestamp       string `json:"timestamp"`
	SenderID        string `json:"senderId"`
	SenderName      string `json:"senderName"`
	Seq             int64  `json:"seq,omitempty"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// Presence is the payload of user_joined and user_left.
type Presence struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
}

// Conversation is the full record pushed with conversation_update.
type Conversation struct {
	ID                   string   `json:"id"`
	Name                 string   `json:"name"`
	AvatarRef            string   `json:"avatarRef,omitempty"`
	LastMessageText      string   `json:"lastMessageText,omitempty"`
	LastMessageTimestamp string   `json:"lastMessageTimestamp,omitempty"`
	UnreadCount          int      `json:"unreadCount"`
	Participants         []string `json:"participants,omitempty"`
}
