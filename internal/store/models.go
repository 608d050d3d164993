// Package store holds the client-side chat state: conversations, messages and typing sets.
//
// The stores are safe for concurrent use, but the chat session is their only writer.
package store

import "slices"

// Sender tells whether a message was written by the local user.
type Sender string

const (
	SenderSelf  Sender = "self"
	SenderOther Sender = "other"
)

// Message is an immutable chat message.
type Message struct {
	ID              string
	ConversationID  string
	Text            string
	Sender          Sender
	Timestamp       string
	SenderID        string
	SenderName      string
	Seq             int64
	ClientMessageID string
}

// Conversation is the metadata of a conversation as shown in a conversation list.
type Conversation struct {
	ID                   string
	Name                 string
	AvatarRef            string
	LastMessageText      string
	LastMessageTimestamp string
	UnreadCount          int
	Participants         []string
}

func (c Conversation) clone() Conversation {
	c.Participants = slices.Clone(c.Participants)
	return c
}
