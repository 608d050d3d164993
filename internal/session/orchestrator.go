// Package session implements the chat orchestrator: it drives a transport
// connection and is the only writer of the conversation, message and typing stores.
package session

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/omochice/dealroom-chat/internal/client"
	"github.com/omochice/dealroom-chat/internal/store"
	"github.com/omochice/dealroom-chat/pkg/protocol"
)

const (
	DefaultTypingStopDelay = time.Second
	DefaultTypingTTL       = 5 * time.Second
)

// User-visible error strings set by Send and inbound failures.
const (
	ErrTextEmpty  = "Message cannot be empty."
	ErrSendFailed = "Failed to send message. Please check your connection."
)

var (
	ErrAlreadyInitialized = errors.New("session already initialized")
	ErrEmptyUserID        = errors.New("user id is required")
)

// Phase is the lifecycle phase of an Orchestrator.
type Phase int

const (
	Uninitialized Phase = iota
	Initializing
	Ready
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// Transport is the connection the orchestrator drives. *client.Client implements it.
type Transport interface {
	Connect(userID, token string)
	Disconnect()
	State() client.State
	Emit(event protocol.Event, payload any) bool
	On(event protocol.Event, h client.Handler) func()
	OnStateChange(fn func(client.State)) func()
}

// Options configures an Orchestrator.
type Options struct {
	// TypingStopDelay is the keystroke inactivity after which typing=false is sent.
	TypingStopDelay time.Duration
	// TypingTTL drops a remote typing indicator that is not refreshed in time.
	// Negative disables expiry.
	TypingTTL time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

// Orchestrator owns the chat state of one user session.
type Orchestrator struct {
	t    Transport
	opts Options
	log  *slog.Logger

	life sync.Mutex

	mu            sync.Mutex
	phase         Phase
	userID        string
	selected      string
	errMsg        string
	rooms         map[string]struct{}
	typers        map[string]*typingBurst
	unsubs        []func()
	conversations *store.Conversations
	messages      *store.Messages
	typing        *store.Typing

	nextID   int
	watchers map[int]func()
}

// New creates an uninitialized Orchestrator on top of t.
func New(t Transport, opts Options) *Orchestrator {
	if opts.TypingStopDelay <= 0 {
		opts.TypingStopDelay = DefaultTypingStopDelay
	}
	switch {
	case opts.TypingTTL == 0:
		opts.TypingTTL = DefaultTypingTTL
	case opts.TypingTTL < 0:
		opts.TypingTTL = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	o := &Orchestrator{
		t:             t,
		opts:          opts,
		log:           opts.Logger,
		rooms:         make(map[string]struct{}),
		typers:        make(map[string]*typingBurst),
		conversations: store.NewConversations(),
		messages:      store.NewMessages(),
		typing:        store.NewTyping(opts.TypingTTL),
		watchers:      make(map[int]func()),
	}
	o.typing.OnExpire(func(conversationID, userID string) {
		o.log.Debug("typing_expired", "conversation", conversationID, "user", userID)
		o.notify()
	})
	return o
}

// Initialize registers the inbound handlers and starts connecting as userID.
// The session is Ready as soon as the handlers are in place, whether or not
// the transport manages to connect.
func (o *Orchestrator) Initialize(userID, token string) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	o.life.Lock()
	defer o.life.Unlock()

	o.mu.Lock()
	if o.phase != Uninitialized {
		o.mu.Unlock()
		return ErrAlreadyInitialized
	}
	o.phase = Initializing
	o.userID = userID
	o.mu.Unlock()

	unsubs := []func(){
		o.t.On(protocol.EventMessage, o.handleMessage),
		o.t.On(protocol.EventConversationUpdate, o.handleConversationUpdate),
		o.t.On(protocol.EventTyping, o.handleTyping),
		o.t.OnStateChange(o.handleStateChange),
		o.t.On(protocol.EventAuthenticationFailed, o.handleAuthenticationFailed),
		o.t.On(protocol.EventUserJoined, o.handlePresence),
		o.t.On(protocol.EventUserLeft, o.handlePresence),
	}
	o.mu.Lock()
	o.unsubs = unsubs
	o.mu.Unlock()

	o.t.Connect(userID, token)

	o.mu.Lock()
	o.phase = Ready
	o.mu.Unlock()
	o.log.Info("session_ready", "user", userID)
	o.notify()
	return nil
}

// Teardown disconnects the transport and clears every store, the selection and
// the error. Pending typing timers are cancelled. It is idempotent.
func (o *Orchestrator) Teardown() {
	o.life.Lock()
	defer o.life.Unlock()

	o.mu.Lock()
	if o.phase == Uninitialized {
		o.mu.Unlock()
		return
	}
	unsubs := o.unsubs
	o.unsubs = nil
	for id, b := range o.typers {
		b.timer.Stop()
		delete(o.typers, id)
	}
	o.phase = Uninitialized
	o.userID = ""
	o.selected = ""
	o.errMsg = ""
	clear(o.rooms)
	o.conversations.Reset()
	o.messages.Reset()
	o.typing.Reset()
	o.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	o.t.Disconnect()
	o.log.Info("session_torn_down")
	o.notify()
}

// Select makes conversationID the selected conversation, leaving the
// previously selected one.
func (o *Orchestrator) Select(conversationID string) {
	o.mu.Lock()
	if o.phase == Uninitialized {
		o.mu.Unlock()
		return
	}
	prev := o.selected
	o.selected = conversationID
	if prev != "" && prev != conversationID {
		delete(o.rooms, prev)
	}
	if conversationID != "" {
		o.rooms[conversationID] = struct{}{}
	}
	o.mu.Unlock()

	if prev != "" && prev != conversationID {
		o.t.Emit(protocol.EventLeaveConversation, protocol.ConversationRef{ConversationID: prev})
	}
	if conversationID != "" {
		o.t.Emit(protocol.EventJoinConversation, protocol.ConversationRef{ConversationID: conversationID})
	}
	o.notify()
}

// Join subscribes to a conversation's room without changing the selection.
func (o *Orchestrator) Join(conversationID string) {
	if conversationID == "" {
		return
	}
	o.mu.Lock()
	if o.phase == Uninitialized {
		o.mu.Unlock()
		return
	}
	o.rooms[conversationID] = struct{}{}
	o.mu.Unlock()
	o.t.Emit(protocol.EventJoinConversation, protocol.ConversationRef{ConversationID: conversationID})
}

// Leave unsubscribes from a conversation's room, clearing the selection if it
// pointed there.
func (o *Orchestrator) Leave(conversationID string) {
	o.mu.Lock()
	if o.phase == Uninitialized {
		o.mu.Unlock()
		return
	}
	delete(o.rooms, conversationID)
	changed := o.selected == conversationID
	if changed {
		o.selected = ""
	}
	o.mu.Unlock()

	o.t.Emit(protocol.EventLeaveConversation, protocol.ConversationRef{ConversationID: conversationID})
	if changed {
		o.notify()
	}
}

// Send emits text to the conversation. The message is not stored locally: it
// shows up when the relay echoes it back. On failure the error field is set
// and false is returned.
func (o *Orchestrator) Send(conversationID, text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		o.setError(ErrTextEmpty)
		return false
	}
	if o.t.State() != client.Connected {
		o.setError(ErrSendFailed)
		return false
	}

	o.stopTyping(conversationID, nil, 0)
	ok := o.t.Emit(protocol.EventSendMessage, protocol.SendMessage{
		ConversationID:  conversationID,
		Text:            text,
		Timestamp:       o.opts.Now().UTC().Format(time.RFC3339Nano),
		ClientMessageID: uuid.NewString(),
	})
	if !ok {
		o.setError(ErrSendFailed)
		return false
	}
	return true
}

// MarkRead sends a read receipt and zeroes the conversation's unread count.
func (o *Orchestrator) MarkRead(conversationID, messageID string) {
	o.mu.Lock()
	if o.phase == Uninitialized {
		o.mu.Unlock()
		return
	}
	changed := o.conversations.MarkRead(conversationID)
	o.mu.Unlock()

	o.t.Emit(protocol.EventMarkRead, protocol.MarkRead{ConversationID: conversationID, MessageID: messageID})
	if changed {
		o.notify()
	}
}

// LoadConversations replaces the conversation list. It is ignored before
// Initialize and after Teardown.
func (o *Orchestrator) LoadConversations(convs []store.Conversation) {
	o.mu.Lock()
	if o.phase == Uninitialized {
		o.mu.Unlock()
		return
	}
	o.conversations.Load(convs)
	o.mu.Unlock()
	o.notify()
}

// LoadMessages replaces the history of one conversation. Like
// LoadConversations it needs an initialized session.
func (o *Orchestrator) LoadMessages(conversationID string, msgs []store.Message) {
	o.mu.Lock()
	if o.phase == Uninitialized {
		o.mu.Unlock()
		return
	}
	o.messages.Load(conversationID, msgs)
	o.mu.Unlock()
	o.notify()
}

// Error returns the last user-visible error, or "".
func (o *Orchestrator) Error() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.errMsg
}

// ClearError resets the error field.
func (o *Orchestrator) ClearError() {
	o.mu.Lock()
	changed := o.errMsg != ""
	o.errMsg = ""
	o.mu.Unlock()
	if changed {
		o.notify()
	}
}

func (o *Orchestrator) setError(msg string) {
	o.mu.Lock()
	o.errMsg = msg
	o.mu.Unlock()
	o.log.Warn("session_error", "error", msg)
	o.notify()
}

// Phase returns the lifecycle phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// UserID returns the user the session was initialized as.
func (o *Orchestrator) UserID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.userID
}

// Selected returns the selected conversation id, or "".
func (o *Orchestrator) Selected() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.selected
}

// ConnectionState reports the transport's state.
func (o *Orchestrator) ConnectionState() client.State {
	return o.t.State()
}

// Conversations returns a copy of the conversation list.
func (o *Orchestrator) Conversations() []store.Conversation {
	return o.conversations.List()
}

// Conversation returns one conversation by id.
func (o *Orchestrator) Conversation(id string) (store.Conversation, bool) {
	return o.conversations.Get(id)
}

// Messages returns a copy of a conversation's messages in arrival order.
func (o *Orchestrator) Messages(conversationID string) []store.Message {
	return o.messages.List(conversationID)
}

// TypingUsers returns the sorted ids of remote users typing in a conversation.
func (o *Orchestrator) TypingUsers(conversationID string) []string {
	return o.typing.Users(conversationID)
}

// OnChange registers fn to run after every state change and returns a func
// that removes it. fn runs on whichever goroutine made the change.
func (o *Orchestrator) OnChange(fn func()) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	id := o.nextID
	o.watchers[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.watchers, id)
	}
}

func (o *Orchestrator) notify() {
	o.mu.Lock()
	fns := make([]func(), 0, len(o.watchers))
	for _, fn := range o.watchers {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
