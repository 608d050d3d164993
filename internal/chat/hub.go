package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/omochice/dealroom-chat/internal/metrics"
	"github.com/omochice/dealroom-chat/pkg/protocol"
	"golang.org/x/time/rate"
)

const (
	simulatedSenderID   = "other-user"
	simulatedSenderName = "Other User"
)

// Options configures a Hub.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Relay

	// SimulatedReplies makes the hub answer every message with a fake
	// counterpart message after a random delay in [ReplyMinDelay, ReplyMaxDelay].
	SimulatedReplies bool
	ReplyMinDelay    time.Duration
	ReplyMaxDelay    time.Duration

	// RateLimit bounds send_message and typing frames per socket. Zero disables it.
	RateLimit rate.Limit
	RateBurst int

	Now func() time.Time
}

type room struct {
	members map[*Client]struct{}
	seq     int64
}

// Hub manages connected clients and conversation rooms and relays events between them.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Relay
	opts    Options

	mu       sync.Mutex
	clients  map[*Client]bool
	rooms    map[string]*room
	lastRead map[string]map[string]string
	replies  map[*time.Timer]struct{}
	closed   bool
}

// NewHub creates a new Hub.
func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRelay(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReplyMaxDelay < opts.ReplyMinDelay {
		opts.ReplyMaxDelay = opts.ReplyMinDelay
	}
	return &Hub{
		log:      opts.Logger,
		metrics:  opts.Metrics,
		opts:     opts,
		clients:  make(map[*Client]bool),
		rooms:    make(map[string]*room),
		lastRead: make(map[string]map[string]string),
		replies:  make(map[*time.Timer]struct{}),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	if h.opts.RateLimit > 0 {
		burst := h.opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		client.setLimiter(rate.NewLimiter(h.opts.RateLimit, burst))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[client] {
		return
	}
	h.clients[client] = true
	h.metrics.Connections.Inc()
	h.log.Info("client_connected", "client", client.ID, "remote", client.Conn.RemoteAddr())
}

// Unregister removes a client from the hub and from every room it joined.
// Remaining room members are told the user left.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[client] {
		return
	}
	delete(h.clients, client)
	h.metrics.Connections.Dec()

	for id, r := range h.rooms {
		if _, ok := r.members[client]; !ok {
			continue
		}
		h.leaveLocked(client, id, r)
	}
	h.log.Info("client_disconnected", "client", client.ID, "user", client.UserID())
}

// ClientCount returns number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// RoomSize returns the number of sockets joined to the conversation.
func (h *Hub) RoomSize(conversationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[conversationID]; ok {
		return len(r.members)
	}
	return 0
}

// LastRead returns the last message id the user marked read in the conversation.
func (h *Hub) LastRead(userID, conversationID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.lastRead[userID][conversationID]
	return id, ok
}

// Close cancels pending simulated replies. Connections are owned by the transport server.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for t := range h.replies {
		t.Stop()
	}
	clear(h.replies)
}

// HandleClient reads frames from the client until the connection fails or ctx
// is done, then unregisters it.
func (h *Hub) HandleClient(ctx context.Context, client *Client) {
	defer h.Unregister(client)

	for {
		data, err := client.Conn.Read(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				h.log.Debug("client_read_failed", "client", client.ID, "error", err)
			}
			return
		}

		var f protocol.Frame
		if err := f.Decode(data); err != nil {
			h.log.Warn("frame_decode_failed", "client", client.ID, "error", err)
			h.metrics.Dropped.WithLabelValues(metrics.DropInvalid).Inc()
			continue
		}
		h.dispatch(client, f)
	}
}

func (h *Hub) dispatch(c *Client, f protocol.Frame) {
	switch f.Event {
	case protocol.EventAuthenticate:
		h.handleAuthenticate(c, f)
	case protocol.EventJoinConversation:
		h.handleJoin(c, f)
	case protocol.EventLeaveConversation:
		h.handleLeave(c, f)
	case protocol.EventSendMessage:
		h.handleSendMessage(c, f)
	case protocol.EventTyping:
		h.handleTyping(c, f)
	case protocol.EventMarkRead:
		h.handleMarkRead(c, f)
	default:
		h.log.Warn("unknown_event", "client", c.ID, "event", f.Event)
		h.metrics.Dropped.WithLabelValues(metrics.DropUnknownEvent).Inc()
	}
}

func (h *Hub) handleAuthenticate(c *Client, f protocol.Frame) {
	var p protocol.Authenticate
	if err := f.Unmarshal(&p); err != nil || p.UserID == "" {
		h.log.Warn("authenticate_rejected", "client", c.ID, "error", err)
		h.reply(c, protocol.EventAuthenticationFailed, protocol.AuthenticationFailed{
			Reason: "user id is required",
			Event:  protocol.EventAuthenticate,
		})
		return
	}
	c.authenticate(p.UserID, p.UserName, p.Token)
	h.log.Info("client_authenticated", "client", c.ID, "user", p.UserID)
	h.reply(c, protocol.EventAuthenticated, protocol.Authenticated{UserID: p.UserID})
}

func (h *Hub) handleJoin(c *Client, f protocol.Frame) {
	var p protocol.ConversationRef
	if err := f.Unmarshal(&p); err != nil || p.ConversationID == "" {
		h.invalid(c, f, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[p.ConversationID]
	if !ok {
		r = &room{members: make(map[*Client]struct{})}
		h.rooms[p.ConversationID] = r
		h.metrics.Rooms.Set(float64(len(h.rooms)))
	}
	if _, member := r.members[c]; member {
		return
	}
	r.members[c] = struct{}{}
	h.log.Info("conversation_joined", "client", c.ID, "user", c.UserID(), "conversation", p.ConversationID)

	h.broadcastLocked(r, c, protocol.EventUserJoined, protocol.Presence{
		ConversationID: p.ConversationID,
		UserID:         c.UserID(),
		UserName:       c.UserName(),
	})
}

func (h *Hub) handleLeave(c *Client, f protocol.Frame) {
	var p protocol.ConversationRef
	if err := f.Unmarshal(&p); err != nil || p.ConversationID == "" {
		h.invalid(c, f, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[p.ConversationID]
	if !ok {
		return
	}
	if _, member := r.members[c]; !member {
		return
	}
	h.leaveLocked(c, p.ConversationID, r)
}

func (h *Hub) leaveLocked(c *Client, conversationID string, r *room) {
	delete(r.members, c)
	h.log.Info("conversation_left", "client", c.ID, "user", c.UserID(), "conversation", conversationID)
	if len(r.members) == 0 {
		delete(h.rooms, conversationID)
		h.metrics.Rooms.Set(float64(len(h.rooms)))
		return
	}
	h.broadcastLocked(r, c, protocol.EventUserLeft, protocol.Presence{
		ConversationID: conversationID,
		UserID:         c.UserID(),
		UserName:       c.UserName(),
	})
}

func (h *Hub) handleSendMessage(c *Client, f protocol.Frame) {
	if !c.Authenticated() {
		h.rejectUnauthenticated(c, f.Event)
		return
	}
	if !c.allow() {
		h.rateLimited(c, f.Event)
		return
	}

	var p protocol.SendMessage
	if err := f.Unmarshal(&p); err != nil {
		h.invalid(c, f, err)
		return
	}
	if err := p.Validate(); err != nil {
		h.invalid(c, f, err)
		return
	}

	msg := protocol.Message{
		ID:              uuid.NewString(),
		ConversationID:  p.ConversationID,
		Text:            p.Text,
		Timestamp:       h.timestamp(p.Timestamp),
		SenderID:        c.UserID(),
		SenderName:      c.UserName(),
		ClientMessageID: p.ClientMessageID,
	}
	if !h.broadcastMessage(msg) {
		h.log.Warn("message_to_empty_room", "client", c.ID, "conversation", p.ConversationID)
		return
	}
	h.log.Debug("message_relayed", "user", msg.SenderID, "conversation", msg.ConversationID, "id", msg.ID)

	if h.opts.SimulatedReplies {
		h.scheduleReply(p.ConversationID, p.Text)
	}
}

// broadcastMessage assigns the room's next sequence number to msg and sends it
// to every member, the author included. The sender field is resolved per
// recipient. It reports false when the room has no members.
func (h *Hub) broadcastMessage(msg protocol.Message) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[msg.ConversationID]
	if !ok || len(r.members) == 0 {
		return false
	}
	r.seq++
	msg.Seq = r.seq

	var own, others []byte
	for m := range r.members {
		self := msg.SenderID != "" && m.UserID() == msg.SenderID
		buf := &others
		if self {
			buf = &own
		}
		if *buf == nil {
			out := msg
			out.Sender = protocol.SenderOther
			if self {
				out.Sender = protocol.SenderSelf
			}
			data, err := protocol.Marshal(protocol.EventMessage, out)
			if err != nil {
				h.log.Error("message_encode_failed", "conversation", msg.ConversationID, "error", err)
				return false
			}
			*buf = data
		}
		h.deliver(m, *buf)
	}
	h.metrics.MessagesBroadcast.Inc()
	return true
}

func (h *Hub) scheduleReply(conversationID, text string) {
	delay := h.opts.ReplyMinDelay
	if span := h.opts.ReplyMaxDelay - h.opts.ReplyMinDelay; span > 0 {
		delay += time.Duration(rand.Int64N(int64(span) + 1))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		h.mu.Lock()
		_, pending := h.replies[t]
		delete(h.replies, t)
		h.mu.Unlock()
		if !pending {
			return
		}

		ok := h.broadcastMessage(protocol.Message{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Text:           "Response to: " + text,
			Timestamp:      h.opts.Now().UTC().Format(time.RFC3339Nano),
			SenderID:       simulatedSenderID,
			SenderName:     simulatedSenderName,
		})
		if ok {
			h.metrics.SimulatedReplies.Inc()
		}
	})
	h.replies[t] = struct{}{}
}

func (h *Hub) handleTyping(c *Client, f protocol.Frame) {
	if !c.Authenticated() {
		h.rejectUnauthenticated(c, f.Event)
		return
	}
	if !c.allow() {
		h.rateLimited(c, f.Event)
		return
	}

	var p protocol.Typing
	if err := f.Unmarshal(&p); err != nil || p.ConversationID == "" {
		h.invalid(c, f, err)
		return
	}
	p.UserID = c.UserID()

	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[p.ConversationID]
	if !ok {
		return
	}
	h.broadcastLocked(r, c, protocol.EventTyping, p)
}

func (h *Hub) handleMarkRead(c *Client, f protocol.Frame) {
	var p protocol.MarkRead
	if err := f.Unmarshal(&p); err != nil || p.ConversationID == "" {
		h.invalid(c, f, err)
		return
	}
	userID := c.UserID()
	if userID == "" {
		h.log.Debug("mark_read_unauthenticated", "client", c.ID, "conversation", p.ConversationID)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	reads, ok := h.lastRead[userID]
	if !ok {
		reads = make(map[string]string)
		h.lastRead[userID] = reads
	}
	reads[p.ConversationID] = p.MessageID
	h.log.Debug("message_marked_read", "user", userID, "conversation", p.ConversationID, "message", p.MessageID)
}

// PushConversation sends a conversation_update to the connected participants of
// conv, or to the room's members when conv lists no participants. It returns
// the number of sockets the update was queued for.
func (h *Hub) PushConversation(conv protocol.Conversation) (int, error) {
	data, err := protocol.Marshal(protocol.EventConversationUpdate, conv)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var targets []*Client
	if len(conv.Participants) == 0 {
		if r, ok := h.rooms[conv.ID]; ok {
			for m := range r.members {
				targets = append(targets, m)
			}
		}
	} else {
		participants := make(map[string]struct{}, len(conv.Participants))
		for _, p := range conv.Participants {
			participants[p] = struct{}{}
		}
		for c := range h.clients {
			if _, ok := participants[c.UserID()]; ok {
				targets = append(targets, c)
			}
		}
	}

	n := 0
	for _, c := range targets {
		if h.deliver(c, data) {
			n++
		}
	}
	return n, nil
}

// broadcastLocked sends an event to every member of r except skip.
func (h *Hub) broadcastLocked(r *room, skip *Client, event protocol.Event, payload any) {
	data, err := protocol.Marshal(event, payload)
	if err != nil {
		h.log.Error("event_encode_failed", "event", event, "error", err)
		return
	}
	for m := range r.members {
		if m != skip {
			h.deliver(m, data)
		}
	}
}

func (h *Hub) reply(c *Client, event protocol.Event, payload any) {
	data, err := protocol.Marshal(event, payload)
	if err != nil {
		h.log.Error("event_encode_failed", "event", event, "error", err)
		return
	}
	h.deliver(c, data)
}

// deliver queues data without blocking. A full queue drops the frame for that client.
func (h *Hub) deliver(c *Client, data []byte) bool {
	select {
	case c.Outgoing <- data:
		return true
	default:
		h.log.Warn("client_queue_full", "client", c.ID, "user", c.UserID())
		h.metrics.Dropped.WithLabelValues(metrics.DropQueueFull).Inc()
		return false
	}
}

func (h *Hub) rejectUnauthenticated(c *Client, event protocol.Event) {
	h.log.Warn("unauthenticated_event_dropped", "client", c.ID, "event", event)
	h.metrics.Dropped.WithLabelValues(metrics.DropUnauthenticated).Inc()
	h.reply(c, protocol.EventAuthenticationFailed, protocol.AuthenticationFailed{
		Reason: "not authenticated",
		Event:  event,
	})
}

func (h *Hub) rateLimited(c *Client, event protocol.Event) {
	h.log.Warn("event_rate_limited", "client", c.ID, "user", c.UserID(), "event", event)
	h.metrics.Dropped.WithLabelValues(metrics.DropRateLimited).Inc()
}

func (h *Hub) invalid(c *Client, f protocol.Frame, err error) {
	h.log.Warn("invalid_payload", "client", c.ID, "event", f.Event, "error", err)
	h.metrics.Dropped.WithLabelValues(metrics.DropInvalid).Inc()
}

// timestamp passes a client RFC 3339 timestamp through and otherwise stamps server time.
func (h *Hub) timestamp(client string) string {
	client = strings.TrimSpace(client)
	if _, err := time.Parse(time.RFC3339Nano, client); err == nil {
		return client
	}
	return h.opts.Now().UTC().Format(time.RFC3339Nano)
}
