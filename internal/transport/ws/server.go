package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gobwas/ws"
	"github.com/omochice/dealroom-chat/internal/chat"
	"github.com/omochice/dealroom-chat/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultQueueSize    = 64
	defaultWriteTimeout = 10 * time.Second
	shutdownTimeout     = 5 * time.Second
)

// Options configures a Server.
type Options struct {
	// AllowedOrigins lists browser origins that may open a socket or call the
	// HTTP API. Requests without an Origin header are always accepted.
	AllowedOrigins []string
	Logger         *slog.Logger
	// Gatherer backs /metrics. The route is not mounted when nil.
	Gatherer     prometheus.Gatherer
	QueueSize    int
	WriteTimeout time.Duration
	// ReadLimit bounds inbound messages per socket. Zero means DefaultReadLimit.
	ReadLimit int64
}

// Server accepts WebSocket connections on /ws and delegates them to a Hub.
type Server struct {
	address string
	hub     *chat.Hub
	opts    Options
	log     *slog.Logger
	cors    *cors.Cors

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	stopped  bool
	wg       sync.WaitGroup
}

// New creates a WebSocket server that uses the provided Hub.
func New(address string, hub *chat.Hub, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		address: address,
		hub:     hub,
		opts:    opts,
		log:     opts.Logger,
		cors: cors.New(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handler returns the HTTP routes served by the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(s.log.Handler(), slog.LevelDebug),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)
	r.Use(s.cors.Handler)

	r.Get("/ws", s.handleWebSocket)
	r.Get("/healthz", s.handleHealth)
	if s.opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Post("/api/conversations", s.handleConversationUpdate)
	return r
}

// Start starts accepting connections. It blocks until Stop is called.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		listener.Close()
		return http.ErrServerClosed
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.log.Info("server_started", "addr", listener.Addr().String())

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the server, disconnects every client and waits for their
// goroutines to finish.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	srv := s.server
	s.mu.Unlock()

	s.cancel()
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			s.log.Warn("server_shutdown_failed", "error", err)
		}
	}
	s.wg.Wait()
	s.log.Info("server_stopped")
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// originAllowed must run behind the cors middleware, which sets
// Access-Control-Allow-Origin only for allowed origins.
func originAllowed(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Origin") == "" {
		return true
	}
	return w.Header().Get("Access-Control-Allow-Origin") != ""
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !originAllowed(w, r) {
		s.log.Warn("websocket_origin_rejected", "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn("websocket_upgrade_failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	wsConn := NewServerConn(conn, rw, r.RemoteAddr)
	wsConn.SetReadLimit(s.opts.ReadLimit)
	client := chat.NewClient(wsConn, s.opts.QueueSize)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		client.Conn.Close()
		return
	}
	s.wg.Add(2)
	s.mu.Unlock()

	s.hub.Register(client)
	go s.handleClient(client)
	go s.writeLoop(client)
}

func (s *Server) handleClient(client *chat.Client) {
	defer s.wg.Done()
	defer close(client.Outgoing)
	s.hub.HandleClient(s.ctx, client)
}

func (s *Server) writeLoop(client *chat.Client) {
	defer s.wg.Done()
	defer client.Conn.Close()

	for data := range client.Outgoing {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.WriteTimeout)
		err := client.Conn.Write(ctx, data)
		cancel()
		if err != nil {
			s.log.Debug("client_write_failed", "client", client.ID, "error", err)
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}

// handleConversationUpdate pushes a conversation record to its connected participants.
func (s *Server) handleConversationUpdate(w http.ResponseWriter, r *http.Request) {
	var conv protocol.Conversation
	if err := json.NewDecoder(r.Body).Decode(&conv); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if conv.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id is required"})
		return
	}

	n, err := s.hub.PushConversation(conv)
	if err != nil {
		s.log.Error("conversation_push_failed", "conversation", conv.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to push conversation"})
		return
	}
	s.log.Info("conversation_pushed", "conversation", conv.ID, "delivered", n)
	writeJSON(w, http.StatusAccepted, map[string]int{"delivered": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
