// Package websocket streams committed engine events to WebSocket clients
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/luxfi/leverage/pkg/events"
)

// Server fans events out to WebSocket clients by topic
type Server struct {
	config Config
	logger log.Logger

	// Client management, owned by the hub goroutine
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan Message

	// Subscription management
	subscriptions map[string]map[*Client]bool // pattern -> clients
	subMu         sync.RWMutex

	snapshot    SnapshotFunc
	onClients   func(int)
	sequence    uint64
	messagesOut uint64
	clientCount int32
	dropped     uint64

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SnapshotFunc returns the initial state sent to a client that subscribes to
// pattern, if there is one
type SnapshotFunc func(pattern string) (any, bool)

// Client represents a WebSocket client connection
type Client struct {
	id       string
	conn     *websocket.Conn
	server   *Server
	send     chan []byte
	channels map[string]bool
	closed   bool
	mu       sync.RWMutex
}

// Message represents a WebSocket message
type Message struct {
	Type      string `json:"type"`
	Channel   string `json:"channel,omitempty"`
	Data      any    `json:"data,omitempty"`
	Block     uint64 `json:"block,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Sequence  uint64 `json:"sequence,omitempty"`
}

// Config holds WebSocket server configuration
type Config struct {
	Port            int
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingPeriod      time.Duration
	SendBuffer      int
}

// DefaultConfig returns default WebSocket configuration
func DefaultConfig() Config {
	return Config{
		Port:            8081,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  64 * 1024,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingPeriod:      54 * time.Second, // Must be less than PongTimeout
		SendBuffer:      256,
	}
}

// Option configures a Server
type Option func(*Server)

// WithSnapshot sets the initial-state provider for new subscriptions
func WithSnapshot(fn SnapshotFunc) Option {
	return func(s *Server) { s.snapshot = fn }
}

// WithClientGauge reports the connected client count after every change
func WithClientGauge(fn func(int)) Option {
	return func(s *Server) { s.onClients = fn }
}

// NewServer creates a new WebSocket server. Call Run to start its hub.
func NewServer(logger log.Logger, config Config, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:        config,
		logger:        logger,
		clients:       make(map[*Client]bool),
		register:      make(chan *Client, 100),
		unregister:    make(chan *Client, 100),
		broadcast:     make(chan Message, 1000),
		subscriptions: make(map[string]map[*Client]bool),
		onClients:     func(int) {},
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the hub goroutine
func (s *Server) Run() {
	s.wg.Add(1)
	go s.runHub()
}

// Handler returns the /ws and /health routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start runs the hub and serves on port until Stop is called
func (s *Server) Start(port int) error {
	s.Run()

	addr := fmt.Sprintf(":%d", port)
	s.logger.Info("WebSocket server starting", "port", port)

	server := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-s.ctx.Done()
		server.Shutdown(context.Background())
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("WebSocket server error: %w", err)
	}
	return nil
}

// Stop shuts down the WebSocket server
func (s *Server) Stop() {
	s.logger.Info("Stopping WebSocket server")
	s.cancel()
	s.wg.Wait()
}

// Publish implements events.Subscriber. Events are dropped if the hub is
// saturated.
func (s *Server) Publish(env events.Envelope) {
	msg := Message{
		Type:      "event",
		Channel:   env.Topic,
		Data:      env.Data,
		Block:     env.Block,
		Timestamp: env.Time.Unix(),
	}
	select {
	case s.broadcast <- msg:
	default:
		atomic.AddUint64(&s.dropped, 1)
	}
}

// runHub manages client connections and message routing
func (s *Server) runHub() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			for client := range s.clients {
				s.remove(client)
			}
			return

		case client := <-s.register:
			s.clients[client] = true
			s.onClients(int(atomic.AddInt32(&s.clientCount, 1)))
			s.logger.Debug("Client connected", "id", client.id, "total", atomic.LoadInt32(&s.clientCount))

		case client := <-s.unregister:
			if s.clients[client] {
				s.remove(client)
				s.logger.Debug("Client disconnected", "id", client.id, "total", atomic.LoadInt32(&s.clientCount))
			}

		case message := <-s.broadcast:
			s.broadcastMessage(message)

		case <-ticker.C:
			s.logger.Debug("WebSocket stats",
				"clients", atomic.LoadInt32(&s.clientCount),
				"messages", atomic.LoadUint64(&s.messagesOut),
				"dropped", atomic.LoadUint64(&s.dropped))
		}
	}
}

// remove must only be called from the hub
func (s *Server) remove(client *Client) {
	delete(s.clients, client)
	client.mu.Lock()
	client.closed = true
	close(client.send)
	client.mu.Unlock()
	s.unsubscribeAll(client)
	s.onClients(int(atomic.AddInt32(&s.clientCount, -1)))
}

// handleWebSocket handles WebSocket upgrade and client connection
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  s.config.ReadBufferSize,
		WriteBufferSize: s.config.WriteBufferSize,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:       generateClientID(),
		conn:     conn,
		server:   s,
		send:     make(chan []byte, s.config.SendBuffer),
		channels: make(map[string]bool),
	}

	// queue the welcome before the hub can close send
	client.sendMessage(Message{
		Type:      "welcome",
		Data:      map[string]any{"id": client.id},
		Timestamp: time.Now().Unix(),
	})
	s.register <- client

	go client.writePump()
	go client.readPump()
}

// handleHealth provides health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.GetStats())
}

// readPump handles incoming messages from client
func (c *Client) readPump() {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	cfg := c.server.config
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		return nil
	})

	for {
		var msg json.RawMessage
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Error("WebSocket read error", "error", err)
			}
			break
		}
		c.handleMessage(msg)
	}
}

// writePump handles outgoing messages to client
func (c *Client) writePump() {
	cfg := c.server.config
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			atomic.AddUint64(&c.server.messagesOut, 1)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type request struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// handleMessage processes incoming client messages
func (c *Client) handleMessage(raw json.RawMessage) {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		c.sendError("Invalid message format")
		return
	}

	switch req.Type {
	case "subscribe":
		c.handleSubscribe(req.Channels)
	case "unsubscribe":
		c.handleUnsubscribe(req.Channels)
	case "ping":
		c.sendMessage(Message{Type: "pong", Timestamp: time.Now().Unix()})
	case "":
		c.sendError("Missing message type")
	default:
		c.sendError(fmt.Sprintf("Unknown message type: %s", req.Type))
	}
}

// handleSubscribe handles subscription requests
func (c *Client) handleSubscribe(channels []string) {
	if len(channels) == 0 {
		c.sendError("No channels given")
		return
	}

	for _, channel := range channels {
		c.mu.Lock()
		c.channels[channel] = true
		c.mu.Unlock()
		c.server.subscribe(channel, c)
	}

	c.sendMessage(Message{
		Type:      "subscribed",
		Data:      map[string]any{"channels": channels},
		Timestamp: time.Now().Unix(),
	})

	if c.server.snapshot == nil {
		return
	}
	for _, channel := range channels {
		if data, ok := c.server.snapshot(channel); ok {
			c.sendMessage(Message{
				Type:      "snapshot",
				Channel:   channel,
				Data:      data,
				Timestamp: time.Now().Unix(),
			})
		}
	}
}

// handleUnsubscribe handles unsubscription requests
func (c *Client) handleUnsubscribe(channels []string) {
	for _, channel := range channels {
		c.mu.Lock()
		delete(c.channels, channel)
		c.mu.Unlock()
		c.server.unsubscribe(channel, c)
	}

	c.sendMessage(Message{
		Type:      "unsubscribed",
		Data:      map[string]any{"channels": channels},
		Timestamp: time.Now().Unix(),
	})
}

// sendMessage queues a direct reply. Replies to a client whose buffer is
// full are dropped.
func (c *Client) sendMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.server.logger.Error("Failed to marshal message", "error", err)
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		atomic.AddUint64(&c.server.dropped, 1)
	}
}

// sendError sends an error message to the client
func (c *Client) sendError(message string) {
	c.sendMessage(Message{
		Type:      "error",
		Data:      map[string]any{"message": message},
		Timestamp: time.Now().Unix(),
	})
}

// subscribe adds a client to a channel
func (s *Server) subscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.subscriptions[channel] == nil {
		s.subscriptions[channel] = make(map[*Client]bool)
	}
	s.subscriptions[channel][client] = true
}

// unsubscribe removes a client from a channel
func (s *Server) unsubscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if clients, ok := s.subscriptions[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

// unsubscribeAll removes a client from all channels
func (s *Server) unsubscribeAll(client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for channel, clients := range s.subscriptions {
		delete(clients, client)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

// Matches reports whether a subscription pattern covers topic. "*" matches
// everything and "market.*" matches every topic under "market.".
func Matches(pattern, topic string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(topic, prefix)
	}
	return false
}

// broadcastMessage sends a message to every client subscribed to a pattern
// matching its channel. Clients that cannot keep up are disconnected.
func (s *Server) broadcastMessage(msg Message) {
	targets := make(map[*Client]bool)
	s.subMu.RLock()
	for pattern, clients := range s.subscriptions {
		if !Matches(pattern, msg.Channel) {
			continue
		}
		for client := range clients {
			targets[client] = true
		}
	}
	s.subMu.RUnlock()

	if len(targets) == 0 {
		return
	}

	s.sequence++
	msg.Sequence = s.sequence
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Failed to marshal broadcast message", "error", err)
		return
	}

	for client := range targets {
		if !s.clients[client] {
			continue
		}
		client.mu.RLock()
		var full bool
		select {
		case client.send <- data:
		default:
			full = true
		}
		client.mu.RUnlock()
		if full {
			s.logger.Warn("Client too slow, disconnecting", "id", client.id)
			s.remove(client)
		}
	}
}

// GetStats returns server statistics
func (s *Server) GetStats() map[string]any {
	s.subMu.RLock()
	numChannels := len(s.subscriptions)
	s.subMu.RUnlock()

	return map[string]any{
		"status":        "healthy",
		"clients":       atomic.LoadInt32(&s.clientCount),
		"messages_sent": atomic.LoadUint64(&s.messagesOut),
		"dropped":       atomic.LoadUint64(&s.dropped),
		"channels":      numChannels,
	}
}

var clientSeq uint64

// generateClientID generates a unique client ID
func generateClientID() string {
	return fmt.Sprintf("client-%d-%d", time.Now().Unix(), atomic.AddUint64(&clientSeq, 1))
}
