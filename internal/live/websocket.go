// Package live pushes a user's task list and chat transcript to WebSocket
// clients as they change, and accepts mutations over the same socket.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"taskflow-agent/internal/domain"
	"taskflow-agent/internal/workspace"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	sendBuffer = 64

	headerUserID = "X-User-Id"
)

// Workspaces hands out per-user workspaces. *workspace.Registry satisfies it.
type Workspaces interface {
	Acquire(ctx context.Context, userID string) (*workspace.Workspace, func(), error)
}

// Message is what clients send.
type Message struct {
	Type  string             `json:"type"` // submit, create, update, complete, toggle, delete, ping
	ID    string             `json:"id,omitempty"`
	Text  string             `json:"text,omitempty"`
	Notes string             `json:"notes,omitempty"`
	Task  *domain.TaskFields `json:"task,omitempty"`
	// Changes carries an update; fields it omits are kept.
	Changes *domain.TaskPatch `json:"changes,omitempty"`
}

// Server upgrades HTTP requests to WebSocket connections bound to one
// user's workspace.
type Server struct {
	upgrader   websocket.Upgrader
	workspaces Workspaces
	logger     *slog.Logger

	mu          sync.RWMutex
	connections map[*connection]struct{}
}

type connection struct {
	conn    *websocket.Conn
	userID  string
	ws      *workspace.Workspace
	release func()
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCheckOrigin replaces the default same-origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = fn
	}
}

func NewServer(ws Workspaces, opts ...Option) (*Server, error) {
	if ws == nil {
		return nil, errors.New("live: workspaces must not be nil")
	}
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		workspaces:  ws,
		logger:      slog.Default(),
		connections: make(map[*connection]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ServeHTTP handles WebSocket upgrade requests. The user id is set by the
// authenticating proxy in front of this server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get(headerUserID))
	if userID == "" {
		http.Error(w, "missing user id", http.StatusUnauthorized)
		return
	}

	ws, release, err := s.workspaces.Acquire(r.Context(), userID)
	if err != nil {
		s.logger.Error("live: open workspace", "user", userID, "err", err)
		status := http.StatusServiceUnavailable
		if domain.CodeOf(err) == domain.ErrorValidation {
			status = http.StatusBadRequest
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		release()
		s.logger.Error("live: websocket upgrade failed", "err", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		conn:    conn,
		userID:  userID,
		ws:      ws,
		release: release,
		logger:  s.logger.With("user", userID),
		ctx:     ctx,
		cancel:  cancel,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	s.connections[c] = struct{}{}
	s.mu.Unlock()

	go s.writePump(c)
	go s.forwardTasks(c)
	go s.forwardChat(c)
	go s.readPump(c)
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(c *connection) {
	defer s.closeConnection(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("live: websocket read error", "err", err)
			}
			return
		}
		s.handleMessage(c, data)
	}
}

// writePump is the only writer to the connection.
func (s *Server) writePump(c *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.closeConnection(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.closeConnection(c)
				return
			}
		}
	}
}

func (s *Server) forwardTasks(c *connection) {
	ch, stop := c.ws.Tasks.Watch()
	defer stop()
	for {
		select {
		case <-c.done:
			return
		case tasks, ok := <-ch:
			if !ok {
				s.closeConnection(c)
				return
			}
			s.sendJSON(c, map[string]any{"type": "tasks", "tasks": tasks})
		}
	}
}

func (s *Server) forwardChat(c *connection) {
	ch, stop := c.ws.Transcript.Watch()
	defer stop()
	for {
		select {
		case <-c.done:
			return
		case msgs, ok := <-ch:
			if !ok {
				s.closeConnection(c)
				return
			}
			s.sendJSON(c, map[string]any{"type": "chat", "messages": msgs})
		}
	}
}

// handleMessage processes incoming WebSocket messages.
func (s *Server) handleMessage(c *connection, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(c, "", domain.NewError(domain.ErrorValidation, "invalid_message", err))
		return
	}

	tasks := c.ws.Tasks
	var err error
	switch msg.Type {
	case "ping":
		s.sendJSON(c, map[string]any{"type": "pong"})
		return
	case "submit":
		// A turn can take as long as the assistant does; keep reading.
		go s.submit(c, msg.Text)
		return
	case "create":
		if msg.Task == nil {
			err = domain.NewError(domain.ErrorValidation, "missing_task", nil)
			break
		}
		err = tasks.Create(c.ctx, *msg.Task)
	case "update":
		if msg.Changes == nil {
			err = domain.NewError(domain.ErrorValidation, "missing_changes", nil)
			break
		}
		err = tasks.Update(c.ctx, msg.ID, *msg.Changes)
	case "complete":
		err = tasks.Complete(c.ctx, msg.ID, msg.Notes)
	case "toggle":
		err = tasks.Toggle(c.ctx, msg.ID)
	case "delete":
		err = tasks.Delete(c.ctx, msg.ID)
	default:
		s.sendError(c, msg.Type, domain.NewError(domain.ErrorValidation, "unknown_type", nil))
		return
	}
	if err != nil {
		s.sendError(c, msg.Type, err)
		return
	}
	s.sendJSON(c, map[string]any{"type": "ack", "action": msg.Type, "id": msg.ID})
}

func (s *Server) submit(c *connection, text string) {
	out, err := c.ws.Conversation.Submit(c.ctx, text)
	if err != nil {
		s.sendError(c, "submit", err)
		return
	}
	s.sendJSON(c, map[string]any{"type": "submitted", "outcome": out.String()})
}

// sendJSON queues a message. A client that cannot keep up is disconnected;
// it gets a fresh snapshot when it reconnects.
func (s *Server) sendJSON(c *connection, data any) {
	msg, err := json.Marshal(data)
	if err != nil {
		c.logger.Error("live: failed to marshal JSON", "err", err)
		return
	}

	select {
	case <-c.done:
	case c.send <- msg:
	default:
		c.logger.Warn("live: send buffer full, closing connection")
		s.closeConnection(c)
	}
}

func (s *Server) sendError(c *connection, action string, err error) {
	code := domain.CodeOf(err)
	reason := ""
	var de *domain.Error
	if errors.As(err, &de) {
		reason = de.Reason
	}
	if code != domain.ErrorValidation && code != domain.ErrorNotFound {
		c.logger.Error("live: action failed", "action", action, "err", err)
	}
	s.sendJSON(c, map[string]any{
		"type":   "error",
		"action": action,
		"error":  string(code),
		"reason": reason,
	})
}

// closeConnection cleans up a connection; safe to call from any pump.
func (s *Server) closeConnection(c *connection) {
	c.once.Do(func() {
		s.mu.Lock()
		delete(s.connections, c)
		s.mu.Unlock()

		close(c.done)
		c.cancel()
		c.release()
	})
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Close closes all connections.
func (s *Server) Close() {
	s.mu.RLock()
	conns := make([]*connection, 0, len(s.connections))
	for c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		s.closeConnection(c)
	}
}
