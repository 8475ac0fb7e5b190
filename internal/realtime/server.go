// Package realtime is the websocket transport between UI clients and the
// orchestrator. Inbound messages drive sessions (send, abort,
// permission_response, set_mode); outbound frames carry every normalized
// event, broadcast to all connected clients. Sending to a client never
// blocks the emitting path: full client buffers drop frames.
package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkemper/steward/internal/bus"
	"github.com/dkemper/steward/internal/orchestrator"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Served on localhost or inside the tailnet.
	},
}

// Controller is the orchestrator surface the server drives.
type Controller interface {
	SendMessage(ctx context.Context, sessionID, text string, opts orchestrator.SendOptions) error
	AbortSession(sessionID string)
	RespondToPermission(requestID string, approved bool, modifiedInput map[string]any)
	SetPermissionMode(mode orchestrator.PermissionMode) error
}

// Deps are the collaborators the server is constructed with.
type Deps struct {
	Log        *slog.Logger
	Controller Controller
	Bus        *bus.Bus
}

// Server fans session events out to websocket clients and routes client
// messages to the orchestrator.
type Server struct {
	log  *slog.Logger
	ctrl Controller

	clientsMu sync.RWMutex
	clients   map[*client]bool

	unsubscribe func()
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

// New creates a server and, when a bus is given, subscribes it to every
// published event.
func New(deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		log:     log.With("component", "realtime"),
		ctrl:    deps.Controller,
		clients: make(map[*client]bool),
	}
	if deps.Bus != nil {
		s.unsubscribe = deps.Bus.SubscribeAll(func(ev bus.SessionEvent) {
			s.BroadcastEvent(ev.SessionID, ev.Event)
		})
	}
	return s
}

// Handler returns the http handler with the websocket endpoint mounted.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Close detaches the server from the bus and disconnects every client.
func (s *Server) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()
	for _, c := range clients {
		c.conn.Close()
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Debug("websocket read ended", "error", err)
			}
			return
		}
		c.server.handleMessage(c, message)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	if !s.clients[c] {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, c)
	s.clientsMu.Unlock()
	close(c.send)
}

// handleMessage routes one inbound message. Invalid messages produce an
// error frame for the sending client only.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := ParseClientMessage(raw)
	if err != nil {
		s.sendError(c, err.Error())
		return
	}

	switch msg.Type {
	case TypeSend:
		// SendMessage emits its own error event on failure; the returned
		// error is for direct callers.
		if err := s.ctrl.SendMessage(context.Background(), msg.SessionID, msg.Text, orchestrator.SendOptions{
			ResumeToken: msg.ResumeToken,
		}); err != nil {
			s.log.Warn("send failed", "session_id", msg.SessionID, "error", err)
		}
	case TypeAbort:
		s.ctrl.AbortSession(msg.SessionID)
	case TypePermissionResponse:
		s.ctrl.RespondToPermission(msg.RequestID, msg.Approved, msg.ModifiedInput)
	case TypeSetMode:
		mode, err := orchestrator.ParsePermissionMode(msg.Mode)
		if err != nil {
			s.sendError(c, err.Error())
			return
		}
		if err := s.ctrl.SetPermissionMode(mode); err != nil {
			s.sendError(c, err.Error())
		}
	}
}

// BroadcastEvent sends one normalized event to every connected client.
func (s *Server) BroadcastEvent(sessionID string, ev orchestrator.Event) {
	s.broadcast(Frame{Type: TypeEvent, SessionID: sessionID, Event: &ev})
}

// BroadcastWorkspaceChange notifies clients that workspace files changed.
func (s *Server) BroadcastWorkspaceChange(paths []string) {
	s.broadcast(Frame{Type: TypeWorkspaceChanged, Paths: paths})
}

func (s *Server) broadcast(frame Frame) {
	data, err := encodeFrame(frame)
	if err != nil {
		s.log.Error("encoding frame", "error", err)
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full, drop the frame for this client.
		}
	}
}

func (s *Server) sendError(c *client, message string) {
	data, err := encodeFrame(Frame{Type: TypeError, Error: message})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
