package telemetry

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adaptiveoptics-org/AOcontrol/internal/logging"
)

const (
	// clientBuffer bounds the per-client send queue. A client that falls
	// this far behind is disconnected.
	clientBuffer = 256
	writeWait    = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Monitors are read-only dashboards; origin checks add nothing here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Server broadcasts telemetry messages to websocket monitor clients and
// serves the latest snapshot over plain HTTP.
type Server struct {
	log  *logging.Logger
	addr string

	mu      sync.RWMutex
	clients map[*client]struct{}
	latest  map[MessageType]*Message

	httpServer *http.Server
	listener   net.Listener
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewServer creates a telemetry server listening on addr.
func NewServer(addr string, log *logging.Logger) *Server {
	if log == nil {
		log = logging.NewNop()
	}
	return &Server{
		log:     log,
		addr:    addr,
		clients: make(map[*client]struct{}),
		latest:  make(map[MessageType]*Message),
	}
}

// Start begins listening. It returns once the listener is bound so tests
// can connect immediately; serving continues until Shutdown.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/status", s.handleStatus)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: mux}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("telemetry server stopped", "error", err)
		}
	}()
	s.log.Info("telemetry server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server and disconnects all clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for c := range s.clients {
		close(c.send)
		delete(s.clients, c)
	}
	s.mu.Unlock()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Broadcast queues a message for every connected client and retains it as
// the latest snapshot of its type. Never blocks the caller.
func (s *Server) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn("failed to marshal telemetry message", "error", err)
		return
	}

	s.mu.Lock()
	s.latest[msg.Type] = &msg
	var drop []*client
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			drop = append(drop, c)
		}
	}
	for _, c := range drop {
		close(c.send)
		delete(s.clients, c)
	}
	s.mu.Unlock()

	if len(drop) > 0 {
		s.log.Warn("dropped slow telemetry clients", "count", len(drop))
	}
}

// handleWS upgrades a monitor connection and replays the latest snapshot
// of each message type before streaming live updates.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}

	s.mu.Lock()
	for _, msg := range s.latest {
		if data, err := json.Marshal(msg); err == nil {
			c.send <- data
		}
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	go c.writePump()
	go c.readPump(s)
}

func (c *client) writePump() {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, nil)
}

// readPump discards client input and detects disconnects.
func (c *client) readPump(s *Server) {
	defer func() {
		s.mu.Lock()
		if _, ok := s.clients[c]; ok {
			close(c.send)
			delete(s.clients, c)
		}
		s.mu.Unlock()
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// handleStatus serves the latest snapshots as one JSON document.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	snapshot := make(map[string]any, len(s.latest))
	for t, msg := range s.latest {
		snapshot[string(t)] = msg.Data
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		s.log.Warn("failed to encode status snapshot", "error", err)
	}
}

// ClientCount returns the number of connected monitors.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
