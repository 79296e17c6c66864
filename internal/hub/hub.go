// Package hub manages realtime WebSocket subscribers grouped by project.
//
// The event pipeline reaches the hub only through its Broadcast method,
// registered as a sink on the publisher; the hub never imports the pipeline.
package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"maestro/internal/async"
	"maestro/internal/logging"
)

const (
	writeWait = 10 * time.Second

	// DefaultHeartbeat is the server ping interval when no override is
	// configured. The read deadline grants one ninth of slack on top.
	DefaultHeartbeat = 54 * time.Second

	maxInboundBytes = 4096
)

// Hub tracks live connections per project and fans broadcast frames out to
// them. A connection starts subscribed to one project and may join more over
// its lifetime. Safe for concurrent use.
type Hub struct {
	logger   logging.Logger
	upgrader websocket.Upgrader

	pingPeriod time.Duration
	pongWait   time.Duration

	mu       sync.RWMutex
	projects map[string]map[*conn]struct{}
	closed   bool
}

// conn.projects is the set of project ids the connection subscribes to,
// guarded by the hub mutex.
type conn struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	projects map[string]struct{}
}

// Option customises a Hub.
type Option func(*Hub)

// WithHeartbeat sets the server ping interval. The peer read deadline is the
// interval plus one ninth of it.
func WithHeartbeat(interval time.Duration) Option {
	return func(h *Hub) {
		if interval > 0 {
			h.pingPeriod = interval
			h.pongWait = interval * 10 / 9
		}
	}
}

// New returns an empty hub. checkOrigin nil allows all origins.
func New(logger logging.Logger, checkOrigin func(*http.Request) bool, opts ...Option) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	h := &Hub{
		logger: logging.OrNop(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		pingPeriod: DefaultHeartbeat,
		pongWait:   DefaultHeartbeat * 10 / 9,
		projects:   make(map[string]map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// connectedFrame acknowledges the initial join and every later subscribe.
type connectedFrame struct {
	Type      string    `json:"type"`
	ProjectID string    `json:"project_id"`
	Timestamp time.Time `json:"timestamp"`
}

type inboundFrame struct {
	Type      string `json:"type"`
	ProjectID string `json:"project_id,omitempty"`
}

type pongFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Serve upgrades the request and runs the connection until the client goes
// away. It blocks; call it from the HTTP handler goroutine.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, projectID string) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &conn{ws: ws, projects: map[string]struct{}{projectID: {}}}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ws.Close()
		return nil
	}
	if h.projects[projectID] == nil {
		h.projects[projectID] = make(map[*conn]struct{})
	}
	h.projects[projectID][c] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("ws subscriber joined project %s", projectID)

	if err := c.writeJSON(connectedFrame{
		Type:      "connected",
		ProjectID: projectID,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		h.drop(c)
		return nil
	}

	done := make(chan struct{})
	async.Go(h.logger, "ws ping "+projectID, func() {
		ticker := time.NewTicker(h.pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.writeControl(websocket.PingMessage); err != nil {
					return
				}
			}
		}
	})

	h.readLoop(c)
	close(done)
	h.drop(c)
	h.logger.Debug("ws subscriber left project %s", projectID)
	return nil
}

// readLoop consumes client frames. A frame that is not valid JSON earns an
// error frame back; "ping" gets a "pong" reply; "subscribe" joins the
// connection to another project's set on top of its existing subscriptions.
func (h *Hub) readLoop(c *conn) {
	c.ws.SetReadLimit(maxInboundBytes)
	c.ws.SetReadDeadline(time.Now().Add(h.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			if werr := c.writeJSON(errorFrame{Type: "error", Error: "malformed message"}); werr != nil {
				return
			}
			continue
		}
		switch {
		case frame.Type == "ping":
			if err := c.writeJSON(pongFrame{Type: "pong", Timestamp: time.Now().UTC()}); err != nil {
				return
			}
		case frame.Type == "subscribe" && frame.ProjectID != "":
			if err := h.subscribe(c, frame.ProjectID); err != nil {
				return
			}
		}
	}
}

// subscribe adds the connection to projectID's set; existing subscriptions
// stay in place. The ack write error propagates so the read loop can exit.
func (h *Hub) subscribe(c *conn, projectID string) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return websocket.ErrCloseSent
	}
	if _, ok := c.projects[projectID]; !ok {
		c.projects[projectID] = struct{}{}
		if h.projects[projectID] == nil {
			h.projects[projectID] = make(map[*conn]struct{})
		}
		h.projects[projectID][c] = struct{}{}
	}
	h.mu.Unlock()

	return c.writeJSON(connectedFrame{
		Type:      "connected",
		ProjectID: projectID,
		Timestamp: time.Now().UTC(),
	})
}

// Broadcast serializes msg once and pushes it to every subscriber of the
// project. Connections whose write fails are dropped.
func (h *Hub) Broadcast(projectID string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("broadcast marshal for project %s: %v", projectID, err)
		return
	}

	h.mu.RLock()
	conns := make([]*conn, 0, len(h.projects[projectID]))
	for c := range h.projects[projectID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	var failed []*conn
	for _, c := range conns {
		if err := c.writeRaw(data); err != nil {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		h.drop(c)
	}
	if len(failed) > 0 {
		h.logger.Debug("broadcast to project %s: %d of %d subscribers dropped",
			projectID, len(failed), len(conns))
	}
}

// Subscribers returns the number of live connections for a project.
func (h *Hub) Subscribers(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.projects[projectID])
}

// CloseAll closes every connection and rejects future joins.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	h.closed = true
	seen := make(map[*conn]struct{})
	var all []*conn
	for _, set := range h.projects {
		for c := range set {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			all = append(all, c)
		}
	}
	h.projects = make(map[string]map[*conn]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.writeControl(websocket.CloseMessage)
		c.ws.Close()
	}
}

func (h *Hub) drop(c *conn) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
	c.ws.Close()
}

func (h *Hub) removeLocked(c *conn) {
	for id := range c.projects {
		set := h.projects[id]
		delete(set, c)
		if len(set) == 0 {
			delete(h.projects, id)
		}
	}
	c.projects = make(map[string]struct{})
}

func (c *conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.writeRaw(data)
}

func (c *conn) writeRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) writeControl(messageType int) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(messageType, nil, time.Now().Add(writeWait))
}
