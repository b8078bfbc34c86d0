package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/storybook/internal/models"
	"github.com/snappy-loop/storybook/internal/playback"
)

const (
	eventsWSReadLimit = 4 << 10
	eventsWSSendQueue = 64
	eventsWSPongWait  = 60 * time.Second
	eventsWSPingEvery = 50 * time.Second
)

var eventsWSUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsInMessage is a viewer command sent by the client.
type wsInMessage struct {
	Type   string `json:"type"` // toggle, stop, navigate, mode
	Page   int    `json:"page"`
	Action string `json:"action"`
	Index  int    `json:"index"`
	Mode   string `json:"mode"`
}

// wsOutMessage is the JSON shape sent to the client.
type wsOutMessage struct {
	Type    string                `json:"type"` // session, event, error
	Event   *models.StoryEvent    `json:"event,omitempty"`
	Session *models.Session       `json:"session,omitempty"`
	Page    *models.StoryPage     `json:"page,omitempty"`
	Viewer  *playback.ViewerState `json:"viewer,omitempty"`
	Error   string                `json:"error,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans session events out to every connected viewer. A client whose
// queue is full is dropped instead of blocking the broadcaster.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{clients: make(map[*wsClient]struct{})}
}

// Broadcast sends msg to every client without blocking.
func (h *Hub) Broadcast(msg wsOutMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode websocket message")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			log.Warn().Msg("Dropping slow websocket client")
			delete(h.clients, c)
			c.close()
		}
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

func (h *Hub) add(conn *websocket.Conn) *wsClient {
	c := &wsClient{conn: conn, send: make(chan []byte, eventsWSSendQueue)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// direct queues msg for a single client.
func (h *Hub) direct(c *wsClient, msg wsOutMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// writeLoop drains the client's queue until it is closed.
func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(eventsWSPingEvery)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Msg("events ws write")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Events handles GET /v1/events. The client receives a session snapshot and
// then every session event; it may send viewer commands on the same socket.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	conn, err := eventsWSUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("events ws upgrade failed")
		return
	}

	client := h.hub.add(conn)
	go client.writeLoop()
	defer h.hub.remove(client)

	snap := h.stories.Snapshot()
	viewer := h.viewer.State()
	h.hub.direct(client, wsOutMessage{Type: "session", Session: &snap, Viewer: &viewer})

	conn.SetReadLimit(eventsWSReadLimit)
	conn.SetReadDeadline(time.Now().Add(eventsWSPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(eventsWSPongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("events ws read")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(eventsWSPongWait))

		var in wsInMessage
		if err := json.Unmarshal(raw, &in); err != nil {
			h.hub.direct(client, wsOutMessage{Type: "error", Error: "invalid JSON: " + err.Error()})
			continue
		}
		if err := h.command(in); err != nil {
			h.hub.direct(client, wsOutMessage{Type: "error", Error: err.Error()})
			continue
		}
		viewer := h.viewer.State()
		h.hub.direct(client, wsOutMessage{Type: "viewer", Viewer: &viewer})
	}
}
