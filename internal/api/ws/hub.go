package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/your-org/facewatch/internal/observability"
	"github.com/your-org/facewatch/pkg/dto"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// Client represents a connected WebSocket client. A camera filter of zero
// means the client sees every camera; the frames flag opts into the live
// frame feed, which is much heavier than detection events.
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	cameraID int64
	frames   bool
}

// Hub maintains active WebSocket clients and fans NATS traffic out to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan dto.WSEvent
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan dto.WSEvent, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run starts the hub event loop. Call this in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			observability.WSConnections.Inc()
			slog.Debug("ws client connected", "camera_filter", client.cameraID, "frames", client.frames)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			observability.WSConnections.Dec()
			slog.Debug("ws client disconnected")

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				slog.Error("marshal ws event", "error", err)
				continue
			}

			var drop []*Client
			h.mu.RLock()
			for client := range h.clients {
				if client.cameraID != 0 && client.cameraID != event.CameraID {
					continue
				}
				if event.Type == dto.WSEventFrame && !client.frames {
					continue
				}
				select {
				case client.send <- data:
				default:
					// Client buffer full — disconnect
					drop = append(drop, client)
				}
			}
			h.mu.RUnlock()

			for _, client := range drop {
				h.mu.Lock()
				if _, ok := h.clients[client]; ok {
					delete(h.clients, client)
					close(client.send)
					observability.WSConnections.Dec()
				}
				h.mu.Unlock()
			}
		}
	}
}

// Broadcast queues an event for fan-out. Drops on a full hub buffer rather
// than blocking the NATS callback.
func (h *Hub) Broadcast(event dto.WSEvent) {
	select {
	case h.broadcast <- event:
	default:
		slog.Warn("ws broadcast buffer full, dropping event", "type", event.Type, "camera_id", event.CameraID)
	}
}

// HandleWS handles WebSocket upgrade requests. Query parameters: camera_id
// filters to one camera, frames=true opts into the live frame feed.
func (h *Hub) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "error", err)
		return
	}

	cameraID, _ := strconv.ParseInt(c.Query("camera_id"), 10, 64)
	frames := c.Query("frames") == "true"

	client := &Client{
		conn:     conn,
		send:     make(chan []byte, 64),
		cameraID: cameraID,
		frames:   frames,
	}

	h.register <- client

	go client.writePump()
	go client.readPump(h)
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		// We don't process incoming messages from clients.
		// This loop exists to detect disconnection.
	}
}
