package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"futures-signal-bot/internal/events"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	// wsSendBuffer bounds per-client queueing; a client that cannot
	// drain this is disconnected rather than stalling the bus.
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsClient struct {
	conn *websocket.Conn
	send chan events.Event
}

// wsHub fans bus events out to connected websocket clients.
type wsHub struct {
	mu      sync.Mutex
	clients map[*wsClient]bool
	logger  zerolog.Logger
}

func newWSHub(logger zerolog.Logger) *wsHub {
	return &wsHub{
		clients: make(map[*wsClient]bool),
		logger:  logger.With().Str("component", "WSHub").Logger(),
	}
}

// attach subscribes the hub to every bus event.
func (h *wsHub) attach(bus *events.Bus) {
	bus.SubscribeAll(func(ev events.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		for client := range h.clients {
			select {
			case client.send <- ev:
			default:
				// Slow client, cut it loose.
				delete(h.clients, client)
				close(client.send)
			}
		}
	})
}

func (h *wsHub) handleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan events.Event, wsSendBuffer),
	}
	h.mu.Lock()
	h.clients[client] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Int("clients", n).Msg("websocket client connected")

	go h.writePump(client)
	go h.readPump(client)
}

func (h *wsHub) writePump(client *wsClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-client.send:
			if !ok {
				client.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(wsWriteTimeout))
				return
			}
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := client.conn.WriteJSON(ev); err != nil {
				h.remove(client)
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(wsWriteTimeout)); err != nil {
				h.remove(client)
				return
			}
		}
	}
}

// readPump discards inbound messages and detects disconnects.
func (h *wsHub) readPump(client *wsClient) {
	client.conn.SetReadLimit(512)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			h.remove(client)
			return
		}
	}
}

func (h *wsHub) remove(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[client] {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *wsHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}
