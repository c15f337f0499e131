// Package websocket streams live snapshots to browser and CLI clients.
package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"shadmission/pkg/api/monitor"
	"shadmission/pkg/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames
	maxMessageSize = 512
)

// Source is the subscription side of the Distributor
type Source interface {
	Subscribe() (<-chan monitor.Snapshot, func())
}

// Hub upgrades HTTP requests and streams one JSON snapshot per text frame
type Hub struct {
	source   Source
	logger   logging.Logger
	upgrader websocket.Upgrader
	onChange func(delta int)
}

// NewHub creates a hub. onConnChange, if set, receives +1/-1 per connection.
func NewHub(source Source, logger logging.Logger, checkOrigin func(r *http.Request) bool, onConnChange func(delta int)) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		source: source,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     checkOrigin,
		},
		onChange: onConnChange,
	}
}

type client struct {
	id     string
	conn   *websocket.Conn
	feed   <-chan monitor.Snapshot
	logger *logrus.Entry
}

// ServeWS handles one live-stream connection until either side goes away
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to upgrade WebSocket connection")
		return
	}

	feed, unsubscribe := h.source.Subscribe()
	id := uuid.NewString()
	c := &client{
		id:   id,
		conn: conn,
		feed: feed,
		logger: h.logger.WithFields(logging.Fields{
			"conn_id":   id,
			"remote_ip": r.RemoteAddr,
		}),
	}

	if h.onChange != nil {
		h.onChange(1)
	}
	c.logger.Info("Live client connected")

	done := make(chan struct{})
	go func() {
		c.writePump(done)
		// Unblock readPump if the writer quit first
		conn.Close()
	}()
	c.readPump()

	close(done)
	unsubscribe()
	conn.Close()

	if h.onChange != nil {
		h.onChange(-1)
	}
	c.logger.Info("Live client disconnected")
}

// readPump discards client frames and returns when the connection ends
func (c *client) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Warn("WebSocket connection error")
			}
			return
		}
	}
}

// writePump sends snapshots and pings. A closed feed means the subscriber
// was evicted or the service is stopping.
func (c *client) writePump(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case snap, ok := <-c.feed:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"))
				return
			}

			payload, err := json.Marshal(snap)
			if err != nil {
				c.logger.WithError(err).Error("Failed to encode snapshot")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
