package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opensafety/kestrel/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Consoles connect cross-origin; origin policy is enforced upstream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamEvents handles GET /events: a websocket bridge from the event
// fanout to monitoring consoles. The topic query parameter scopes the
// subscription ("all", "admin" or "tourist:<id>"); it defaults to the
// broadcast topic. A slow console drops events rather than blocking the
// fanout.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = domain.TopicAll
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	send := make(chan *domain.Event, sendBuffer)
	sub, err := h.hub.Subscribe(r.Context(), topic, func(ctx context.Context, ev *domain.Event) error {
		select {
		case send <- ev:
		default:
			// Console is not keeping up; drop rather than block
		}
		return nil
	})
	if err != nil {
		slog.Error("event stream subscribe failed", "topic", topic, "error", err)
		conn.Close()
		return
	}

	slog.Info("event stream connected", "topic", topic, "remote", r.RemoteAddr)

	done := make(chan struct{})
	go h.readPump(conn, done)
	h.writePump(conn, send, done)

	if err := sub.Unsubscribe(); err != nil {
		slog.Warn("event stream unsubscribe failed", "topic", topic, "error", err)
	}
	conn.Close()
	slog.Info("event stream closed", "topic", topic, "remote", r.RemoteAddr)
}

// readPump drains inbound frames to process control messages and detect
// the close handshake. Consoles are listen-only; data frames are ignored.
func (h *Handler) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("unexpected websocket close", "error", err)
			}
			return
		}
	}
}

// writePump forwards fanout events to the connection and keeps it alive
// with pings.
func (h *Handler) writePump(conn *websocket.Conn, send <-chan *domain.Event, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
