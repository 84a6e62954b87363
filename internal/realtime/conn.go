package realtime

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"inkwell/api/internal/access"
	"inkwell/api/internal/auth"
	"inkwell/api/internal/util"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 20
)

// Handler upgrades authorized clients onto a room's realtime channel. One
// connection is scoped to exactly one room.
type Handler struct {
	registry *Registry
	gate     *access.Gate
	upgrader websocket.Upgrader
}

func NewHandler(registry *Registry, gate *access.Gate) *Handler {
	return &Handler{
		registry: registry,
		gate:     gate,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeDocument handles GET /ws/{documentID}?token=... The room token from a
// prior join authorization is verified before the upgrade; an expired or
// reused token means the client must request a fresh one and retry.
func (h *Handler) ServeDocument(w http.ResponseWriter, r *http.Request, documentID string) {
	token := r.URL.Query().Get("token")
	claims, err := h.gate.Verify(token, documentID)
	if err != nil {
		status := http.StatusForbidden
		if errors.Is(err, auth.ErrExpiredToken) {
			status = http.StatusUnauthorized
		}
		http.Error(w, "room token rejected", status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed for %s: %v", documentID, err)
		return
	}

	participant := NewParticipant(util.NewID("conn"), claims.Sub)
	room, syncFrame, err := h.registry.Join(r.Context(), documentID, participant)
	if err != nil {
		log.Printf("ws join failed for %s: %v", documentID, err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "join failed"), time.Now().Add(writeWait))
		conn.Close()
		return
	}
	participant.deliver(syncFrame)

	go h.writePump(conn, participant)
	h.readPump(conn, room, participant)
}

// readPump is the per-connection serialization point: frames are handed to
// the room in arrival order, preserving FIFO per sender.
func (h *Handler) readPump(conn *websocket.Conn, room *Room, p *Participant) {
	defer func() {
		room.Leave(p.ConnID)
		conn.Close()
	}()
	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			// Liveness timeout and explicit close both land here and are
			// treated identically.
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("ws read error on %s: %v", p.ConnID, err)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Printf("ws malformed frame from %s: %v", p.ConnID, err)
			continue
		}
		switch f.Type {
		case FrameUpdate:
			room.SubmitUpdate(p.ConnID, f.Payload)
		case FramePresence:
			var presence Presence
			if err := json.Unmarshal(f.Payload, &presence); err != nil {
				log.Printf("ws malformed presence from %s: %v", p.ConnID, err)
				continue
			}
			room.SetPresence(p.ConnID, presence)
		case FrameResync:
			room.Resync(p.ConnID)
		case FrameLeave:
			return
		default:
			log.Printf("ws unknown frame type %q from %s", f.Type, p.ConnID)
		}
	}
}

func (h *Handler) writePump(conn *websocket.Conn, p *Participant) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case f, ok := <-p.Frames():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "room closed"))
				return
			}
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
