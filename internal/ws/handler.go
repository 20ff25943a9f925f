package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/peterje/perfhint/internal/session"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const writeWait = 5 * time.Second

// Handler streams a session's snapshots as JSON text messages: the current state
// on connect, then one message per state change until the session closes.
type Handler struct {
	reg *session.Registry
	log *zap.Logger
}

func NewHandler(reg *session.Registry, log *zap.Logger) *Handler {
	return &Handler{reg: reg, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	// Subscribe before the snapshot so no change between the two is lost.
	events, unsub := h.reg.Subscribe()
	defer unsub()

	info, ok := h.reg.Get(sessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws: upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	defer conn.Close()

	log := h.log.With(zap.String("session_id", sessionID))
	log.Debug("ws: client attached")

	if err := h.send(conn, session.Event{Kind: "snapshot", Info: info}); err != nil {
		return
	}

	// Drain client messages so close frames and disconnects are noticed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	last := info
	done := h.reg.Done(sessionID)
	for {
		select {
		case <-gone:
			log.Debug("ws: client detached")
			return
		case ev := <-events:
			if ev.Info.ID != sessionID {
				continue
			}
			last = ev.Info
			if err := h.send(conn, ev); err != nil {
				log.Debug("ws: write failed", zap.Error(err))
				return
			}
			if ev.Kind == session.EventClosed {
				h.closeNormal(conn)
				return
			}
		case <-done:
			// The closed event may still be queued, or dropped if we fell behind.
			h.send(conn, session.Event{Kind: session.EventClosed, Info: h.drain(events, sessionID, last)})
			h.closeNormal(conn)
			return
		}
	}
}

// drain returns the newest queued snapshot of sessionID, or last if none is queued.
func (h *Handler) drain(events <-chan session.Event, sessionID string, last session.Info) session.Info {
	for {
		select {
		case ev := <-events:
			if ev.Info.ID == sessionID {
				last = ev.Info
			}
		default:
			return last
		}
	}
}

func (h *Handler) send(conn *websocket.Conn, ev session.Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}

func (h *Handler) closeNormal(conn *websocket.Conn) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
		time.Now().Add(writeWait))
}
