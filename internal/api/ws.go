package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vrulab/detection.report/internal/monitoring"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Session streams are consumed by local tooling; origin checks are
	// handled by the deployment proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteWait = 10 * time.Second

// streamSession upgrades the connection and relays live session events. The
// current snapshot is sent first so clients can render state before the next
// event arrives.
func (s *Server) streamSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	snap, err := s.manager.Snapshot(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	sub, err := s.manager.Subscribe(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.manager.Unsubscribe(sub)
		monitoring.Logf("[API] websocket upgrade failed for session %s: %v", id, err)
		return
	}

	s.collectors.SubscriberConnected(1)
	defer func() {
		s.collectors.SubscriberConnected(-1)
		s.manager.Unsubscribe(sub)
		conn.Close()
	}()

	// drain client frames so pings and close messages are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(map[string]any{"type": "snapshot", "snapshot": snap}); err != nil {
		return
	}

	for ev := range sub.C {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	// Subscription channel closed: the session ended and was flushed.
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
}
