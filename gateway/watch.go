package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// watchWriteTimeout bounds each websocket write so one stuck watcher cannot
// pin the connection goroutine
const watchWriteTimeout = 10 * time.Second

var watchUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin policy is enforced by the CORS configuration on the REST
		// surface; the watch endpoint carries no mutations
		return true
	},
}

// handleWatch upgrades the connection and pushes live session events for a
// key until the session reaches a terminal state or the client goes away
func (g *Gateway) handleWatch(w http.ResponseWriter, r *http.Request) {
	key, ok := g.queryKey(w, r)
	if !ok {
		return
	}

	events, cancel, err := g.store.Watch(key)
	if err != nil {
		g.writeError(w, http.StatusNotFound, "no streaming session for key")
		return
	}
	defer cancel()

	conn, err := watchUpgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed",
			"batch_id", key.BatchID,
			"report_index", key.ReportIndex,
			"error", err)
		return
	}
	defer conn.Close()

	// Drain client frames so close messages are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for ev := range events {
		_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	// Channel closed: session reached a terminal state or was replaced
	view, _ := g.store.Snapshot(key)
	_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
	_ = conn.WriteJSON(map[string]any{"event": "end", "session": view})
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
