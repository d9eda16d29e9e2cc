package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var adminUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleAdminWS upgrades to a WebSocket and relays pool ChangeEvents as
// they occur (§6.2 /ws pool-change broadcast). Batch progress is served
// per-task by handleBatchStream only; this socket carries pool changes
// alone, grounded on the
// teacher's admin WS client loop (pkg/proxy/admin.go's adminWSClient).
func (s *Server) handleAdminWS(w http.ResponseWriter, r *http.Request) {
	conn, err := adminUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx := r.Context()
	changes := s.pool.SubscribeChanges(ctx)

	pinger := time.NewTicker(30 * time.Second)
	defer pinger.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-changes:
			if !ok {
				return
			}
			b, err := json.Marshal(map[string]any{"type": "pool_change", "event": ev})
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-pinger.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
