package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const echoRepeats = 10

// handleEchoStream is a connectivity check for websocket clients: every
// {"message": m} is answered with ten numbered echoes and a completion marker.
func (r *Router) handleEchoStream(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("echo ws: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Printf("echo ws: read error: %v", err)
			}
			return
		}

		var body struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(msg, &body); err != nil {
			_ = conn.WriteJSON(map[string]string{"error": "invalid message"})
			continue
		}

		for i := 0; i < echoRepeats; i++ {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(map[string]string{"data": fmt.Sprintf("%s + %d", body.Message, i)}); err != nil {
				return
			}
			if r.cfg.EchoDelay > 0 {
				time.Sleep(r.cfg.EchoDelay)
			}
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(map[string]string{"data": "completed"}); err != nil {
			return
		}
	}
}
