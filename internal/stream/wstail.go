package stream

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devplane/relay/internal/crypto"
	"github.com/devplane/relay/internal/metrics"
	"github.com/devplane/relay/internal/model"
)

// wsUpgrader mirrors the teacher gateway's websocket.Upgrader: origin
// checking is left to the bearer-token auth layer above it, not to the
// WebSocket handshake.
var wsUpgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin:      func(_ *http.Request) bool { return true },
}

// ServeWSTail upgrades the request to a WebSocket and relays the same
// envelope feed an NDJSON attach would get, framed as one text message per
// envelope. It exists purely so a human operator can watch an edge's
// traffic from a browser, which can't speak raw NDJSON the way an edge
// worker's HTTP client can; it is not how edges themselves attach (that is
// ServeHTTP, per spec.md's Content-Type: application/x-ndjson contract).
func (h *Hub) ServeWSTail(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	_, workspaces, err := h.validator.Validate(r.Context(), token)
	if err != nil || len(workspaces) == 0 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error(err, "WebSocket tail upgrade failed")
		return
	}
	defer conn.Close()

	fingerprint := crypto.Fingerprint(token)
	c := newConnection()
	group := h.attach(fingerprint, c)
	metrics.ActiveStreams.Inc()
	defer func() {
		c.markDead()
		h.detach(fingerprint, c, group)
		metrics.ActiveStreams.Dec()
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	// The WebSocket connection's own read loop is the only cancellation
	// source; a discarded read error (client close/abort) ends the tail.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case env := <-c.ch:
			if !writeWSLine(conn, env) {
				return
			}
		case <-heartbeat.C:
			if !writeWSLine(conn, model.Envelope{
				ID:        model.NewEnvelopeID(),
				Type:      model.EnvelopeHeartbeat,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			}) {
				return
			}
		}
	}
}

func writeWSLine(conn *websocket.Conn, env model.Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		return false
	}
	return conn.WriteMessage(websocket.TextMessage, data) == nil
}
