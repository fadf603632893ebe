// Package stream implements StreamHub: the per-edge long-lived
// newline-delimited-JSON push channel edges attach to at GET /events/stream.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/devplane/relay/internal/crypto"
	"github.com/devplane/relay/internal/metrics"
	"github.com/devplane/relay/internal/model"
	"github.com/devplane/relay/internal/upstream"
)

const heartbeatInterval = 30 * time.Second

// eventBufSize bounds each connection's outbound envelope queue. A stream
// that can't keep up has its slowest write treated as the failure; it does
// not block the Dispatcher's fan-out to other edges.
const eventBufSize = 64

// Validator authenticates a bearer credential against the upstream and
// returns the workspace set it grants access to. An empty workspace set
// means the credential grants no access and the attach must be rejected.
type Validator interface {
	Validate(ctx context.Context, token string) (*upstream.ViewerInfo, []string, error)
}

// RoutingTable is the subset of routing.Table the hub needs.
type RoutingTable interface {
	Attach(ctx context.Context, fingerprint string, workspaces []string) error
	Heartbeat(ctx context.Context, fingerprint string) error
	Detach(ctx context.Context, fingerprint string) error
}

// connection is a single attached stream (one HTTP request). Multiple
// connections can share a fingerprint (multiple browser tabs / retries for
// the same bearer); every one of them receives every envelope for that edge.
type connection struct {
	ch     chan model.Envelope
	dead   chan struct{}
	closed sync.Once
}

func newConnection() *connection {
	return &connection{ch: make(chan model.Envelope, eventBufSize), dead: make(chan struct{})}
}

func (c *connection) markDead() {
	c.closed.Do(func() { close(c.dead) })
}

// edgeGroup is every connection currently attached for one edge fingerprint.
// Each connection runs its own heartbeat ticker (see ServeHTTP) rather than
// one ticker per group or per process, so per-edge isolation and graceful
// shutdown don't need to coordinate across edges.
type edgeGroup struct {
	mu    sync.Mutex
	conns map[*connection]struct{}
}

// Hub fans out envelopes to connected edges, keyed by the SHA-256
// fingerprint of the bearer credential used to attach.
type Hub struct {
	validator Validator
	routing   RoutingTable
	log       logr.Logger

	// DisconnectAfter, when non-zero, forces every new connection closed
	// after this duration — a test-only hook mirroring the spec's
	// simulate_disconnect / disconnect_after_ms configuration.
	DisconnectAfter time.Duration

	mu    sync.Mutex
	edges map[string]*edgeGroup
}

// New returns a Hub that authenticates attaches via validator and records
// routing state in routing.
func New(validator Validator, routing RoutingTable, log logr.Logger) *Hub {
	return &Hub{
		validator: validator,
		routing:   routing,
		log:       log,
		edges:     make(map[string]*edgeGroup),
	}
}

// ServeHTTP implements GET /events/stream.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	fingerprint := crypto.Fingerprint(token)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	conn := newConnection()
	group := h.attach(fingerprint, conn)
	metrics.ActiveStreams.Inc()

	ctx := r.Context()
	if err := h.routing.Attach(ctx, fingerprint, workspaces); err != nil {
		h.log.Error(err, "Routing attach failed", "fingerprint", fingerprint)
	}

	defer func() {
		conn.markDead()
		last := h.detach(fingerprint, conn, group)
		metrics.ActiveStreams.Dec()
		if last {
			if err := h.routing.Detach(context.Background(), fingerprint); err != nil {
				h.log.Error(err, "Routing detach failed", "fingerprint", fingerprint)
			}
		}
	}()

	if !writeLine(w, flusher, model.Envelope{
		ID:        model.NewEnvelopeID(),
		Type:      model.EnvelopeConnection,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Status:    "connected",
	}) {
		return
	}

	var disconnectTimer <-chan time.Time
	if h.DisconnectAfter > 0 {
		t := time.NewTimer(h.DisconnectAfter)
		defer t.Stop()
		disconnectTimer = t.C
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-disconnectTimer:
			return
		case env := <-conn.ch:
			if !writeLine(w, flusher, env) {
				return
			}
		case <-heartbeat.C:
			if err := h.routing.Heartbeat(ctx, fingerprint); err != nil {
				h.log.Error(err, "Routing heartbeat failed", "fingerprint", fingerprint)
			}
			if !writeLine(w, flusher, model.Envelope{
				ID:        model.NewEnvelopeID(),
				Type:      model.EnvelopeHeartbeat,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			}) {
				return
			}
		}
	}
}

// Send delivers env to every live connection attached for fingerprint. It
// returns true if at least one connection accepted it. A connection whose
// buffer is full or already dead is skipped without blocking the others.
func (h *Hub) Send(fingerprint string, env model.Envelope) bool {
	h.mu.Lock()
	group, ok := h.edges[fingerprint]
	h.mu.Unlock()
	if !ok {
		return false
	}

	group.mu.Lock()
	defer group.mu.Unlock()

	delivered := false
	for c := range group.conns {
		select {
		case <-c.dead:
			continue
		case c.ch <- env:
			delivered = true
		default:
			// Buffer full: treat as a dead write, skip, other connections still get it.
		}
	}
	return delivered
}

// Drain sends a draining connection envelope to every attached stream, for
// graceful shutdown. It does not wait for acknowledgement.
func (h *Hub) Drain() {
	h.mu.Lock()
	fingerprints := make([]string, 0, len(h.edges))
	for fp := range h.edges {
		fingerprints = append(fingerprints, fp)
	}
	h.mu.Unlock()

	env := model.Envelope{
		ID:        model.NewEnvelopeID(),
		Type:      model.EnvelopeConnection,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Status:    "draining",
	}
	for _, fp := range fingerprints {
		h.Send(fp, env)
	}
}

func (h *Hub) attach(fingerprint string, conn *connection) *edgeGroup {
	h.mu.Lock()
	defer h.mu.Unlock()

	group, ok := h.edges[fingerprint]
	if !ok {
		group = &edgeGroup{conns: make(map[*connection]struct{})}
		h.edges[fingerprint] = group
	}
	group.mu.Lock()
	group.conns[conn] = struct{}{}
	group.mu.Unlock()
	return group
}

// detach removes conn from its edgeGroup and reports whether it was the
// last connection for that edge (in which case the group itself is removed
// from the hub, never driving one process-wide ticker for every edge).
func (h *Hub) detach(fingerprint string, conn *connection, group *edgeGroup) bool {
	group.mu.Lock()
	delete(group.conns, conn)
	empty := len(group.conns) == 0
	group.mu.Unlock()

	if !empty {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.edges[fingerprint]; ok && current == group {
		delete(h.edges, fingerprint)
	}
	return true
}

func writeLine(w http.ResponseWriter, flusher http.Flusher, env model.Envelope) bool {
	line, err := json.Marshal(env)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(w, "%s\n", line); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
