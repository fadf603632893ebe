package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/devplane/relay/internal/crypto"
	"github.com/devplane/relay/internal/model"
	"github.com/devplane/relay/internal/upstream"
)

type stubValidator struct {
	viewer     *upstream.ViewerInfo
	workspaces []string
	err        error
}

func (v *stubValidator) Validate(_ context.Context, _ string) (*upstream.ViewerInfo, []string, error) {
	return v.viewer, v.workspaces, v.err
}

type stubRoutingTable struct {
	mu         sync.Mutex
	attached   []string
	heartbeats int
	detached   []string
}

func (r *stubRoutingTable) Attach(_ context.Context, fingerprint string, _ []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attached = append(r.attached, fingerprint)
	return nil
}

func (r *stubRoutingTable) Heartbeat(_ context.Context, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats++
	return nil
}

func (r *stubRoutingTable) Detach(_ context.Context, fingerprint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detached = append(r.detached, fingerprint)
	return nil
}

func TestServeHTTP_UnauthorizedWithoutBearer(t *testing.T) {
	h := New(&stubValidator{}, &stubRoutingTable{}, logr.Discard())
	r := httptest.NewRequest(http.MethodGet, "/events/stream", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestServeHTTP_UnauthorizedWithEmptyWorkspaces(t *testing.T) {
	h := New(&stubValidator{viewer: &upstream.ViewerInfo{}, workspaces: nil}, &stubRoutingTable{}, logr.Discard())
	r := httptest.NewRequest(http.MethodGet, "/events/stream", nil)
	r.Header.Set("Authorization", "Bearer sometoken")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// TestServeHTTP_ConnectAndFanOut attaches a stream, sends an envelope via
// Send, and verifies both the initial "connected" line and the fanned-out
// envelope arrive as NDJSON.
func TestServeHTTP_ConnectAndFanOut(t *testing.T) {
	routing := &stubRoutingTable{}
	h := New(&stubValidator{viewer: &upstream.ViewerInfo{}, workspaces: []string{"ws-1"}}, routing, logr.Discard())
	h.DisconnectAfter = 200 * time.Millisecond

	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Authorization", "Bearer sometoken")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q, want application/x-ndjson", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	if !scanner.Scan() {
		t.Fatal("expected at least one line (connected envelope)")
	}
	var first model.Envelope
	if err := json.Unmarshal(scanner.Bytes(), &first); err != nil {
		t.Fatalf("unmarshal first line: %v", err)
	}
	if first.Type != model.EnvelopeConnection || first.Status != "connected" {
		t.Errorf("first envelope = %+v, want connection/connected", first)
	}

	// Give ServeHTTP a moment to finish attaching before sending.
	time.Sleep(20 * time.Millisecond)
	fingerprint := crypto.Fingerprint("sometoken")
	delivered := h.Send(fingerprint, model.NewEnvelope(model.EnvelopeWebhook, map[string]string{"hello": "world"}))
	if !delivered {
		t.Fatal("Send should have delivered to the live connection")
	}

	if !scanner.Scan() {
		t.Fatal("expected a second line (the fanned-out envelope)")
	}
	var second model.Envelope
	if err := json.Unmarshal(scanner.Bytes(), &second); err != nil {
		t.Fatalf("unmarshal second line: %v", err)
	}
	if second.Type != model.EnvelopeWebhook {
		t.Errorf("second envelope type = %q, want webhook", second.Type)
	}
}

func TestSend_ReturnsFalseForUnknownFingerprint(t *testing.T) {
	h := New(&stubValidator{}, &stubRoutingTable{}, logr.Discard())
	delivered := h.Send("never-attached", model.NewEnvelope(model.EnvelopeWebhook, nil))
	if delivered {
		t.Error("Send to an unknown fingerprint should return false")
	}
}

func TestAttachDetach_LastConnectionRemovesGroup(t *testing.T) {
	h := New(&stubValidator{}, &stubRoutingTable{}, logr.Discard())

	c1 := newConnection()
	c2 := newConnection()
	group := h.attach("fp-1", c1)
	h.attach("fp-1", c2)

	if last := h.detach("fp-1", c1, group); last {
		t.Error("detaching one of two connections should not report last=true")
	}
	if last := h.detach("fp-1", c2, group); !last {
		t.Error("detaching the final connection should report last=true")
	}

	h.mu.Lock()
	_, stillExists := h.edges["fp-1"]
	h.mu.Unlock()
	if stillExists {
		t.Error("edge group should be removed once its last connection detaches")
	}
}

func TestDrain_SendsDrainingEnvelopeToAllEdges(t *testing.T) {
	h := New(&stubValidator{}, &stubRoutingTable{}, logr.Discard())
	c := newConnection()
	h.attach("fp-1", c)

	h.Drain()

	select {
	case env := <-c.ch:
		if env.Status != "draining" {
			t.Errorf("Drain envelope status = %q, want draining", env.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a draining envelope on the connection channel")
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := bearerToken(r); got != "" {
		t.Errorf("bearerToken with no header = %q, want empty", got)
	}

	r.Header.Set("Authorization", "Bearer abc123")
	if got := bearerToken(r); got != "abc123" {
		t.Errorf("bearerToken = %q, want abc123", got)
	}

	r.Header.Set("Authorization", "Basic abc123")
	if got := bearerToken(r); got != "" {
		t.Errorf("bearerToken with non-Bearer scheme = %q, want empty", got)
	}
}
