package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

type stubDispatcher struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (d *stubDispatcher) Dispatch(payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payloads = append(d.payloads, payload)
}

func (d *stubDispatcher) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.payloads)
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestServeHTTP_ValidSignatureDispatches(t *testing.T) {
	secret := "shared-secret"
	body := `{"organizationId":"ws-1","type":"Issue"}`
	disp := &stubDispatcher{}
	h := New([]byte(secret), disp, logr.Discard())

	r := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	r.Header.Set("linear-signature", sign(secret, body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body: %s", w.Code, w.Body.String())
	}
	// ServeHTTP hands off to the dispatcher in a goroutine; wait for it.
	deadline := time.Now().Add(time.Second)
	for disp.calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if disp.calls() != 1 {
		t.Errorf("dispatcher called %d times, want 1", disp.calls())
	}
}

func TestServeHTTP_MissingSignatureRejected(t *testing.T) {
	disp := &stubDispatcher{}
	h := New([]byte("secret"), disp, logr.Discard())

	r := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if disp.calls() != 0 {
		t.Error("dispatcher should not be called without a signature")
	}
}

func TestServeHTTP_InvalidSignatureRejected(t *testing.T) {
	disp := &stubDispatcher{}
	h := New([]byte("secret"), disp, logr.Discard())

	r := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"organizationId":"ws-1"}`))
	r.Header.Set("linear-signature", "0000000000000000000000000000000000000000000000000000000000000000")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if disp.calls() != 0 {
		t.Error("dispatcher should not be called with an invalid signature")
	}
}

func TestServeHTTP_MalformedJSONRejected(t *testing.T) {
	secret := "shared-secret"
	body := `not-json`
	disp := &stubDispatcher{}
	h := New([]byte(secret), disp, logr.Discard())

	r := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	r.Header.Set("linear-signature", sign(secret, body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}
