// Package webhook implements WebhookIngress: HMAC verification of upstream
// webhooks and hand-off to the Dispatcher.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-logr/logr"

	"github.com/devplane/relay/internal/metrics"
)

const maxBodySize = 5 << 20 // 5 MiB

// Dispatcher receives a verified, parsed webhook payload and fans it out.
// It never fails the webhook response; Dispatch's own errors are swallowed
// and logged by the Dispatcher itself.
type Dispatcher interface {
	Dispatch(payload []byte)
}

// Handler is the WebhookIngress HTTP handler.
type Handler struct {
	secret     []byte
	dispatcher Dispatcher
	log        logr.Logger
}

// New returns a Handler that verifies incoming requests with secret and
// hands verified payloads to dispatcher.
func New(secret []byte, dispatcher Dispatcher, log logr.Logger) *Handler {
	return &Handler{secret: secret, dispatcher: dispatcher, log: log}
}

// ServeHTTP implements the 4-step contract: require the signature header,
// verify it against the raw body, parse JSON, hand off and respond 200
// without waiting for fan-out to complete.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sig := r.Header.Get("linear-signature")
	if sig == "" {
		metrics.WebhooksRejected.Inc()
		http.Error(w, "Missing signature", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.log.Error(err, "Read webhook body failed")
		http.Error(w, "Processing error", http.StatusInternalServerError)
		return
	}

	if !h.verify(body, sig) {
		metrics.WebhooksRejected.Inc()
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		h.log.Error(err, "Parse webhook payload failed")
		http.Error(w, "Processing error", http.StatusInternalServerError)
		return
	}

	metrics.WebhooksVerified.Inc()
	// Hand off and respond immediately; the upstream only cares about fast,
	// synchronous signature verification. Dispatch runs in the background so
	// a slow or down push edge never holds the response open; fan-out
	// failures are the Dispatcher's problem, not the webhook's.
	go h.dispatcher.Dispatch(body)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, "OK")
}

// verify computes HMAC-SHA256 over body with h.secret and compares it to
// the hex-encoded sig, byte-for-byte in constant time.
func (h *Handler) verify(body []byte, sig string) bool {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}
