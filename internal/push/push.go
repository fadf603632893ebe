// Package push implements PushSender: HMAC-signed HTTP delivery to
// registered edges, with retries and a per-edge rate limit, for
// deployments where edges accept inbound HTTP instead of streaming.
package push

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	"github.com/devplane/relay/internal/metrics"
	"github.com/devplane/relay/internal/model"
)

const (
	requestTimeout = 10 * time.Second
	maxAttempts    = 3 // attempts 0, 1, 2
	ratePerSecond  = 10
	userAgent      = "devplane-relay/1.0"
)

// Sender delivers envelopes to registered edges over HTTP, signing each
// request and retrying transient failures with exponential backoff. Each
// edge gets its own token-bucket limiter so one noisy edge can't starve
// delivery to others; excess requests wait rather than being dropped.
type Sender struct {
	httpClient *http.Client
	log        logr.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New returns a Sender.
func New(log logr.Logger) *Sender {
	return &Sender{
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        log,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Send delivers env to edge, retrying on non-2xx or timeout with backoff
// 2^attempt seconds across attempts {0,1,2}, then gives up and logs. It
// blocks the caller for as long as the retry/backoff/rate-limit sequence
// takes; callers that want fire-and-forget semantics should call it from
// their own goroutine (as Dispatcher does).
func (s *Sender) Send(ctx context.Context, edge model.RegisteredEdge, env model.Envelope) {
	limiter := s.limiterFor(edge.Fingerprint)

	body, err := json.Marshal(env)
	if err != nil {
		s.log.Error(err, "Marshal envelope for push failed", "edge", edge.Fingerprint)
		return
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			s.log.Error(err, "Push rate limiter wait failed", "edge", edge.Fingerprint)
			return
		}

		if err := s.attempt(ctx, edge, body); err != nil {
			metrics.PushAttempts.WithLabelValues("retry").Inc()
			if attempt == maxAttempts-1 {
				metrics.PushAttempts.WithLabelValues("failed").Inc()
				s.log.Error(err, "Push delivery failed, giving up", "edge", edge.Fingerprint, "envelope", env.ID)
				return
			}
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}

		metrics.PushAttempts.WithLabelValues("delivered").Inc()
		s.log.Info("Push delivered", "edge", edge.Fingerprint, "envelope", env.ID, "attempt", attempt)
		return
	}
}

// attempt performs a single signed POST to edge.URL.
func (s *Sender) attempt(ctx context.Context, edge model.RegisteredEdge, body []byte) error {
	timestamp := fmt.Sprintf("%d", time.Now().UnixMilli())
	signature := sign(edge.Secret, timestamp, body)

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, edge.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+signature)
	req.Header.Set("X-Webhook-Timestamp", timestamp)
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push request: status %d", resp.StatusCode)
	}
	return nil
}

func (s *Sender) limiterFor(fingerprint string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[fingerprint]
	if !ok {
		l = rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond)
		s.limiters[fingerprint] = l
	}
	return l
}

// sign computes hex HMAC-SHA256 over "<timestamp>.<body>" using secret.
func sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
