// Package main is the entrypoint for the devplane relay: the multi-tenant
// edge-proxy that performs upstream OAuth, receives signed webhooks, and
// fans them out to connected edge workers over streaming or signed push.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devplane/relay/internal/crypto"
	"github.com/devplane/relay/internal/dispatch"
	"github.com/devplane/relay/internal/oauth"
	"github.com/devplane/relay/internal/push"
	"github.com/devplane/relay/internal/routing"
	"github.com/devplane/relay/internal/store"
	"github.com/devplane/relay/internal/store/memstore"
	"github.com/devplane/relay/internal/store/redisstore"
	"github.com/devplane/relay/internal/stream"
	"github.com/devplane/relay/internal/upstream"
	"github.com/devplane/relay/internal/vault"
	"github.com/devplane/relay/internal/webhook"

	"github.com/redis/go-redis/v9"
)

const shutdownDeadline = 30 * time.Second

func main() {
	zapLog, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	log := zapr.NewLogger(zapLog)

	backend, err := buildStore(log)
	if err != nil {
		log.Error(err, "Failed to initialize store")
		os.Exit(1)
	}

	envCrypto, err := crypto.New(mustEnv("CREDENTIAL_ENCRYPTION_KEY"))
	if err != nil {
		log.Error(err, "Failed to initialize envelope crypto")
		os.Exit(1)
	}

	upstreamClient := upstream.New(upstream.Config{
		ClientID:     mustEnv("UPSTREAM_CLIENT_ID"),
		ClientSecret: mustEnv("UPSTREAM_CLIENT_SECRET"),
		RedirectURI:  mustEnv("OAUTH_REDIRECT_URI"),
		AuthURL:      envOr("UPSTREAM_AUTH_URL", "https://linear.app/oauth/authorize"),
		TokenURL:     envOr("UPSTREAM_TOKEN_URL", "https://api.linear.app/oauth/token"),
		ViewerURL:    envOr("UPSTREAM_VIEWER_URL", "https://api.linear.app/graphql"),
	})

	credentialVault := vault.New(backend, envCrypto, log)
	routingTable := routing.New(backend)
	bearerValidator := upstream.NewBearerValidator(upstreamClient)
	pushRegistry := push.NewRegistry(backend)
	pushSender := push.New(log)

	streamHub := stream.New(bearerValidator, routingTable, log)
	if ms := os.Getenv("DISCONNECT_AFTER_MS"); ms != "" {
		if n, err := strconv.Atoi(ms); err == nil && n > 0 {
			streamHub.DisconnectAfter = time.Duration(n) * time.Millisecond
		}
	}

	dispatcher := dispatch.New(routingTable, streamHub, pushRegistry, pushSender, log)

	coordinator := oauth.New(upstreamClient, credentialVault, backend, log, envOr("CUSTOM_SCHEME", "cyrus"))

	webhookHandler := webhook.New([]byte(mustEnv("WEBHOOK_SIGNING_SECRET")), dispatcher, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/", handleDashboard)
	mux.HandleFunc("/oauth/authorize", coordinator.Authorize)
	mux.HandleFunc("/oauth/callback", coordinator.Callback)
	mux.HandleFunc("/webhook", webhookHandler.ServeHTTP)
	mux.HandleFunc("/events/stream", streamHub.ServeHTTP)
	mux.HandleFunc("/events/stream/ws", streamHub.ServeWSTail)
	mux.HandleFunc("/events/status", handleEventStatus(bearerValidator, log))
	mux.HandleFunc("/healthz", handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	port := envOr("LISTEN_PORT", "8080")
	srv := &http.Server{
		Addr:        ":" + port,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		// No write timeout: /events/stream connections are long-lived.
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srvErr := make(chan error, 1)
	go func() {
		log.Info("Relay listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			srvErr <- err
		}
		close(srvErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down relay")
		streamHub.Drain()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error(err, "Server shutdown error")
		}
	case err := <-srvErr:
		if err != nil {
			log.Error(err, "Server failed")
			os.Exit(1)
		}
	}
}

// buildStore selects the store.Store backend: Redis when REDIS_ADDR is set
// (the production, multi-replica backend), an in-process map otherwise (the
// default, and what every test in this repo uses).
func buildStore(log logr.Logger) (store.Store, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		log.Info("No REDIS_ADDR set, using in-memory store")
		return memstore.New(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
	log.Info("Using Redis store", "addr", addr)
	return redisstore.New(client), nil
}

// handleHealthz responds to liveness probes.
func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleEventStatus implements POST /events/status: an edge reports
// per-event delivery status back to the relay.
func handleEventStatus(validator *upstream.BearerValidator, log logr.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		token := bearerFromHeader(r)
		if token == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if _, workspaces, err := validator.Validate(r.Context(), token); err != nil || len(workspaces) == 0 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		var report struct {
			EventID string `json:"eventId"`
			Status  string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&report); err != nil || report.EventID == "" {
			http.Error(w, "Malformed status report", http.StatusBadRequest)
			return
		}

		log.Info("Edge reported event status", "event", report.EventID, "status", report.Status)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]bool{"received": true})
	}
}

func bearerFromHeader(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

var dashboardPage = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>devplane relay</title></head>
<body>
<h1>devplane relay</h1>
<p>Edge-proxy event distribution core. See <code>/metrics</code> and <code>/healthz</code>.</p>
</body>
</html>
`))

// handleDashboard serves a minimal human-readable status page.
func handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = dashboardPage.Execute(w, nil)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		fmt.Fprintf(os.Stderr, "required env var %q is not set\n", key)
		os.Exit(1)
	}
	return v
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
