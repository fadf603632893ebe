// Package oauth implements OAuthCoordinator: the authorization-code grant
// against the upstream, with a local state-token round trip and a
// CredentialVault hand-off.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/devplane/relay/internal/model"
	"github.com/devplane/relay/internal/upstream"
	"github.com/devplane/relay/internal/vault"
)

const stateKeyPrefix = "oauth:state:"

func stateKey(state string) string {
	return stateKeyPrefix + state
}

// Store is the subset of store.Store the coordinator needs for AuthState
// bookkeeping, named narrowly here so tests can fake it without pulling in
// the full package.
type Store interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Coordinator implements the /oauth/authorize and /oauth/callback handlers.
type Coordinator struct {
	client       *upstream.Client
	vault        *vault.Vault
	store        Store
	log          logr.Logger
	customScheme string // URL scheme only, e.g. "cyrus", for the browser-extension hand-off

	consumeMu sync.Mutex // serializes AuthState lookup+delete in Callback
}

// New returns a Coordinator. customScheme is the URL scheme used for the
// non-CLI hand-off page (e.g. "cyrus").
func New(client *upstream.Client, v *vault.Vault, s Store, log logr.Logger, customScheme string) *Coordinator {
	return &Coordinator{client: client, vault: v, store: s, log: log, customScheme: customScheme}
}

// Authorize begins the OAuth flow: it issues a state token, persists an
// AuthState carrying any caller-supplied callback URL in its Callback field,
// and redirects the browser to the upstream. The AuthState's RedirectURI
// field is not filled in.
func (c *Coordinator) Authorize(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	callback := r.URL.Query().Get("callback")

	authState := model.AuthState{
		ID:        state,
		CreatedAt: time.Now(),
		Callback:  callback,
	}
	data, err := json.Marshal(authState)
	if err != nil {
		c.log.Error(err, "Marshal auth state failed")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if err := c.store.Put(r.Context(), stateKey(state), data, model.AuthStateTTL); err != nil {
		c.log.Error(err, "Persist auth state failed")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	redirectURL := c.client.AuthCodeURL(state)
	c.log.Info("Redirecting to upstream authorize endpoint", "remote", r.RemoteAddr)
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// Callback completes the OAuth flow: validates and single-use-consumes the
// state, exchanges the code, discovers the viewer/workspace, writes the
// vault, and hands off to the caller.
func (c *Coordinator) Callback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		http.Error(w, "Missing code or state", http.StatusBadRequest)
		return
	}

	// Get and Delete run under consumeMu, so within this process only one
	// concurrent callback observes the state. The state is deleted before
	// attempting the code exchange: if the exchange below fails, the state is
	// gone and the caller must restart the flow — see spec's Open Question on this.
	c.consumeMu.Lock()
	data, err := c.store.Get(r.Context(), stateKey(state))
	if err == nil {
		if delErr := c.store.Delete(r.Context(), stateKey(state)); delErr != nil {
			c.log.Error(delErr, "Delete auth state failed")
		}
	}
	c.consumeMu.Unlock()
	if err != nil {
		// Absent and expired are indistinguishable, both 400.
		http.Error(w, "Invalid or expired state", http.StatusBadRequest)
		return
	}
	var authState model.AuthState
	if err := json.Unmarshal(data, &authState); err != nil {
		c.log.Error(err, "Unmarshal auth state failed")
		http.Error(w, "Invalid or expired state", http.StatusBadRequest)
		return
	}

	token, err := c.client.ExchangeCode(r.Context(), code)
	if err != nil {
		c.log.Error(err, "Token exchange failed")
		http.Error(w, "Token exchange failed", http.StatusInternalServerError)
		return
	}

	viewer, err := c.client.QueryViewer(r.Context(), token.AccessToken)
	if err != nil {
		c.log.Error(err, "Viewer lookup failed")
		http.Error(w, "Workspace lookup failed", http.StatusInternalServerError)
		return
	}

	now := time.Now()
	cred := model.Credential{
		WorkspaceID: viewer.WorkspaceID,
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		ObtainedAt:  now,
		ExpiresAt:   token.Expiry,
		ViewerID:    viewer.UserID,
		ViewerEmail: viewer.Email,
	}
	if rawScope, ok := token.Extra("scope").(string); ok {
		cred.Scopes = upstream.SplitScopes(rawScope)
	}
	if token.RefreshToken != "" {
		cred.RefreshToken = token.RefreshToken
	}
	if cred.ExpiresAt.IsZero() {
		cred.ExpiresAt = now.Add(time.Hour)
	}

	if err := c.vault.Save(r.Context(), cred); err != nil {
		c.log.Error(err, "Save credential failed", "workspace", viewer.WorkspaceID)
		http.Error(w, "Failed to persist credential", http.StatusInternalServerError)
		return
	}

	c.log.Info("OAuth completed", "workspace", viewer.WorkspaceID, "token", upstream.TruncatedToken(token.AccessToken))
	c.handOff(w, r, authState, viewer, token.AccessToken)
}

// handOff redirects to the caller-supplied callback (CLI flow) if present,
// otherwise renders the custom-scheme hand-off page.
func (c *Coordinator) handOff(w http.ResponseWriter, r *http.Request, authState model.AuthState, viewer *upstream.ViewerInfo, accessToken string) {
	if authState.Callback != "" {
		u, err := url.Parse(authState.Callback)
		if err != nil {
			c.log.Error(err, "Invalid callback URL in auth state")
			http.Error(w, "Invalid callback URL", http.StatusBadRequest)
			return
		}
		q := u.Query()
		q.Set("token", accessToken)
		q.Set("workspaceId", viewer.WorkspaceID)
		q.Set("workspaceName", viewer.Name)
		u.RawQuery = q.Encode()
		http.Redirect(w, r, u.String(), http.StatusFound)
		return
	}

	schemeURL := fmt.Sprintf("%s://oauth?proxyUrl=%s&linearToken=%s&workspaceId=%s&workspaceName=%s&timestamp=%d",
		c.customScheme,
		url.QueryEscape(baseURL(r)),
		url.QueryEscape(accessToken),
		url.QueryEscape(viewer.WorkspaceID),
		url.QueryEscape(viewer.Name),
		time.Now().UnixMilli(),
	)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := handoffPage.Execute(w, handoffData{SchemeURL: schemeURL, WorkspaceName: viewer.Name}); err != nil {
		c.log.Error(err, "Render hand-off page failed")
	}
}

func baseURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil && !strings.HasPrefix(r.Host, "localhost") {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}

type handoffData struct {
	SchemeURL     string
	WorkspaceName string
}

var handoffPage = template.Must(template.New("handoff").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Authorization complete</title>
<meta http-equiv="refresh" content="0; url={{.SchemeURL}}">
<script>window.location.href = "{{.SchemeURL}}";</script>
</head>
<body>
<p>Connected workspace <strong>{{.WorkspaceName}}</strong>.</p>
<p id="fallback" style="display:none">
  If nothing happens, <a href="{{.SchemeURL}}">click here to continue</a>.
</p>
<script>setTimeout(function(){document.getElementById('fallback').style.display='block';}, 2000);</script>
</body>
</html>
`))
