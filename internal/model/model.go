// Package model holds the data types shared across the relay: workspaces,
// credentials, auth state, edge connections and the envelope wire format.
package model

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Workspace is the tenancy unit issued by the upstream. Created on first
// successful OAuth completion, refreshed on each subsequent completion.
type Workspace struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Slug    string   `json:"urlSlug"`
	TeamIDs []string `json:"teamIds"`
}

// Credential is the plaintext bearer credential obtained from the upstream
// OAuth token endpoint. It never touches the store in this form; only
// EnvelopeCrypto-produced EncryptedCredential records are persisted.
type Credential struct {
	WorkspaceID  string    `json:"workspaceId"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	TokenType    string    `json:"tokenType"`
	Scopes       []string  `json:"scopes"`
	ObtainedAt   time.Time `json:"obtainedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	ViewerID     string    `json:"viewerId"`
	ViewerEmail  string    `json:"viewerEmail"`
}

// EncryptedCredential mirrors Credential but carries ciphertexts in place of
// the two token fields. AccessToken and RefreshToken are base64-encoded
// AES-GCM ciphertexts produced under the single Nonce (also base64), see
// crypto.EnvelopeCrypto for why one nonce per record is safe here.
type EncryptedCredential struct {
	WorkspaceID     string    `json:"workspaceId"`
	AccessToken     string    `json:"accessToken"`
	RefreshToken    string    `json:"refreshToken,omitempty"`
	Nonce           string    `json:"nonce"`
	TokenType       string    `json:"tokenType"`
	Scopes          []string  `json:"scopes"`
	ObtainedAt      time.Time `json:"obtainedAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
	ViewerID        string    `json:"viewerId"`
	ViewerEmail     string    `json:"viewerEmail"`
	HasRefreshToken bool      `json:"hasRefreshToken"`
}

// AuthState is the short-lived record issued at /oauth/authorize and
// consumed exactly once at /oauth/callback. TTL is 10 minutes.
type AuthState struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"createdAt"`
	RedirectURI string    `json:"redirectUri"`
	Callback    string    `json:"callback,omitempty"`
}

// AuthStateTTL is the lifetime of an AuthState record.
const AuthStateTTL = 10 * time.Minute

// EdgeConnectionRecord is the persisted view of an EdgeConnection. The
// bearer credential itself is held only in memory by the StreamHub and is
// never written to the store — only its fingerprint is.
type EdgeConnectionRecord struct {
	Fingerprint string    `json:"fingerprint"`
	Workspaces  []string  `json:"workspaces"`
	FirstSeen   time.Time `json:"firstSeen"`
	LastSeen    time.Time `json:"lastSeen"`
}

// EdgeConnectionTTL is the time an EdgeConnection survives without a heartbeat.
const EdgeConnectionTTL = time.Hour

// RegisteredEdge is a push-mode edge registration: a target URL and secret
// the Dispatcher uses to deliver envelopes via signed HTTP POST instead of
// a streamed connection.
type RegisteredEdge struct {
	Fingerprint  string    `json:"fingerprint"`
	URL          string    `json:"url"`
	Name         string    `json:"name"`
	Capabilities []string  `json:"capabilities"`
	Workspaces   []string  `json:"workspaces"`
	Secret       string    `json:"secret"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastSeen     time.Time `json:"lastSeen"`
}

// RegisteredEdgeTTL is the credential lifetime for a push-mode registration.
const RegisteredEdgeTTL = 90 * 24 * time.Hour

// EnvelopeType tags the three kinds of line the relay ever writes to a stream.
type EnvelopeType string

const (
	EnvelopeConnection EnvelopeType = "connection"
	EnvelopeHeartbeat  EnvelopeType = "heartbeat"
	EnvelopeWebhook    EnvelopeType = "webhook"
)

// Envelope is a single NDJSON line delivered to an edge. Envelopes are
// never persisted; they exist only for the duration of a dispatch.
type Envelope struct {
	ID        string       `json:"id"`
	Type      EnvelopeType `json:"type"`
	Timestamp string       `json:"timestamp"`
	Status    string       `json:"status,omitempty"`
	Data      interface{}  `json:"data,omitempty"`
}

var envelopeSeq atomic.Uint64

// NewEnvelopeID returns a human-readable, process-unique envelope id: a
// monotonic in-process sequence number suffixed with the wall-clock time so
// ids stay unique across restarts too. The counter itself is not a
// correctness input — only the wall-clock suffix guarantees that.
func NewEnvelopeID() string {
	n := envelopeSeq.Add(1)
	return fmt.Sprintf("%d-%d", n, time.Now().UnixNano())
}

// NewEnvelope builds an Envelope with a fresh id and RFC3339 timestamp.
func NewEnvelope(typ EnvelopeType, data interface{}) Envelope {
	return Envelope{
		ID:        NewEnvelopeID(),
		Type:      typ,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}
}
