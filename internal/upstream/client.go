// Package upstream talks to the issue-tracking SaaS: the OAuth token
// endpoint and the authenticated viewer/workspace discovery query used both
// by OAuthCoordinator (after code exchange) and by the StreamHub (to bind a
// bearer credential to its accessible workspace set).
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ViewerInfo is what a viewer query returns: the authenticated user's
// identity and their organization (workspace).
type ViewerInfo struct {
	UserID      string
	Email       string
	WorkspaceID string
	Name        string
	Slug        string
	TeamIDs     []string
}

// Client wraps the upstream's OAuth token endpoint and viewer API.
type Client struct {
	oauthConfig oauth2.Config
	viewerURL   string
	httpClient  *http.Client
}

// Config holds the upstream client id/secret/redirect URI and endpoints.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	AuthURL      string
	TokenURL     string
	ViewerURL    string
}

// New returns a Client configured for cfg.
func New(cfg Config) *Client {
	return &Client{
		oauthConfig: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
			Scopes: []string{"read", "write", "app:assignable", "app:mentionable"},
		},
		viewerURL:  cfg.ViewerURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// AuthCodeURL builds the authorize redirect URL for the given state, with
// the fixed actor=app and prompt=consent parameters the upstream requires.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauthConfig.AuthCodeURL(state,
		oauth2.SetAuthURLParam("actor", "app"),
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// ExchangeCode performs the authorization-code grant, returning the raw
// token response. Non-2xx upstream responses surface as a wrapped error
// (spec's TokenExchangeFailed).
func (c *Client) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := c.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	return tok, nil
}

// QueryViewer issues an authenticated viewer query using accessToken and
// returns the viewer's identity plus their workspace (organization).
func (c *Client) QueryViewer(ctx context.Context, accessToken string) (*ViewerInfo, error) {
	const query = `{"query":"{ viewer { id email } organization { id name urlKey teams { nodes { id } } } }"}`

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.viewerURL, bytes.NewBufferString(query))
	if err != nil {
		return nil, fmt.Errorf("build viewer request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("viewer query: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read viewer response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("viewer query failed: status %d", resp.StatusCode)
	}

	var parsed struct {
		Data struct {
			Viewer struct {
				ID    string `json:"id"`
				Email string `json:"email"`
			} `json:"viewer"`
			Organization struct {
				ID     string `json:"id"`
				Name   string `json:"name"`
				URLKey string `json:"urlKey"`
				Teams  struct {
					Nodes []struct {
						ID string `json:"id"`
					} `json:"nodes"`
				} `json:"teams"`
			} `json:"organization"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode viewer response: %w", err)
	}
	if parsed.Data.Viewer.ID == "" || parsed.Data.Organization.ID == "" {
		return nil, fmt.Errorf("viewer query: incomplete response")
	}

	teamIDs := make([]string, 0, len(parsed.Data.Organization.Teams.Nodes))
	for _, n := range parsed.Data.Organization.Teams.Nodes {
		teamIDs = append(teamIDs, n.ID)
	}

	return &ViewerInfo{
		UserID:      parsed.Data.Viewer.ID,
		Email:       parsed.Data.Viewer.Email,
		WorkspaceID: parsed.Data.Organization.ID,
		Name:        parsed.Data.Organization.Name,
		Slug:        parsed.Data.Organization.URLKey,
		TeamIDs:     teamIDs,
	}, nil
}

// TruncatedToken truncates a bearer/access token to 10 characters for safe
// logging, per spec: "token prefixes are truncated to ten characters in logs".
func TruncatedToken(token string) string {
	if len(token) <= 10 {
		return token
	}
	return token[:10]
}

// SplitScopes splits an upstream scope string on whitespace.
func SplitScopes(raw string) []string {
	return strings.Fields(raw)
}
