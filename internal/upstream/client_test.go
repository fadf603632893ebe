package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAuthCodeURL_IncludesFixedParams(t *testing.T) {
	c := New(Config{
		ClientID:    "client-1",
		RedirectURI: "https://relay.example.com/oauth/callback",
		AuthURL:     "https://upstream.example.com/oauth/authorize",
		TokenURL:    "https://upstream.example.com/oauth/token",
	})

	u := c.AuthCodeURL("state-123")
	if !strings.Contains(u, "actor=app") {
		t.Errorf("AuthCodeURL = %q, want actor=app", u)
	}
	if !strings.Contains(u, "prompt=consent") {
		t.Errorf("AuthCodeURL = %q, want prompt=consent", u)
	}
	if !strings.Contains(u, "state=state-123") {
		t.Errorf("AuthCodeURL = %q, want state=state-123", u)
	}
}

func TestExchangeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "access-xyz",
			"refresh_token": "refresh-xyz",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         "read write",
		})
	}))
	defer srv.Close()

	c := New(Config{
		ClientID:    "client-1",
		RedirectURI: "https://relay.example.com/oauth/callback",
		AuthURL:     srv.URL + "/authorize",
		TokenURL:    srv.URL + "/token",
	})

	tok, err := c.ExchangeCode(context.Background(), "auth-code-1")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if tok.AccessToken != "access-xyz" {
		t.Errorf("AccessToken = %q, want access-xyz", tok.AccessToken)
	}
	if tok.RefreshToken != "refresh-xyz" {
		t.Errorf("RefreshToken = %q, want refresh-xyz", tok.RefreshToken)
	}
}

func TestExchangeCode_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_grant", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Config{
		ClientID: "client-1",
		AuthURL:  srv.URL + "/authorize",
		TokenURL: srv.URL + "/token",
	})

	if _, err := c.ExchangeCode(context.Background(), "bad-code"); err == nil {
		t.Error("ExchangeCode with a rejecting token endpoint should return an error")
	}
}

func TestQueryViewer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer access-xyz" {
			t.Errorf("Authorization header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"viewer": map[string]interface{}{
					"id":    "user-1",
					"email": "user@example.com",
				},
				"organization": map[string]interface{}{
					"id":     "org-1",
					"name":   "Acme",
					"urlKey": "acme",
					"teams": map[string]interface{}{
						"nodes": []map[string]interface{}{{"id": "team-1"}, {"id": "team-2"}},
					},
				},
			},
		})
	}))
	defer srv.Close()

	c := New(Config{ViewerURL: srv.URL + "/graphql"})
	viewer, err := c.QueryViewer(context.Background(), "access-xyz")
	if err != nil {
		t.Fatalf("QueryViewer: %v", err)
	}
	if viewer.UserID != "user-1" || viewer.WorkspaceID != "org-1" {
		t.Errorf("viewer = %+v, want UserID=user-1 WorkspaceID=org-1", viewer)
	}
	if len(viewer.TeamIDs) != 2 {
		t.Errorf("TeamIDs = %v, want 2 entries", viewer.TeamIDs)
	}
}

func TestQueryViewer_IncompleteResponseErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]interface{}{}})
	}))
	defer srv.Close()

	c := New(Config{ViewerURL: srv.URL})
	if _, err := c.QueryViewer(context.Background(), "tok"); err == nil {
		t.Error("QueryViewer with an incomplete response should return an error")
	}
}

func TestTruncatedToken(t *testing.T) {
	tests := []struct {
		token string
		want  string
	}{
		{"short", "short"},
		{"exactlyten", "exactlyten"},
		{"this-is-a-much-longer-token-value", "this-is-a-"},
	}
	for _, tt := range tests {
		if got := TruncatedToken(tt.token); got != tt.want {
			t.Errorf("TruncatedToken(%q) = %q, want %q", tt.token, got, tt.want)
		}
	}
}

func TestSplitScopes(t *testing.T) {
	got := SplitScopes("read write  app:assignable")
	want := []string{"read", "write", "app:assignable"}
	if len(got) != len(want) {
		t.Fatalf("SplitScopes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("SplitScopes[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
