package upstream

import (
	"container/list"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devplane/relay/internal/crypto"
)

// TestValidate_CacheHit seeds the LRU cache directly then calls Validate to
// exercise the fast path that returns cached results without contacting the
// upstream.
func TestValidate_CacheHit(t *testing.T) {
	v := &BearerValidator{
		index: make(map[string]*list.Element),
		lru:   list.New(),
	}

	rawToken := "cached-bearer-token"
	key := crypto.Fingerprint(rawToken)
	want := &ViewerInfo{UserID: "user-1", WorkspaceID: "ws-1"}
	entry := &cachedValidation{key: key, workspaces: []string{"ws-1"}, viewer: want, expiry: time.Now().Add(time.Minute)}
	elem := v.lru.PushFront(entry)
	v.index[key] = elem

	viewer, workspaces, err := v.Validate(context.Background(), rawToken)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if viewer.UserID != "user-1" {
		t.Errorf("viewer.UserID = %q, want user-1", viewer.UserID)
	}
	if len(workspaces) != 1 || workspaces[0] != "ws-1" {
		t.Errorf("workspaces = %v, want [ws-1]", workspaces)
	}
}

func TestValidate_CacheMissQueriesUpstream(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"viewer":{"id":"user-1","email":"a@b.com"},"organization":{"id":"ws-1","name":"Acme","urlKey":"acme","teams":{"nodes":[]}}}}`))
	}))
	defer srv.Close()

	client := New(Config{ViewerURL: srv.URL})
	v := NewBearerValidator(client)

	_, workspaces, err := v.Validate(context.Background(), "fresh-token")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(workspaces) != 1 || workspaces[0] != "ws-1" {
		t.Errorf("workspaces = %v, want [ws-1]", workspaces)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("upstream calls = %d, want 1", calls)
	}

	// Second call for the same token should hit the cache, not the upstream.
	if _, _, err := v.Validate(context.Background(), "fresh-token"); err != nil {
		t.Fatalf("Validate (second): %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("upstream calls after cache hit = %d, want still 1", calls)
	}
}

func TestValidate_ExpiredCacheEntryRequeries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"viewer":{"id":"user-1","email":"a@b.com"},"organization":{"id":"ws-1","name":"Acme","urlKey":"acme","teams":{"nodes":[]}}}}`))
	}))
	defer srv.Close()

	client := New(Config{ViewerURL: srv.URL})
	v := NewBearerValidator(client)

	key := crypto.Fingerprint("stale-token")
	entry := &cachedValidation{key: key, workspaces: []string{"old-ws"}, viewer: &ViewerInfo{}, expiry: time.Now().Add(-time.Second)}
	elem := v.lru.PushFront(entry)
	v.index[key] = elem

	_, workspaces, err := v.Validate(context.Background(), "stale-token")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if workspaces[0] != "ws-1" {
		t.Errorf("workspaces = %v, want freshly queried [ws-1]", workspaces)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expired entry should have triggered exactly one upstream query, got %d", calls)
	}
}

func TestValidate_UpstreamErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	client := New(Config{ViewerURL: srv.URL})
	v := NewBearerValidator(client)

	if _, _, err := v.Validate(context.Background(), "bad-token"); err == nil {
		t.Error("Validate with a failing upstream should return an error")
	}
}

func TestValidate_EvictsOldestWhenCacheFull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"viewer":{"id":"user-1","email":"a@b.com"},"organization":{"id":"ws-new","name":"Acme","urlKey":"acme","teams":{"nodes":[]}}}}`))
	}))
	defer srv.Close()

	v := NewBearerValidator(New(Config{ViewerURL: srv.URL}))

	// Fill to capacity directly, bypassing the network round trip.
	for i := 0; i < validationCacheMax; i++ {
		key := crypto.Fingerprint(time.Duration(i).String())
		entry := &cachedValidation{key: key, workspaces: []string{"ws"}, viewer: &ViewerInfo{}, expiry: time.Now().Add(time.Minute)}
		elem := v.lru.PushFront(entry)
		v.index[key] = elem
	}
	if v.lru.Len() != validationCacheMax {
		t.Fatalf("setup: lru.Len() = %d, want %d", v.lru.Len(), validationCacheMax)
	}

	oldestKey := v.lru.Back().Value.(*cachedValidation).key

	// A cache miss for a new token queries the upstream and must make room.
	if _, _, err := v.Validate(context.Background(), "new-token"); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if _, ok := v.index[oldestKey]; ok {
		t.Error("oldest entry should have been evicted to make room")
	}
}
