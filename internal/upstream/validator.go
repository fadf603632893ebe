package upstream

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devplane/relay/internal/crypto"
)

const (
	validationCacheTTL = 5 * time.Minute
	validationCacheMax = 10_000 // bound memory against unbounded distinct bearers
)

// BearerValidator binds a bearer credential to the workspace set it grants
// access to, by querying the upstream viewer endpoint and caching the
// result for validationCacheTTL so repeated stream attaches/reconnects
// don't round-trip to the upstream every time.
type BearerValidator struct {
	client *Client

	mu    sync.Mutex
	index map[string]*list.Element
	lru   *list.List
}

type cachedValidation struct {
	key        string
	workspaces []string
	viewer     *ViewerInfo
	expiry     time.Time
}

// NewBearerValidator returns a BearerValidator that queries client's viewer
// endpoint on cache miss.
func NewBearerValidator(client *Client) *BearerValidator {
	return &BearerValidator{
		client: client,
		index:  make(map[string]*list.Element),
		lru:    list.New(),
	}
}

// Validate returns the ViewerInfo and accessible-workspace set for token.
// An empty workspace set is the caller's (StreamHub's) signal to reject
// with 401, per spec: "This binds streaming permission to the same
// identity that owns the data."
func (v *BearerValidator) Validate(ctx context.Context, token string) (*ViewerInfo, []string, error) {
	key := crypto.Fingerprint(token)

	v.mu.Lock()
	if elem, ok := v.index[key]; ok {
		entry := elem.Value.(*cachedValidation)
		if time.Now().Before(entry.expiry) {
			v.lru.MoveToFront(elem)
			viewer, workspaces := entry.viewer, entry.workspaces
			v.mu.Unlock()
			return viewer, workspaces, nil
		}
		v.lru.Remove(elem)
		delete(v.index, key)
	}
	v.mu.Unlock()

	viewer, err := v.client.QueryViewer(ctx, token)
	if err != nil {
		return nil, nil, fmt.Errorf("validate bearer: %w", err)
	}
	workspaces := []string{viewer.WorkspaceID}

	v.mu.Lock()
	for v.lru.Len() >= validationCacheMax {
		oldest := v.lru.Back()
		if oldest == nil {
			break
		}
		v.lru.Remove(oldest)
		delete(v.index, oldest.Value.(*cachedValidation).key)
	}
	entry := &cachedValidation{key: key, workspaces: workspaces, viewer: viewer, expiry: time.Now().Add(validationCacheTTL)}
	elem := v.lru.PushFront(entry)
	v.index[key] = elem
	v.mu.Unlock()

	return viewer, workspaces, nil
}
