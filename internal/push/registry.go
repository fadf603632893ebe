package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devplane/relay/internal/model"
	"github.com/devplane/relay/internal/store"
)

const edgeWorkerPrefix = "edge:worker:"

func edgeWorkerKey(fingerprint string) string {
	return edgeWorkerPrefix + fingerprint
}

// Registry persists push-mode edge registrations (model.RegisteredEdge) and
// resolves the set registered for a given workspace.
type Registry struct {
	store store.Store
}

// NewRegistry returns a Registry backed by s.
func NewRegistry(s store.Store) *Registry {
	return &Registry{store: s}
}

// Register creates or refreshes edge's registration with a fresh
// model.RegisteredEdgeTTL.
func (reg *Registry) Register(ctx context.Context, edge model.RegisteredEdge) error {
	now := time.Now()
	if edge.RegisteredAt.IsZero() {
		edge.RegisteredAt = now
	}
	edge.LastSeen = now

	data, err := json.Marshal(edge)
	if err != nil {
		return fmt.Errorf("marshal registered edge %q: %w", edge.Fingerprint, err)
	}
	if err := reg.store.Put(ctx, edgeWorkerKey(edge.Fingerprint), data, model.RegisteredEdgeTTL); err != nil {
		return fmt.Errorf("store registered edge %q: %w", edge.Fingerprint, err)
	}
	return nil
}

// Deregister removes edge's registration.
func (reg *Registry) Deregister(ctx context.Context, fingerprint string) error {
	return reg.store.Delete(ctx, edgeWorkerKey(fingerprint))
}

// EdgesFor returns every registered edge authorized for workspaceID.
func (reg *Registry) EdgesFor(ctx context.Context, workspaceID string) ([]model.RegisteredEdge, error) {
	keys, err := reg.store.List(ctx, edgeWorkerPrefix)
	if err != nil {
		return nil, fmt.Errorf("list registered edges: %w", err)
	}

	var matches []model.RegisteredEdge
	for _, key := range keys {
		data, err := reg.store.Get(ctx, key)
		if err != nil {
			continue // evicted between List and Get, skip
		}
		var edge model.RegisteredEdge
		if err := json.Unmarshal(data, &edge); err != nil {
			continue
		}
		for _, ws := range edge.Workspaces {
			if ws == workspaceID {
				matches = append(matches, edge)
				break
			}
		}
	}
	return matches, nil
}
