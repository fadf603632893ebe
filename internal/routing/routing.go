// Package routing implements the bidirectional workspace⇄edge index: which
// edges are authorized for, and currently connected on behalf of, a given
// workspace. It is the only mutation path for per-edge routing entries.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devplane/relay/internal/model"
	"github.com/devplane/relay/internal/store"
)

const (
	connectionPrefix = "edge:connection:"
	edgeIndexPrefix  = "workspace:edges:"
)

func connectionKey(fingerprint string) string {
	return connectionPrefix + fingerprint
}

func edgeIndexKey(workspaceID string) string {
	return edgeIndexPrefix + workspaceID
}

// Table is the RoutingTable: a Store-backed index from workspace id to the
// fingerprints of edges authorized and currently attached for it, plus the
// EdgeConnectionRecord for each fingerprint. Every write (Attach, Heartbeat,
// Detach) replaces the full record for its key, so last-writer-wins is
// correct without finer-grained locking.
type Table struct {
	store store.Store
}

// New returns a Table backed by s.
func New(s store.Store) *Table {
	return &Table{store: s}
}

// Attach records a new EdgeConnection for fingerprint, authorized for
// workspaces, and adds fingerprint to each workspace's edge index. Both
// records get a fresh model.EdgeConnectionTTL.
func (t *Table) Attach(ctx context.Context, fingerprint string, workspaces []string) error {
	now := time.Now()
	rec := model.EdgeConnectionRecord{
		Fingerprint: fingerprint,
		Workspaces:  workspaces,
		FirstSeen:   now,
		LastSeen:    now,
	}
	if err := t.putConnection(ctx, rec); err != nil {
		return err
	}
	for _, ws := range workspaces {
		if err := t.addToIndex(ctx, ws, fingerprint); err != nil {
			return err
		}
	}
	return nil
}

// Heartbeat refreshes the TTL of fingerprint's EdgeConnection and every
// workspace edge index entry it participates in, per spec invariant 5.
func (t *Table) Heartbeat(ctx context.Context, fingerprint string) error {
	rec, err := t.getConnection(ctx, fingerprint)
	if err != nil {
		return err
	}
	rec.LastSeen = time.Now()
	if err := t.putConnection(ctx, rec); err != nil {
		return err
	}
	for _, ws := range rec.Workspaces {
		if err := t.addToIndex(ctx, ws, fingerprint); err != nil {
			return err
		}
	}
	return nil
}

// Detach removes fingerprint's EdgeConnection and its entry from every
// workspace edge index it participated in.
func (t *Table) Detach(ctx context.Context, fingerprint string) error {
	rec, err := t.getConnection(ctx, fingerprint)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	if err := t.store.Delete(ctx, connectionKey(fingerprint)); err != nil {
		return fmt.Errorf("delete edge connection %q: %w", fingerprint, err)
	}
	for _, ws := range rec.Workspaces {
		if err := t.removeFromIndex(ctx, ws, fingerprint); err != nil {
			return err
		}
	}
	return nil
}

// EdgesFor returns the fingerprints of edges authorized and currently
// connected for workspaceID. Either the fingerprint has an active
// EdgeConnection whose Workspaces contains workspaceID, or it is stale and
// dropped from the result (invariant: a WorkspaceEdgeIndex entry without a
// live connection is scheduled for removal at next access).
func (t *Table) EdgesFor(ctx context.Context, workspaceID string) ([]string, error) {
	all, err := t.getIndex(ctx, workspaceID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}

	live := make([]string, 0, len(all))
	for _, fp := range all {
		if _, err := t.getConnection(ctx, fp); err == nil {
			live = append(live, fp)
		}
	}
	if len(live) != len(all) {
		// Self-heal: rewrite the index without the stale fingerprints so the
		// next access doesn't re-pay this cost.
		if err := t.putIndex(ctx, workspaceID, live); err != nil {
			return live, err
		}
	}
	return live, nil
}

func (t *Table) getConnection(ctx context.Context, fingerprint string) (model.EdgeConnectionRecord, error) {
	data, err := t.store.Get(ctx, connectionKey(fingerprint))
	if err != nil {
		return model.EdgeConnectionRecord{}, err
	}
	var rec model.EdgeConnectionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.EdgeConnectionRecord{}, fmt.Errorf("unmarshal edge connection %q: %w", fingerprint, err)
	}
	return rec, nil
}

func (t *Table) putConnection(ctx context.Context, rec model.EdgeConnectionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal edge connection %q: %w", rec.Fingerprint, err)
	}
	if err := t.store.Put(ctx, connectionKey(rec.Fingerprint), data, model.EdgeConnectionTTL); err != nil {
		return fmt.Errorf("store edge connection %q: %w", rec.Fingerprint, err)
	}
	return nil
}

func (t *Table) getIndex(ctx context.Context, workspaceID string) ([]string, error) {
	data, err := t.store.Get(ctx, edgeIndexKey(workspaceID))
	if err != nil {
		return nil, err
	}
	var fps []string
	if err := json.Unmarshal(data, &fps); err != nil {
		return nil, fmt.Errorf("unmarshal edge index %q: %w", workspaceID, err)
	}
	return fps, nil
}

func (t *Table) putIndex(ctx context.Context, workspaceID string, fps []string) error {
	data, err := json.Marshal(fps)
	if err != nil {
		return fmt.Errorf("marshal edge index %q: %w", workspaceID, err)
	}
	if err := t.store.Put(ctx, edgeIndexKey(workspaceID), data, model.EdgeConnectionTTL); err != nil {
		return fmt.Errorf("store edge index %q: %w", workspaceID, err)
	}
	return nil
}

func (t *Table) addToIndex(ctx context.Context, workspaceID, fingerprint string) error {
	fps, err := t.getIndex(ctx, workspaceID)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	for _, fp := range fps {
		if fp == fingerprint {
			return t.putIndex(ctx, workspaceID, fps) // still refresh TTL
		}
	}
	return t.putIndex(ctx, workspaceID, append(fps, fingerprint))
}

func (t *Table) removeFromIndex(ctx context.Context, workspaceID, fingerprint string) error {
	fps, err := t.getIndex(ctx, workspaceID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	out := fps[:0]
	for _, fp := range fps {
		if fp != fingerprint {
			out = append(out, fp)
		}
	}
	if len(out) == 0 {
		return t.store.Delete(ctx, edgeIndexKey(workspaceID))
	}
	return t.putIndex(ctx, workspaceID, out)
}
