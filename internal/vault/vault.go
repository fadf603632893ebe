// Package vault implements CredentialVault: encrypted upstream credentials
// keyed by workspace, self-healing on corruption.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/devplane/relay/internal/crypto"
	"github.com/devplane/relay/internal/model"
	"github.com/devplane/relay/internal/store"
)

// ErrNotImplemented is returned by Refresh: the refresh-token grant is
// declared by the spec but not implemented. Callers must be prepared for
// it and fall back to evicting the credential and re-prompting OAuth.
var ErrNotImplemented = errors.New("vault: refresh not implemented")

const keyPrefix = "oauth:token:"

func key(workspaceID string) string {
	return keyPrefix + workspaceID
}

// Vault wraps an EnvelopeCrypto and a Store to persist credentials only in
// encrypted form; the plaintext credential never touches the store.
type Vault struct {
	store  store.Store
	crypto *crypto.EnvelopeCrypto
	log    logr.Logger
}

// New returns a Vault backed by s and c.
func New(s store.Store, c *crypto.EnvelopeCrypto, log logr.Logger) *Vault {
	return &Vault{store: s, crypto: c, log: log}
}

// Save encrypts and stores cred, using a TTL of max(1s, expiry-now).
func (v *Vault) Save(ctx context.Context, cred model.Credential) error {
	enc, err := v.crypto.EncryptCredential(cred)
	if err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}

	data, err := json.Marshal(enc)
	if err != nil {
		return fmt.Errorf("marshal encrypted credential: %w", err)
	}

	ttl := time.Until(cred.ExpiresAt)
	if ttl < time.Second {
		ttl = time.Second
	}

	if err := v.store.Put(ctx, key(cred.WorkspaceID), data, ttl); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

// Get decrypts and returns the credential for workspaceID. On ErrCorrupt it
// self-heals by deleting the record and returning store.ErrNotFound — a
// corrupt record is unrecoverable, so "absent" is the correct observation.
func (v *Vault) Get(ctx context.Context, workspaceID string) (model.Credential, error) {
	data, err := v.store.Get(ctx, key(workspaceID))
	if err != nil {
		return model.Credential{}, err
	}

	var enc model.EncryptedCredential
	if err := json.Unmarshal(data, &enc); err != nil {
		return model.Credential{}, fmt.Errorf("unmarshal encrypted credential: %w", err)
	}

	cred, err := v.crypto.DecryptCredential(enc)
	if err != nil {
		if errors.Is(err, crypto.ErrCorrupt) {
			v.log.Error(err, "Corrupt credential record, deleting", "workspace", workspaceID)
			if delErr := v.store.Delete(ctx, key(workspaceID)); delErr != nil {
				v.log.Error(delErr, "Failed to delete corrupt credential record", "workspace", workspaceID)
			}
			return model.Credential{}, store.ErrNotFound
		}
		return model.Credential{}, err
	}
	return cred, nil
}

// Delete removes the stored credential for workspaceID (explicit revocation).
func (v *Vault) Delete(ctx context.Context, workspaceID string) error {
	return v.store.Delete(ctx, key(workspaceID))
}

// Refresh is declared by the spec but not implemented; it always returns
// ErrNotImplemented. Callers should treat an expired credential as needing
// eviction and a fresh OAuth round-trip rather than a token refresh.
func (v *Vault) Refresh(_ context.Context, _ string) (model.Credential, error) {
	return model.Credential{}, ErrNotImplemented
}
