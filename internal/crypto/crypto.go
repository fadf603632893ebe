// Package crypto implements envelope encryption for stored credentials:
// AES-GCM for the token ciphertexts, SHA-256 for bearer fingerprints.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/devplane/relay/internal/model"
)

// ErrCorrupt is returned when a stored record fails AES-GCM authentication,
// i.e. its auth tag doesn't match. Callers treat this as "record is
// unrecoverable" and delete it.
var ErrCorrupt = errors.New("crypto: credential record is corrupt")

const (
	keySize   = 32 // AES-256
	nonceSize = 12 // 96 bits, per spec
)

// EnvelopeCrypto derives a single symmetric key once at construction by
// right-padding the configured secret to keySize bytes and truncating, and
// caches it for the process lifetime.
type EnvelopeCrypto struct {
	gcm cipher.AEAD
}

// New derives the encryption key from secret and returns an EnvelopeCrypto
// ready for repeated use.
func New(secret string) (*EnvelopeCrypto, error) {
	key := padKey(secret)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("init AES-GCM: %w", err)
	}
	return &EnvelopeCrypto{gcm: gcm}, nil
}

// padKey right-pads secret with zero bytes to keySize and truncates if longer.
func padKey(secret string) []byte {
	key := make([]byte, keySize)
	copy(key, secret) // copy truncates to len(key) if secret is longer
	return key
}

// EncryptCredential encrypts cred's tokens under a freshly generated nonce.
// The access-token and (if present) refresh-token ciphertexts are produced
// under the SAME nonce: safe here because the pair is generated and
// persisted atomically from one fresh nonce and never partially rewritten
// (see model.EncryptedCredential). Do not reuse this shortcut for records
// whose fields might be updated independently.
func (c *EnvelopeCrypto) EncryptCredential(cred model.Credential) (model.EncryptedCredential, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return model.EncryptedCredential{}, fmt.Errorf("generate nonce: %w", err)
	}

	accessCT := c.gcm.Seal(nil, nonce, []byte(cred.AccessToken), []byte("access_token"))

	enc := model.EncryptedCredential{
		WorkspaceID: cred.WorkspaceID,
		AccessToken: base64.StdEncoding.EncodeToString(accessCT),
		Nonce:       base64.StdEncoding.EncodeToString(nonce),
		TokenType:   cred.TokenType,
		Scopes:      cred.Scopes,
		ObtainedAt:  cred.ObtainedAt,
		ExpiresAt:   cred.ExpiresAt,
		ViewerID:    cred.ViewerID,
		ViewerEmail: cred.ViewerEmail,
	}

	if cred.RefreshToken != "" {
		refreshCT := c.gcm.Seal(nil, nonce, []byte(cred.RefreshToken), []byte("refresh_token"))
		enc.RefreshToken = base64.StdEncoding.EncodeToString(refreshCT)
		enc.HasRefreshToken = true
	}

	return enc, nil
}

// DecryptCredential is the inverse of EncryptCredential. It returns
// ErrCorrupt on any auth-tag mismatch in either ciphertext.
func (c *EnvelopeCrypto) DecryptCredential(enc model.EncryptedCredential) (model.Credential, error) {
	nonce, err := base64.StdEncoding.DecodeString(enc.Nonce)
	if err != nil {
		return model.Credential{}, fmt.Errorf("%w: decode nonce: %v", ErrCorrupt, err)
	}

	accessCT, err := base64.StdEncoding.DecodeString(enc.AccessToken)
	if err != nil {
		return model.Credential{}, fmt.Errorf("%w: decode access token: %v", ErrCorrupt, err)
	}
	accessPT, err := c.gcm.Open(nil, nonce, accessCT, []byte("access_token"))
	if err != nil {
		return model.Credential{}, fmt.Errorf("%w: open access token: %v", ErrCorrupt, err)
	}

	cred := model.Credential{
		WorkspaceID: enc.WorkspaceID,
		AccessToken: string(accessPT),
		TokenType:   enc.TokenType,
		Scopes:      enc.Scopes,
		ObtainedAt:  enc.ObtainedAt,
		ExpiresAt:   enc.ExpiresAt,
		ViewerID:    enc.ViewerID,
		ViewerEmail: enc.ViewerEmail,
	}

	if enc.HasRefreshToken {
		refreshCT, err := base64.StdEncoding.DecodeString(enc.RefreshToken)
		if err != nil {
			return model.Credential{}, fmt.Errorf("%w: decode refresh token: %v", ErrCorrupt, err)
		}
		refreshPT, err := c.gcm.Open(nil, nonce, refreshCT, []byte("refresh_token"))
		if err != nil {
			return model.Credential{}, fmt.Errorf("%w: open refresh token: %v", ErrCorrupt, err)
		}
		cred.RefreshToken = string(refreshPT)
	}

	return cred, nil
}

// Fingerprint returns the hex SHA-256 of secret, used to derive edge
// identifiers from bearer strings so the bearer itself never appears as a
// store key.
func Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
