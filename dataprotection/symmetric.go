package dataprotection

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/hkdf"
)

type symProvider struct {
	gcm       cipher.AEAD
	nonceSize int
}

// NewSymmetric returns `Provider` based on AES256-GCM encryption,
// the key is derived from the secret with HKDF-SHA256 for the purpose
func NewSymmetric(secret []byte, purpose string) (Provider, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret must be provided")
	}

	kdf := hkdf.New(sha256.New, secret, nil, []byte(purpose))

	// AES-256
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, errors.WithStack(err)
	}

	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	gcm, err := cipher.NewGCM(c)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &symProvider{gcm: gcm, nonceSize: gcm.NonceSize()}, nil
}

// Protect returns nonce followed by the sealed data
func (p symProvider) Protect(_ context.Context, data, associated []byte) ([]byte, error) {
	nonce := make([]byte, p.nonceSize, p.nonceSize+len(data)+p.gcm.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.WithStack(err)
	}
	return p.gcm.Seal(nonce, nonce, data, associated), nil
}

// Unprotect returns unprotected data
func (p symProvider) Unprotect(_ context.Context, protected, associated []byte) ([]byte, error) {
	if len(protected) < p.nonceSize+p.gcm.Overhead() {
		return nil, errors.New("invalid data")
	}
	plaintext, err := p.gcm.Open(nil, protected[:p.nonceSize], protected[p.nonceSize:], associated)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to unprotect")
	}
	return plaintext, nil
}
