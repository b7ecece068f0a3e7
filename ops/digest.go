package ops

import (
	"crypto"
	"hash"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xtoken/cryptoprov"
)

// NewHash returns the hash of the installed digest method,
// or the platform implementation if no method is installed
func NewHash(h crypto.Hash) (hash.Hash, error) {
	if d, ok := cryptoprov.Default(cryptoprov.MethodDigest).(cryptoprov.Digester); ok {
		return d.NewHash(h)
	}
	if !h.Available() {
		return nil, errors.Errorf("unsupported digest: %v", h)
	}
	return h.New(), nil
}

// Digest returns the digest of data
func Digest(h crypto.Hash, data []byte) ([]byte, error) {
	hf, err := NewHash(h)
	if err != nil {
		return nil, err
	}
	hf.Write(data)
	return hf.Sum(nil), nil
}
