package cryptoprov

import (
	"crypto"
	"crypto/cipher"
	"hash"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// Method specifies a category of cryptographic methods
type Method int

// Method categories
const (
	MethodKeySerialization Method = iota + 1
	MethodKey
	MethodDigest
	MethodCipher
	MethodRandom
)

// AllMethods lists every method category
var AllMethods = []Method{
	MethodKeySerialization,
	MethodKey,
	MethodDigest,
	MethodCipher,
	MethodRandom,
}

var methodNames = map[Method]string{
	MethodKeySerialization: "key_serialization",
	MethodKey:              "key",
	MethodDigest:           "digest",
	MethodCipher:           "cipher",
	MethodRandom:           "random",
}

func (m Method) String() string {
	if s, ok := methodNames[m]; ok {
		return s
	}
	return "unknown"
}

// Provider is a named provider of cryptographic methods.
// Capabilities are discovered with the KeySerializer, KeyMethods,
// Digester and CipherFactory interfaces.
type Provider interface {
	Name() string
}

// KeySerializer serializes keys that are not exportable
type KeySerializer interface {
	Provider
	// MarshalKey returns a reference to the key, such as PKCS#11 URI
	MarshalKey(key crypto.PrivateKey) (string, error)
}

// KeyMethods provides private key operations
type KeyMethods interface {
	Provider
	// Signer returns crypto.Signer for the key, if the key is managed by the provider
	Signer(key crypto.PrivateKey) (crypto.Signer, bool)
	// Decrypter returns crypto.Decrypter for the key, if the key is managed by the provider
	Decrypter(key crypto.PrivateKey) (crypto.Decrypter, bool)
}

// Digester provides hash functions
type Digester interface {
	Provider
	// NewHash returns hash.Hash for the algorithm
	NewHash(h crypto.Hash) (hash.Hash, error)
	// Digests returns the list of supported algorithms
	Digests() []crypto.Hash
}

// CipherFactory provides AEAD ciphers
type CipherFactory interface {
	Provider
	// NewAEAD returns AEAD cipher for the algorithm
	NewAEAD(alg string, key []byte) (cipher.AEAD, error)
	// Ciphers returns the list of supported algorithms
	Ciphers() []string
}

var (
	lockMethods sync.RWMutex
	defaults    = make(map[Method]Provider)
)

// SetDefault installs the provider as default for the method category.
// It fails if the category already has a different provider installed.
func SetDefault(m Method, p Provider) error {
	if p == nil {
		return errors.Errorf("nil provider for %s methods", m)
	}
	if _, ok := methodNames[m]; !ok {
		return errors.Errorf("unknown method category: %d", int(m))
	}

	lockMethods.Lock()
	defer lockMethods.Unlock()

	if cur, ok := defaults[m]; ok && cur != p {
		return errors.Errorf("%s methods already provided by: %s", m, cur.Name())
	}
	defaults[m] = p
	return nil
}

// Unregister removes the default provider for the method category
func Unregister(m Method) (Provider, error) {
	lockMethods.Lock()
	defer lockMethods.Unlock()

	if p, ok := defaults[m]; ok {
		delete(defaults, m)
		return p, nil
	}

	return nil, errors.Errorf("not registered: %s", m)
}

// Default returns the provider installed for the method category,
// or nil if the software implementation is used
func Default(m Method) Provider {
	lockMethods.RLock()
	defer lockMethods.RUnlock()
	return defaults[m]
}

// Registered returns method categories with installed providers
func Registered() []Method {
	lockMethods.RLock()
	defer lockMethods.RUnlock()

	list := make([]Method, 0, len(defaults))
	for m := range defaults {
		list = append(list, m)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}
