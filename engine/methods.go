package engine

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xtoken/cryptoprov"
	"github.com/miekg/pkcs11"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

// Cipher names served by Methods
const (
	CipherAES256GCM         = "AES-256-GCM"
	CipherChaCha20Poly1305  = "CHACHA20-POLY1305"
	CipherXChaCha20Poly1305 = "XCHACHA20-POLY1305"
)

var digests = map[crypto.Hash]func() hash.Hash{
	crypto.SHA256:   sha256.New,
	crypto.SHA384:   sha512.New384,
	crypto.SHA512:   sha512.New,
	crypto.SHA3_256: func() hash.Hash { return sha3.New256() },
	crypto.SHA3_384: func() hash.Hash { return sha3.New384() },
	crypto.SHA3_512: func() hash.Hash { return sha3.New512() },
	crypto.BLAKE2b_256: func() hash.Hash {
		h, _ := blake2b.New256(nil)
		return h
	},
	crypto.BLAKE2b_512: func() hash.Hash {
		h, _ := blake2b.New512(nil)
		return h
	},
}

var ciphers = map[string]func(key []byte) (cipher.AEAD, error){
	CipherAES256GCM: func(key []byte) (cipher.AEAD, error) {
		if len(key) != 32 {
			return nil, errors.Errorf("invalid key size for %s: %d", CipherAES256GCM, len(key))
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return cipher.NewGCM(block)
	},
	CipherChaCha20Poly1305:  chacha20poly1305.New,
	CipherXChaCha20Poly1305: chacha20poly1305.NewX,
}

// Methods is the method table installed by the engine
type Methods struct {
	name string
}

// Ensure compiles
var (
	_ cryptoprov.KeySerializer = (*Methods)(nil)
	_ cryptoprov.KeyMethods    = (*Methods)(nil)
	_ cryptoprov.Digester      = (*Methods)(nil)
	_ cryptoprov.CipherFactory = (*Methods)(nil)
)

// NewMethods returns the method table for the provider name
func NewMethods(name string) *Methods {
	return &Methods{name: name}
}

// Name returns the provider name
func (m *Methods) Name() string {
	return m.name
}

// Signer returns crypto.Signer for token keys
func (m *Methods) Signer(key crypto.PrivateKey) (crypto.Signer, bool) {
	if k, ok := key.(*Key); ok {
		return k, true
	}
	return nil, false
}

// Decrypter returns crypto.Decrypter for token keys
func (m *Methods) Decrypter(key crypto.PrivateKey) (crypto.Decrypter, bool) {
	if k, ok := key.(*Key); ok {
		return k, true
	}
	return nil, false
}

// MarshalKey returns PKCS#11 URI of the token key.
// Token keys can be referenced, but never exported.
func (m *Methods) MarshalKey(key crypto.PrivateKey) (string, error) {
	k, ok := key.(*Key)
	if !ok {
		return "", errors.Errorf("not a token key: %T", key)
	}

	k.lock.Lock()
	defer k.lock.Unlock()
	if err := k.usable(); err != nil {
		return "", err
	}

	sh := k.session.Handle()
	attrs, err := k.fl.GetAttributeValue(sh, k.priv, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil),
	})
	if err != nil {
		return "", errors.WithMessage(err, "GetAttributeValue")
	}
	si, err := k.fl.GetSessionInfo(sh)
	if err != nil {
		return "", errors.WithMessage(err, "GetSessionInfo")
	}
	ti, err := k.fl.GetTokenInfo(si.SlotID)
	if err != nil {
		return "", errors.WithMessage(err, "GetTokenInfo")
	}

	u := &cryptoprov.KeyURI{
		Manufacturer: strings.TrimSpace(ti.ManufacturerID),
		Model:        strings.TrimSpace(ti.Model),
		Serial:       strings.TrimSpace(ti.SerialNumber),
		Token:        strings.TrimSpace(ti.Label),
		ID:           string(attrs[0].Value),
		Label:        string(attrs[1].Value),
		Type:         "private",
	}
	return u.String(), nil
}

// NewHash returns hash for the algorithm
func (m *Methods) NewHash(h crypto.Hash) (hash.Hash, error) {
	f, ok := digests[h]
	if !ok {
		return nil, errors.Errorf("unsupported digest: %v", h)
	}
	return f(), nil
}

// Digests returns supported digest algorithms
func (m *Methods) Digests() []crypto.Hash {
	res := make([]crypto.Hash, 0, len(digests))
	for h := range digests {
		res = append(res, h)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// NewAEAD returns AEAD cipher for the algorithm name
func (m *Methods) NewAEAD(alg string, key []byte) (cipher.AEAD, error) {
	f, ok := ciphers[strings.ToUpper(alg)]
	if !ok {
		return nil, errors.Errorf("unsupported cipher: %s", alg)
	}
	aead, err := f(key)
	if err != nil {
		return nil, errors.WithMessagef(err, "unable to create %s", alg)
	}
	return aead, nil
}

// Ciphers returns supported cipher names
func (m *Methods) Ciphers() []string {
	res := make([]string, 0, len(ciphers))
	for name := range ciphers {
		res = append(res, name)
	}
	sort.Strings(res)
	return res
}

