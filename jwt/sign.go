package jwt

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"math/big"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// SigningMethod implements jwt.SigningMethod with crypto.Signer as the key.
// Verification is done by the standard method of the algorithm.
type SigningMethod struct {
	alg     string
	hash    crypto.Hash
	keySize int
}

// Ensure compiles
var _ jwt.SigningMethod = (*SigningMethod)(nil)

// NewSigningMethod returns SigningMethod for the public key
func NewSigningMethod(pub crypto.PublicKey) (*SigningMethod, error) {
	m := new(SigningMethod)
	switch typ := pub.(type) {
	case *rsa.PublicKey:
		m.keySize = typ.N.BitLen()
		switch {
		case m.keySize >= 4096:
			m.alg, m.hash = "RS512", crypto.SHA512
		case m.keySize >= 3072:
			m.alg, m.hash = "RS384", crypto.SHA384
		default:
			m.alg, m.hash = "RS256", crypto.SHA256
		}
	case *ecdsa.PublicKey:
		switch typ.Curve {
		case elliptic.P521():
			m.alg, m.hash = "ES512", crypto.SHA512
		case elliptic.P384():
			m.alg, m.hash = "ES384", crypto.SHA384
		default:
			m.alg, m.hash = "ES256", crypto.SHA256
		}
		m.keySize = typ.Curve.Params().BitSize
	default:
		return nil, errors.Errorf("public key not supported: %T", typ)
	}
	return m, nil
}

// Alg returns the JWS algorithm name
func (m *SigningMethod) Alg() string {
	return m.alg
}

// Hash returns the digest algorithm
func (m *SigningMethod) Hash() crypto.Hash {
	return m.hash
}

// Sign returns the signature of signingString, key must be crypto.Signer
func (m *SigningMethod) Sign(signingString string, key any) ([]byte, error) {
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, errors.WithMessagef(jwt.ErrInvalidKeyType, "%T", key)
	}

	h := m.hash.New()
	h.Write([]byte(signingString))

	sig, err := signer.Sign(rand.Reader, h.Sum(nil), m.hash)
	if err != nil {
		return nil, errors.WithMessage(err, "unable to sign")
	}
	if m.alg[0] == 'E' {
		return ecdsaRaw(sig, m.keySize)
	}
	return sig, nil
}

// Verify verifies the signature with the public key
func (m *SigningMethod) Verify(signingString string, sig []byte, key any) error {
	return jwt.GetSigningMethod(m.alg).Verify(signingString, sig, key)
}

// ecdsaRaw converts ASN.1 signature to r||s form
func ecdsaRaw(sig []byte, curveBits int) ([]byte, error) {
	var (
		r, s  = &big.Int{}, &big.Int{}
		inner cryptobyte.String
	)
	input := cryptobyte.String(sig)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) ||
		!input.Empty() ||
		!inner.ReadASN1Integer(r) ||
		!inner.ReadASN1Integer(s) ||
		!inner.Empty() {
		return nil, errors.New("unable to decode ECDSA signature")
	}

	keyBytes := (curveBits + 7) / 8
	out := make([]byte, 2*keyBytes)
	r.FillBytes(out[:keyBytes])
	s.FillBytes(out[keyBytes:])
	return out, nil
}
