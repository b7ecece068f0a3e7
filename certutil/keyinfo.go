package certutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"fmt"

	"github.com/cockroachdb/errors"
)

// Key types
const (
	KeyTypeRSA   = "RSA"
	KeyTypeECDSA = "ECDSA"
)

// KeyInfo describes the public part of a key pair.
// Token keys are described by their public key only.
type KeyInfo struct {
	Type    string
	KeySize int
	// Curve is the name of ECDSA curve
	Curve string
	// Hash is the digest matching the key strength
	Hash crypto.Hash
	// Private is set for signers and decrypters
	Private bool
	Public  crypto.PublicKey
}

// NewKeyInfo returns KeyInfo for a public key, crypto.Signer
// or crypto.Decrypter
func NewKeyInfo(k any) (*KeyInfo, error) {
	ki := new(KeyInfo)
	pub := k
	switch typ := k.(type) {
	case crypto.Signer:
		ki.Private = true
		pub = typ.Public()
	case crypto.Decrypter:
		ki.Private = true
		pub = typ.Public()
	}

	switch typ := pub.(type) {
	case *rsa.PublicKey:
		ki.Type = KeyTypeRSA
		ki.KeySize = typ.N.BitLen()
	case *ecdsa.PublicKey:
		ki.Type = KeyTypeECDSA
		ki.KeySize = typ.Curve.Params().BitSize
		ki.Curve = typ.Curve.Params().Name
	default:
		return nil, errors.Errorf("key not supported: %T", pub)
	}
	ki.Public = pub
	ki.Hash = ki.hash()
	return ki, nil
}

// String returns the key description, e.g. "ECDSA P-256" or "RSA 2048"
func (ki *KeyInfo) String() string {
	if ki.Curve != "" {
		return ki.Type + " " + ki.Curve
	}
	return fmt.Sprintf("%s %d", ki.Type, ki.KeySize)
}

// X509SignatureAlgorithm returns the signature algorithm for certificates
// and requests signed by the key
func (ki *KeyInfo) X509SignatureAlgorithm() x509.SignatureAlgorithm {
	algs, ok := signatureAlgorithms[ki.Type]
	if !ok {
		return x509.UnknownSignatureAlgorithm
	}
	if alg, ok := algs[ki.Hash]; ok {
		return alg
	}
	return algs[crypto.SHA256]
}

var signatureAlgorithms = map[string]map[crypto.Hash]x509.SignatureAlgorithm{
	KeyTypeRSA: {
		crypto.SHA256: x509.SHA256WithRSA,
		crypto.SHA384: x509.SHA384WithRSA,
		crypto.SHA512: x509.SHA512WithRSA,
	},
	KeyTypeECDSA: {
		crypto.SHA256: x509.ECDSAWithSHA256,
		crypto.SHA384: x509.ECDSAWithSHA384,
		crypto.SHA512: x509.ECDSAWithSHA512,
	},
}

// hash returns SHA-2 digest of the key strength,
// RSA keys below 2048 bits are not signed with SHA-1
func (ki *KeyInfo) hash() crypto.Hash {
	switch ki.Type {
	case KeyTypeRSA:
		switch {
		case ki.KeySize >= 4096:
			return crypto.SHA512
		case ki.KeySize >= 3072:
			return crypto.SHA384
		}
	case KeyTypeECDSA:
		switch {
		case ki.KeySize > 384:
			return crypto.SHA512
		case ki.KeySize > 256:
			return crypto.SHA384
		}
	}
	return crypto.SHA256
}
