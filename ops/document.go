package ops

import (
	"crypto"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xtoken/jwt"
	"github.com/go-jose/go-jose/v3"
)

// opaqueSigner implements jose.OpaqueSigner with crypto.Signer
type opaqueSigner struct {
	signer crypto.Signer
	method *jwt.SigningMethod
	kid    string
}

func (s *opaqueSigner) Public() *jose.JSONWebKey {
	return &jose.JSONWebKey{
		Key:       s.signer.Public(),
		KeyID:     s.kid,
		Algorithm: s.method.Alg(),
		Use:       "sig",
	}
}

func (s *opaqueSigner) Algs() []jose.SignatureAlgorithm {
	return []jose.SignatureAlgorithm{jose.SignatureAlgorithm(s.method.Alg())}
}

func (s *opaqueSigner) SignPayload(payload []byte, alg jose.SignatureAlgorithm) ([]byte, error) {
	if string(alg) != s.method.Alg() {
		return nil, errors.Errorf("unsupported algorithm: %s", alg)
	}
	return s.method.Sign(string(payload), s.signer)
}

// SignDocument returns JWS of the document with detached payload,
// kid is added to the protected header when not empty
func SignDocument(signer crypto.Signer, kid string, payload []byte) (string, error) {
	m, err := jwt.NewSigningMethod(signer.Public())
	if err != nil {
		return "", err
	}
	opaque := &opaqueSigner{signer: signer, method: m, kid: kid}

	opts := (&jose.SignerOptions{}).WithType("JOSE")
	if kid != "" {
		opts = opts.WithHeader(jose.HeaderKey("kid"), kid)
	}
	js, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.SignatureAlgorithm(m.Alg()),
		Key:       opaque,
	}, opts)
	if err != nil {
		return "", errors.WithMessage(err, "unable to create signer")
	}

	obj, err := js.Sign(payload)
	if err != nil {
		return "", errors.WithMessage(err, "unable to sign document")
	}
	return obj.DetachedCompactSerialize()
}

// VerifyDocument verifies JWS with detached payload
func VerifyDocument(signature string, payload []byte, pub crypto.PublicKey) error {
	obj, err := jose.ParseDetached(signature, payload)
	if err != nil {
		return errors.WithMessage(err, "unable to parse signature")
	}
	if _, err = obj.Verify(pub); err != nil {
		return errors.WithMessage(err, "invalid signature")
	}
	return nil
}
