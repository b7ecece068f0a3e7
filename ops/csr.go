package ops

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xtoken/certutil"
)

// Request specifies the subject of a certificate
type Request struct {
	Subject        pkix.Name
	DNSNames       []string
	EmailAddresses []string
}

// CreateCSR returns PEM encoded certificate request signed by the key
func CreateCSR(signer crypto.Signer, req *Request) ([]byte, error) {
	ki, err := certutil.NewKeyInfo(signer)
	if err != nil {
		return nil, err
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:            req.Subject,
		DNSNames:           req.DNSNames,
		EmailAddresses:     req.EmailAddresses,
		SignatureAlgorithm: ki.X509SignatureAlgorithm(),
	}, signer)
	if err != nil {
		return nil, errors.WithMessage(err, "unable to create certificate request")
	}
	return certutil.EncodeCSRToPEM(der), nil
}

// SelfSign returns self-signed CA certificate for the key
func SelfSign(signer crypto.Signer, req *Request, validity time.Duration) (*x509.Certificate, error) {
	ki, err := certutil.NewKeyInfo(signer)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	spki, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	skid, err := Digest(crypto.SHA256, spki)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               req.Subject,
		DNSNames:              req.DNSNames,
		EmailAddresses:        req.EmailAddresses,
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          skid[:20],
		SignatureAlgorithm:    ki.X509SignatureAlgorithm(),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, signer.Public(), signer)
	if err != nil {
		return nil, errors.WithMessage(err, "unable to create certificate")
	}
	crt, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return crt, nil
}
