package jwt

import (
	"crypto"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/guid"
	"github.com/effective-security/xlog"
	"github.com/golang-jwt/jwt/v5"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xtoken", "jwt")

// Claims are the token claims
type Claims = jwt.MapClaims

// VerifyConfig expreses the possible options for validating a JWT
type VerifyConfig struct {
	// ExpectedIssuer validates the iss claim of a JWT matches this value
	ExpectedIssuer string
	// ExpectedSubject validates the sub claim of a JWT matches this value
	ExpectedSubject string
	// ExpectedAudience validates that the aud claim of a JWT contains this value
	ExpectedAudience string
}

// Provider signs and verifies tokens with the signer
type Provider struct {
	issuer string
	kid    string
	signer crypto.Signer
	method *SigningMethod
}

// New returns Provider for the issuer,
// kid is added to the header when not empty
func New(issuer, kid string, signer crypto.Signer) (*Provider, error) {
	if issuer == "" {
		return nil, errors.New("issuer not configured")
	}
	m, err := NewSigningMethod(signer.Public())
	if err != nil {
		return nil, err
	}
	return &Provider{
		issuer: issuer,
		kid:    kid,
		signer: signer,
		method: m,
	}, nil
}

// SignToken returns signed JWT token with the standard and extra claims.
// If id is empty, a new one is generated.
func (p *Provider) SignToken(id, subject, audience string, expiry time.Duration, extra Claims) (string, Claims, error) {
	if id == "" {
		id = guid.MustCreate()
	}
	now := time.Now().UTC()

	claims := Claims{}
	for k, v := range extra {
		claims[k] = v
	}
	claims["jti"] = id
	claims["iss"] = p.issuer
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(expiry).Unix()
	if subject != "" {
		claims["sub"] = subject
	}
	if audience != "" {
		claims["aud"] = audience
	}

	token := jwt.NewWithClaims(p.method, claims)
	if p.kid != "" {
		token.Header["kid"] = p.kid
	}

	s, err := token.SignedString(p.signer)
	if err != nil {
		return "", nil, errors.WithMessage(err, "failed to sign token")
	}
	logger.KV(xlog.DEBUG, "status", "signed", "jti", id, "alg", p.method.Alg())
	return s, claims, nil
}

// ParseToken returns the claims of the token signed by the provider
func (p *Provider) ParseToken(token string, cfg *VerifyConfig) (Claims, error) {
	c := VerifyConfig{}
	if cfg != nil {
		c = *cfg
	}
	c.ExpectedIssuer = p.issuer
	return Verify(token, p.signer.Public(), &c)
}

// Verify returns the claims of the token verified with the public key
func Verify(token string, pub crypto.PublicKey, cfg *VerifyConfig) (Claims, error) {
	m, err := NewSigningMethod(pub)
	if err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.Alg()}),
		jwt.WithJSONNumber(),
		jwt.WithExpirationRequired(),
	}
	if cfg != nil {
		if cfg.ExpectedIssuer != "" {
			opts = append(opts, jwt.WithIssuer(cfg.ExpectedIssuer))
		}
		if cfg.ExpectedSubject != "" {
			opts = append(opts, jwt.WithSubject(cfg.ExpectedSubject))
		}
		if cfg.ExpectedAudience != "" {
			opts = append(opts, jwt.WithAudience(cfg.ExpectedAudience))
		}
	}

	claims := Claims{}
	_, err = jwt.NewParser(opts...).ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		logger.KV(xlog.TRACE, "alg", t.Header["alg"], "kid", t.Header["kid"])
		return pub, nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to verify token")
	}
	return claims, nil
}
