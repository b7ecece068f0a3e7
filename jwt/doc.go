// Package jwt provides JSON Web Token (JWT) signing and verification
// with keys which are available only as crypto.Signer,
// such as the keys resident on a hardware token.
//
// Tokens are produced and parsed with github.com/golang-jwt/jwt/v5,
// SigningMethod hashes the signing input and delegates the signature
// to the signer.
package jwt
