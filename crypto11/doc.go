// Package crypto11 provides access to PKCS#11 cryptographic tokens
// such as smart cards and USB security keys.
//
// The package loads the vendor module, enumerates slots and tokens,
// opens sessions and locates key pairs by ID or label.
// Private key material never leaves the token: the callers receive
// object handles, and all signing and decryption is performed by the module.
//
// This package is based on github.com/ThalesIgnite/crypto11 with
// modifications for integration with the xtoken engine.
package crypto11
