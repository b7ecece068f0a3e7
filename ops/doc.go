// Package ops performs the cryptographic operations with the keys
// wrapped by the engine: document signatures, key wrapping with
// envelopes, certificate requests and self-signed certificates.
//
// The operations accept crypto.Signer and crypto.Decrypter, so the same
// code serves token keys and software keys.
package ops
