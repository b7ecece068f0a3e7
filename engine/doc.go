// Package engine adapts token-resident key pairs to the standard Go crypto
// interfaces.
//
// An Engine is the process-wide registration of a token backend: it is
// loaded, initialized and installed as the default provider of the
// cryptoprov method tables for all categories except random generation.
// WrapKeys turns a token session and a pair of key object handles into a
// *Key, which implements crypto.Signer and crypto.Decrypter by calling the
// token at the moment of use.
package engine
