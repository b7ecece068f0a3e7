// Package cryptoprov holds the process-wide cryptographic method table and
// the token configuration shared by the PKCS#11 layer, the engine bridge and
// the transport controller.
//
// The method table maps each method category (key serialization, key
// operations, digests, ciphers, random) to the provider installed as the
// default for that category. A category without an installed provider falls
// back to the Go standard library implementation. The hardware engine
// installs itself for every category except random generation.
//
// Configuration is loaded from JSON or YAML files that describe the PKCS#11
// module, the token to select, the PIN and additional transport attributes.
package cryptoprov
