package engine

import (
	"github.com/effective-security/xtoken/crypto11"
	"github.com/effective-security/xtoken/cryptoprov"
	"github.com/miekg/pkcs11"
)

// NativeSession is a token session adapted by the backend.
// It is reference counted: each owner calls Release once.
type NativeSession interface {
	Handle() pkcs11.SessionHandle
	Retain()
	Release() error
}

// Backend is the native side of the engine
type Backend interface {
	Name() string

	// Load loads the native module
	Load() error
	// Init initializes the loaded module
	Init() error
	// SetDefault installs the backend as provider of the method category
	SetDefault(m cryptoprov.Method) error
	// Unregister removes the backend from the method category
	Unregister(m cryptoprov.Method) error
	// Finish finalizes the module
	Finish() error
	// Free unloads the module
	Free() error

	// FunctionList returns the native function list
	FunctionList() (crypto11.Ctx, error)
	// NewSession adapts the token session
	NewSession(fl crypto11.Ctx, session pkcs11.SessionHandle, flags uint, data any) (NativeSession, error)
	// NewKeyPair returns key for the private and public objects,
	// the key must retain the session
	NewKeyPair(s NativeSession, priv, pub pkcs11.ObjectHandle) (*Key, error)
}
