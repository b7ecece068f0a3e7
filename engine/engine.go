package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/cryptoprov"
	"github.com/effective-security/xtoken/metricskey"
	"github.com/miekg/pkcs11"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xtoken", "engine")

// InstalledMethods are the method categories served by the engine,
// in the order of installation.
// Random generation stays with the platform provider.
var InstalledMethods = []cryptoprov.Method{
	cryptoprov.MethodKeySerialization,
	cryptoprov.MethodKey,
	cryptoprov.MethodDigest,
	cryptoprov.MethodCipher,
}

// active is the registered engine
var active atomic.Pointer[Engine]

// Engine is the process-wide registration of a token backend
type Engine struct {
	backend Backend

	loaded      bool
	initialized bool
	registered  map[cryptoprov.Method]bool

	closeOnce sync.Once
	closed    atomic.Bool
}

// New loads and initializes the backend, and installs it as
// the default provider of InstalledMethods.
// It panics if the backend fails to load or initialize,
// or if another engine is registered.
func New(b Backend) *Engine {
	e := &Engine{
		backend:    b,
		registered: map[cryptoprov.Method]bool{},
	}
	if !active.CompareAndSwap(nil, e) {
		logger.Panicf("engine is already registered, unable to register: %s", b.Name())
	}

	if err := b.Load(); err != nil {
		e.abort("load", err)
	}
	e.loaded = true

	if err := b.Init(); err != nil {
		e.abort("init", err)
	}
	e.initialized = true

	for _, m := range InstalledMethods {
		if err := b.SetDefault(m); err != nil {
			e.abort("set_default_"+m.String(), err)
		}
		e.registered[m] = true
	}

	logger.KV(xlog.INFO, "status", "registered", "engine", b.Name())
	return e
}

func (e *Engine) abort(step string, err error) {
	if cerr := e.Close(); cerr != nil {
		logger.KV(xlog.ERROR, "reason", "teardown", "engine", e.backend.Name(), "err", cerr.Error())
	}
	logger.Panicf("unable to register engine %s: step=%s, err=[%+v]", e.backend.Name(), step, err)
}

// Name returns the name of the backend
func (e *Engine) Name() string {
	return e.backend.Name()
}

// Close unregisters the installed method categories in the order of
// installation, then finalizes and unloads the backend.
// It must be called after all WrapKeys calls complete,
// the keys returned by WrapKeys fail with ErrKeyClosed afterwards.
// Subsequent calls are no-op.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		err = e.teardown()
		active.CompareAndSwap(e, nil)
	})
	return err
}

func (e *Engine) teardown() error {
	var err error
	for _, m := range InstalledMethods {
		if !e.registered[m] {
			continue
		}
		if uerr := e.backend.Unregister(m); uerr != nil {
			err = errors.CombineErrors(err, errors.WithMessagef(uerr, "unregister %s", m))
		}
		delete(e.registered, m)
	}
	if e.initialized {
		e.initialized = false
		if ferr := e.backend.Finish(); ferr != nil {
			err = errors.CombineErrors(err, errors.WithMessage(ferr, "finish"))
		}
	}
	if e.loaded {
		e.loaded = false
		if ferr := e.backend.Free(); ferr != nil {
			err = errors.CombineErrors(err, errors.WithMessage(ferr, "free"))
		}
	}
	logger.KV(xlog.INFO, "status", "unregistered", "engine", e.backend.Name())
	return err
}

// WrapKeys returns the key for the private and public key objects
// found in the token session.
// The returned key stays valid after the session wrapper used to build it
// is released, and must be closed by the caller.
func (e *Engine) WrapKeys(session pkcs11.SessionHandle, priv, pub pkcs11.ObjectHandle) (*Key, error) {
	if e.closed.Load() {
		return nil, errors.WithMessage(ErrGeneral, "engine is closed")
	}
	defer metricskey.PerfTokenOperation.MeasureSince(time.Now(), e.backend.Name(), "wrap_keys")

	fl, err := e.backend.FunctionList()
	if err != nil || fl == nil {
		return nil, nativeError(ErrGeneral, "FunctionList", err)
	}

	ns, err := e.backend.NewSession(fl, session, 0, nil)
	if err != nil || ns == nil {
		return nil, nativeError(ErrGeneral, "NewSession", err)
	}

	ws := NewWrappedSession(ns)
	defer ws.Close()

	key, err := e.backend.NewKeyPair(ws.Native(), priv, pub)
	if err != nil || key == nil {
		return nil, nativeError(ErrEngine, "NewKeyPair", err)
	}
	key.engineClosed = &e.closed

	logger.KV(xlog.DEBUG, "status", "wrapped", "session", session, "priv", priv, "pub", pub)
	return key, nil
}

// WrappedSession owns one reference to the native session
type WrappedSession struct {
	native NativeSession
	once   sync.Once
	err    error
}

// NewWrappedSession takes ownership of the session reference
func NewWrappedSession(ns NativeSession) *WrappedSession {
	return &WrappedSession{native: ns}
}

// Native returns the native session
func (w *WrappedSession) Native() NativeSession {
	return w.native
}

// Close releases the session reference, subsequent calls are no-op
func (w *WrappedSession) Close() error {
	w.once.Do(func() {
		w.err = w.native.Release()
		if w.err != nil {
			logger.KV(xlog.ERROR, "reason", "release", "session", w.native.Handle(), "err", w.err.Error())
		}
	})
	return w.err
}
