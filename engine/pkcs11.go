package engine

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/crypto11"
	"github.com/effective-security/xtoken/cryptoprov"
	"github.com/miekg/pkcs11"
)

// BackendName is the name of PKCS#11 backend
const BackendName = "pkcs11"

// PKCS11Backend is the Backend over a PKCS#11 module
type PKCS11Backend struct {
	lib     *crypto11.PKCS11Lib
	methods *Methods
}

// Ensure compiles
var _ Backend = (*PKCS11Backend)(nil)

// NewPKCS11Backend returns backend for the module
func NewPKCS11Backend(lib *crypto11.PKCS11Lib) *PKCS11Backend {
	return &PKCS11Backend{
		lib:     lib,
		methods: NewMethods(BackendName),
	}
}

// Name returns the backend name
func (b *PKCS11Backend) Name() string {
	return BackendName
}

// Methods returns the method table installed by the backend
func (b *PKCS11Backend) Methods() *Methods {
	return b.methods
}

// Load loads the module
func (b *PKCS11Backend) Load() error {
	return b.lib.Load()
}

// Init initializes the module
func (b *PKCS11Backend) Init() error {
	return b.lib.Initialize()
}

// SetDefault installs the method table for the category
func (b *PKCS11Backend) SetDefault(m cryptoprov.Method) error {
	return cryptoprov.SetDefault(m, b.methods)
}

// Unregister removes the method table from the category
func (b *PKCS11Backend) Unregister(m cryptoprov.Method) error {
	p, err := cryptoprov.Unregister(m)
	if err != nil {
		return err
	}
	if p != b.methods {
		logger.KV(xlog.WARNING, "reason", "foreign_provider", "method", m, "provider", p.Name())
	}
	return nil
}

// Finish finalizes the module
func (b *PKCS11Backend) Finish() error {
	return b.lib.Finalize()
}

// Free unloads the module
func (b *PKCS11Backend) Free() error {
	b.lib.Destroy()
	return nil
}

// FunctionList returns the function list of initialized module
func (b *PKCS11Backend) FunctionList() (crypto11.Ctx, error) {
	return b.lib.FunctionList()
}

// NewSession adapts the opened token session
func (b *PKCS11Backend) NewSession(fl crypto11.Ctx, session pkcs11.SessionHandle, flags uint, data any) (NativeSession, error) {
	si, err := fl.GetSessionInfo(session)
	if err != nil {
		return nil, errors.WithMessage(err, "GetSessionInfo")
	}
	s := &p11Session{
		handle: session,
		slotID: si.SlotID,
		flags:  flags,
	}
	s.refs.Store(1)
	return s, nil
}

// NewKeyPair returns key for the objects of the session
func (b *PKCS11Backend) NewKeyPair(s NativeSession, priv, pub pkcs11.ObjectHandle) (*Key, error) {
	fl, err := b.lib.FunctionList()
	if err != nil {
		return nil, err
	}

	attrs, err := fl.GetAttributeValue(s.Handle(), priv, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, nil),
	})
	if err != nil {
		return nil, errors.WithMessage(err, "GetAttributeValue on private key")
	}
	if class := crypto11.BytesToUlong(attrs[0].Value); class != pkcs11.CKO_PRIVATE_KEY {
		return nil, errors.Errorf("object %d is not a private key: %s", priv, crypto11.ObjectClassNames[class])
	}

	pubKey, err := b.lib.PublicKey(s.Handle(), pub)
	if err != nil {
		return nil, err
	}
	return NewKey(fl, s, priv, pub, pubKey, b.Name()), nil
}

// p11Session is the reference counted session adapter,
// the underlying token session is owned by the caller of WrapKeys
type p11Session struct {
	handle pkcs11.SessionHandle
	slotID uint
	flags  uint
	refs   atomic.Int32
}

func (s *p11Session) Handle() pkcs11.SessionHandle {
	return s.handle
}

func (s *p11Session) Retain() {
	s.refs.Add(1)
}

func (s *p11Session) Release() error {
	n := s.refs.Add(-1)
	if n < 0 {
		return errors.Errorf("session %d is already released", s.handle)
	}
	if n == 0 {
		logger.KV(xlog.DEBUG, "status", "released", "session", s.handle, "slot", s.slotID)
	}
	return nil
}
