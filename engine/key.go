package engine

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"io"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xtoken/crypto11"
	"github.com/effective-security/xtoken/metricskey"
	"github.com/miekg/pkcs11"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// ErrKeyClosed is returned when the key is used after Close
var ErrKeyClosed = errors.New("key is closed")

// Key is a token-resident key pair.
// It does not hold private key material: Sign and Decrypt are
// performed by the token in the session the key was wrapped from.
// The key is not usable after the engine that wrapped it is closed.
type Key struct {
	fl       crypto11.Ctx
	session  NativeSession
	priv     pkcs11.ObjectHandle
	pub      pkcs11.ObjectHandle
	pubKey   crypto.PublicKey
	provider string

	// set by WrapKeys, the module is unloaded when the engine is closed
	engineClosed *atomic.Bool

	// a session serves one operation at a time
	lock   sync.Mutex
	closed bool
}

// NewKey returns key for the objects in the session, the key retains
// the session until closed
func NewKey(fl crypto11.Ctx, s NativeSession, priv, pub pkcs11.ObjectHandle, pubKey crypto.PublicKey, provider string) *Key {
	s.Retain()
	return &Key{
		fl:       fl,
		session:  s,
		priv:     priv,
		pub:      pub,
		pubKey:   pubKey,
		provider: provider,
	}
}

// Public returns the public key
func (k *Key) Public() crypto.PublicKey {
	return k.pubKey
}

// Handles returns the session and object handles of the key
func (k *Key) Handles() (session pkcs11.SessionHandle, priv, pub pkcs11.ObjectHandle) {
	return k.session.Handle(), k.priv, k.pub
}

// usable returns ErrKeyClosed when the key or its engine is closed,
// the lock must be held
func (k *Key) usable() error {
	if k.closed || (k.engineClosed != nil && k.engineClosed.Load()) {
		return ErrKeyClosed
	}
	return nil
}

// Close releases the session reference, subsequent calls are no-op
func (k *Key) Close() error {
	k.lock.Lock()
	defer k.lock.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	return k.session.Release()
}

// Sign signs digest with the token key.
// RSA keys support PKCS#1 v1.5 and PSS when opts is *rsa.PSSOptions,
// ECDSA signatures are returned in ASN.1 DER form.
func (k *Key) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts == nil {
		opts = crypto.Hash(0)
	}
	hash := opts.HashFunc()
	if hash != 0 && len(digest) != hash.Size() {
		return nil, errors.Errorf("digest length %d does not match %s", len(digest), hash)
	}

	switch k.pubKey.(type) {
	case *rsa.PublicKey:
		if pss, ok := opts.(*rsa.PSSOptions); ok {
			mech, err := pssMechanism(hash, pss)
			if err != nil {
				return nil, err
			}
			return k.sign(mech, digest, "sign_pss")
		}
		prefix, ok := hashPrefixes[hash]
		if !ok {
			return nil, errors.Errorf("unsupported hash: %v", hash)
		}
		data := append(append(make([]byte, 0, len(prefix)+len(digest)), prefix...), digest...)
		return k.sign(pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil), data, "sign_rsa")
	case *ecdsa.PublicKey:
		raw, err := k.sign(pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil), digest, "sign_ecdsa")
		if err != nil {
			return nil, err
		}
		return ecdsaDER(raw)
	default:
		return nil, errors.Errorf("unsupported key type: %T", k.pubKey)
	}
}

// Decrypt decrypts msg with the token RSA key.
// opts may be nil or *rsa.PKCS1v15DecryptOptions for PKCS#1 v1.5,
// or *rsa.OAEPOptions.
func (k *Key) Decrypt(_ io.Reader, msg []byte, opts crypto.DecrypterOpts) ([]byte, error) {
	if _, ok := k.pubKey.(*rsa.PublicKey); !ok {
		return nil, errors.Errorf("decryption is not supported for %T", k.pubKey)
	}

	var mech *pkcs11.Mechanism
	switch o := opts.(type) {
	case nil, *rsa.PKCS1v15DecryptOptions:
		mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)
	case *rsa.OAEPOptions:
		hm, ok := hashMechanisms[o.Hash]
		if !ok {
			return nil, errors.Errorf("unsupported OAEP hash: %v", o.Hash)
		}
		mgf := hm.mgf
		if o.MGFHash != 0 && o.MGFHash != o.Hash {
			mgfm, ok := hashMechanisms[o.MGFHash]
			if !ok {
				return nil, errors.Errorf("unsupported MGF hash: %v", o.MGFHash)
			}
			mgf = mgfm.mgf
		}
		params := pkcs11.NewOAEPParams(hm.mech, mgf, pkcs11.CKZ_DATA_SPECIFIED, o.Label)
		mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_OAEP, params)
	default:
		return nil, errors.Errorf("unsupported decrypter options: %T", opts)
	}

	k.lock.Lock()
	defer k.lock.Unlock()
	if err := k.usable(); err != nil {
		return nil, err
	}
	defer metricskey.PerfTokenOperation.MeasureSince(time.Now(), k.provider, "decrypt")

	sh := k.session.Handle()
	if err := k.fl.DecryptInit(sh, []*pkcs11.Mechanism{mech}, k.priv); err != nil {
		return nil, errors.WithMessage(err, "DecryptInit")
	}
	plain, err := k.fl.Decrypt(sh, msg)
	if err != nil {
		return nil, errors.WithMessage(err, "Decrypt")
	}
	return plain, nil
}

func (k *Key) sign(mech *pkcs11.Mechanism, data []byte, action string) ([]byte, error) {
	k.lock.Lock()
	defer k.lock.Unlock()
	if err := k.usable(); err != nil {
		return nil, err
	}
	defer metricskey.PerfTokenOperation.MeasureSince(time.Now(), k.provider, action)

	sh := k.session.Handle()
	if err := k.fl.SignInit(sh, []*pkcs11.Mechanism{mech}, k.priv); err != nil {
		return nil, errors.WithMessage(err, "SignInit")
	}
	sig, err := k.fl.Sign(sh, data)
	if err != nil {
		return nil, errors.WithMessage(err, "Sign")
	}
	return sig, nil
}

type hashMechanism struct {
	mech uint
	mgf  uint
}

var hashMechanisms = map[crypto.Hash]hashMechanism{
	crypto.SHA1:   {pkcs11.CKM_SHA_1, pkcs11.CKG_MGF1_SHA1},
	crypto.SHA224: {pkcs11.CKM_SHA224, pkcs11.CKG_MGF1_SHA224},
	crypto.SHA256: {pkcs11.CKM_SHA256, pkcs11.CKG_MGF1_SHA256},
	crypto.SHA384: {pkcs11.CKM_SHA384, pkcs11.CKG_MGF1_SHA384},
	crypto.SHA512: {pkcs11.CKM_SHA512, pkcs11.CKG_MGF1_SHA512},
}

func pssMechanism(hash crypto.Hash, opts *rsa.PSSOptions) (*pkcs11.Mechanism, error) {
	hm, ok := hashMechanisms[hash]
	if !ok {
		return nil, errors.Errorf("unsupported PSS hash: %v", hash)
	}
	salt := opts.SaltLength
	switch salt {
	case rsa.PSSSaltLengthAuto, rsa.PSSSaltLengthEqualsHash:
		salt = hash.Size()
	}
	if salt < 0 {
		return nil, errors.Errorf("invalid PSS salt length: %d", salt)
	}
	return pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_PSS, pkcs11.NewPSSParams(hm.mech, hm.mgf, uint(salt))), nil
}

// hashPrefixes are DigestInfo headers for CKM_RSA_PKCS
var hashPrefixes = map[crypto.Hash][]byte{
	crypto.Hash(0): {},
	crypto.SHA1:    {0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a, 0x05, 0x00, 0x04, 0x14},
	crypto.SHA224:  {0x30, 0x2d, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x04, 0x05, 0x00, 0x04, 0x1c},
	crypto.SHA256:  {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	crypto.SHA384:  {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	crypto.SHA512:  {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
}

// ecdsaDER converts r||s signature produced by CKM_ECDSA to ASN.1
func ecdsaDER(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, errors.Errorf("invalid ECDSA signature length: %d", len(raw))
	}
	n := len(raw) / 2
	r := new(big.Int).SetBytes(raw[:n])
	s := new(big.Int).SetBytes(raw[n:])

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(s)
	})
	return b.Bytes()
}
