// Package p11test provides an in-memory PKCS#11 token for unit tests.
//
// Ctx implements the function list used by crypto11 and the engine.
// Private keys are kept in software, which is the only difference from a
// real token: the callers still reach them by handles only.
package p11test

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"
	"sync"

	"github.com/miekg/pkcs11"
)

// Slot describes a slot of the emulated module
type Slot struct {
	ID           uint
	Description  string
	Manufacturer string
	Present      bool
	Label        string
	Serial       string
	Model        string
}

// Object is a key object on the emulated token
type Object struct {
	Slot   uint
	attrs  map[uint][]byte
	signer crypto.Signer
}

type findState struct {
	template []*pkcs11.Attribute
	done     bool
}

type opState struct {
	mech *pkcs11.Mechanism
	obj  pkcs11.ObjectHandle
}

// Ctx is an in-memory implementation of crypto11.Ctx
type Ctx struct {
	PIN string
	// Errors injects failures by method name, e.g. "Sign"
	Errors map[string]error

	lock     sync.Mutex
	slots    []*Slot
	objects  map[pkcs11.ObjectHandle]*Object
	sessions map[pkcs11.SessionHandle]uint
	finds    map[pkcs11.SessionHandle]*findState
	signs    map[pkcs11.SessionHandle]*opState
	decrypts map[pkcs11.SessionHandle]*opState
	loggedIn map[uint]bool
	next     uint
	calls    []string
	mechs    []uint
}

// New returns emulated module with the given slots
func New(pin string, slots ...Slot) *Ctx {
	c := &Ctx{
		PIN:      pin,
		Errors:   map[string]error{},
		objects:  map[pkcs11.ObjectHandle]*Object{},
		sessions: map[pkcs11.SessionHandle]uint{},
		finds:    map[pkcs11.SessionHandle]*findState{},
		signs:    map[pkcs11.SessionHandle]*opState{},
		decrypts: map[pkcs11.SessionHandle]*opState{},
		loggedIn: map[uint]bool{},
		next:     100,
	}
	for i := range slots {
		s := slots[i]
		c.slots = append(c.slots, &s)
	}
	return c
}

// SetPresent inserts or removes the token in the slot
func (c *Ctx) SetPresent(slotID uint, present bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, s := range c.slots {
		if s.ID == slotID {
			s.Present = present
		}
	}
}

// Calls returns the names of called methods
func (c *Ctx) Calls() []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]string{}, c.calls...)
}

// Mechanisms returns the mechanisms used by Sign and Decrypt
func (c *Ctx) Mechanisms() []uint {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]uint{}, c.mechs...)
}

// OpenSessions returns number of opened sessions
func (c *Ctx) OpenSessions() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.sessions)
}

func (c *Ctx) call(name string) error {
	c.calls = append(c.calls, name)
	if err := c.Errors[name]; err != nil {
		return err
	}
	return nil
}

func (c *Ctx) slot(id uint) *Slot {
	for _, s := range c.slots {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (c *Ctx) handle() uint {
	c.next++
	return c.next
}

// Initialize implements crypto11.Ctx
func (c *Ctx) Initialize(...pkcs11.InitializeOption) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.call("Initialize")
}

// Finalize implements crypto11.Ctx
func (c *Ctx) Finalize() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.call("Finalize")
}

// Destroy implements crypto11.Ctx
func (c *Ctx) Destroy() {
	c.lock.Lock()
	defer c.lock.Unlock()
	_ = c.call("Destroy")
}

// GetSlotList implements crypto11.Ctx
func (c *Ctx) GetSlotList(tokenPresent bool) ([]uint, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("GetSlotList"); err != nil {
		return nil, err
	}
	var list []uint
	for _, s := range c.slots {
		if s.Present || !tokenPresent {
			list = append(list, s.ID)
		}
	}
	return list, nil
}

// GetSlotInfo implements crypto11.Ctx
func (c *Ctx) GetSlotInfo(slotID uint) (pkcs11.SlotInfo, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("GetSlotInfo"); err != nil {
		return pkcs11.SlotInfo{}, err
	}
	s := c.slot(slotID)
	if s == nil {
		return pkcs11.SlotInfo{}, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	info := pkcs11.SlotInfo{
		SlotDescription: s.Description,
		ManufacturerID:  s.Manufacturer,
	}
	if s.Present {
		info.Flags = pkcs11.CKF_TOKEN_PRESENT
	}
	return info, nil
}

// GetTokenInfo implements crypto11.Ctx
func (c *Ctx) GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("GetTokenInfo"); err != nil {
		return pkcs11.TokenInfo{}, err
	}
	s := c.slot(slotID)
	if s == nil {
		return pkcs11.TokenInfo{}, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	if !s.Present {
		return pkcs11.TokenInfo{}, pkcs11.Error(pkcs11.CKR_TOKEN_NOT_PRESENT)
	}
	return pkcs11.TokenInfo{
		Label:          s.Label,
		ManufacturerID: s.Manufacturer,
		Model:          s.Model,
		SerialNumber:   s.Serial,
	}, nil
}

// OpenSession implements crypto11.Ctx
func (c *Ctx) OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("OpenSession"); err != nil {
		return 0, err
	}
	s := c.slot(slotID)
	if s == nil || !s.Present {
		return 0, pkcs11.Error(pkcs11.CKR_TOKEN_NOT_PRESENT)
	}
	sh := pkcs11.SessionHandle(c.handle())
	c.sessions[sh] = slotID
	return sh, nil
}

// CloseSession implements crypto11.Ctx
func (c *Ctx) CloseSession(sh pkcs11.SessionHandle) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("CloseSession"); err != nil {
		return err
	}
	if _, ok := c.sessions[sh]; !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	delete(c.sessions, sh)
	return nil
}

// GetSessionInfo implements crypto11.Ctx
func (c *Ctx) GetSessionInfo(sh pkcs11.SessionHandle) (pkcs11.SessionInfo, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("GetSessionInfo"); err != nil {
		return pkcs11.SessionInfo{}, err
	}
	slotID, ok := c.sessions[sh]
	if !ok {
		return pkcs11.SessionInfo{}, pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	return pkcs11.SessionInfo{SlotID: slotID}, nil
}

// Login implements crypto11.Ctx
func (c *Ctx) Login(sh pkcs11.SessionHandle, userType uint, pin string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("Login"); err != nil {
		return err
	}
	slotID, ok := c.sessions[sh]
	if !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	if c.loggedIn[slotID] {
		return pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN)
	}
	if pin != c.PIN {
		return pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)
	}
	c.loggedIn[slotID] = true
	return nil
}

// Logout implements crypto11.Ctx
func (c *Ctx) Logout(sh pkcs11.SessionHandle) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("Logout"); err != nil {
		return err
	}
	slotID, ok := c.sessions[sh]
	if !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	if !c.loggedIn[slotID] {
		return pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	delete(c.loggedIn, slotID)
	return nil
}

// FindObjectsInit implements crypto11.Ctx
func (c *Ctx) FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("FindObjectsInit"); err != nil {
		return err
	}
	if _, ok := c.sessions[sh]; !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	if c.finds[sh] != nil {
		return pkcs11.Error(pkcs11.CKR_OPERATION_ACTIVE)
	}
	c.finds[sh] = &findState{template: temp}
	return nil
}

// FindObjects implements crypto11.Ctx
func (c *Ctx) FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("FindObjects"); err != nil {
		return nil, false, err
	}
	st := c.finds[sh]
	if st == nil {
		return nil, false, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	if st.done {
		return nil, false, nil
	}
	st.done = true

	slotID := c.sessions[sh]
	var res []pkcs11.ObjectHandle
	for h := pkcs11.ObjectHandle(0); h <= pkcs11.ObjectHandle(c.next); h++ {
		obj, ok := c.objects[h]
		if !ok || obj.Slot != slotID || !obj.matches(st.template) {
			continue
		}
		res = append(res, h)
		if len(res) == max {
			break
		}
	}
	return res, false, nil
}

// FindObjectsFinal implements crypto11.Ctx
func (c *Ctx) FindObjectsFinal(sh pkcs11.SessionHandle) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("FindObjectsFinal"); err != nil {
		return err
	}
	delete(c.finds, sh)
	return nil
}

// GetAttributeValue implements crypto11.Ctx
func (c *Ctx) GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("GetAttributeValue"); err != nil {
		return nil, err
	}
	if _, ok := c.sessions[sh]; !ok {
		return nil, pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	obj, ok := c.objects[o]
	if !ok {
		return nil, pkcs11.Error(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}
	res := make([]*pkcs11.Attribute, len(a))
	for i, attr := range a {
		val, ok := obj.attrs[attr.Type]
		if !ok {
			return nil, pkcs11.Error(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID)
		}
		res[i] = &pkcs11.Attribute{Type: attr.Type, Value: append([]byte{}, val...)}
	}
	return res, nil
}

// SignInit implements crypto11.Ctx
func (c *Ctx) SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("SignInit"); err != nil {
		return err
	}
	if err := c.checkPrivate(sh, o); err != nil {
		return err
	}
	c.signs[sh] = &opState{mech: m[0], obj: o}
	return nil
}

// Sign implements crypto11.Ctx
func (c *Ctx) Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	st := c.signs[sh]
	delete(c.signs, sh)
	if err := c.call("Sign"); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	c.mechs = append(c.mechs, st.mech.Mechanism)

	obj := c.objects[st.obj]
	switch key := obj.signer.(type) {
	case *rsa.PrivateKey:
		switch st.mech.Mechanism {
		case pkcs11.CKM_RSA_PKCS:
			// message is DigestInfo
			return rsa.SignPKCS1v15(nil, key, crypto.Hash(0), message)
		case pkcs11.CKM_RSA_PKCS_PSS:
			h := hashBySize(len(message))
			return rsa.SignPSS(rand.Reader, key, h, message, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
		}
	case *ecdsa.PrivateKey:
		if st.mech.Mechanism == pkcs11.CKM_ECDSA {
			r, s, err := ecdsa.Sign(rand.Reader, key, message)
			if err != nil {
				return nil, err
			}
			size := (key.Curve.Params().BitSize + 7) / 8
			out := make([]byte, 2*size)
			r.FillBytes(out[:size])
			s.FillBytes(out[size:])
			return out, nil
		}
	}
	return nil, pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
}

// DecryptInit implements crypto11.Ctx
func (c *Ctx) DecryptInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("DecryptInit"); err != nil {
		return err
	}
	if err := c.checkPrivate(sh, o); err != nil {
		return err
	}
	c.decrypts[sh] = &opState{mech: m[0], obj: o}
	return nil
}

// Decrypt implements crypto11.Ctx
func (c *Ctx) Decrypt(sh pkcs11.SessionHandle, cypher []byte) ([]byte, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	st := c.decrypts[sh]
	delete(c.decrypts, sh)
	if err := c.call("Decrypt"); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	c.mechs = append(c.mechs, st.mech.Mechanism)

	key, ok := c.objects[st.obj].signer.(*rsa.PrivateKey)
	if !ok {
		return nil, pkcs11.Error(pkcs11.CKR_KEY_TYPE_INCONSISTENT)
	}
	switch st.mech.Mechanism {
	case pkcs11.CKM_RSA_PKCS:
		return rsa.DecryptPKCS1v15(nil, key, cypher)
	case pkcs11.CKM_RSA_PKCS_OAEP:
		// the emulator supports SHA-256 OAEP only
		return rsa.DecryptOAEP(sha256.New(), nil, key, cypher, nil)
	}
	return nil, pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
}

// GenerateKeyPair implements crypto11.Ctx
func (c *Ctx) GenerateKeyPair(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, public, private []*pkcs11.Attribute) (pkcs11.ObjectHandle, pkcs11.ObjectHandle, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("GenerateKeyPair"); err != nil {
		return 0, 0, err
	}
	slotID, ok := c.sessions[sh]
	if !ok {
		return 0, 0, pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}

	var signer crypto.Signer
	var err error
	switch m[0].Mechanism {
	case pkcs11.CKM_RSA_PKCS_KEY_PAIR_GEN:
		bits := 2048
		if v := find(public, pkcs11.CKA_MODULUS_BITS); v != nil {
			bits = int(new(big.Int).SetBytes(reverse(v)).Int64())
		}
		signer, err = rsa.GenerateKey(rand.Reader, bits)
	case pkcs11.CKM_EC_KEY_PAIR_GEN:
		var curve elliptic.Curve
		curve, err = curveByParams(find(public, pkcs11.CKA_EC_PARAMS))
		if err == nil {
			signer, err = ecdsa.GenerateKey(curve, rand.Reader)
		}
	default:
		return 0, 0, pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
	}
	if err != nil {
		return 0, 0, err
	}

	pub, priv := c.addKeyPair(slotID, signer, find(private, pkcs11.CKA_ID), find(private, pkcs11.CKA_LABEL))
	return pub, priv, nil
}

// DestroyObject implements crypto11.Ctx
func (c *Ctx) DestroyObject(sh pkcs11.SessionHandle, oh pkcs11.ObjectHandle) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.call("DestroyObject"); err != nil {
		return err
	}
	if _, ok := c.objects[oh]; !ok {
		return pkcs11.Error(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}
	delete(c.objects, oh)
	return nil
}

// AddKeyPair places software key pair on the token in the slot
// and returns public and private object handles
func (c *Ctx) AddKeyPair(slotID uint, signer crypto.Signer, id, label string) (pkcs11.ObjectHandle, pkcs11.ObjectHandle) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.addKeyPair(slotID, signer, []byte(id), []byte(label))
}

func (c *Ctx) addKeyPair(slotID uint, signer crypto.Signer, id, label []byte) (pkcs11.ObjectHandle, pkcs11.ObjectHandle) {
	common := map[uint][]byte{
		pkcs11.CKA_ID:    append([]byte{}, id...),
		pkcs11.CKA_LABEL: append([]byte{}, label...),
	}

	pubAttrs := copyAttrs(common)
	privAttrs := copyAttrs(common)
	pubAttrs[pkcs11.CKA_CLASS] = ulong(pkcs11.CKO_PUBLIC_KEY)
	privAttrs[pkcs11.CKA_CLASS] = ulong(pkcs11.CKO_PRIVATE_KEY)

	switch key := signer.Public().(type) {
	case *rsa.PublicKey:
		pubAttrs[pkcs11.CKA_KEY_TYPE] = ulong(pkcs11.CKK_RSA)
		privAttrs[pkcs11.CKA_KEY_TYPE] = ulong(pkcs11.CKK_RSA)
		pubAttrs[pkcs11.CKA_MODULUS] = key.N.Bytes()
		pubAttrs[pkcs11.CKA_PUBLIC_EXPONENT] = big.NewInt(int64(key.E)).Bytes()
	case *ecdsa.PublicKey:
		pubAttrs[pkcs11.CKA_KEY_TYPE] = ulong(pkcs11.CKK_EC)
		privAttrs[pkcs11.CKA_KEY_TYPE] = ulong(pkcs11.CKK_EC)
		params, _ := ecParams(key.Curve)
		pubAttrs[pkcs11.CKA_EC_PARAMS] = params
		der, _ := x509.MarshalPKIXPublicKey(key)
		pubAttrs[pkcs11.CKA_EC_POINT] = ecPoint(der)
	}

	pub := pkcs11.ObjectHandle(c.handle())
	priv := pkcs11.ObjectHandle(c.handle())
	c.objects[pub] = &Object{Slot: slotID, attrs: pubAttrs}
	c.objects[priv] = &Object{Slot: slotID, attrs: privAttrs, signer: signer}
	return pub, priv
}

func (c *Ctx) checkPrivate(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle) error {
	slotID, ok := c.sessions[sh]
	if !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	obj, ok := c.objects[o]
	if !ok || obj.signer == nil {
		return pkcs11.Error(pkcs11.CKR_KEY_HANDLE_INVALID)
	}
	if !c.loggedIn[slotID] {
		return pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	return nil
}

func (o *Object) matches(template []*pkcs11.Attribute) bool {
	for _, a := range template {
		v, ok := o.attrs[a.Type]
		if !ok || string(v) != string(a.Value) {
			return false
		}
	}
	return true
}

func copyAttrs(m map[uint][]byte) map[uint][]byte {
	res := make(map[uint][]byte, len(m))
	for k, v := range m {
		res[k] = v
	}
	return res
}

func find(attrs []*pkcs11.Attribute, typ uint) []byte {
	for _, a := range attrs {
		if a.Type == typ {
			return a.Value
		}
	}
	return nil
}

func ulong(v uint) []byte {
	return pkcs11.NewAttribute(pkcs11.CKA_CLASS, v).Value
}

// reverse converts native little-endian CK_ULONG to big-endian bytes
func reverse(b []byte) []byte {
	r := make([]byte, len(b))
	for i := range b {
		r[len(b)-1-i] = b[i]
	}
	return r
}

var (
	oidP256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
	oidP384 = asn1.ObjectIdentifier{1, 3, 132, 0, 34}
	oidP521 = asn1.ObjectIdentifier{1, 3, 132, 0, 35}
)

func ecParams(curve elliptic.Curve) ([]byte, error) {
	switch curve {
	case elliptic.P256():
		return asn1.Marshal(oidP256)
	case elliptic.P384():
		return asn1.Marshal(oidP384)
	case elliptic.P521():
		return asn1.Marshal(oidP521)
	}
	return nil, fmt.Errorf("unsupported curve")
}

func curveByParams(params []byte) (elliptic.Curve, error) {
	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(params, &oid); err != nil {
		return nil, err
	}
	switch {
	case oid.Equal(oidP256):
		return elliptic.P256(), nil
	case oid.Equal(oidP384):
		return elliptic.P384(), nil
	case oid.Equal(oidP521):
		return elliptic.P521(), nil
	}
	return nil, fmt.Errorf("unsupported curve: %s", oid)
}

// ecPoint returns DER encoded OCTET STRING with uncompressed point
func ecPoint(spki []byte) []byte {
	var info struct {
		Algorithm asn1.RawValue
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(spki, &info); err != nil {
		return nil
	}
	der, _ := asn1.Marshal(info.PublicKey.Bytes)
	return der
}

func hashBySize(n int) crypto.Hash {
	switch n {
	case 20:
		return crypto.SHA1
	case 48:
		return crypto.SHA384
	case 64:
		return crypto.SHA512
	default:
		return crypto.SHA256
	}
}
