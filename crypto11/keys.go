package crypto11

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/asn1"
	"math/big"

	"github.com/cockroachdb/errors"
	"github.com/miekg/pkcs11"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// KeyPair is a reference to key pair objects on the token
type KeyPair struct {
	ID        string
	Label     string
	Private   pkcs11.ObjectHandle
	Public    pkcs11.ObjectHandle
	PublicKey crypto.PublicKey
}

var curveOIDs = map[string]elliptic.Curve{
	asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}.String(): elliptic.P256(),
	asn1.ObjectIdentifier{1, 3, 132, 0, 34}.String():          elliptic.P384(),
	asn1.ObjectIdentifier{1, 3, 132, 0, 35}.String():          elliptic.P521(),
}

func curveOID(curve elliptic.Curve) (asn1.ObjectIdentifier, error) {
	switch curve {
	case elliptic.P256():
		return asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}, nil
	case elliptic.P384():
		return asn1.ObjectIdentifier{1, 3, 132, 0, 34}, nil
	case elliptic.P521():
		return asn1.ObjectIdentifier{1, 3, 132, 0, 35}, nil
	}
	return nil, errors.Errorf("unsupported curve: %v", curve.Params().Name)
}

// ListKeys returns handles of keys of the class and type,
// ^uint(0) matches any type
func (p11lib *PKCS11Lib) ListKeys(sh pkcs11.SessionHandle, keyclass uint, keytype uint) ([]pkcs11.ObjectHandle, error) {
	ctx, err := p11lib.FunctionList()
	if err != nil {
		return nil, err
	}

	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, keyclass),
	}
	if keytype != ^uint(0) {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, keytype))
	}
	if err = ctx.FindObjectsInit(sh, template); err != nil {
		return nil, errors.WithMessage(err, "FindObjectsInit")
	}
	defer ctx.FindObjectsFinal(sh)

	var res []pkcs11.ObjectHandle
	for {
		handles, _, err := ctx.FindObjects(sh, 100)
		if err != nil {
			return nil, errors.WithMessage(err, "FindObjects")
		}
		if len(handles) == 0 {
			break
		}
		res = append(res, handles...)
	}
	return res, nil
}

// findKey returns handle of the first key matching id or label
func (p11lib *PKCS11Lib) findKey(sh pkcs11.SessionHandle, keyID, keyLabel string, keyclass uint, keytype uint) (pkcs11.ObjectHandle, error) {
	ctx, err := p11lib.FunctionList()
	if err != nil {
		return 0, err
	}

	template := []*pkcs11.Attribute{}
	if keyclass != ^uint(0) {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_CLASS, keyclass))
	}
	if keytype != ^uint(0) {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, keytype))
	}
	if keyID != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_ID, []byte(keyID)))
	}
	if keyLabel != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, []byte(keyLabel)))
	}

	if err = ctx.FindObjectsInit(sh, template); err != nil {
		return 0, errors.WithMessage(err, "FindObjectsInit")
	}
	defer ctx.FindObjectsFinal(sh)

	handles, _, err := ctx.FindObjects(sh, 1)
	if err != nil {
		return 0, errors.WithMessage(err, "FindObjects")
	}
	if len(handles) == 0 {
		return 0, errors.WithMessagef(ErrKeyNotFound, "id=%q, label=%q", keyID, keyLabel)
	}
	return handles[0], nil
}

// FindKeyPair finds key pair by ID or label in the logged in session
func (p11lib *PKCS11Lib) FindKeyPair(sh pkcs11.SessionHandle, keyID, keyLabel string) (*KeyPair, error) {
	if keyID == "" && keyLabel == "" {
		return nil, errors.New("key ID or label must be specified")
	}
	ctx, err := p11lib.FunctionList()
	if err != nil {
		return nil, err
	}

	priv, err := p11lib.findKey(sh, keyID, keyLabel, pkcs11.CKO_PRIVATE_KEY, ^uint(0))
	if err != nil {
		return nil, err
	}

	attrs, err := ctx.GetAttributeValue(sh, priv, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil),
	})
	if err != nil {
		return nil, errors.WithMessage(err, "GetAttributeValue on private key")
	}
	kp := &KeyPair{
		ID:      string(attrs[0].Value),
		Label:   string(attrs[1].Value),
		Private: priv,
	}

	kp.Public, err = p11lib.findKey(sh, kp.ID, "", pkcs11.CKO_PUBLIC_KEY, ^uint(0))
	if err != nil {
		return nil, errors.WithMessage(err, "public key")
	}
	kp.PublicKey, err = p11lib.PublicKey(sh, kp.Public)
	if err != nil {
		return nil, err
	}
	return kp, nil
}

// PublicKey exports the public key object
func (p11lib *PKCS11Lib) PublicKey(sh pkcs11.SessionHandle, pub pkcs11.ObjectHandle) (crypto.PublicKey, error) {
	ctx, err := p11lib.FunctionList()
	if err != nil {
		return nil, err
	}

	attrs, err := ctx.GetAttributeValue(sh, pub, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, nil),
	})
	if err != nil {
		return nil, errors.WithMessage(err, "GetAttributeValue on public key")
	}

	switch keyType := BytesToUlong(attrs[0].Value); keyType {
	case pkcs11.CKK_RSA:
		attrs, err = ctx.GetAttributeValue(sh, pub, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
			pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, nil),
		})
		if err != nil {
			return nil, errors.WithMessage(err, "GetAttributeValue on RSA key")
		}
		e := new(big.Int).SetBytes(attrs[1].Value)
		if !e.IsInt64() || e.Int64() > 1<<31-1 {
			return nil, errors.New("invalid RSA public exponent")
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(attrs[0].Value),
			E: int(e.Int64()),
		}, nil
	case pkcs11.CKK_EC:
		attrs, err = ctx.GetAttributeValue(sh, pub, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, nil),
			pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
		})
		if err != nil {
			return nil, errors.WithMessage(err, "GetAttributeValue on EC key")
		}
		return parseECPublicKey(attrs[0].Value, attrs[1].Value)
	default:
		return nil, errors.Errorf("unsupported key type: %d", keyType)
	}
}

func parseECPublicKey(params, point []byte) (*ecdsa.PublicKey, error) {
	var oid asn1.ObjectIdentifier
	s := cryptobyte.String(params)
	if !s.ReadASN1ObjectIdentifier(&oid) {
		return nil, errors.New("invalid EC params")
	}
	curve, ok := curveOIDs[oid.String()]
	if !ok {
		return nil, errors.Errorf("unsupported curve: %s", oid)
	}

	// CKA_EC_POINT is DER encoded OCTET STRING, some modules return the raw point
	var raw cryptobyte.String
	s = cryptobyte.String(point)
	if s.ReadASN1(&raw, cbasn1.OCTET_STRING) && s.Empty() {
		point = raw
	}
	pub, err := ecdsa.ParseUncompressedPublicKey(curve, point)
	if err != nil {
		return nil, errors.WithMessage(err, "invalid EC point")
	}
	return pub, nil
}

// GenerateRSAKeyPair creates RSA key pair on the token of the logged in session
func (p11lib *PKCS11Lib) GenerateRSAKeyPair(sh pkcs11.SessionHandle, keyID, keyLabel string, bits int) (*KeyPair, error) {
	public := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
		pkcs11.NewAttribute(pkcs11.CKA_ENCRYPT, true),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, []byte{1, 0, 1}),
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS_BITS, bits),
		pkcs11.NewAttribute(pkcs11.CKA_ID, []byte(keyID)),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, []byte(keyLabel)),
	}
	private := privateTemplate(keyID, keyLabel, pkcs11.CKK_RSA, true)
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_KEY_PAIR_GEN, nil)}

	return p11lib.generateKeyPair(sh, keyID, keyLabel, mech, public, private)
}

// GenerateECDSAKeyPair creates EC key pair on the token of the logged in session
func (p11lib *PKCS11Lib) GenerateECDSAKeyPair(sh pkcs11.SessionHandle, keyID, keyLabel string, curve elliptic.Curve) (*KeyPair, error) {
	oid, err := curveOID(curve)
	if err != nil {
		return nil, err
	}
	var b cryptobyte.Builder
	b.AddASN1ObjectIdentifier(oid)
	params, err := b.Bytes()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	public := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, params),
		pkcs11.NewAttribute(pkcs11.CKA_ID, []byte(keyID)),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, []byte(keyLabel)),
	}
	private := privateTemplate(keyID, keyLabel, pkcs11.CKK_EC, false)
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_EC_KEY_PAIR_GEN, nil)}

	return p11lib.generateKeyPair(sh, keyID, keyLabel, mech, public, private)
}

func privateTemplate(keyID, keyLabel string, keyType uint, decrypt bool) []*pkcs11.Attribute {
	return []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, keyType),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_DECRYPT, decrypt),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, false),
		pkcs11.NewAttribute(pkcs11.CKA_ID, []byte(keyID)),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, []byte(keyLabel)),
	}
}

func (p11lib *PKCS11Lib) generateKeyPair(sh pkcs11.SessionHandle, keyID, keyLabel string, mech []*pkcs11.Mechanism, public, private []*pkcs11.Attribute) (*KeyPair, error) {
	if keyID == "" {
		return nil, errors.New("key ID must be specified")
	}
	ctx, err := p11lib.FunctionList()
	if err != nil {
		return nil, err
	}

	pub, priv, err := ctx.GenerateKeyPair(sh, mech, public, private)
	if err != nil {
		return nil, errors.WithMessage(err, "GenerateKeyPair")
	}
	pubKey, err := p11lib.PublicKey(sh, pub)
	if err != nil {
		return nil, err
	}

	logger.Infof("id=%q, label=%q, type=%T", keyID, keyLabel, pubKey)
	return &KeyPair{
		ID:        keyID,
		Label:     keyLabel,
		Private:   priv,
		Public:    pub,
		PublicKey: pubKey,
	}, nil
}
