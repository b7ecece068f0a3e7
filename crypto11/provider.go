package crypto11

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xtoken/cryptoprov"
	"github.com/miekg/pkcs11"
)

// Ensure compiles
var _ cryptoprov.KeyManager = (*PKCS11Lib)(nil)

// EnumTokens enumerates tokens
func (p11lib *PKCS11Lib) EnumTokens(currentSlotOnly bool) ([]cryptoprov.TokenInfo, error) {
	if currentSlotOnly {
		if p11lib.Slot == nil {
			return nil, ErrTokenNotFound
		}
		return []cryptoprov.TokenInfo{tokenInfo(p11lib.Slot)}, nil
	}

	list, err := p11lib.TokensInfo()
	if err != nil {
		return nil, err
	}
	res := make([]cryptoprov.TokenInfo, len(list))
	for i, ti := range list {
		res[i] = tokenInfo(ti)
	}
	return res, nil
}

func tokenInfo(ti *SlotTokenInfo) cryptoprov.TokenInfo {
	return cryptoprov.TokenInfo{
		SlotID:       ti.ID,
		Description:  ti.Description,
		Label:        ti.Label,
		Manufacturer: ti.Manufacturer,
		Model:        ti.Model,
		Serial:       ti.Serial,
	}
}

// EnumKeys returns lists of keys on the slot
func (p11lib *PKCS11Lib) EnumKeys(slotID uint, prefix string) ([]cryptoprov.KeyInfo, error) {
	ctx, err := p11lib.FunctionList()
	if err != nil {
		return nil, err
	}
	sh, err := p11lib.OpenSession(slotID)
	if err != nil {
		return nil, err
	}
	defer ctx.CloseSession(sh)

	if pin := p11lib.pin(); pin != "" {
		if err = p11lib.Login(sh, pin); err != nil {
			return nil, err
		}
		defer p11lib.Logout(sh)
	}

	keys, err := p11lib.ListKeys(sh, pkcs11.CKO_PRIVATE_KEY, ^uint(0))
	if err != nil {
		return nil, err
	}

	res := make([]cryptoprov.KeyInfo, 0, len(keys))
	for _, obj := range keys {
		ki, err := p11lib.keyAttributes(ctx, sh, obj)
		if err != nil {
			return nil, err
		}
		if prefix != "" && !strings.HasPrefix(ki.Label, prefix) {
			continue
		}
		res = append(res, *ki)
	}

	return res, nil
}

// KeyInfo retrieves info about key with the specified id
func (p11lib *PKCS11Lib) KeyInfo(slotID uint, keyID string, includePublic bool) (*cryptoprov.KeyInfo, error) {
	ctx, err := p11lib.FunctionList()
	if err != nil {
		return nil, err
	}
	session, err := p11lib.OpenSession(slotID)
	if err != nil {
		return nil, err
	}
	defer ctx.CloseSession(session)

	if pin := p11lib.pin(); pin != "" {
		if err = p11lib.Login(session, pin); err != nil {
			return nil, err
		}
		defer p11lib.Logout(session)
	}

	logger.Tracef("slot=0x%X, id=%q", slotID, keyID)

	privHandle, err := p11lib.findKey(session, keyID, "", pkcs11.CKO_PRIVATE_KEY, ^uint(0))
	if err != nil {
		return nil, err
	}

	ki, err := p11lib.keyAttributes(ctx, session, privHandle)
	if err != nil {
		return nil, err
	}

	if includePublic {
		ki.PublicKey, err = p11lib.getPublicKeyPEM(session, ki.ID)
		if err != nil {
			return nil, errors.WithMessagef(err, "reason='failed on GetPublicKey', slotID=%d, keyID=%q", slotID, keyID)
		}
	}

	return ki, nil
}

func (p11lib *PKCS11Lib) keyAttributes(ctx Ctx, sh pkcs11.SessionHandle, obj pkcs11.ObjectHandle) (*cryptoprov.KeyInfo, error) {
	attributes := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, nil),
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, nil),
	}
	attributes, err := ctx.GetAttributeValue(sh, obj, attributes)
	if err != nil {
		return nil, errors.WithMessage(err, "GetAttributeValue on key")
	}
	return &cryptoprov.KeyInfo{
		ID:    string(attributes[0].Value),
		Label: string(attributes[1].Value),
		Type:  KeyTypeNames[BytesToUlong(attributes[2].Value)],
		Class: ObjectClassNames[BytesToUlong(attributes[3].Value)],
	}, nil
}
