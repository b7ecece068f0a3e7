package crypto11

import (
	"encoding/binary"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xtoken/certutil"
	"github.com/miekg/pkcs11"
)

// KeyTypeNames maps CKK_ values to names
var KeyTypeNames = map[uint]string{
	pkcs11.CKK_RSA:            "CKK_RSA",
	pkcs11.CKK_DSA:            "CKK_DSA",
	pkcs11.CKK_DH:             "CKK_DH",
	pkcs11.CKK_EC:             "CKK_EC",
	pkcs11.CKK_GENERIC_SECRET: "CKK_GENERIC_SECRET",
	pkcs11.CKK_AES:            "CKK_AES",
	pkcs11.CKK_GOSTR3410:      "CKK_GOSTR3410",
}

// ObjectClassNames maps CKO_ values to names
var ObjectClassNames = map[uint]string{
	pkcs11.CKO_DATA:        "CKO_DATA",
	pkcs11.CKO_CERTIFICATE: "CKO_CERTIFICATE",
	pkcs11.CKO_PUBLIC_KEY:  "CKO_PUBLIC_KEY",
	pkcs11.CKO_PRIVATE_KEY: "CKO_PRIVATE_KEY",
	pkcs11.CKO_SECRET_KEY:  "CKO_SECRET_KEY",
}

// BytesToUlong converts CK_ULONG attribute value in the native byte order
func BytesToUlong(bs []byte) uint {
	switch len(bs) {
	case 8:
		return uint(binary.NativeEndian.Uint64(bs))
	case 4:
		return uint(binary.NativeEndian.Uint32(bs))
	case 2:
		return uint(binary.NativeEndian.Uint16(bs))
	case 1:
		return uint(bs[0])
	}
	return 0
}

// CurrentSlotID returns current slot ID
func (p11lib *PKCS11Lib) CurrentSlotID() uint {
	if p11lib.Slot == nil {
		return 0
	}
	return p11lib.Slot.ID
}

// TokensInfo returns list of tokens
func (p11lib *PKCS11Lib) TokensInfo() ([]*SlotTokenInfo, error) {
	ctx, err := p11lib.FunctionList()
	if err != nil {
		return nil, err
	}

	list := []*SlotTokenInfo{}
	slots, err := ctx.GetSlotList(true)
	if err != nil {
		return nil, errors.WithMessage(err, "GetSlotList")
	}

	logger.Tracef("slots=%d", len(slots))

	for _, slotID := range slots {
		si, err := ctx.GetSlotInfo(slotID)
		if err != nil {
			return nil, errors.WithMessagef(err, "GetSlotInfo: %d", slotID)
		}
		ti, err := ctx.GetTokenInfo(slotID)
		if err != nil {
			logger.Errorf(
				"reason=GetTokenInfo, slotID=%d, ManufacturerID=%q, SlotDescription=%q, err=[%+v]",
				slotID,
				si.ManufacturerID,
				si.SlotDescription,
				err,
			)
		} else if ti.SerialNumber != "" || ti.Label != "" {
			list = append(list, &SlotTokenInfo{
				ID:           slotID,
				Description:  strings.TrimSpace(si.SlotDescription),
				Label:        strings.TrimSpace(ti.Label),
				Manufacturer: strings.TrimSpace(ti.ManufacturerID),
				Model:        strings.TrimSpace(ti.Model),
				Serial:       strings.TrimSpace(ti.SerialNumber),
				Flags:        ti.Flags,
			})
		}
	}
	return list, nil
}

// DestroyKeyPairOnSlot destroys key pair
func (p11lib *PKCS11Lib) DestroyKeyPairOnSlot(slotID uint, keyID string) error {
	ctx, err := p11lib.FunctionList()
	if err != nil {
		return err
	}
	session, err := p11lib.OpenSession(slotID)
	if err != nil {
		return err
	}
	defer ctx.CloseSession(session)

	if pin := p11lib.pin(); pin != "" {
		if err = p11lib.Login(session, pin); err != nil {
			return err
		}
		defer p11lib.Logout(session)
	}

	logger.Tracef("slot=0x%X, id=%q", slotID, keyID)

	var privHandle, pubHandle pkcs11.ObjectHandle
	if privHandle, err = p11lib.findKey(session, keyID, "", pkcs11.CKO_PRIVATE_KEY, ^uint(0)); err != nil {
		logger.Warningf("reason=not_found, type=CKO_PRIVATE_KEY, err=[%+v]", err)
	}
	if pubHandle, err = p11lib.findKey(session, keyID, "", pkcs11.CKO_PUBLIC_KEY, ^uint(0)); err != nil {
		logger.Warningf("reason=not_found, type=CKO_PUBLIC_KEY, err=[%+v]", err)
	}
	if privHandle == 0 && pubHandle == 0 {
		return errors.WithMessagef(ErrKeyNotFound, "id=%q", keyID)
	}

	if privHandle != 0 {
		if err = ctx.DestroyObject(session, privHandle); err != nil {
			return errors.WithMessage(err, "DestroyObject")
		}
		logger.Infof("type=CKO_PRIVATE_KEY, slot=0x%X, id=%q", slotID, keyID)
	}

	if pubHandle != 0 {
		if err = ctx.DestroyObject(session, pubHandle); err != nil {
			return errors.WithMessage(err, "DestroyObject")
		}
		logger.Infof("type=CKO_PUBLIC_KEY, slot=0x%X, id=%q", slotID, keyID)
	}
	return nil
}

// getPublicKeyPEM retrieves public key for the specified key
func (p11lib *PKCS11Lib) getPublicKeyPEM(sh pkcs11.SessionHandle, keyID string) (string, error) {
	kp, err := p11lib.FindKeyPair(sh, keyID, "")
	if err != nil {
		return "", errors.WithMessagef(err, "reason=FindKeyPair, keyID=%s", keyID)
	}

	pemKey, err := certutil.EncodePublicKeyToPEM(kp.PublicKey)
	if err != nil {
		return "", err
	}

	return string(pemKey), nil
}

func (p11lib *PKCS11Lib) pin() string {
	if p11lib.Config == nil {
		return ""
	}
	return p11lib.Config.Pin()
}
