package crypto11

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xtoken/cryptoprov"
	"github.com/effective-security/xtoken/internal/p11test"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/require"
)

const testPIN = "12345678"

func testConfig() *cryptoprov.Config {
	return &cryptoprov.Config{
		Man:    "Aktiv Co.",
		Mod:    "Rutoken ECP",
		Dir:    "/usr/lib/librtpkcs11ecp.so",
		Serial: "3a5b7c01",
		Label:  "user",
		Pwd:    testPIN,
	}
}

func testToken() *p11test.Ctx {
	return p11test.New(testPIN,
		p11test.Slot{ID: 0, Description: "Aktiv Rutoken ECP 00 00", Manufacturer: "Aktiv", Present: true,
			Label: "user", Serial: "3a5b7c01", Model: "Rutoken ECP"},
		p11test.Slot{ID: 1, Description: "ACS ACR1252 1S CL Reader [NFC] 01 00", Manufacturer: "ACS", Present: false},
		p11test.Slot{ID: 2, Description: "Aktiv Rutoken ECP 02 00", Manufacturer: "Aktiv", Present: true,
			Label: "second", Serial: "0000beef", Model: "Rutoken ECP"},
	)
}

// newTestLib returns initialized library with two keys on the first token
func newTestLib(t *testing.T) (*PKCS11Lib, *p11test.Ctx) {
	token := testToken()

	rk, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	token.AddKeyPair(0, rk, "rsa1", "sign-rsa")

	ek, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	token.AddKeyPair(0, ek, "ec1", "sign-ec")

	lib, err := initLib(NewWithContext(testConfig(), token))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = lib.Close()
	})
	return lib, token
}

func TestInit(t *testing.T) {
	lib, token := newTestLib(t)
	require.NotNil(t, lib.Slot)
	require.Equal(t, uint(0), lib.CurrentSlotID())
	require.Equal(t, "3a5b7c01", lib.Slot.Serial)

	// second Initialize is ignored
	require.NoError(t, lib.Initialize())
	require.NoError(t, lib.Close())
	require.Contains(t, token.Calls(), "Finalize")
	require.Contains(t, token.Calls(), "Destroy")

	_, err := lib.FunctionList()
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestCtxInitializeOptions(t *testing.T) {
	var fl Ctx = (*pkcs11.Ctx)(nil)
	require.Nil(t, fl.(*pkcs11.Ctx))

	token := p11test.New(testPIN)
	fl = token
	require.NoError(t, fl.Initialize(pkcs11.InitializeWithFlags(pkcs11.CKF_OS_LOCKING_OK)))
	require.NoError(t, fl.Initialize())
	require.Equal(t, []string{"Initialize", "Initialize"}, token.Calls())
}

func TestInitErrors(t *testing.T) {
	_, err := initLib(NewWithLoader(testConfig(), func(path string) (Ctx, error) {
		return nil, errors.New("no module")
	}))
	require.EqualError(t, err, `failed to load module: "/usr/lib/librtpkcs11ecp.so": no module`)

	token := testToken()
	token.Errors["Initialize"] = errors.New("CKR_GENERAL_ERROR")
	_, err = initLib(NewWithContext(testConfig(), token))
	require.EqualError(t, err, "C_Initialize: CKR_GENERAL_ERROR")
	require.Contains(t, token.Calls(), "Destroy")

	// missing token is not an error
	cfg := testConfig()
	cfg.Serial = "missing"
	lib, err := initLib(NewWithContext(cfg, testToken()))
	require.NoError(t, err)
	require.Nil(t, lib.Slot)
	_, err = lib.EnumTokens(true)
	require.ErrorIs(t, err, ErrTokenNotFound)
}

func TestFunctionListNotLoaded(t *testing.T) {
	lib := New(testConfig())
	_, err := lib.FunctionList()
	require.ErrorIs(t, err, ErrNotInitialized)
	require.ErrorIs(t, lib.Initialize(), ErrNotInitialized)
	_, err = lib.TokensInfo()
	require.ErrorIs(t, err, ErrNotInitialized)
	require.NoError(t, lib.Close())
}
