package cli

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/effective-security/x/ctl"
	"github.com/effective-security/xtoken/certutil"
	"github.com/effective-security/xtoken/crypto11"
	"github.com/effective-security/xtoken/cryptoprov"
	"github.com/effective-security/xtoken/internal/p11test"
	"github.com/stretchr/testify/suite"
)

const (
	testPIN    = "87654321"
	usbSerial  = "3a5b7c01"
	nfcSerial  = "0000beef"
	nfcReader  = "ACS ACR1252 NFC Reader"
	usbReader  = "Aktiv Rutoken ECP 00 00"
	testSecret = "pins-secret"
)

type testSuite struct {
	suite.Suite

	ctl *Cli
	// Out is the output buffer
	Out bytes.Buffer
	// Err is the prompts and errors buffer
	Err bytes.Buffer

	tmpdir string
	cfg    *cryptoprov.Config
	token  *p11test.Ctx
	rsaPub crypto.PublicKey
	ecPub  crypto.PublicKey
}

func (s *testSuite) SetupTest() {
	s.Out.Reset()
	s.Err.Reset()
	s.tmpdir = s.T().TempDir()

	s.ctl = &Cli{}
	s.ctl.WithErrWriter(&s.Err).
		WithWriter(&s.Out)

	parser, err := kong.New(s.ctl,
		kong.Name("token-tool"),
		kong.Description("CLI tool for USB and NFC hardware tokens"),
		kong.Writers(&s.Out, &s.Err),
		ctl.BoolPtrMapper,
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{})
	if err != nil {
		s.FailNow("unexpected error constructing Kong: %+v", err)
	}

	_, err = parser.Parse([]string{"--cfg=inmem"})
	if err != nil {
		s.FailNow("unexpected error parsing: %+v", err)
	}

	s.ctl.Pins = filepath.Join(s.tmpdir, "pins.db")
	s.ctl.PinsSecret = testSecret
	s.setupToken()
}

// setupToken loads the emulated module with USB token and
// the NFC reader slots
func (s *testSuite) setupToken(nfc ...p11test.Slot) {
	slots := append([]p11test.Slot{{
		ID:           1,
		Description:  usbReader,
		Manufacturer: "Aktiv Co.",
		Present:      true,
		Label:        "user",
		Serial:       usbSerial,
		Model:        "Rutoken ECP",
	}}, nfc...)
	s.token = p11test.New(testPIN, slots...)

	rk, err := rsa.GenerateKey(rand.Reader, 2048)
	s.Require().NoError(err)
	s.token.AddKeyPair(1, rk, "rsa1", "rsa key")
	ek, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	s.Require().NoError(err)
	s.token.AddKeyPair(1, ek, "ec1", "ec key")
	s.rsaPub = rk.Public()
	s.ecPub = ek.Public()

	s.cfg = &cryptoprov.Config{
		Serial: usbSerial,
		Pwd:    testPIN,
		Attrs:  "PollInterval=5ms,ExchangeTimeout=300ms",
	}
	lib := crypto11.NewWithContext(s.cfg, s.token)
	s.Require().NoError(lib.Load())
	s.Require().NoError(lib.Initialize())
	s.ctl.WithLib(lib)
}

func (s *testSuite) TearDownTest() {
	s.NoError(s.ctl.Close())
}

// HasText is a helper method to assert that the out stream contains the supplied
// text somewhere
func (s *testSuite) HasText(texts ...string) {
	outStr := s.Out.String()
	for _, t := range texts {
		s.Contains(outStr, t)
	}
}

// HasNoText is a helper method to assert that the out stream does not contain
// the supplied text
func (s *testSuite) HasNoText(texts ...string) {
	outStr := s.Out.String()
	for _, t := range texts {
		s.NotContains(outStr, t)
	}
}

// ecSigner returns new P-256 key
func (s *testSuite) ecSigner() crypto.Signer {
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	s.Require().NoError(err)
	return k
}

// writeFile writes the test file and returns its path
func (s *testSuite) writeFile(name string, data []byte) string {
	file := filepath.Join(s.tmpdir, name)
	s.Require().NoError(os.WriteFile(file, data, 0600))
	return file
}

// writePublicKey writes PEM encoded public key and returns its path
func (s *testSuite) writePublicKey(name string, pub crypto.PublicKey) string {
	pem, err := certutil.EncodePublicKeyToPEM(pub)
	s.Require().NoError(err)
	return s.writeFile(name, pem)
}
