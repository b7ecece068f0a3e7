package cli

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/effective-security/xtoken/pinstore"
	"github.com/effective-security/xtoken/workflow"
	"github.com/stretchr/testify/suite"
)

type signSuite struct {
	testSuite
}

func TestSignSuite(t *testing.T) {
	suite.Run(t, new(signSuite))
}

func (s *signSuite) TestDocument() {
	doc := s.writeFile("doc.txt", []byte("payment order #1"))
	sigFile := filepath.Join(s.tmpdir, "doc.sig")

	sign := SignDocCmd{
		KeyFlags: KeyFlags{Key: "ec1"},
		In:       doc,
		Kid:      "ec1",
		Output:   sigFile,
	}
	s.Require().NoError(sign.Run(s.ctl))

	verify := VerifyDocCmd{
		In:  doc,
		Sig: sigFile,
		Pub: s.writePublicKey("ec1.pem", s.ecPub),
	}
	s.Require().NoError(verify.Run(s.ctl))
	s.HasText("signature is valid\n")

	verify.In = s.writeFile("other.txt", []byte("payment order #2"))
	s.Error(verify.Run(s.ctl))

	verify.In = doc
	verify.Pub = s.writePublicKey("rsa1.pem", s.rsaPub)
	s.Error(verify.Run(s.ctl))

	// signature exists
	err := sign.Run(s.ctl)
	s.Require().Error(err)
	s.Contains(err.Error(), "file exists")
}

func (s *signSuite) TestDocumentFromStdin() {
	s.ctl.WithReader(strings.NewReader("from stdin"))
	sign := SignDocCmd{
		KeyFlags: KeyFlags{Key: "rsa1"},
		In:       "-",
	}
	s.Require().NoError(sign.Run(s.ctl))
	sig := strings.TrimSpace(s.Out.String())
	s.Len(strings.Split(sig, "."), 3)
	s.Empty(strings.Split(sig, ".")[1], "detached payload")

	verify := VerifyDocCmd{
		In:  s.writeFile("doc.txt", []byte("from stdin")),
		Sig: s.writeFile("doc.sig", []byte(sig)),
		Pub: s.writePublicKey("rsa1.pem", s.rsaPub),
	}
	s.Require().NoError(verify.Run(s.ctl))
}

func (s *signSuite) TestWrongPIN() {
	sign := SignDocCmd{
		KeyFlags: KeyFlags{Key: "ec1", PIN: "0000"},
		In:       s.writeFile("doc.txt", []byte("doc")),
	}
	err := sign.Run(s.ctl)
	s.Require().Error(err)
	s.Contains(err.Error(), "CKR_PIN_INCORRECT")
	s.Zero(s.token.OpenSessions())
}

func (s *signSuite) TestStoredPIN() {
	s.cfg.Pwd = ""
	sign := SignDocCmd{
		KeyFlags: KeyFlags{Key: "ec1"},
		In:       s.writeFile("doc.txt", []byte("doc")),
	}
	err := sign.Run(s.ctl)
	s.ErrorIs(err, workflow.ErrNoPIN)

	save := PinSaveCmd{Serial: usbSerial, PIN: testPIN}
	s.Require().NoError(save.Run(s.ctl))

	s.Out.Reset()
	s.Require().NoError(sign.Run(s.ctl))
	s.NotEmpty(s.Out.String())
}

func (s *signSuite) TestBiometricPIN() {
	// biometric check is not available in CLI
	save := PinSaveCmd{Serial: usbSerial, PIN: testPIN, Biometric: true}
	s.ErrorIs(save.Run(s.ctl), pinstore.ErrNoBiometricGate)

	get := PinGetCmd{Serial: usbSerial}
	s.ErrorIs(get.Run(s.ctl), pinstore.ErrNotFound)
}

func (s *signSuite) TestJWT() {
	sign := SignJWTCmd{
		KeyFlags: KeyFlags{Key: "ec1"},
		Issuer:   "https://token.example.com",
		Subject:  "alice",
		Audience: "payments",
		Expiry:   time.Hour,
		Kid:      "ec1",
		Claims:   map[string]string{"role": "payer"},
	}
	s.Require().NoError(sign.Run(s.ctl))
	token := strings.TrimSpace(s.Out.String())
	s.Len(strings.Split(token, "."), 3)

	s.Out.Reset()
	verify := VerifyJWTCmd{
		Token:    token,
		Pub:      s.writePublicKey("ec1.pem", s.ecPub),
		Issuer:   "https://token.example.com",
		Audience: "payments",
	}
	s.Require().NoError(verify.Run(s.ctl))
	s.HasText(`"iss": "https://token.example.com"`, `"sub": "alice"`, `"role": "payer"`)

	verify.Issuer = "https://other.example.com"
	s.Error(verify.Run(s.ctl))

	s.ctl.WithReader(strings.NewReader(token + "\n"))
	verify = VerifyJWTCmd{
		Token: "-",
		Pub:   s.writePublicKey("rsa1.pem", s.rsaPub),
	}
	s.Error(verify.Run(s.ctl))
}
