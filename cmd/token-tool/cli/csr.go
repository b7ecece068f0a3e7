package cli

import (
	"context"
	"crypto/x509/pkix"
	"time"

	"github.com/effective-security/xtoken/certutil"
	"github.com/effective-security/xtoken/engine"
	"github.com/effective-security/xtoken/ops"
)

// CsrCmd is the parent for CSR commands
type CsrCmd struct {
	Create   CsrCreateCmd   `cmd:"" help:"create certificate request signed by the token key"`
	SelfSign CsrSelfSignCmd `cmd:"" help:"create self-signed certificate for the token key"`
}

// SubjectFlags specifies the certificate subject
type SubjectFlags struct {
	CN     string   `name:"cn" required:"" help:"subject common name"`
	Org    []string `help:"subject organization"`
	OrgU   []string `name:"ou" help:"subject organizational unit"`
	DNS    []string `name:"dns" help:"DNS names"`
	Email  []string `help:"email addresses"`
	Output string   `help:"location to write the PEM, if not set, the output will be printed to STDOUT only"`
	Force  bool     `help:"force to override PEM file if exists"`
}

// Request returns the certificate request
func (f *SubjectFlags) Request() *ops.Request {
	return &ops.Request{
		Subject: pkix.Name{
			CommonName:         f.CN,
			Organization:       f.Org,
			OrganizationalUnit: f.OrgU,
		},
		DNSNames:       f.DNS,
		EmailAddresses: f.Email,
	}
}

// CsrCreateCmd creates CSR
type CsrCreateCmd struct {
	KeyFlags
	SubjectFlags
}

// Run the command
func (a *CsrCreateCmd) Run(ctx *Cli) error {
	if err := checkOutput(a.Output, a.Force); err != nil {
		return err
	}
	runner, err := ctx.Runner()
	if err != nil {
		return err
	}

	var pem []byte
	err = runner.Run(ctx.Context(), a.Ref(), func(_ context.Context, key *engine.Key) error {
		var err error
		pem, err = ops.CreateCSR(key, a.Request())
		return err
	})
	if err != nil {
		return err
	}
	return ctx.writeOutput(a.Output, pem, true)
}

// CsrSelfSignCmd creates self-signed certificate
type CsrSelfSignCmd struct {
	KeyFlags
	SubjectFlags

	Validity time.Duration `default:"8760h" help:"certificate validity"`
}

// Run the command
func (a *CsrSelfSignCmd) Run(ctx *Cli) error {
	if err := checkOutput(a.Output, a.Force); err != nil {
		return err
	}
	runner, err := ctx.Runner()
	if err != nil {
		return err
	}

	var pem string
	err = runner.Run(ctx.Context(), a.Ref(), func(_ context.Context, key *engine.Key) error {
		crt, err := ops.SelfSign(key, a.Request(), a.Validity)
		if err != nil {
			return err
		}
		pem, err = certutil.EncodeToPEMString(true, crt)
		return err
	})
	if err != nil {
		return err
	}
	return ctx.writeOutput(a.Output, []byte(pem), true)
}
