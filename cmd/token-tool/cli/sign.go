package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xtoken/certutil"
	"github.com/effective-security/xtoken/engine"
	"github.com/effective-security/xtoken/jwt"
	"github.com/effective-security/xtoken/ops"
)

// SignCmd is the parent for signing commands
type SignCmd struct {
	Doc       SignDocCmd   `cmd:"" help:"sign document with the token key"`
	Verify    VerifyDocCmd `cmd:"" help:"verify document signature"`
	JWT       SignJWTCmd   `cmd:"" name:"jwt" help:"sign JWT with the token key"`
	VerifyJWT VerifyJWTCmd `cmd:"" name:"verify-jwt" help:"verify JWT"`
}

// SignDocCmd signs a document
type SignDocCmd struct {
	KeyFlags

	In     string `kong:"arg" required:"" help:"document file, - for STDIN"`
	Kid    string `help:"key ID header of the signature"`
	Output string `help:"location to write the signature, if not set, the output will be printed to STDOUT only"`
	Force  bool   `help:"force to override signature file if exists"`
}

// Run the command
func (a *SignDocCmd) Run(ctx *Cli) error {
	if err := checkOutput(a.Output, a.Force); err != nil {
		return err
	}
	payload, err := ctx.readInput(a.In)
	if err != nil {
		return err
	}
	runner, err := ctx.Runner()
	if err != nil {
		return err
	}

	var sig string
	err = runner.Run(ctx.Context(), a.Ref(), func(_ context.Context, key *engine.Key) error {
		var err error
		sig, err = ops.SignDocument(key, a.Kid, payload)
		return err
	})
	if err != nil {
		return err
	}
	return ctx.writeOutput(a.Output, []byte(sig+"\n"), true)
}

// VerifyDocCmd verifies a document signature
type VerifyDocCmd struct {
	In  string `kong:"arg" required:"" help:"document file, - for STDIN"`
	Sig string `required:"" help:"signature file"`
	Pub string `required:"" help:"PEM encoded public key file"`
}

// Run the command
func (a *VerifyDocCmd) Run(ctx *Cli) error {
	payload, err := ctx.readInput(a.In)
	if err != nil {
		return err
	}
	sig, err := ctx.readInput(a.Sig)
	if err != nil {
		return err
	}
	pub, err := certutil.LoadPublicKey(a.Pub)
	if err != nil {
		return err
	}
	if err = ops.VerifyDocument(strings.TrimSpace(string(sig)), payload, pub); err != nil {
		return err
	}
	fmt.Fprintln(ctx.Writer(), "signature is valid")
	return nil
}

// SignJWTCmd signs JWT
type SignJWTCmd struct {
	KeyFlags

	Issuer   string            `required:"" help:"token issuer"`
	Subject  string            `help:"token subject"`
	Audience string            `help:"token audience"`
	Expiry   time.Duration     `default:"1h" help:"token expiry"`
	Kid      string            `help:"key ID header of the token"`
	Claims   map[string]string `help:"additional claims"`
}

// Run the command
func (a *SignJWTCmd) Run(ctx *Cli) error {
	runner, err := ctx.Runner()
	if err != nil {
		return err
	}

	extra := jwt.Claims{}
	for k, v := range a.Claims {
		extra[k] = v
	}

	var token string
	err = runner.Run(ctx.Context(), a.Ref(), func(_ context.Context, key *engine.Key) error {
		p, err := jwt.New(a.Issuer, a.Kid, key)
		if err != nil {
			return err
		}
		token, _, err = p.SignToken("", a.Subject, a.Audience, a.Expiry, extra)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.Writer(), token)
	return nil
}

// VerifyJWTCmd verifies JWT
type VerifyJWTCmd struct {
	Token    string `kong:"arg" required:"" help:"JWT, - for STDIN"`
	Pub      string `required:"" help:"PEM encoded public key file"`
	Issuer   string `help:"expected issuer"`
	Subject  string `help:"expected subject"`
	Audience string `help:"expected audience"`
}

// Run the command
func (a *VerifyJWTCmd) Run(ctx *Cli) error {
	token := a.Token
	if token == "-" {
		b, err := ctx.readInput(token)
		if err != nil {
			return err
		}
		token = string(b)
	}
	pub, err := certutil.LoadPublicKey(a.Pub)
	if err != nil {
		return err
	}

	claims, err := jwt.Verify(strings.TrimSpace(token), pub, &jwt.VerifyConfig{
		ExpectedIssuer:   a.Issuer,
		ExpectedSubject:  a.Subject,
		ExpectedAudience: a.Audience,
	})
	if err != nil {
		return errors.WithStack(err)
	}
	return ctx.WriteJSON(claims)
}
