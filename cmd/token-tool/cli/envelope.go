package cli

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xtoken/certutil"
	"github.com/effective-security/xtoken/engine"
	"github.com/effective-security/xtoken/ops"
)

// EnvelopeCmd is the parent for envelope commands
type EnvelopeCmd struct {
	Seal EnvelopeSealCmd `cmd:"" help:"encrypt data to the RSA public key"`
	Open EnvelopeOpenCmd `cmd:"" help:"decrypt envelope with the token key"`
}

// EnvelopeSealCmd seals data
type EnvelopeSealCmd struct {
	In     string `kong:"arg" required:"" help:"data file, - for STDIN"`
	Pub    string `required:"" help:"PEM encoded RSA public key file of the recipient"`
	Cipher string `default:"AES-256-GCM" help:"content cipher: AES-256-GCM|CHACHA20-POLY1305|XCHACHA20-POLY1305"`
	AAD    string `name:"aad" help:"associated data"`
	Output string `help:"location to write the envelope, if not set, the output will be printed to STDOUT only"`
	Force  bool   `help:"force to override envelope file if exists"`
}

// Run the command
func (a *EnvelopeSealCmd) Run(ctx *Cli) error {
	if err := checkOutput(a.Output, a.Force); err != nil {
		return err
	}
	data, err := ctx.readInput(a.In)
	if err != nil {
		return err
	}
	pub, err := certutil.LoadPublicKey(a.Pub)
	if err != nil {
		return err
	}
	// the content cipher is served by the engine
	if _, err = ctx.Engine(); err != nil {
		return err
	}

	env, err := ops.SealEnvelope(pub, a.Cipher, data, []byte(a.AAD))
	if err != nil {
		return err
	}
	js, err := json.MarshalIndent(env, "", "\t")
	if err != nil {
		return errors.WithStack(err)
	}
	return ctx.writeOutput(a.Output, append(js, newLine...), true)
}

// EnvelopeOpenCmd opens envelope
type EnvelopeOpenCmd struct {
	KeyFlags

	In     string `kong:"arg" required:"" help:"envelope file, - for STDIN"`
	AAD    string `name:"aad" help:"associated data"`
	Output string `help:"location to write the data, if not set, the output will be printed to STDOUT only"`
	Force  bool   `help:"force to override data file if exists"`
}

// Run the command
func (a *EnvelopeOpenCmd) Run(ctx *Cli) error {
	if err := checkOutput(a.Output, a.Force); err != nil {
		return err
	}
	js, err := ctx.readInput(a.In)
	if err != nil {
		return err
	}
	env, err := ops.ParseEnvelope(js)
	if err != nil {
		return err
	}
	runner, err := ctx.Runner()
	if err != nil {
		return err
	}

	var plain []byte
	err = runner.Run(ctx.Context(), a.Ref(), func(_ context.Context, key *engine.Key) error {
		var err error
		plain, err = ops.OpenEnvelope(key, env, []byte(a.AAD))
		return err
	})
	if err != nil {
		return err
	}
	return ctx.writeOutput(a.Output, plain, true)
}
