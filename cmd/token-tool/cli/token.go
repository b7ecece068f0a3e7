package cli

import (
	"context"
	"crypto/elliptic"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/guid"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/certutil"
	"github.com/effective-security/xtoken/crypto11"
	"github.com/effective-security/xtoken/workflow"
	"github.com/miekg/pkcs11"
)

// TokenCmd is the parent for token commands
type TokenCmd struct {
	List     TokenLsKeyCmd   `cmd:"" help:"list keys"`
	Info     TokenKeyInfoCmd `cmd:"" help:"print key information"`
	Generate TokenGenKeyCmd  `cmd:"" help:"generate key"`
	Remove   TokenRmKeyCmd   `cmd:"" help:"delete key"`
}

// TokenLsKeyCmd prints Keys
type TokenLsKeyCmd struct {
	Token  string `help:"specifies slot token (optional)"`
	Serial string `help:"specifies slot serial (optional)"`
	Prefix string `help:"specifies key label prefix (optional)"`
}

// Run the command
func (a *TokenLsKeyCmd) Run(ctx *Cli) error {
	keyProv, err := ctx.Lib()
	if err != nil {
		return err
	}

	filter := a.Serial != "" || a.Token != ""
	out := ctx.Writer()

	tokens, err := keyProv.EnumTokens(false)
	if err != nil {
		return errors.WithMessagef(err, "failed to list tokens")
	}

	printIfNotEmpty := func(label, val string) {
		if val != "" {
			fmt.Fprintf(out, "  %s:  %s\n", label, val)
		}
	}

	for _, token := range tokens {
		if filter && !strings.EqualFold(token.Serial, a.Serial) && token.Label != a.Token {
			continue
		}
		fmt.Fprintf(out, "Slot: %d\n", token.SlotID)
		printIfNotEmpty("Manufacturer", token.Manufacturer)
		printIfNotEmpty("Model", token.Model)
		printIfNotEmpty("Description", token.Description)
		printIfNotEmpty("Token serial", token.Serial)
		printIfNotEmpty("Token label", token.Label)

		keys, err := keyProv.EnumKeys(token.SlotID, a.Prefix)
		if err != nil {
			return errors.WithMessagef(err, "failed to list keys on slot %d", token.SlotID)
		}
		if a.Prefix != "" && len(keys) == 0 {
			fmt.Fprintf(out, "no keys found with prefix: %s\n", a.Prefix)
		}
		for i, key := range keys {
			fmt.Fprintf(out, "[%d]\n", i)
			fmt.Fprintf(out, "  Id:    %s\n", key.ID)
			printIfNotEmpty("Label", key.Label)
			printIfNotEmpty("Type", key.Type)
			printIfNotEmpty("Class", key.Class)
		}
	}
	return nil
}

// TokenKeyInfoCmd prints the key info
type TokenKeyInfoCmd struct {
	ID     string `kong:"arg" required:"" help:"key ID"`
	Serial string `help:"slot serial (optional)"`
	Public bool   `help:"print Public Key"`
}

// Run the command
func (a *TokenKeyInfoCmd) Run(ctx *Cli) error {
	keyProv, err := ctx.Lib()
	if err != nil {
		return err
	}

	slot, err := keyProv.FindSlot(a.Serial, "")
	if err != nil {
		return err
	}

	out := ctx.Writer()
	fmt.Fprintf(out, "Slot: %d\n", slot.ID)
	fmt.Fprintf(out, "  Description:  %s\n", slot.Description)
	fmt.Fprintf(out, "  Token serial: %s\n", slot.Serial)

	key, err := keyProv.KeyInfo(slot.ID, a.ID, a.Public)
	if err != nil {
		return errors.WithMessagef(err, "failed to get key on slot %d", slot.ID)
	}
	fmt.Fprintf(out, "  Id:    %s\n", key.ID)
	if key.Label != "" {
		fmt.Fprintf(out, "  Label: %s\n", key.Label)
	}
	if key.Type != "" {
		fmt.Fprintf(out, "  Type:  %s\n", key.Type)
	}
	if key.Class != "" {
		fmt.Fprintf(out, "  Class: %s\n", key.Class)
	}
	if key.PublicKey != "" {
		fmt.Fprintf(out, "  Public key: \n%s\n", key.PublicKey)
	}

	return nil
}

// TokenGenKeyCmd generates key
type TokenGenKeyCmd struct {
	Algo   string `required:"" help:"algorithm: RSA|ECDSA"`
	Size   int    `required:"" help:"key size in bits"`
	Label  string `required:"" help:"name for generated key, the * suffix is replaced with timestamp"`
	ID     string `help:"key ID, generated if not set"`
	Serial string `help:"token serial, the configured token if not set"`
	PIN    string `name:"pin" help:"token PIN, the stored or configured PIN is used if not set"`
	Output string `help:"location to write the public key, if not set, the output will be printed to STDOUT only"`
	Force  bool   `help:"force to override key file if exists"`
}

// Run the command
func (a *TokenGenKeyCmd) Run(ctx *Cli) error {
	generate, err := a.generator()
	if err != nil {
		return err
	}
	if err = checkOutput(a.Output, a.Force); err != nil {
		return err
	}

	runner, err := ctx.Runner()
	if err != nil {
		return err
	}

	id := a.ID
	if id == "" {
		id = guid.MustCreate()
	}
	label := prefixKeyLabel(a.Label)

	var kp *crypto11.KeyPair
	ref := workflow.KeyRef{Serial: a.Serial, PIN: a.PIN}
	err = runner.RunSession(ctx.Context(), ref, func(_ context.Context, sh pkcs11.SessionHandle, slot *crypto11.SlotTokenInfo) error {
		var err error
		kp, err = generate(runner.Lib, sh, id, label)
		if err != nil {
			return errors.WithMessagef(err, "unable to generate key on slot %d", slot.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	ki, err := certutil.NewKeyInfo(kp.PublicKey)
	if err != nil {
		return err
	}
	fmt.Fprintf(ctx.ErrWriter(), "generated key: id=%s, label=%s, type=%s\n", kp.ID, kp.Label, ki)
	return ctx.writePublicKey(a.Output, kp.PublicKey, true)
}

type generateFunc func(lib *crypto11.PKCS11Lib, sh pkcs11.SessionHandle, id, label string) (*crypto11.KeyPair, error)

func (a *TokenGenKeyCmd) generator() (generateFunc, error) {
	switch strings.ToUpper(a.Algo) {
	case "RSA":
		switch a.Size {
		case 2048, 3072, 4096:
		default:
			return nil, errors.Errorf("unsupported RSA key size: %d", a.Size)
		}
		return func(lib *crypto11.PKCS11Lib, sh pkcs11.SessionHandle, id, label string) (*crypto11.KeyPair, error) {
			return lib.GenerateRSAKeyPair(sh, id, label, a.Size)
		}, nil
	case "EC", "ECDSA":
		var curve elliptic.Curve
		switch a.Size {
		case 256:
			curve = elliptic.P256()
		case 384:
			curve = elliptic.P384()
		case 521:
			curve = elliptic.P521()
		default:
			return nil, errors.Errorf("unsupported ECDSA key size: %d", a.Size)
		}
		return func(lib *crypto11.PKCS11Lib, sh pkcs11.SessionHandle, id, label string) (*crypto11.KeyPair, error) {
			return lib.GenerateECDSAKeyPair(sh, id, label, curve)
		}, nil
	default:
		return nil, errors.Errorf("unsupported algorithm: %q", a.Algo)
	}
}

// TokenRmKeyCmd deletes key
type TokenRmKeyCmd struct {
	ID     string `kong:"arg" required:"" help:"specifies key ID"`
	Serial string `help:"specifies slot serial (optional)"`
}

// Run the command
func (a *TokenRmKeyCmd) Run(ctx *Cli) error {
	keyProv, err := ctx.Lib()
	if err != nil {
		return err
	}

	slot, err := keyProv.FindSlot(a.Serial, "")
	if err != nil {
		return err
	}

	started := time.Now()
	err = keyProv.DestroyKeyPairOnSlot(slot.ID, a.ID)
	if err != nil {
		return errors.WithMessagef(err, "unable to destroy key %q on slot %d", a.ID, slot.ID)
	}
	logger.KV(xlog.DEBUG, "status", "destroyed", "id", a.ID, "slot", slot.ID, "took", time.Since(started))
	fmt.Fprintf(ctx.Writer(), "destroyed key: %s\n", a.ID)
	return nil
}
