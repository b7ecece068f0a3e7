package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/fileutil"
	"github.com/effective-security/x/guid"
	"github.com/effective-security/xtoken/certutil"
	"github.com/effective-security/xtoken/workflow"
)

var newLine = []byte("\n")

// WriteJSON prints value as indented JSON to out
func WriteJSON(out io.Writer, value any) error {
	js, err := json.MarshalIndent(value, "", "\t")
	if err != nil {
		return errors.WithMessage(err, "failed to encode")
	}

	_, _ = out.Write(js)
	_, _ = out.Write(newLine)

	return nil
}

// KeyFlags specifies the token key
type KeyFlags struct {
	Key    string `required:"" help:"key ID on the token"`
	Serial string `help:"token serial, the configured token if not set"`
	PIN    string `name:"pin" help:"token PIN, the stored or configured PIN is used if not set"`
}

// Ref returns the key reference
func (f *KeyFlags) Ref() workflow.KeyRef {
	return workflow.KeyRef{
		Serial: f.Serial,
		ID:     f.Key,
		PIN:    f.PIN,
	}
}

// readInput returns the content of the file, or STDIN if the file is "-"
func (c *Cli) readInput(file string) ([]byte, error) {
	if file == "-" {
		b, err := io.ReadAll(c.Reader())
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return b, nil
	}
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return b, nil
}

// writeOutput writes data to the file, or to Writer if the file is empty
func (c *Cli) writeOutput(file string, data []byte, force bool) error {
	if file == "" {
		_, err := c.Writer().Write(data)
		return errors.WithStack(err)
	}
	if err := checkOutput(file, force); err != nil {
		return err
	}
	if err := fileutil.EnsureFolderExistsForFile(file, 0700); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.WriteFile(file, data, 0600))
}

// checkOutput returns error if the file exists and force is not set
func checkOutput(file string, force bool) error {
	if force || file == "" {
		return nil
	}
	if fileutil.FileExists(file) == nil {
		return errors.Errorf("%q file exists, specify --force flag to override", file)
	}
	return nil
}

// writePublicKey prints PEM encoded public key
func (c *Cli) writePublicKey(file string, pub any, force bool) error {
	pem, err := certutil.EncodePublicKeyToPEM(pub)
	if err != nil {
		return err
	}
	return c.writeOutput(file, pem, force)
}

// prefixKeyLabel adds a date suffix to label ending with *
func prefixKeyLabel(label string) string {
	if strings.HasSuffix(label, "*") {
		g := guid.MustCreate()
		t := time.Now().UTC()
		label = strings.TrimSuffix(label, "*") +
			fmt.Sprintf("_%04d%02d%02d%02d%02d%02d_%x", t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), g[:4])
	}

	return label
}
