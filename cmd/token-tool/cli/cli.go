package cli

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/ctl"
	"github.com/effective-security/x/fileutil"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/crypto11"
	"github.com/effective-security/xtoken/engine"
	"github.com/effective-security/xtoken/pinstore"
	"github.com/effective-security/xtoken/transport"
	"github.com/effective-security/xtoken/workflow"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xtoken", "cli")

// Cli provides CLI context to run commands
type Cli struct {
	Version    ctl.VersionFlag `name:"version" help:"Print version information and quit" hidden:""`
	Cfg        string          `help:"Location of PKCS#11 token config file" required:"" type:"path"`
	Pins       string          `help:"Location of the PIN store" default:"~/.xtoken/pins.db" type:"path"`
	PinsSecret string          `help:"Secret to protect the PIN store" env:"XTOKEN_PINS_SECRET"`
	Debug      bool            `short:"D" help:"Enable debug mode"`
	LogLevel   string          `short:"l" help:"Set the logging level (debug|info|warn|error)" default:"error"`

	// Stdin is the source to read from, typically set to os.Stdin
	stdin io.Reader
	// Output is the destination for all output from the command, typically set to os.Stdout
	output io.Writer
	// ErrOutput is the destinaton for errors and prompts.
	// If not set, errors will be written to os.StdError
	errOutput io.Writer

	ctx    context.Context
	lib    *crypto11.PKCS11Lib
	engine *engine.Engine
	ctrl   *transport.Controller
	pins   *pinstore.DB
}

// Context for requests
func (c *Cli) Context() context.Context {
	if c.ctx == nil {
		c.ctx = context.Background()
	}
	return c.ctx
}

// WithContext allows to specify a custom context
func (c *Cli) WithContext(ctx context.Context) *Cli {
	c.ctx = ctx
	return c
}

// Reader is the source to read from, typically set to os.Stdin
func (c *Cli) Reader() io.Reader {
	if c.stdin != nil {
		return c.stdin
	}
	return os.Stdin
}

// WithReader allows to specify a custom reader
func (c *Cli) WithReader(reader io.Reader) *Cli {
	c.stdin = reader
	return c
}

// Writer returns a writer for control output
func (c *Cli) Writer() io.Writer {
	if c.output != nil {
		return c.output
	}
	return os.Stdout
}

// WithWriter allows to specify a custom writer
func (c *Cli) WithWriter(out io.Writer) *Cli {
	c.output = out
	return c
}

// ErrWriter returns a writer for errors and prompts
func (c *Cli) ErrWriter() io.Writer {
	if c.errOutput != nil {
		return c.errOutput
	}
	return os.Stderr
}

// WithErrWriter allows to specify a custom error writer
func (c *Cli) WithErrWriter(out io.Writer) *Cli {
	c.errOutput = out
	return c
}

// AfterApply hook loads config
func (c *Cli) AfterApply(app *kong.Kong, vars kong.Vars) error {
	if c.Debug {
		xlog.SetGlobalLogLevel(xlog.DEBUG)
	} else {
		val := strings.TrimLeft(c.LogLevel, "=")
		l, err := xlog.ParseLevel(strings.ToUpper(val))
		if err != nil {
			return errors.WithStack(err)
		}
		xlog.SetGlobalLogLevel(l)
	}

	return nil
}

// WriteJSON prints response to out
func (c *Cli) WriteJSON(value any) error {
	return WriteJSON(c.Writer(), value)
}

// Lib loads PKCS#11 module specified by --cfg
func (c *Cli) Lib() (*crypto11.PKCS11Lib, error) {
	if c.lib != nil {
		return c.lib, nil
	}
	if c.Cfg == "" {
		return nil, errors.New("use --cfg flag to specify PKCS#11 config file")
	}
	lib, err := crypto11.ConfigureFromFile(c.Cfg)
	if err != nil {
		return nil, errors.WithMessage(err, "unable to initialize PKCS#11 module")
	}
	c.lib = lib
	return lib, nil
}

// WithLib allows to specify already loaded module
func (c *Cli) WithLib(lib *crypto11.PKCS11Lib) *Cli {
	c.lib = lib
	return c
}

// Engine returns the token engine, the engine is loaded once
// and owns the module until Close
func (c *Cli) Engine() (*engine.Engine, error) {
	if c.engine != nil {
		return c.engine, nil
	}
	lib, err := c.Lib()
	if err != nil {
		return nil, err
	}
	c.engine = engine.New(engine.NewPKCS11Backend(lib))
	return c.engine, nil
}

// Options returns the reader options from the token config attributes
func (c *Cli) Options() (transport.Options, error) {
	lib, err := c.Lib()
	if err != nil {
		return transport.Options{}, err
	}
	attrs := ""
	if lib.Config != nil {
		attrs = lib.Config.Attributes()
	}
	opts, err := transport.ParseOptions(attrs)
	if err != nil {
		return opts, errors.WithMessage(err, "invalid token attributes")
	}
	return opts, nil
}

// Controller returns the transport controller with discovered readers
func (c *Cli) Controller() (*transport.Controller, error) {
	if c.ctrl != nil {
		return c.ctrl, nil
	}
	lib, err := c.Lib()
	if err != nil {
		return nil, err
	}
	opts, err := c.Options()
	if err != nil {
		return nil, err
	}

	ctrl := transport.NewController(transport.NewSlotExchanger(lib, opts, c.ErrWriter()))
	readers, err := transport.Discover(lib, opts)
	if err != nil {
		return nil, err
	}
	if err = ctrl.SetReaders(readers); err != nil {
		return nil, err
	}
	logger.KV(xlog.DEBUG, "readers", len(readers))

	c.ctrl = ctrl
	return ctrl, nil
}

// PinStore opens the PIN store specified by --pins
func (c *Cli) PinStore() (*pinstore.DB, error) {
	if c.pins != nil {
		return c.pins, nil
	}
	if c.PinsSecret == "" {
		return nil, errors.New("use --pins-secret flag or XTOKEN_PINS_SECRET to specify the PIN store secret")
	}
	if err := fileutil.EnsureFolderExistsForFile(c.Pins, 0700); err != nil {
		return nil, errors.WithStack(err)
	}
	// biometric check is provided by the platform, not available in CLI
	db, err := pinstore.Open(c.Pins, []byte(c.PinsSecret), nil)
	if err != nil {
		return nil, err
	}
	c.pins = db
	return db, nil
}

// Runner returns the runner of token operations,
// the PIN store is used when its secret is provided
func (c *Cli) Runner() (*workflow.Runner, error) {
	ctrl, err := c.Controller()
	if err != nil {
		return nil, err
	}
	e, err := c.Engine()
	if err != nil {
		return nil, err
	}
	r := &workflow.Runner{
		Controller:  ctrl,
		Lib:         c.lib,
		Engine:      e,
		StopTimeout: workflow.DefaultStopTimeout,
	}
	if c.PinsSecret != "" {
		pins, err := c.PinStore()
		if err != nil {
			return nil, err
		}
		r.Pins = pins
	}
	return r, nil
}

// Close releases the PIN store and the module
func (c *Cli) Close() error {
	var errs error
	if c.pins != nil {
		errs = errors.CombineErrors(errs, c.pins.Close())
		c.pins = nil
	}
	if c.engine != nil {
		errs = errors.CombineErrors(errs, c.engine.Close())
		c.engine = nil
	} else if c.lib != nil {
		errs = errors.CombineErrors(errs, c.lib.Close())
	}
	c.lib = nil
	c.ctrl = nil
	return errs
}
