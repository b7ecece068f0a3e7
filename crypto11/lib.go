package crypto11

import (
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/cryptoprov"
	"github.com/miekg/pkcs11"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xtoken", "crypto11")

var (
	// ErrNotInitialized is returned when the module is not loaded or initialized
	ErrNotInitialized = errors.New("PKCS#11 module is not initialized")
	// ErrTokenNotFound is returned when no token matches the configuration
	ErrTokenNotFound = errors.New("token not found")
	// ErrKeyNotFound is returned when no key matches ID or label
	ErrKeyNotFound = errors.New("key not found")
)

// Loader opens PKCS#11 module located at path
type Loader func(path string) (Ctx, error)

// LoadModule loads PKCS#11 module from the shared library
func LoadModule(path string) (Ctx, error) {
	ctx := pkcs11.New(path)
	if ctx == nil {
		return nil, errors.Errorf("unable to load PKCS#11 module: %s", path)
	}
	return ctx, nil
}

// SlotTokenInfo describes a slot with a present token
type SlotTokenInfo struct {
	ID           uint
	Description  string
	Label        string
	Manufacturer string
	Model        string
	Serial       string
	Flags        uint
}

// PKCS11Lib contains the loaded PKCS#11 module and its configuration
type PKCS11Lib struct {
	Ctx    Ctx
	Config cryptoprov.TokenConfig
	// Slot is the slot of the configured token, if present
	Slot *SlotTokenInfo

	loader      Loader
	lock        sync.Mutex
	initialized bool
}

// New returns PKCS11Lib which loads the module with LoadModule
func New(cfg cryptoprov.TokenConfig) *PKCS11Lib {
	return NewWithLoader(cfg, LoadModule)
}

// NewWithLoader returns PKCS11Lib with custom module loader
func NewWithLoader(cfg cryptoprov.TokenConfig, loader Loader) *PKCS11Lib {
	return &PKCS11Lib{
		Config: cfg,
		loader: loader,
	}
}

// NewWithContext returns PKCS11Lib for already loaded module
func NewWithContext(cfg cryptoprov.TokenConfig, ctx Ctx) *PKCS11Lib {
	return NewWithLoader(cfg, func(string) (Ctx, error) {
		return ctx, nil
	})
}

// Init loads and initializes the module specified by the configuration,
// and selects the slot of the configured token if it is present
func Init(cfg cryptoprov.TokenConfig) (*PKCS11Lib, error) {
	return initLib(New(cfg))
}

// ConfigureFromFile creates new PKCS11Lib from the configuration file
func ConfigureFromFile(configFile string) (*PKCS11Lib, error) {
	cfg, err := cryptoprov.LoadTokenConfig(configFile)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to load PKCS#11 config")
	}
	return Init(cfg)
}

func initLib(lib *PKCS11Lib) (*PKCS11Lib, error) {
	if err := lib.Load(); err != nil {
		return nil, err
	}
	if err := lib.Initialize(); err != nil {
		lib.Destroy()
		return nil, err
	}
	if err := lib.SelectSlot(); err != nil && !errors.Is(err, ErrTokenNotFound) {
		_ = lib.Close()
		return nil, err
	}
	return lib, nil
}

// Load loads the module, if it is not loaded yet
func (p11lib *PKCS11Lib) Load() error {
	p11lib.lock.Lock()
	defer p11lib.lock.Unlock()

	if p11lib.Ctx != nil {
		return nil
	}
	path := ""
	if p11lib.Config != nil {
		path = p11lib.Config.Path()
	}
	ctx, err := p11lib.loader(path)
	if err != nil {
		return errors.WithMessagef(err, "failed to load module: %q", path)
	}
	p11lib.Ctx = ctx
	logger.KV(xlog.DEBUG, "status", "loaded", "path", path)
	return nil
}

// Initialize initializes the loaded module
func (p11lib *PKCS11Lib) Initialize() error {
	p11lib.lock.Lock()
	defer p11lib.lock.Unlock()

	if p11lib.Ctx == nil {
		return ErrNotInitialized
	}
	if p11lib.initialized {
		return nil
	}
	err := p11lib.Ctx.Initialize()
	if err != nil && !errors.Is(err, pkcs11.Error(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED)) {
		return errors.WithMessage(err, "C_Initialize")
	}
	p11lib.initialized = true
	return nil
}

// FunctionList returns the function list of initialized module
func (p11lib *PKCS11Lib) FunctionList() (Ctx, error) {
	p11lib.lock.Lock()
	defer p11lib.lock.Unlock()

	if p11lib.Ctx == nil || !p11lib.initialized {
		return nil, ErrNotInitialized
	}
	return p11lib.Ctx, nil
}

// Finalize finalizes the module
func (p11lib *PKCS11Lib) Finalize() error {
	p11lib.lock.Lock()
	defer p11lib.lock.Unlock()

	if p11lib.Ctx == nil || !p11lib.initialized {
		return nil
	}
	p11lib.initialized = false
	if err := p11lib.Ctx.Finalize(); err != nil {
		return errors.WithMessage(err, "C_Finalize")
	}
	return nil
}

// Destroy unloads the module
func (p11lib *PKCS11Lib) Destroy() {
	p11lib.lock.Lock()
	defer p11lib.lock.Unlock()

	if p11lib.Ctx != nil {
		p11lib.Ctx.Destroy()
		p11lib.Ctx = nil
	}
}

// Close finalizes and unloads the module
func (p11lib *PKCS11Lib) Close() error {
	err := p11lib.Finalize()
	p11lib.Destroy()
	return err
}

// SelectSlot finds the token specified by the configuration
// and sets it as the current slot
func (p11lib *PKCS11Lib) SelectSlot() error {
	serial, label := "", ""
	if p11lib.Config != nil {
		serial = p11lib.Config.TokenSerial()
		label = p11lib.Config.TokenLabel()
	}
	slot, err := p11lib.FindSlot(serial, label)
	if err != nil {
		logger.KV(xlog.WARNING, "reason", "token_not_found", "serial", serial, "label", label)
		return err
	}
	p11lib.Slot = slot
	return nil
}

// FindSlot returns the slot with token matching serial and label.
// Empty serial or label matches any token.
func (p11lib *PKCS11Lib) FindSlot(serial, label string) (*SlotTokenInfo, error) {
	list, err := p11lib.TokensInfo()
	if err != nil {
		return nil, err
	}
	for _, ti := range list {
		if serial != "" && !strings.EqualFold(ti.Serial, serial) {
			continue
		}
		if label != "" && ti.Label != label {
			continue
		}
		return ti, nil
	}
	return nil, errors.WithMessagef(ErrTokenNotFound, "serial=%q, label=%q", serial, label)
}

// OpenSession opens read-write session on the slot
func (p11lib *PKCS11Lib) OpenSession(slotID uint) (pkcs11.SessionHandle, error) {
	ctx, err := p11lib.FunctionList()
	if err != nil {
		return 0, err
	}
	sh, err := ctx.OpenSession(slotID, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return 0, errors.WithMessagef(err, "OpenSession on slot %d", slotID)
	}
	return sh, nil
}

// CloseSession closes the session
func (p11lib *PKCS11Lib) CloseSession(sh pkcs11.SessionHandle) error {
	ctx, err := p11lib.FunctionList()
	if err != nil {
		return err
	}
	if err = ctx.CloseSession(sh); err != nil {
		return errors.WithMessage(err, "CloseSession")
	}
	return nil
}

// Login authenticates the user on the token of the session
func (p11lib *PKCS11Lib) Login(sh pkcs11.SessionHandle, pin string) error {
	ctx, err := p11lib.FunctionList()
	if err != nil {
		return err
	}
	err = ctx.Login(sh, pkcs11.CKU_USER, pin)
	if err != nil && !errors.Is(err, pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN)) {
		return errors.WithMessage(err, "Login")
	}
	return nil
}

// Logout logs the user out of the token of the session
func (p11lib *PKCS11Lib) Logout(sh pkcs11.SessionHandle) error {
	ctx, err := p11lib.FunctionList()
	if err != nil {
		return err
	}
	err = ctx.Logout(sh)
	if err != nil && !errors.Is(err, pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)) {
		return errors.WithMessage(err, "Logout")
	}
	return nil
}
