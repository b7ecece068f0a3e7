package cryptoprov

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/fileutil/resolve"
	"github.com/effective-security/xlog"
	"gopkg.in/yaml.v3"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xtoken", "cryptoprov")

// TokenConfig describes the PKCS#11 module and the token to use.
// The token is selected by serial, or by label when the serial is empty.
type TokenConfig interface {
	Manufacturer() string
	Model() string
	// Path of the PKCS#11 module
	Path() string
	TokenSerial() string
	TokenLabel() string
	// Pin is the user PIN, used when no PIN is given or stored
	Pin() string
	// Attributes is comma separated key=value list,
	// e.g. "ExchangeTimeout=30s,NFC=ACR1252|Contactless"
	Attributes() string
}

// Reader attribute names
const (
	AttrExchangeTimeout = "ExchangeTimeout"
	AttrPollInterval    = "PollInterval"
	AttrNFC             = "NFC"
	AttrVCR             = "VCR"
)

// ReaderConfig specifies the exchange with token readers
type ReaderConfig struct {
	// ExchangeTimeout is the time to wait for the token in NFC or virtual reader
	ExchangeTimeout string `json:"ExchangeTimeout,omitempty" yaml:"exchange_timeout,omitempty"`
	// PollInterval is the interval of the slot polling
	PollInterval string `json:"PollInterval,omitempty" yaml:"poll_interval,omitempty"`
	// NFC lists slot description markers of NFC readers
	NFC []string `json:"NFC,omitempty" yaml:"nfc,omitempty"`
	// VCR lists slot description markers of virtual readers
	VCR []string `json:"VCR,omitempty" yaml:"vcr,omitempty"`
}

// Config is TokenConfig loaded from file
type Config struct {
	Man     string        `json:"Manufacturer"      yaml:"manufacturer"`
	Mod     string        `json:"Model"             yaml:"model"`
	Dir     string        `json:"Path"              yaml:"path"`
	Serial  string        `json:"TokenSerial"       yaml:"token_serial"`
	Label   string        `json:"TokenLabel"        yaml:"token_label"`
	Pwd     string        `json:"Pin"               yaml:"pin"`
	Attrs   string        `json:"Attributes"        yaml:"attributes"`
	Readers *ReaderConfig `json:"Readers,omitempty" yaml:"readers,omitempty"`
}

// Manufacturer returns the module manufacturer
func (c *Config) Manufacturer() string {
	return c.Man
}

// Model returns the device model
func (c *Config) Model() string {
	return c.Mod
}

// Path returns the module path
func (c *Config) Path() string {
	return c.Dir
}

// TokenSerial returns the serial of the token
func (c *Config) TokenSerial() string {
	return c.Serial
}

// TokenLabel returns the label of the token
func (c *Config) TokenLabel() string {
	return c.Label
}

// Pin returns the configured PIN
func (c *Config) Pin() string {
	return c.Pwd
}

// Attributes returns the attributes with the reader settings,
// the values from Readers override the same keys in Attrs
func (c *Config) Attributes() string {
	reader := c.readerAttributes()
	if len(reader) == 0 {
		return c.Attrs
	}

	var list []string
	for _, v := range strings.Split(c.Attrs, ",") {
		k, _, _ := strings.Cut(v, "=")
		k = strings.TrimSpace(k)
		if k == "" || containsFold(reader, k) {
			continue
		}
		list = append(list, strings.TrimSpace(v))
	}
	for _, kv := range reader {
		list = append(list, kv[0]+"="+kv[1])
	}
	return strings.Join(list, ",")
}

func (c *Config) readerAttributes() [][2]string {
	r := c.Readers
	if r == nil {
		return nil
	}
	var res [][2]string
	if r.ExchangeTimeout != "" {
		res = append(res, [2]string{AttrExchangeTimeout, r.ExchangeTimeout})
	}
	if r.PollInterval != "" {
		res = append(res, [2]string{AttrPollInterval, r.PollInterval})
	}
	if len(r.NFC) > 0 {
		res = append(res, [2]string{AttrNFC, strings.Join(r.NFC, "|")})
	}
	if len(r.VCR) > 0 {
		res = append(res, [2]string{AttrVCR, strings.Join(r.VCR, "|")})
	}
	return res
}

func containsFold(list [][2]string, key string) bool {
	for _, kv := range list {
		if strings.EqualFold(kv[0], key) {
			return true
		}
	}
	return false
}

func (c *Config) validate() error {
	r := c.Readers
	if r == nil {
		return nil
	}
	for name, val := range map[string]string{
		"exchange_timeout": r.ExchangeTimeout,
		"poll_interval":    r.PollInterval,
	} {
		if val == "" {
			continue
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return errors.WithMessagef(err, "invalid readers.%s", name)
		}
		if d <= 0 {
			return errors.Errorf("invalid readers.%s: must be positive", name)
		}
	}
	return nil
}

// LoadTokenConfig loads the configuration from JSON or YAML file.
// The PIN prefixed with `file:` is read from the file, the relative
// path is resolved against the current folder, then the config folder.
func LoadTokenConfig(filename string) (TokenConfig, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	cfg := new(Config)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		err = json.Unmarshal(raw, cfg)
	default:
		err = yaml.Unmarshal(raw, cfg)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to decode file: %s", filename)
	}
	if err = cfg.validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid configuration: %s", filename)
	}

	if pinfile, ok := strings.CutPrefix(cfg.Pwd, "file:"); ok {
		if cfg.Pwd, err = loadPin(pinfile, filepath.Dir(filename)); err != nil {
			return nil, errors.WithMessagef(err, "unable to load PIN for configuration: %s", filename)
		}
	}
	return cfg, nil
}

func loadPin(pinfile, cfgDir string) (string, error) {
	cwd, _ := os.Getwd()
	for _, folder := range []string{"", cwd, cfgDir} {
		resolved, err := resolve.File(pinfile, folder)
		if err == nil {
			pinfile = resolved
			break
		}
		logger.KV(xlog.DEBUG, "reason", "resolve", "pinfile", pinfile, "basedir", folder)
	}

	pb, err := os.ReadFile(pinfile)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return strings.TrimSpace(string(pb)), nil
}

// ParseAttributes returns the map of key=value pairs from
// comma separated attributes string
func ParseAttributes(attributes string) map[string]string {
	res := make(map[string]string)
	for _, v := range strings.Split(attributes, ",") {
		k, val, _ := strings.Cut(v, "=")
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		res[k] = strings.TrimSpace(val)
	}
	return res
}
