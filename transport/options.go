package transport

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xtoken/cryptoprov"
)

// Default options
const (
	DefaultExchangeTimeout = 30 * time.Second
	DefaultPollInterval    = 250 * time.Millisecond
)

// Options for the readers over PKCS#11 slots
type Options struct {
	// ExchangeTimeout is the time to wait for the token
	ExchangeTimeout time.Duration
	// PollInterval is the interval of polling the slots
	PollInterval time.Duration
	// NFC are substrings of slot description of NFC readers
	NFC []string
	// VCR are substrings of slot description of virtual readers
	VCR []string
}

// DefaultOptions returns the default options
func DefaultOptions() Options {
	return Options{
		ExchangeTimeout: DefaultExchangeTimeout,
		PollInterval:    DefaultPollInterval,
		NFC:             []string{"NFC", "Contactless"},
		VCR:             []string{"Virtual", "VCR"},
	}
}

// ParseOptions returns options from the token configuration attributes,
// for example:
// ExchangeTimeout=30s,PollInterval=250ms,NFC=NFC|Contactless,VCR=Virtual
func ParseOptions(attributes string) (Options, error) {
	opts := DefaultOptions()
	for k, v := range cryptoprov.ParseAttributes(attributes) {
		switch strings.ToLower(k) {
		case "exchangetimeout":
			d, err := parseDuration(k, v)
			if err != nil {
				return opts, err
			}
			opts.ExchangeTimeout = d
		case "pollinterval":
			d, err := parseDuration(k, v)
			if err != nil {
				return opts, err
			}
			opts.PollInterval = d
		case "nfc":
			opts.NFC = splitMarkers(v)
		case "vcr":
			opts.VCR = splitMarkers(v)
		}
	}
	return opts, nil
}

func parseDuration(name, val string) (time.Duration, error) {
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, errors.WithMessagef(err, "invalid %s", name)
	}
	if d <= 0 {
		return 0, errors.Errorf("invalid %s: must be positive", name)
	}
	return d, nil
}

func splitMarkers(v string) []string {
	var res []string
	for _, m := range strings.Split(v, "|") {
		if m = strings.TrimSpace(m); m != "" {
			res = append(res, m)
		}
	}
	return res
}

// Classify returns the reader type by the slot description
func (o Options) Classify(description string) ReaderType {
	d := strings.ToLower(description)
	for _, m := range o.VCR {
		if strings.Contains(d, strings.ToLower(m)) {
			return ReaderVCR
		}
	}
	for _, m := range o.NFC {
		if strings.Contains(d, strings.ToLower(m)) {
			return ReaderNFC
		}
	}
	return ReaderUSB
}
