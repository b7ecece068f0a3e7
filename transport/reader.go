package transport

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// ReaderType specifies the type of the reader
type ReaderType string

// Reader types
const (
	ReaderUSB ReaderType = "usb"
	ReaderNFC ReaderType = "nfc"
	// ReaderVCR is the virtual card reader
	ReaderVCR ReaderType = "vcr"
)

// ReaderTypes lists the supported reader types
var ReaderTypes = []ReaderType{ReaderUSB, ReaderNFC, ReaderVCR}

// ParseReaderType returns the reader type by name
func ParseReaderType(s string) (ReaderType, error) {
	t := ReaderType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", errors.Errorf("unsupported reader type: %q", s)
	}
	return t, nil
}

// Valid returns true for the supported types
func (t ReaderType) Valid() bool {
	switch t {
	case ReaderUSB, ReaderNFC, ReaderVCR:
		return true
	}
	return false
}

// Exchange returns true if the reader requires an exchange session,
// i.e. the token has to be presented to the reader
func (t ReaderType) Exchange() bool {
	return t == ReaderNFC || t == ReaderVCR
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *ReaderType) UnmarshalText(text []byte) error {
	v, err := ParseReaderType(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Reader describes a token reader
type Reader struct {
	Name string     `json:"name" yaml:"name"`
	Type ReaderType `json:"type" yaml:"type"`
}

// selectReader returns the first reader which requires an exchange session
func selectReader(list []Reader) (Reader, bool) {
	for _, r := range list {
		if r.Type.Exchange() {
			return r, true
		}
	}
	return Reader{}, false
}
