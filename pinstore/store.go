// Package pinstore keeps the user PINs of the tokens, keyed by the token
// serial number.
//
// The PIN is sealed at rest. A record saved with the biometric flag is
// returned only after the BiometricGate authenticates the user.
package pinstore

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xtoken", "pinstore")

var (
	// ErrNotFound is returned when there is no PIN for the token
	ErrNotFound = errors.New("PIN not found")
	// ErrInvalidPIN is returned when PIN is not 4 to 16 digits
	ErrInvalidPIN = errors.New("PIN must be 4 to 16 digits")
	// ErrNoBiometricGate is returned when the biometric check
	// is required, but not available
	ErrNoBiometricGate = errors.New("biometric authentication is not available")
)

// Store keeps PINs by token serial number
type Store interface {
	// Save stores the PIN for the token
	Save(ctx context.Context, pin, serial string, requireBiometric bool) error
	// Get returns the PIN of the token, or ErrNotFound
	Get(ctx context.Context, serial string) (string, error)
	// Delete removes the PIN of the token
	Delete(ctx context.Context, serial string) error
}

// BiometricGate authenticates the user before the PIN is released
type BiometricGate interface {
	Authenticate(ctx context.Context, reason string) error
}

// GateFunc is an adapter to use function as BiometricGate
type GateFunc func(ctx context.Context, reason string) error

// Authenticate calls f(ctx, reason)
func (f GateFunc) Authenticate(ctx context.Context, reason string) error {
	return f(ctx, reason)
}

// ValidatePIN returns ErrInvalidPIN if the PIN is not a short numeric PIN
func ValidatePIN(pin string) error {
	if len(pin) < 4 || len(pin) > 16 {
		return errors.WithStack(ErrInvalidPIN)
	}
	for _, c := range pin {
		if c < '0' || c > '9' {
			return errors.WithStack(ErrInvalidPIN)
		}
	}
	return nil
}

func normalizeSerial(serial string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(serial))
	if s == "" {
		return "", errors.New("token serial must be provided")
	}
	return s, nil
}
