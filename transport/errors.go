package transport

import (
	"github.com/cockroachdb/errors"
)

// Errors reported by Exchanger
var (
	// ErrExchangeCancelled is returned by Exchanger when the user aborted
	// the exchange while waiting for the token
	ErrExchangeCancelled = errors.New("exchange cancelled")
	// ErrExchangeTimeout is returned by Exchanger when the token was not
	// presented within the allowed window
	ErrExchangeTimeout = errors.New("exchange timeout")
)

// Errors reported by Controller
var (
	// ErrNoReaderFound is returned when no NFC or virtual reader is present
	ErrNoReaderFound = errors.New("no NFC reader found")
	// ErrUserCancelled is returned when the user cancelled the exchange
	ErrUserCancelled = errors.New("cancelled by user")
	// ErrTimedOut is returned when no token was presented in time
	ErrTimedOut = errors.New("timed out waiting for token")
	// ErrUnknown is returned for any other failure of the reader
	ErrUnknown = errors.New("unknown reader error")
)

// mapStartError maps the Exchanger failure to the Controller error
func mapStartError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrExchangeCancelled):
		return errors.WithSecondaryError(ErrUserCancelled, err)
	case errors.Is(err, ErrExchangeTimeout):
		return errors.WithSecondaryError(ErrTimedOut, err)
	default:
		return unknownError(err)
	}
}

func unknownError(err error) error {
	return errors.WithSecondaryError(errors.WithMessage(ErrUnknown, err.Error()), err)
}
