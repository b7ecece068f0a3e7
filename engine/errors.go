package engine

import "github.com/cockroachdb/errors"

var (
	// ErrGeneral is returned when the function list is not available,
	// or the token session can not be wrapped
	ErrGeneral = errors.New("general error")
	// ErrEngine is returned when the key pair can not be wrapped
	ErrEngine = errors.New("engine error")
)

// nativeError translates the outcome of a native call to one of
// ErrGeneral or ErrEngine, keeping the cause in the chain
func nativeError(kind error, call string, cause error) error {
	if cause == nil {
		return errors.WithMessagef(kind, "%s returned no handle", call)
	}
	return errors.WithSecondaryError(errors.WithMessagef(kind, "%s: %v", call, cause), cause)
}
