// Package dataprotection seals small secrets at rest.
package dataprotection

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// Provider interface for data protection
type Provider interface {
	// Protect returns protected blob, bound to the associated data
	Protect(ctx context.Context, data, associated []byte) ([]byte, error)
	// Unprotect returns unprotected data
	Unprotect(ctx context.Context, protected, associated []byte) ([]byte, error)
}

// ProtectObject returns encrypted JSON value of the object
func ProtectObject(ctx context.Context, p Provider, v any, associated []byte) ([]byte, error) {
	js, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to marshal")
	}
	protected, err := p.Protect(ctx, js, associated)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to protect")
	}
	return protected, nil
}

// UnprotectObject decrypts and unmarshals protected value to the object
func UnprotectObject(ctx context.Context, p Provider, protected, associated []byte, v any) error {
	js, err := p.Unprotect(ctx, protected, associated)
	if err != nil {
		return errors.WithMessage(err, "failed to unprotect data")
	}
	if err = json.Unmarshal(js, v); err != nil {
		return errors.WithMessage(err, "failed to unmarshal")
	}
	return nil
}
