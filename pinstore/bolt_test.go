package pinstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

type gate struct {
	reasons []string
	err     error
}

func (g *gate) Authenticate(_ context.Context, reason string) error {
	g.reasons = append(g.reasons, reason)
	return g.err
}

func openTestStore(t *testing.T, g BiometricGate) (*DB, string) {
	path := filepath.Join(t.TempDir(), "pins.db")
	s, err := Open(path, []byte("store secret"), g)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s, path
}

func TestValidatePIN(t *testing.T) {
	for _, pin := range []string{"1234", "87654321", "0123456789012345"} {
		assert.NoError(t, ValidatePIN(pin), pin)
	}
	for _, pin := range []string{"", "123", "01234567890123456", "12a4", "１２３４"} {
		assert.ErrorIs(t, ValidatePIN(pin), ErrInvalidPIN, pin)
	}
}

func TestSaveGetDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t, nil)

	_, err := s.Get(ctx, "3a5b7c01")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.EqualError(t, err, `serial "3a5b7c01": PIN not found`)

	require.NoError(t, s.Save(ctx, "87654321", "3A5B7C01 ", false))
	pin, err := s.Get(ctx, "3a5b7c01")
	require.NoError(t, err)
	assert.Equal(t, "87654321", pin)

	// overwrite
	require.NoError(t, s.Save(ctx, "1234", "3a5b7c01", false))
	pin, err = s.Get(ctx, "3a5b7c01")
	require.NoError(t, err)
	assert.Equal(t, "1234", pin)

	require.NoError(t, s.Save(ctx, "5678", "0000beef", false))
	serials, err := s.Serials(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"0000beef", "3a5b7c01"}, serials)

	require.NoError(t, s.Delete(ctx, "3a5b7c01"))
	_, err = s.Get(ctx, "3a5b7c01")
	assert.ErrorIs(t, err, ErrNotFound)
	// deleting missing PIN is not an error
	require.NoError(t, s.Delete(ctx, "3a5b7c01"))

	assert.ErrorIs(t, s.Save(ctx, "12ab", "3a5b7c01", false), ErrInvalidPIN)
	assert.EqualError(t, s.Save(ctx, "1234", " ", false), "token serial must be provided")
	_, err = s.Get(ctx, "")
	assert.EqualError(t, err, "token serial must be provided")
}

func TestBiometric(t *testing.T) {
	ctx := context.Background()

	s, _ := openTestStore(t, nil)
	assert.ErrorIs(t, s.Save(ctx, "1234", "3a5b7c01", true), ErrNoBiometricGate)

	g := &gate{}
	s, _ = openTestStore(t, g)
	require.NoError(t, s.Save(ctx, "1234", "3a5b7c01", true))
	require.NoError(t, s.Save(ctx, "5678", "0000beef", false))
	assert.Empty(t, g.reasons)

	pin, err := s.Get(ctx, "3a5b7c01")
	require.NoError(t, err)
	assert.Equal(t, "1234", pin)
	assert.Equal(t, []string{"Unlock PIN of token 3a5b7c01"}, g.reasons)

	// not gated
	pin, err = s.Get(ctx, "0000beef")
	require.NoError(t, err)
	assert.Equal(t, "5678", pin)
	assert.Len(t, g.reasons, 1)

	g.err = errors.New("user cancelled")
	_, err = s.Get(ctx, "3a5b7c01")
	assert.EqualError(t, err, "biometric authentication failed: user cancelled")
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	s, path := openTestStore(t, GateFunc(func(context.Context, string) error { return nil }))
	require.NoError(t, s.Save(ctx, "1234", "3a5b7c01", true))
	require.NoError(t, s.Close())

	// gate is not available
	s2, err := Open(path, []byte("store secret"), nil)
	require.NoError(t, err)
	_, err = s2.Get(ctx, "3a5b7c01")
	assert.ErrorIs(t, err, ErrNoBiometricGate)
	require.NoError(t, s2.Close())

	// wrong secret
	s3, err := Open(path, []byte("other secret"), GateFunc(func(context.Context, string) error { return nil }))
	require.NoError(t, err)
	_, err = s3.Get(ctx, "3a5b7c01")
	assert.EqualError(t, err, "failed to unprotect data: failed to unprotect: cipher: message authentication failed")
	require.NoError(t, s3.Close())

	_, err = Open(path, nil, nil)
	assert.EqualError(t, err, "secret must be provided")
}

func TestBiometricFlagTampered(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t, &gate{})
	require.NoError(t, s.Save(ctx, "1234", "3a5b7c01", true))

	// drop the flag to bypass the gate
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPins)
		var rec record
		if err := json.Unmarshal(b.Get([]byte("3a5b7c01")), &rec); err != nil {
			return err
		}
		rec.Biometric = false
		v, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put([]byte("3a5b7c01"), v)
	})
	require.NoError(t, err)

	_, err = s.Get(ctx, "3a5b7c01")
	assert.Error(t, err)
}
