package workflow

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xtoken/crypto11"
	"github.com/effective-security/xtoken/cryptoprov"
	"github.com/effective-security/xtoken/engine"
	"github.com/effective-security/xtoken/internal/p11test"
	"github.com/effective-security/xtoken/pinstore"
	"github.com/effective-security/xtoken/transport"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	nfcReader = "ACS ACR1252 NFC Reader"
	serial    = "0000beef"
	pin       = "87654321"
)

type fixture struct {
	token  *p11test.Ctx
	runner *Runner
	pins   *pinstore.DB
	pub    crypto.PublicKey
}

func newFixture(t *testing.T, present bool) *fixture {
	token := p11test.New(pin,
		p11test.Slot{ID: 0, Description: "Aktiv Rutoken ECP 00 00", Present: true, Serial: "3a5b7c01", Label: "usb"},
		p11test.Slot{ID: 1, Description: nfcReader, Present: present, Serial: serial, Label: "nfc"},
	)
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	token.AddKeyPair(1, k, "ec1", "sign key")

	lib := crypto11.NewWithContext(&cryptoprov.Config{}, token)
	e := engine.New(engine.NewPKCS11Backend(lib))

	opts := transport.DefaultOptions()
	opts.PollInterval = 5 * time.Millisecond
	opts.ExchangeTimeout = time.Second
	ctrl := transport.NewController(transport.NewSlotExchanger(lib, opts, nil))
	readers, err := transport.Discover(lib, opts)
	require.NoError(t, err)
	require.NoError(t, ctrl.SetReaders(readers))

	pins, err := pinstore.Open(filepath.Join(t.TempDir(), "pins.db"), []byte("secret"), nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = pins.Close()
		_ = e.Close()
	})

	return &fixture{
		token: token,
		pins:  pins,
		pub:   k.Public(),
		runner: &Runner{
			Controller:  ctrl,
			Lib:         lib,
			Engine:      e,
			Pins:        pins,
			StopTimeout: time.Second,
		},
	}
}

func signOp(digest []byte, sig *[]byte) Operation {
	return func(_ context.Context, key *engine.Key) error {
		var err error
		*sig, err = key.Sign(rand.Reader, digest, crypto.SHA256)
		return err
	}
}

func TestRunNFC(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	require.NoError(t, f.pins.Save(ctx, pin, serial, false))

	go func() {
		time.Sleep(20 * time.Millisecond)
		f.token.SetPresent(1, true)
	}()

	digest := sha256.Sum256([]byte("payment order"))
	var sig []byte
	err := f.runner.Run(ctx, KeyRef{Serial: serial, ID: "ec1"}, signOp(digest[:], &sig))
	require.NoError(t, err)
	assert.True(t, ecdsa.VerifyASN1(f.pub.(*ecdsa.PublicKey), digest[:], sig))

	assert.Equal(t, transport.StateIdle, f.runner.Controller.State())
	assert.Zero(t, f.token.OpenSessions())
	select {
	case <-f.runner.Controller.ExchangeStopped():
	default:
		t.Fatal("exchange is not stopped")
	}
	assert.Contains(t, f.token.Calls(), "Logout")
}

func TestRunWithoutNFCReader(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.runner.Controller.SetReaders([]transport.Reader{
		{Name: "Aktiv Rutoken ECP 00 00", Type: transport.ReaderUSB},
	}))

	digest := sha256.Sum256([]byte("doc"))
	var sig []byte
	err := f.runner.Run(context.Background(), KeyRef{Serial: serial, Label: "sign key", PIN: pin}, signOp(digest[:], &sig))
	require.NoError(t, err)
	assert.NotEmpty(t, sig)
	assert.Equal(t, transport.StateIdle, f.runner.Controller.State())
}

func TestRunTimeout(t *testing.T) {
	f := newFixture(t, false)
	f.runner.Controller = transport.NewController(transport.NewSlotExchanger(f.runner.Lib, transport.Options{
		ExchangeTimeout: 20 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
	}, nil))
	require.NoError(t, f.runner.Controller.SetReaders([]transport.Reader{{Name: nfcReader, Type: transport.ReaderNFC}}))

	called := false
	err := f.runner.Run(context.Background(), KeyRef{Serial: serial, ID: "ec1", PIN: pin}, func(context.Context, *engine.Key) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, transport.ErrTimedOut)
	assert.False(t, called)
	assert.Equal(t, transport.StateFailed, f.runner.Controller.State())
	assert.NotContains(t, f.token.Calls(), "OpenSession")
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := f.runner.Run(ctx, KeyRef{Serial: serial, ID: "ec1", PIN: pin}, func(context.Context, *engine.Key) error {
		return nil
	})
	assert.ErrorIs(t, err, transport.ErrUserCancelled)
	assert.NotErrorIs(t, err, transport.ErrTimedOut)
}

func TestRunFailuresStopExchange(t *testing.T) {
	opFailed := errors.New("operation failed")

	tcases := []struct {
		name  string
		ref   KeyRef
		op    Operation
		check func(t *testing.T, err error)
	}{
		{
			name: "no_pin",
			ref:  KeyRef{Serial: serial, ID: "ec1"},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrNoPIN)
			},
		},
		{
			name: "wrong_pin",
			ref:  KeyRef{Serial: serial, ID: "ec1", PIN: "0000"},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, pkcs11.Error(pkcs11.CKR_PIN_INCORRECT))
			},
		},
		{
			name: "no_key",
			ref:  KeyRef{Serial: serial, ID: "missing", PIN: pin},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, crypto11.ErrKeyNotFound)
			},
		},
		{
			name: "no_token",
			ref:  KeyRef{Serial: "ffffffff", ID: "ec1", PIN: pin},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, crypto11.ErrTokenNotFound)
			},
		},
		{
			name: "operation",
			ref:  KeyRef{Serial: serial, ID: "ec1", PIN: pin},
			op: func(context.Context, *engine.Key) error {
				return opFailed
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, opFailed)
			},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, true)
			op := tc.op
			if op == nil {
				op = func(context.Context, *engine.Key) error { return nil }
			}
			err := f.runner.Run(context.Background(), tc.ref, op)
			require.Error(t, err)
			tc.check(t, err)

			assert.Equal(t, transport.StateIdle, f.runner.Controller.State())
			assert.Zero(t, f.token.OpenSessions())
		})
	}
}

func TestRunSessionGenerate(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	var kp *crypto11.KeyPair
	err := f.runner.RunSession(ctx, KeyRef{Serial: serial, PIN: pin}, func(_ context.Context, sh pkcs11.SessionHandle, slot *crypto11.SlotTokenInfo) error {
		assert.Equal(t, uint(1), slot.ID)
		var err error
		kp, err = f.runner.Lib.GenerateECDSAKeyPair(sh, "gen1", "generated", elliptic.P256())
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, kp)

	digest := sha256.Sum256([]byte("with generated key"))
	var sig []byte
	err = f.runner.Run(ctx, KeyRef{Serial: serial, ID: "gen1", PIN: pin}, signOp(digest[:], &sig))
	require.NoError(t, err)
	assert.True(t, ecdsa.VerifyASN1(kp.PublicKey.(*ecdsa.PublicKey), digest[:], sig))
}

func TestRunCancelledAfterOperation(t *testing.T) {
	f := newFixture(t, true)
	digest := sha256.Sum256([]byte("cancelled after sign"))

	// the context is already done when the exchange is stopped
	for i := 0; i < 40; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		var sig []byte
		err := f.runner.Run(ctx, KeyRef{Serial: serial, ID: "ec1", PIN: pin}, func(ctx context.Context, key *engine.Key) error {
			defer cancel()
			return signOp(digest[:], &sig)(ctx, key)
		})
		require.NoError(t, err, "run %d", i)
		assert.True(t, ecdsa.VerifyASN1(f.pub.(*ecdsa.PublicKey), digest[:], sig))
		assert.Equal(t, transport.StateIdle, f.runner.Controller.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	err := f.runner.RunSession(ctx, KeyRef{Serial: serial, PIN: pin}, func(context.Context, pkcs11.SessionHandle, *crypto11.SlotTokenInfo) error {
		cancel()
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, f.token.OpenSessions())
	select {
	case <-f.runner.Controller.ExchangeStopped():
	default:
		t.Fatal("exchange is not stopped")
	}
}
