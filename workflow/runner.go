// Package workflow runs an operation with a token key: it starts the
// exchange with the reader, logs in to the token, wraps the key pair,
// and releases everything in reverse order.
package workflow

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/crypto11"
	"github.com/effective-security/xtoken/engine"
	"github.com/effective-security/xtoken/metricskey"
	"github.com/effective-security/xtoken/pinstore"
	"github.com/effective-security/xtoken/transport"
	"github.com/miekg/pkcs11"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xtoken", "workflow")

// DefaultStopTimeout is the time to wait for the end of the exchange
const DefaultStopTimeout = 5 * time.Second

// ErrNoPIN is returned when PIN is not provided, stored or configured
var ErrNoPIN = errors.New("PIN is not provided")

// KeyRef specifies the key on the token
type KeyRef struct {
	// Serial of the token, the configured token is used if empty
	Serial string
	// ID or Label of the key pair
	ID    string
	Label string
	// PIN overrides the stored PIN
	PIN string
}

// Operation is performed with the token key
type Operation func(ctx context.Context, key *engine.Key) error

// SessionOperation is performed in the logged in session of the token
type SessionOperation func(ctx context.Context, sh pkcs11.SessionHandle, slot *crypto11.SlotTokenInfo) error

// Runner runs the operations with the token keys
type Runner struct {
	Controller *transport.Controller
	Lib        *crypto11.PKCS11Lib
	Engine     *engine.Engine
	// Pins is optional
	Pins pinstore.Store
	// StopTimeout bounds the wait for the exchange end
	StopTimeout time.Duration
}

// Run performs the operation with the key found by ID or label
func (r *Runner) Run(ctx context.Context, ref KeyRef, op Operation) error {
	defer metricskey.PerfTokenOperation.MeasureSince(time.Now(), r.Engine.Name(), "run")

	return r.RunSession(ctx, ref, func(ctx context.Context, sh pkcs11.SessionHandle, slot *crypto11.SlotTokenInfo) error {
		kp, err := r.Lib.FindKeyPair(sh, ref.ID, ref.Label)
		if err != nil {
			return err
		}

		key, err := r.Engine.WrapKeys(sh, kp.Private, kp.Public)
		if err != nil {
			return err
		}
		defer key.Close()

		logger.KV(xlog.DEBUG, "status", "run", "serial", slot.Serial, "id", kp.ID, "label", kp.Label)
		return op(ctx, key)
	})
}

// RunSession performs the operation in the logged in session.
// The exchange is stopped on every exit path once started,
// the errors of the controller are returned as is,
// so the caller can check transport.ErrUserCancelled and others.
func (r *Runner) RunSession(ctx context.Context, ref KeyRef, op SessionOperation) (err error) {
	if r.Controller != nil {
		serr := r.Controller.StartExchange(ctx)
		switch {
		case serr == nil:
			defer func() {
				if stopErr := r.stopExchange(ctx); stopErr != nil {
					if err == nil {
						err = stopErr
					} else {
						logger.KV(xlog.ERROR, "reason", "stop_exchange", "err", stopErr.Error())
					}
				}
			}()
		case errors.Is(serr, transport.ErrNoReaderFound):
			// token is connected directly
			logger.KV(xlog.DEBUG, "status", "no_exchange", "reason", serr.Error())
		default:
			return serr
		}
	}

	return r.withSession(ctx, ref, op)
}

func (r *Runner) withSession(ctx context.Context, ref KeyRef, op SessionOperation) error {
	slot, err := r.findSlot(ref.Serial)
	if err != nil {
		return err
	}

	pin, err := r.pin(ctx, ref, slot.Serial)
	if err != nil {
		return err
	}

	sh, err := r.Lib.OpenSession(slot.ID)
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Lib.CloseSession(sh); err != nil {
			logger.KV(xlog.ERROR, "reason", "close_session", "err", err.Error())
		}
	}()

	if err = r.Lib.Login(sh, pin); err != nil {
		return err
	}
	defer func() {
		if err := r.Lib.Logout(sh); err != nil {
			logger.KV(xlog.ERROR, "reason", "logout", "err", err.Error())
		}
	}()

	return op(ctx, sh, slot)
}

func (r *Runner) findSlot(serial string) (*crypto11.SlotTokenInfo, error) {
	if serial == "" && r.Lib.Config != nil {
		serial = r.Lib.Config.TokenSerial()
	}
	label := ""
	if serial == "" && r.Lib.Config != nil {
		label = r.Lib.Config.TokenLabel()
	}
	return r.Lib.FindSlot(serial, label)
}

func (r *Runner) pin(ctx context.Context, ref KeyRef, serial string) (string, error) {
	if ref.PIN != "" {
		return ref.PIN, nil
	}
	if r.Pins != nil {
		pin, err := r.Pins.Get(ctx, serial)
		if err == nil {
			return pin, nil
		}
		if !errors.Is(err, pinstore.ErrNotFound) {
			return "", err
		}
	}
	if r.Lib.Config != nil && r.Lib.Config.Pin() != "" {
		return r.Lib.Config.Pin(), nil
	}
	return "", errors.WithMessagef(ErrNoPIN, "serial %q", serial)
}

// stopExchange ends the exchange started by RunSession.
// The operation is finished at this point, so the caller's cancellation
// does not apply: the wait is bounded by StopTimeout only.
func (r *Runner) stopExchange(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	stopped := r.Controller.ExchangeStopped()
	if err := r.Controller.StopExchange(ctx); err != nil {
		return err
	}

	select {
	case <-stopped:
		return nil
	default:
	}

	timeout := r.StopTimeout
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-stopped:
	case <-timer.C:
		logger.KV(xlog.WARNING, "reason", "stop_timeout", "timeout", timeout)
	}
	return nil
}
