package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/metricskey"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xtoken", "transport")

// Prompts shown by the reader during the exchange
const (
	PromptWait    = "Hold the token to the reader"
	PromptWorking = "Working with the token, do not remove it"
	PromptStop    = "Done, the token can be removed"
)

// Exchanger is the reader primitive
type Exchanger interface {
	// StartExchange waits for the token to be presented to the reader.
	// It returns ErrExchangeCancelled when the user aborted, and
	// ErrExchangeTimeout when no token was presented in time.
	StartExchange(ctx context.Context, reader, waitMessage, workMessage string) error
	// StopExchange ends the exchange with the reader
	StopExchange(ctx context.Context, reader, message string) error
	// ExchangeStopped returns the channel closed when the exchange
	// with the reader ends
	ExchangeStopped(reader string) <-chan struct{}
}

// State is the state of the exchange
type State int32

// States of the exchange
const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateFailed
	StateStopping
)

var stateNames = map[State]string{
	StateIdle:     "idle",
	StateStarting: "starting",
	StateActive:   "active",
	StateFailed:   "failed",
	StateStopping: "stopping",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Controller keeps the list of readers and drives the exchange
// with the active reader
type Controller struct {
	exchanger Exchanger
	readers   atomic.Pointer[[]Reader]

	// one exchange at a time
	lock    sync.Mutex
	state   atomic.Int32
	lastErr atomic.Pointer[error]
}

// NewController returns Controller over the reader primitive
func NewController(ex Exchanger) *Controller {
	c := &Controller{
		exchanger: ex,
	}
	c.readers.Store(&[]Reader{})
	return c
}

// SetReaders replaces the list of readers
func (c *Controller) SetReaders(list []Reader) error {
	for _, r := range list {
		if !r.Type.Valid() {
			return errors.Errorf("reader %q: unsupported type: %q", r.Name, r.Type)
		}
	}
	cp := append([]Reader{}, list...)
	c.readers.Store(&cp)
	logger.KV(xlog.DEBUG, "status", "readers", "count", len(cp))
	return nil
}

// Readers returns a snapshot of the readers list
func (c *Controller) Readers() []Reader {
	return append([]Reader{}, *c.readers.Load()...)
}

// ActiveReader returns the first NFC or virtual reader
func (c *Controller) ActiveReader() (Reader, bool) {
	return selectReader(*c.readers.Load())
}

// State returns the state of the exchange
func (c *Controller) State() State {
	return State(c.state.Load())
}

// LastError returns the error of the failed exchange
func (c *Controller) LastError() error {
	if p := c.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (c *Controller) setState(s State, err error) {
	c.state.Store(int32(s))
	if err != nil {
		c.lastErr.Store(&err)
	} else if s == StateActive {
		c.lastErr.Store(nil)
	}
}

// StartExchange starts the exchange with the active reader.
// It does not retry, the failure is one of ErrNoReaderFound,
// ErrUserCancelled, ErrTimedOut or ErrUnknown.
func (c *Controller) StartExchange(ctx context.Context) error {
	r, ok := c.ActiveReader()
	if !ok {
		return errors.WithStack(ErrNoReaderFound)
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	defer metricskey.PerfExchange.MeasureSince(time.Now(), r.Name, "start")
	c.setState(StateStarting, nil)

	err := mapStartError(c.exchanger.StartExchange(ctx, r.Name, PromptWait, PromptWorking))
	if err != nil {
		c.setState(StateFailed, err)
		logger.KV(xlog.WARNING, "reason", "start", "reader", r.Name, "err", err.Error())
		return err
	}

	c.setState(StateActive, nil)
	logger.KV(xlog.DEBUG, "status", "started", "reader", r.Name)
	return nil
}

// StopExchange stops the exchange with the active reader,
// the failure of the reader is reported as ErrUnknown
func (c *Controller) StopExchange(ctx context.Context) error {
	r, ok := c.ActiveReader()
	if !ok {
		return errors.WithStack(ErrNoReaderFound)
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	defer metricskey.PerfExchange.MeasureSince(time.Now(), r.Name, "stop")
	c.setState(StateStopping, nil)
	defer c.setState(StateIdle, nil)

	if err := c.exchanger.StopExchange(ctx, r.Name, PromptStop); err != nil {
		logger.KV(xlog.WARNING, "reason", "stop", "reader", r.Name, "err", err.Error())
		return unknownError(err)
	}
	logger.KV(xlog.DEBUG, "status", "stopped", "reader", r.Name)
	return nil
}

// ExchangeStopped returns the channel closed when the exchange with
// the active reader ends.
// If there is no active reader, the returned channel is already closed.
func (c *Controller) ExchangeStopped() <-chan struct{} {
	r, ok := c.ActiveReader()
	if !ok {
		return closedChan()
	}
	return c.exchanger.ExchangeStopped(r.Name)
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
