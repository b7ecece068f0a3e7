package transport

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/crypto11"
)

// SlotExchanger implements Exchanger over PKCS#11 slots:
// the reader is the slot, and the exchange starts when a token
// is present in the slot
type SlotExchanger struct {
	lib    *crypto11.PKCS11Lib
	opts   Options
	prompt io.Writer

	lock      sync.Mutex
	exchanges map[string]*exchange
}

type exchange struct {
	slot    uint
	stopped chan struct{}
	cancel  context.CancelFunc
	once    sync.Once
}

func (x *exchange) stop() {
	x.once.Do(func() {
		x.cancel()
		close(x.stopped)
	})
}

func (x *exchange) done() bool {
	select {
	case <-x.stopped:
		return true
	default:
		return false
	}
}

// Ensure compiles
var _ Exchanger = (*SlotExchanger)(nil)

// NewSlotExchanger returns SlotExchanger,
// the prompts are written to w
func NewSlotExchanger(lib *crypto11.PKCS11Lib, opts Options, w io.Writer) *SlotExchanger {
	if w == nil {
		w = io.Discard
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ExchangeTimeout <= 0 {
		opts.ExchangeTimeout = DefaultExchangeTimeout
	}
	return &SlotExchanger{
		lib:       lib,
		opts:      opts,
		prompt:    w,
		exchanges: map[string]*exchange{},
	}
}

// StartExchange waits for a token in the slot of the reader
func (s *SlotExchanger) StartExchange(ctx context.Context, reader, waitMessage, workMessage string) error {
	fl, err := s.lib.FunctionList()
	if err != nil {
		return err
	}

	// the entry is reserved for the reader while waiting for the token
	mctx, cancel := context.WithCancel(context.Background())
	x := &exchange{
		stopped: make(chan struct{}),
		cancel:  cancel,
	}
	s.lock.Lock()
	if cur, ok := s.exchanges[reader]; ok && !cur.done() {
		s.lock.Unlock()
		cancel()
		return errors.Errorf("exchange with %q is already started", reader)
	}
	s.exchanges[reader] = x
	s.lock.Unlock()

	slot, err := s.waitToken(ctx, fl, reader, x, waitMessage)
	if err != nil {
		s.lock.Lock()
		if s.exchanges[reader] == x {
			delete(s.exchanges, reader)
		}
		s.lock.Unlock()
		x.stop()
		return err
	}

	x.slot = slot
	fmt.Fprintln(s.prompt, workMessage)
	logger.KV(xlog.DEBUG, "status", "token_presented", "reader", reader, "slot", slot)
	go s.monitor(mctx, fl, reader, x)
	return nil
}

func (s *SlotExchanger) waitToken(ctx context.Context, fl crypto11.Ctx, reader string, x *exchange, waitMessage string) (uint, error) {
	fmt.Fprintln(s.prompt, waitMessage)

	tctx, cancel := context.WithTimeout(ctx, s.opts.ExchangeTimeout)
	defer cancel()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		slot, found, err := findReaderToken(fl, reader)
		if err != nil {
			return 0, err
		}
		if found {
			return slot, nil
		}

		select {
		case <-x.stopped:
			return 0, errors.WithMessagef(ErrExchangeCancelled, "reader %q", reader)
		case <-tctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return 0, errors.WithMessagef(ErrExchangeCancelled, "reader %q", reader)
			}
			return 0, errors.WithMessagef(ErrExchangeTimeout, "reader %q", reader)
		case <-ticker.C:
		}
	}
}

// monitor ends the exchange when the token is removed
func (s *SlotExchanger) monitor(ctx context.Context, fl crypto11.Ctx, reader string, x *exchange) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			slot, found, err := findReaderToken(fl, reader)
			if err != nil || !found || slot != x.slot {
				logger.KV(xlog.DEBUG, "status", "token_removed", "reader", reader, "slot", x.slot)
				x.stop()
				return
			}
		}
	}
}

// StopExchange ends the exchange with the reader.
// It is no-op if the exchange is not started.
func (s *SlotExchanger) StopExchange(_ context.Context, reader, message string) error {
	if _, err := s.lib.FunctionList(); err != nil {
		return err
	}

	s.lock.Lock()
	x := s.exchanges[reader]
	delete(s.exchanges, reader)
	s.lock.Unlock()

	fmt.Fprintln(s.prompt, message)
	if x != nil {
		x.stop()
	}
	return nil
}

// ExchangeStopped returns the channel closed when the exchange ends.
// If the exchange is not started, the channel is already closed.
func (s *SlotExchanger) ExchangeStopped(reader string) <-chan struct{} {
	s.lock.Lock()
	defer s.lock.Unlock()
	if x, ok := s.exchanges[reader]; ok {
		return x.stopped
	}
	return closedChan()
}

// Discover returns the readers for the slots of the module
func Discover(lib *crypto11.PKCS11Lib, opts Options) ([]Reader, error) {
	fl, err := lib.FunctionList()
	if err != nil {
		return nil, err
	}
	slots, err := fl.GetSlotList(false)
	if err != nil {
		return nil, errors.WithMessage(err, "GetSlotList")
	}

	list := make([]Reader, 0, len(slots))
	for _, id := range slots {
		si, err := fl.GetSlotInfo(id)
		if err != nil {
			return nil, errors.WithMessagef(err, "GetSlotInfo on slot %d", id)
		}
		list = append(list, Reader{
			Name: readerName(id, si.SlotDescription),
			Type: opts.Classify(si.SlotDescription),
		})
	}
	return list, nil
}

func readerName(slot uint, description string) string {
	name := strings.TrimSpace(description)
	if name == "" {
		name = fmt.Sprintf("slot %d", slot)
	}
	return name
}

// findReaderToken returns the slot of the reader, if a token is present
func findReaderToken(fl crypto11.Ctx, reader string) (uint, bool, error) {
	slots, err := fl.GetSlotList(true)
	if err != nil {
		return 0, false, errors.WithMessage(err, "GetSlotList")
	}
	for _, id := range slots {
		si, err := fl.GetSlotInfo(id)
		if err != nil {
			return 0, false, errors.WithMessagef(err, "GetSlotInfo on slot %d", id)
		}
		if readerName(id, si.SlotDescription) == reader {
			return id, true, nil
		}
	}
	return 0, false, nil
}
