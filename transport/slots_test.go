package transport

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/effective-security/xtoken/crypto11"
	"github.com/effective-security/xtoken/cryptoprov"
	"github.com/effective-security/xtoken/internal/p11test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nfcReader = "ACS ACR1252 NFC Reader"

// syncBuffer is a prompt writer safe for concurrent use
type syncBuffer struct {
	lock sync.Mutex
	buf  bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() []string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}

func newTestSlots(t *testing.T) (*p11test.Ctx, *crypto11.PKCS11Lib) {
	token := p11test.New("1234",
		p11test.Slot{ID: 0, Description: "Aktiv Rutoken ECP 00 00", Present: true, Serial: "3a5b7c01", Label: "user"},
		p11test.Slot{ID: 1, Description: nfcReader, Serial: "0000beef", Label: "nfc"},
		p11test.Slot{ID: 2, Description: "  ", Present: false},
	)
	lib := crypto11.NewWithContext(&cryptoprov.Config{}, token)
	require.NoError(t, lib.Load())
	require.NoError(t, lib.Initialize())
	t.Cleanup(func() {
		_ = lib.Close()
	})
	return token, lib
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.PollInterval = 5 * time.Millisecond
	opts.ExchangeTimeout = time.Second
	return opts
}

func TestDiscover(t *testing.T) {
	_, lib := newTestSlots(t)
	list, err := Discover(lib, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, []Reader{
		{Name: "Aktiv Rutoken ECP 00 00", Type: ReaderUSB},
		{Name: nfcReader, Type: ReaderNFC},
		{Name: "slot 2", Type: ReaderUSB},
	}, list)

	_, err = Discover(crypto11.NewWithContext(&cryptoprov.Config{}, p11test.New("")), DefaultOptions())
	assert.ErrorIs(t, err, crypto11.ErrNotInitialized)
}

func TestSlotExchange(t *testing.T) {
	token, lib := newTestSlots(t)
	prompts := &syncBuffer{}
	ex := NewSlotExchanger(lib, testOptions(), prompts)

	// not started
	select {
	case <-ex.ExchangeStopped(nfcReader):
	default:
		t.Fatal("expected closed channel")
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		token.SetPresent(1, true)
	}()

	ctx := context.Background()
	require.NoError(t, ex.StartExchange(ctx, nfcReader, PromptWait, PromptWorking))
	assert.Equal(t, []string{PromptWait, PromptWorking}, prompts.Lines())

	err := ex.StartExchange(ctx, nfcReader, PromptWait, PromptWorking)
	assert.EqualError(t, err, `exchange with "ACS ACR1252 NFC Reader" is already started`)

	stopped := ex.ExchangeStopped(nfcReader)
	select {
	case <-stopped:
		t.Fatal("exchange is active")
	default:
	}

	// token removed
	token.SetPresent(1, false)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("exchange is not stopped")
	}

	require.NoError(t, ex.StopExchange(ctx, nfcReader, PromptStop))
	assert.Equal(t, []string{PromptWait, PromptWorking, PromptStop}, prompts.Lines())
}

func TestSlotExchangeStop(t *testing.T) {
	_, lib := newTestSlots(t)
	ex := NewSlotExchanger(lib, testOptions(), nil)

	ctx := context.Background()
	reader := "Aktiv Rutoken ECP 00 00"
	require.NoError(t, ex.StartExchange(ctx, reader, PromptWait, PromptWorking))
	stopped := ex.ExchangeStopped(reader)
	require.NoError(t, ex.StopExchange(ctx, reader, PromptStop))
	<-stopped

	// idempotent
	require.NoError(t, ex.StopExchange(ctx, reader, PromptStop))
}

func TestSlotExchangeConcurrentStart(t *testing.T) {
	_, lib := newTestSlots(t)
	ex := NewSlotExchanger(lib, testOptions(), nil)
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		first <- ex.StartExchange(ctx, nfcReader, PromptWait, PromptWorking)
	}()

	// the reader is taken while the first call waits for the token
	require.Eventually(t, func() bool {
		select {
		case <-ex.ExchangeStopped(nfcReader):
			return false
		default:
			return true
		}
	}, time.Second, time.Millisecond)

	err := ex.StartExchange(ctx, nfcReader, PromptWait, PromptWorking)
	assert.EqualError(t, err, `exchange with "ACS ACR1252 NFC Reader" is already started`)

	// stop ends the pending wait
	require.NoError(t, ex.StopExchange(ctx, nfcReader, PromptStop))
	select {
	case err = <-first:
		assert.ErrorIs(t, err, ErrExchangeCancelled)
	case <-time.After(time.Second):
		t.Fatal("start is not cancelled")
	}
	<-ex.ExchangeStopped(nfcReader)
}

func TestSlotExchangeTimeout(t *testing.T) {
	_, lib := newTestSlots(t)
	opts := testOptions()
	opts.ExchangeTimeout = 30 * time.Millisecond
	ex := NewSlotExchanger(lib, opts, nil)

	err := ex.StartExchange(context.Background(), nfcReader, PromptWait, PromptWorking)
	assert.ErrorIs(t, err, ErrExchangeTimeout)

	c := NewController(ex)
	require.NoError(t, c.SetReaders([]Reader{{Name: nfcReader, Type: ReaderNFC}}))
	err = c.StartExchange(context.Background())
	assert.ErrorIs(t, err, ErrTimedOut)
}

func TestSlotExchangeCancel(t *testing.T) {
	_, lib := newTestSlots(t)
	ex := NewSlotExchanger(lib, testOptions(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	c := NewController(ex)
	require.NoError(t, c.SetReaders([]Reader{{Name: nfcReader, Type: ReaderNFC}}))
	err := c.StartExchange(ctx)
	assert.ErrorIs(t, err, ErrUserCancelled)
	assert.Equal(t, StateFailed, c.State())
}

func TestSlotExchangeNotInitialized(t *testing.T) {
	lib := crypto11.NewWithContext(&cryptoprov.Config{}, p11test.New(""))
	c := NewController(NewSlotExchanger(lib, testOptions(), nil))
	require.NoError(t, c.SetReaders([]Reader{{Name: nfcReader, Type: ReaderNFC}}))

	err := c.StartExchange(context.Background())
	assert.ErrorIs(t, err, ErrUnknown)
	err = c.StopExchange(context.Background())
	assert.ErrorIs(t, err, ErrUnknown)
}
