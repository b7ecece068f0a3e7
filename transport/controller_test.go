package transport

import (
	"context"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockExchanger struct {
	mock.Mock
}

func (m *mockExchanger) StartExchange(ctx context.Context, reader, waitMessage, workMessage string) error {
	args := m.Called(ctx, reader, waitMessage, workMessage)
	return args.Error(0)
}

func (m *mockExchanger) StopExchange(ctx context.Context, reader, message string) error {
	args := m.Called(ctx, reader, message)
	return args.Error(0)
}

func (m *mockExchanger) ExchangeStopped(reader string) <-chan struct{} {
	args := m.Called(reader)
	return args.Get(0).(chan struct{})
}

func newTestController(t *testing.T, readers ...Reader) (*Controller, *mockExchanger) {
	ex := &mockExchanger{}
	c := NewController(ex)
	require.NoError(t, c.SetReaders(readers))
	return c, ex
}

func TestStartExchangeNoReader(t *testing.T) {
	ctx := context.Background()

	c, ex := newTestController(t, Reader{Name: "R1", Type: ReaderUSB})
	err := c.StartExchange(ctx)
	assert.ErrorIs(t, err, ErrNoReaderFound)
	err = c.StopExchange(ctx)
	assert.ErrorIs(t, err, ErrNoReaderFound)
	ex.AssertNotCalled(t, "StartExchange", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	ex.AssertNotCalled(t, "StopExchange", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, StateIdle, c.State())

	c, _ = newTestController(t)
	assert.ErrorIs(t, c.StartExchange(ctx), ErrNoReaderFound)
}

func TestStartExchangeNFC(t *testing.T) {
	ctx := context.Background()
	c, ex := newTestController(t, Reader{Name: "R2", Type: ReaderNFC})

	ex.On("StartExchange", ctx, "R2", PromptWait, PromptWorking).Return(nil).Once()
	require.NoError(t, c.StartExchange(ctx))
	assert.Equal(t, StateActive, c.State())
	assert.NoError(t, c.LastError())

	ex.On("StopExchange", ctx, "R2", PromptStop).Return(nil).Once()
	require.NoError(t, c.StopExchange(ctx))
	assert.Equal(t, StateIdle, c.State())

	ex.AssertExpectations(t)
}

func TestStartExchangeFailures(t *testing.T) {
	tcases := []struct {
		name     string
		err      error
		expected error
		not      []error
	}{
		{
			name:     "cancelled",
			err:      errors.WithMessage(ErrExchangeCancelled, "reader R3"),
			expected: ErrUserCancelled,
			not:      []error{ErrTimedOut, ErrUnknown},
		},
		{
			name:     "timeout",
			err:      ErrExchangeTimeout,
			expected: ErrTimedOut,
			not:      []error{ErrUserCancelled, ErrUnknown},
		},
		{
			name:     "other",
			err:      errors.New("CKR_DEVICE_ERROR"),
			expected: ErrUnknown,
			not:      []error{ErrUserCancelled, ErrTimedOut},
		},
		{
			name:     "context",
			err:      context.Canceled,
			expected: ErrUnknown,
			not:      []error{ErrUserCancelled, ErrTimedOut},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			c, ex := newTestController(t, Reader{Name: "R3", Type: ReaderVCR})
			ex.On("StartExchange", ctx, "R3", PromptWait, PromptWorking).Return(tc.err).Once()

			err := c.StartExchange(ctx)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.expected)
			for _, e := range tc.not {
				assert.NotErrorIs(t, err, e)
			}
			assert.Equal(t, StateFailed, c.State())
			assert.ErrorIs(t, c.LastError(), tc.expected)
			ex.AssertExpectations(t)
		})
	}
}

func TestStartExchangeUnknownKeepsCause(t *testing.T) {
	ctx := context.Background()
	c, ex := newTestController(t, Reader{Name: "R2", Type: ReaderNFC})
	ex.On("StartExchange", ctx, "R2", PromptWait, PromptWorking).Return(errors.New("CKR_DEVICE_ERROR"))

	err := c.StartExchange(ctx)
	assert.EqualError(t, err, "CKR_DEVICE_ERROR: unknown reader error")
}

func TestStopExchangeFailure(t *testing.T) {
	ctx := context.Background()
	c, ex := newTestController(t, Reader{Name: "R2", Type: ReaderNFC})
	ex.On("StopExchange", ctx, "R2", PromptStop).Return(ErrExchangeTimeout)

	err := c.StopExchange(ctx)
	assert.ErrorIs(t, err, ErrUnknown)
	assert.NotErrorIs(t, err, ErrTimedOut)
	assert.Equal(t, StateIdle, c.State())
}

func TestExchangeStopped(t *testing.T) {
	c, ex := newTestController(t, Reader{Name: "R1", Type: ReaderUSB})

	select {
	case <-c.ExchangeStopped():
	default:
		t.Fatal("expected closed channel without NFC reader")
	}
	ex.AssertNotCalled(t, "ExchangeStopped", mock.Anything)

	stopped := make(chan struct{})
	ex.On("ExchangeStopped", "R2").Return(stopped)
	require.NoError(t, c.SetReaders([]Reader{
		{Name: "R1", Type: ReaderUSB},
		{Name: "R2", Type: ReaderNFC},
		{Name: "V1", Type: ReaderVCR},
	}))

	ch := c.ExchangeStopped()
	select {
	case <-ch:
		t.Fatal("exchange is not stopped")
	default:
	}
	close(stopped)
	<-ch
}

func TestActiveReaderFirstMatch(t *testing.T) {
	c, _ := newTestController(t,
		Reader{Name: "U1", Type: ReaderUSB},
		Reader{Name: "V1", Type: ReaderVCR},
		Reader{Name: "N1", Type: ReaderNFC},
	)
	r, ok := c.ActiveReader()
	require.True(t, ok)
	assert.Equal(t, "V1", r.Name)
}

func TestSetReaders(t *testing.T) {
	c, _ := newTestController(t, Reader{Name: "N1", Type: ReaderNFC})

	err := c.SetReaders([]Reader{{Name: "X", Type: "bluetooth"}})
	assert.EqualError(t, err, `reader "X": unsupported type: "bluetooth"`)
	// not changed
	assert.Equal(t, []Reader{{Name: "N1", Type: ReaderNFC}}, c.Readers())

	// replaced, not merged
	list := []Reader{{Name: "U1", Type: ReaderUSB}}
	require.NoError(t, c.SetReaders(list))
	list[0].Name = "changed"
	assert.Equal(t, []Reader{{Name: "U1", Type: ReaderUSB}}, c.Readers())

	snapshot := c.Readers()
	snapshot[0].Type = ReaderNFC
	_, ok := c.ActiveReader()
	assert.False(t, ok)
}

func TestReadersConcurrentUpdate(t *testing.T) {
	ex := &mockExchanger{}
	ex.On("ExchangeStopped", mock.Anything).Return(make(chan struct{}))
	c := NewController(ex)

	lists := [][]Reader{
		{{Name: "N1", Type: ReaderNFC}},
		{{Name: "U1", Type: ReaderUSB}, {Name: "V1", Type: ReaderVCR}},
		{{Name: "U2", Type: ReaderUSB}},
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = c.SetReaders(lists[j%len(lists)])
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if r, ok := c.ActiveReader(); ok {
					assert.True(t, r.Name == "N1" || r.Name == "V1", r.Name)
				}
				_ = c.ExchangeStopped()
			}
		}()
	}
	wg.Wait()
}

func TestState(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "unknown", State(100).String())
}
