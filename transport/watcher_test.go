package transport

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherRefresh(t *testing.T) {
	c := NewController(&mockExchanger{})

	var list []Reader
	var fail error
	w := NewWatcher(c, func() ([]Reader, error) {
		return list, fail
	}, 0)

	list = []Reader{{Name: "N1", Type: ReaderNFC}}
	require.NoError(t, w.Refresh())
	assert.Equal(t, list, c.Readers())

	fail = errors.New("GetSlotList: CKR_DEVICE_REMOVED")
	assert.EqualError(t, w.Refresh(), "GetSlotList: CKR_DEVICE_REMOVED")
	assert.Equal(t, list, c.Readers())

	fail = nil
	list = []Reader{{Name: "X", Type: "ble"}}
	assert.Error(t, w.Refresh())
}

func TestWatcherRefreshUnchanged(t *testing.T) {
	c := NewController(&mockExchanger{})

	var list []Reader
	w := NewWatcher(c, func() ([]Reader, error) {
		return list, nil
	}, 0)

	// nil and empty lists are the same
	stored := c.readers.Load()
	require.NoError(t, w.Refresh())
	assert.Same(t, stored, c.readers.Load())

	list = []Reader{{Name: "N1", Type: ReaderNFC}}
	require.NoError(t, w.Refresh())
	stored = c.readers.Load()
	assert.NotNil(t, stored)

	list = []Reader{{Name: "N1", Type: ReaderNFC}}
	require.NoError(t, w.Refresh())
	assert.Same(t, stored, c.readers.Load())
}

func TestWatcherRun(t *testing.T) {
	c := NewController(&mockExchanger{})

	var calls atomic.Int32
	w := NewWatcher(c, func() ([]Reader, error) {
		if calls.Add(1) < 3 {
			return []Reader{{Name: "U1", Type: ReaderUSB}}, nil
		}
		return []Reader{{Name: "N1", Type: ReaderNFC}}, nil
	}, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		_, ok := c.ActiveReader()
		return ok
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
