package transport

import (
	"context"
	"slices"
	"time"

	"github.com/effective-security/xlog"
)

// DiscoverFunc returns the current readers
type DiscoverFunc func() ([]Reader, error)

// Watcher publishes the discovered readers to the Controller
type Watcher struct {
	ctrl     *Controller
	discover DiscoverFunc
	interval time.Duration
}

// NewWatcher returns Watcher
func NewWatcher(ctrl *Controller, discover DiscoverFunc, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Watcher{
		ctrl:     ctrl,
		discover: discover,
		interval: interval,
	}
}

// Refresh discovers the readers and replaces the list of the Controller
func (w *Watcher) Refresh() error {
	list, err := w.discover()
	if err != nil {
		return err
	}
	if slices.Equal(list, w.ctrl.Readers()) {
		return nil
	}
	if err := w.ctrl.SetReaders(list); err != nil {
		return err
	}
	logger.KV(xlog.INFO, "status", "readers_changed", "readers", list)
	return nil
}

// Run refreshes the readers until ctx is done
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if err := w.Refresh(); err != nil {
			logger.KV(xlog.ERROR, "reason", "discover", "err", err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
