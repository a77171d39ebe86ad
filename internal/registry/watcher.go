package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// FundingWatcher periodically polls unfunded escrows and opens the ones
// whose asset holder has reached the escrow amount. Open stays callable
// directly; the watcher just saves clients from polling themselves.
type FundingWatcher struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

const watcherBatchSize = 100

// NewFundingWatcher creates a watcher polling at the given interval.
func NewFundingWatcher(service *Service, store Store, interval time.Duration, logger *slog.Logger) *FundingWatcher {
	return &FundingWatcher{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the watcher loop is actively running.
func (w *FundingWatcher) Running() bool {
	return w.running.Load()
}

// Start begins the polling loop. Call in a goroutine.
func (w *FundingWatcher) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeCheckFunding(ctx)
		}
	}
}

// Stop signals the watcher to stop.
func (w *FundingWatcher) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *FundingWatcher) safeCheckFunding(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in funding watcher", "panic", fmt.Sprint(r))
		}
	}()
	w.CheckFunding(ctx)
}

// CheckFunding runs one poll pass. Exported so tests and admin tooling can
// trigger a pass without the ticker.
func (w *FundingWatcher) CheckFunding(ctx context.Context) {
	unfunded, err := w.store.ListByState(ctx, StateUnfunded, watcherBatchSize)
	if err != nil {
		w.logger.Warn("failed to list unfunded escrows", "error", err)
		return
	}
	for _, e := range unfunded {
		if _, err := w.service.Open(ctx, e.Handle); err != nil {
			if errors.Is(err, ErrUnderfunded) {
				continue // not funded yet, keep waiting
			}
			w.logger.Warn("failed to open escrow", "handle", e.Handle.Hex(), "error", err)
			continue
		}
		w.logger.Info("escrow auto-opened", "handle", e.Handle.Hex())
	}
}
