package registry

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/cwcrypto/arwen-escrow/internal/assets"
)

func TestFundingWatcher_OpensFundedEscrows(t *testing.T) {
	env := newTestEnv(t)
	p := newTestParties(t)
	ctx := context.Background()
	timelock := env.clock.Now().Add(time.Hour).Unix()

	if _, err := env.registrar.Register(ctx, p.params(testHandle, 1000, timelock)); err != nil {
		t.Fatalf("register: %v", err)
	}
	holder := assets.NewMemoryHolder()
	env.holders.bind(testHandle, holder)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewFundingWatcher(env.svc, env.store, time.Minute, logger)

	// Not funded yet: pass leaves it unfunded
	w.CheckFunding(ctx)
	e, _ := env.svc.Get(ctx, testHandle)
	if e.State != StateUnfunded {
		t.Fatalf("expected unfunded, got %s", e.State)
	}

	// Funded: next pass opens it
	holder.Fund(big.NewInt(1000))
	w.CheckFunding(ctx)
	e, _ = env.svc.Get(ctx, testHandle)
	if e.State != StateOpen {
		t.Errorf("expected open, got %s", e.State)
	}
}

func TestFundingWatcher_StartStop(t *testing.T) {
	env := newTestEnv(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewFundingWatcher(env.svc, env.store, 10*time.Millisecond, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	if !w.Running() {
		t.Error("expected watcher to report running")
	}

	w.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
	if w.Running() {
		t.Error("expected watcher to report stopped")
	}
}

func TestFundingWatcher_ContextCancel(t *testing.T) {
	env := newTestEnv(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewFundingWatcher(env.svc, env.store, 10*time.Millisecond, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop on context cancel")
	}
}
