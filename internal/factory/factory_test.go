package factory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cwcrypto/arwen-escrow/internal/assets"
	"github.com/cwcrypto/arwen-escrow/internal/registry"
)

func testFactory(t *testing.T) (*Factory, *registry.Service) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := registry.NewMemoryStore()
	svc, registrar := registry.New(store, nil, registry.WithLogger(logger))
	f := New(registrar, assets.ChainConfig{}, logger)
	svc.SetHolderProvider(f)
	return f, svc
}

func createReq(asset string) registry.CreateRequest {
	return registry.CreateRequest{
		Asset:           asset,
		Amount:          "1000",
		Timelock:        time.Now().Add(time.Hour).Unix(),
		EscrowerReserve: "0x00000000000000000000000000000000000000a1",
		EscrowerTrade:   "0x00000000000000000000000000000000000000a2",
		EscrowerRefund:  "0x00000000000000000000000000000000000000a3",
		PayeeReserve:    "0x00000000000000000000000000000000000000b1",
		PayeeTrade:      "0x00000000000000000000000000000000000000b2",
	}
}

func TestCreateEscrow_RegistersAndBindsHolder(t *testing.T) {
	f, svc := testFactory(t)
	ctx := context.Background()

	e, err := f.CreateEscrow(ctx, createReq("memory"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.State != registry.StateUnfunded {
		t.Errorf("state %s, want unfunded", e.State)
	}
	if e.Handle == (common.Address{}) {
		t.Error("expected a derived handle")
	}

	// Record is in the registry and a holder is bound
	stored, err := svc.Get(ctx, e.Handle)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	holder, err := f.HolderFor(ctx, stored)
	if err != nil {
		t.Fatalf("holder: %v", err)
	}
	if _, ok := holder.(*assets.MemoryHolder); !ok {
		t.Errorf("holder type %T, want *assets.MemoryHolder", holder)
	}
}

func TestCreateEscrow_DefaultsToMemoryAsset(t *testing.T) {
	f, _ := testFactory(t)

	e, err := f.CreateEscrow(context.Background(), createReq(""))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.Asset != AssetMemory {
		t.Errorf("asset %q, want %q", e.Asset, AssetMemory)
	}
}

func TestCreateEscrow_Rejections(t *testing.T) {
	f, _ := testFactory(t)
	ctx := context.Background()

	req := createReq("memory")
	req.Amount = "not-a-number"
	if _, err := f.CreateEscrow(ctx, req); !errors.Is(err, registry.ErrInvalidAmount) {
		t.Errorf("bad amount: expected ErrInvalidAmount, got %v", err)
	}

	req = createReq("plutonium")
	if _, err := f.CreateEscrow(ctx, req); !errors.Is(err, registry.ErrInvalidAmount) {
		t.Errorf("unknown asset: expected ErrInvalidAmount, got %v", err)
	}

	req = createReq("token") // token asset without a contract address
	if _, err := f.CreateEscrow(ctx, req); !errors.Is(err, registry.ErrInvalidAmount) {
		t.Errorf("token without address: expected ErrInvalidAmount, got %v", err)
	}
}

func TestCreateEscrow_DefaultTokenContract(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := registry.NewMemoryStore()
	_, registrar := registry.New(store, nil, registry.WithLogger(logger))
	f := New(registrar, assets.ChainConfig{}, logger,
		WithDefaultToken(common.HexToAddress("0x00000000000000000000000000000000000000cc")))

	// The default contract fills in, so the failure moves from the missing
	// address to the unconfigured RPC endpoint.
	_, err := f.CreateEscrow(context.Background(), createReq("token"))
	if errors.Is(err, registry.ErrInvalidAmount) {
		t.Fatalf("default token contract should apply, got %v", err)
	}
	if !errors.Is(err, assets.ErrRPCConnection) {
		t.Fatalf("expected ErrRPCConnection without an RPC URL, got %v", err)
	}
}

func TestCreateEscrow_UniqueHandles(t *testing.T) {
	f, _ := testFactory(t)
	ctx := context.Background()

	// Same parties; the random salt must still produce distinct handles
	a, err := f.CreateEscrow(ctx, createReq("memory"))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	b, err := f.CreateEscrow(ctx, createReq("memory"))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if a.Handle == b.Handle {
		t.Error("expected distinct handles for separate escrows")
	}
}

func TestDeriveHandle_Deterministic(t *testing.T) {
	et := common.HexToAddress("0x00000000000000000000000000000000000000a2")
	pt := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	salt := []byte{1, 2, 3, 4}

	h1 := DeriveHandle(et, pt, salt)
	h2 := DeriveHandle(et, pt, salt)
	if h1 != h2 {
		t.Error("same inputs must derive the same handle")
	}
	if h1 == DeriveHandle(et, pt, []byte{9, 9, 9, 9}) {
		t.Error("different salt must derive a different handle")
	}
	if h1 == DeriveHandle(pt, et, salt) {
		t.Error("party order must matter")
	}
}

func TestBindHolder_RebindsAfterRestart(t *testing.T) {
	f, svc := testFactory(t)
	ctx := context.Background()

	e, err := f.CreateEscrow(ctx, createReq("memory"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Simulate restart: a fresh factory over the same registry has no holders
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, registrar2 := registry.New(registry.NewMemoryStore(), nil, registry.WithLogger(logger))
	f2 := New(registrar2, assets.ChainConfig{}, logger)

	stored, _ := svc.Get(ctx, e.Handle)
	if _, err := f2.HolderFor(ctx, stored); !errors.Is(err, registry.ErrNoHolder) {
		t.Fatalf("expected ErrNoHolder, got %v", err)
	}

	holder := assets.NewMemoryHolder()
	f2.BindHolder(e.Handle, holder)
	got, err := f2.HolderFor(ctx, stored)
	if err != nil {
		t.Fatalf("holder after bind: %v", err)
	}
	if got != assets.Holder(holder) {
		t.Error("expected the bound holder back")
	}
}
