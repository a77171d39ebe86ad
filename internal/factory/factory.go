// Package factory is the deployment entry point for new escrows: it derives
// a deterministic handle, constructs the asset holder that will custody the
// value and seeds the registry record through the registration capability.
package factory

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/cwcrypto/arwen-escrow/internal/assets"
	"github.com/cwcrypto/arwen-escrow/internal/idgen"
	"github.com/cwcrypto/arwen-escrow/internal/registry"
)

// Asset kinds the factory can deploy holders for.
const (
	AssetMemory = "memory"
	AssetEth    = "eth"
	AssetToken  = "token"
)

// Factory constructs asset holders and registers escrows. It holds the
// registry's registration capability, making it the only component able to
// create records.
type Factory struct {
	registrar    *registry.Registrar
	chain        assets.ChainConfig
	defaultToken common.Address
	logger       *slog.Logger

	mu      sync.RWMutex
	holders map[common.Address]assets.Holder
}

var _ registry.Creator = (*Factory)(nil)
var _ registry.HolderProvider = (*Factory)(nil)

// Option configures the factory.
type Option func(*Factory)

// WithDefaultToken sets the ERC-20 contract used for token escrows that
// don't name one explicitly.
func WithDefaultToken(contract common.Address) Option {
	return func(f *Factory) { f.defaultToken = contract }
}

// New creates a factory. chain may be zero-valued when only memory-backed
// escrows are created (development mode).
func New(registrar *registry.Registrar, chain assets.ChainConfig, logger *slog.Logger, opts ...Option) *Factory {
	f := &Factory{
		registrar: registrar,
		chain:     chain,
		logger:    logger,
		holders:   make(map[common.Address]assets.Holder),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// DeriveHandle computes the deterministic 20-byte escrow handle from the two
// trade keys and a salt.
func DeriveHandle(escrowerTrade, payeeTrade common.Address, salt []byte) common.Address {
	h := crypto.Keccak256(escrowerTrade.Bytes(), payeeTrade.Bytes(), salt)
	return common.BytesToAddress(h[12:])
}

// CreateEscrow derives a handle, deploys the asset holder and registers the
// escrow in state Unfunded.
func (f *Factory) CreateEscrow(ctx context.Context, req registry.CreateRequest) (*registry.Escrow, error) {
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("%w: amount %q", registry.ErrInvalidAmount, req.Amount)
	}

	asset := req.Asset
	if asset == "" {
		asset = AssetMemory
	}

	escrowerTrade := common.HexToAddress(req.EscrowerTrade)
	payeeTrade := common.HexToAddress(req.PayeeTrade)
	salt, err := hex.DecodeString(idgen.Hex(32))
	if err != nil {
		return nil, fmt.Errorf("derive salt: %w", err)
	}
	handle := DeriveHandle(escrowerTrade, payeeTrade, salt)

	token := common.HexToAddress(req.TokenAddress)
	if asset == AssetToken && token == (common.Address{}) {
		token = f.defaultToken
	}

	holder, err := f.buildHolder(asset, token)
	if err != nil {
		return nil, err
	}

	e, err := f.registrar.Register(ctx, registry.RegisterParams{
		Handle:          handle,
		Asset:           asset,
		TokenAddress:    token,
		Amount:          amount,
		Timelock:        req.Timelock,
		EscrowerReserve: common.HexToAddress(req.EscrowerReserve),
		EscrowerTrade:   escrowerTrade,
		EscrowerRefund:  common.HexToAddress(req.EscrowerRefund),
		PayeeReserve:    common.HexToAddress(req.PayeeReserve),
		PayeeTrade:      payeeTrade,
	})
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.holders[handle] = holder
	f.mu.Unlock()

	f.logger.Info("escrow deployed",
		"handle", handle.Hex(), "asset", asset, "amount", amount.String())
	return e, nil
}

// HolderFor returns the asset holder custodying an escrow's value.
func (f *Factory) HolderFor(ctx context.Context, e *registry.Escrow) (assets.Holder, error) {
	f.mu.RLock()
	holder, ok := f.holders[e.Handle]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrNoHolder, e.Handle.Hex())
	}
	return holder, nil
}

// BindHolder attaches an existing holder to a handle. Used when rebuilding
// state after a restart, where custody keys come from external key storage.
func (f *Factory) BindHolder(handle common.Address, holder assets.Holder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holders[handle] = holder
}

func (f *Factory) buildHolder(asset string, token common.Address) (assets.Holder, error) {
	switch asset {
	case AssetMemory:
		return assets.NewMemoryHolder(), nil
	case AssetEth:
		cfg, err := f.custodyConfig()
		if err != nil {
			return nil, err
		}
		return assets.NewEthHolder(cfg)
	case AssetToken:
		if token == (common.Address{}) {
			return nil, fmt.Errorf("%w: token asset requires a token address", registry.ErrInvalidAmount)
		}
		cfg, err := f.custodyConfig()
		if err != nil {
			return nil, err
		}
		return assets.NewTokenHolder(cfg, token)
	default:
		return nil, fmt.Errorf("%w: unknown asset kind %q", registry.ErrInvalidAmount, asset)
	}
}

// custodyConfig derives a fresh custody key for a new holder. Key custody
// beyond process lifetime belongs to external key storage, not here.
func (f *Factory) custodyConfig() (assets.ChainConfig, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return assets.ChainConfig{}, fmt.Errorf("generate custody key: %w", err)
	}
	return assets.ChainConfig{
		RPCURL:     f.chain.RPCURL,
		ChainID:    f.chain.ChainID,
		PrivateKey: hex.EncodeToString(crypto.FromECDSA(key)),
	}, nil
}
