package assets

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/cwcrypto/arwen-escrow/internal/retry"
)

// DefaultEthTransferGas is the gas limit for a plain value transfer.
const DefaultEthTransferGas = uint64(21000)

// RPC retry policy. Rebroadcasting an already-signed transaction is
// idempotent, so transient node failures are safe to retry.
const (
	rpcRetryAttempts = 3
	rpcRetryDelay    = 500 * time.Millisecond
)

// EthClient is the subset of the go-ethereum client the holders need.
// Abstracted for testing.
type EthClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainConfig connects a holder to a node and its custody key.
type ChainConfig struct {
	RPCURL     string
	ChainID    int64
	PrivateKey string // hex, with or without 0x prefix
}

// EthHolder custodies native ETH at the address derived from its key.
type EthHolder struct {
	client  EthClient
	key     *ecdsa.PrivateKey
	account common.Address
	chainID *big.Int
}

var _ Holder = (*EthHolder)(nil)

// EthOption configures an EthHolder.
type EthOption func(*EthHolder)

// WithEthClient sets a custom client (useful for testing).
func WithEthClient(c EthClient) EthOption {
	return func(h *EthHolder) { h.client = c }
}

func NewEthHolder(cfg ChainConfig, opts ...EthOption) (*EthHolder, error) {
	key, account, err := parseKey(cfg)
	if err != nil {
		return nil, err
	}
	h := &EthHolder{
		key:     key,
		account: account,
		chainID: big.NewInt(cfg.ChainID),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		h.client = client
	}
	return h, nil
}

// Account returns the custody address funds must be deposited to.
func (h *EthHolder) Account() common.Address { return h.account }

func (h *EthHolder) Balance(ctx context.Context) (*big.Int, error) {
	var bal *big.Int
	err := retry.Do(ctx, rpcRetryAttempts, rpcRetryDelay, func() error {
		var err error
		bal, err = h.client.BalanceAt(ctx, h.account, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("balance query: %w", err)
	}
	return bal, nil
}

func (h *EthHolder) Send(ctx context.Context, recipient common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	nonce, err := h.client.PendingNonceAt(ctx, h.account)
	if err != nil {
		return &SendError{Op: "nonce", Err: err}
	}
	gasPrice, err := h.client.SuggestGasPrice(ctx)
	if err != nil {
		return &SendError{Op: "gas_price", Err: err}
	}
	tx := types.NewTransaction(nonce, recipient, amount, DefaultEthTransferGas, gasPrice, nil)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(h.chainID), h.key)
	if err != nil {
		return &SendError{Op: "sign", Err: err}
	}
	err = retry.Do(ctx, rpcRetryAttempts, rpcRetryDelay, func() error {
		return h.client.SendTransaction(ctx, signedTx)
	})
	if err != nil {
		return &SendError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}
	return nil
}

func parseKey(cfg ChainConfig) (*ecdsa.PrivateKey, common.Address, error) {
	raw := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(raw) != 64 {
		return nil, common.Address{}, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey), nil
}
