package assets

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/cwcrypto/arwen-escrow/internal/retry"
)

// Minimal ERC-20 ABI: the holder only ever reads balances and transfers.
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// DefaultTokenTransferGas is the fallback gas limit when estimation fails.
const DefaultTokenTransferGas = uint64(100000)

// TokenHolder custodies an ERC-20 balance at the address derived from its
// key. Behaves identically to EthHolder from the registry's point of view.
type TokenHolder struct {
	client   EthClient
	key      *ecdsa.PrivateKey
	account  common.Address
	chainID  *big.Int
	contract common.Address
	abi      abi.ABI
}

var _ Holder = (*TokenHolder)(nil)

// TokenOption configures a TokenHolder.
type TokenOption func(*TokenHolder)

// WithTokenClient sets a custom client (useful for testing).
func WithTokenClient(c EthClient) TokenOption {
	return func(h *TokenHolder) { h.client = c }
}

func NewTokenHolder(cfg ChainConfig, contract common.Address, opts ...TokenOption) (*TokenHolder, error) {
	key, account, err := parseKey(cfg)
	if err != nil {
		return nil, err
	}
	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse ERC20 ABI: %w", err)
	}
	h := &TokenHolder{
		key:      key,
		account:  account,
		chainID:  big.NewInt(cfg.ChainID),
		contract: contract,
		abi:      parsedABI,
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
func (h *TokenHolder) Account() common.Address { return h.account }

func (h *TokenHolder) Balance(ctx context.Context) (*big.Int, error) {
	data, err := h.abi.Pack("balanceOf", h.account)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	result, err := h.client.CallContract(ctx, ethereum.CallMsg{
		To:   &h.contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}
	return new(big.Int).SetBytes(result), nil
}

func (h *TokenHolder) Send(ctx context.Context, recipient common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	data, err := h.abi.Pack("transfer", recipient, amount)
	if err != nil {
		return &SendError{Op: "pack", Err: err}
	}
	nonce, err := h.client.PendingNonceAt(ctx, h.account)
	if err != nil {
		return &SendError{Op: "nonce", Err: err}
	}
	gasPrice, err := h.client.SuggestGasPrice(ctx)
	if err != nil {
		return &SendError{Op: "gas_price", Err: err}
	}
	gasLimit, err := h.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  h.account,
		To:    &h.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultTokenTransferGas
	}
	tx := types.NewTransaction(nonce, h.contract, big.NewInt(0), gasLimit, gasPrice, data)
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
