// Package assets abstracts the value-custody side of an escrow.
//
// The registry never touches an asset's transfer mechanism directly; it only
// reads the holder's balance and asks it to send. ETH-backed and token-backed
// holders are interchangeable behind the Holder interface, so the escrow
// state machine stays asset-blind.
package assets

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidPrivateKey = errors.New("assets: invalid private key")
	ErrInvalidAmount     = errors.New("assets: invalid amount")
	ErrInsufficientFunds = errors.New("assets: insufficient funds")
	ErrRPCConnection     = errors.New("assets: RPC connection failed")
)

// Holder custodies the value backing a single escrow.
//
// A non-nil error from Send is the "send returned false" condition: the
// transfer did not happen and the caller's ledger must stay consistent
// without it.
type Holder interface {
	// Balance reports the value currently held.
	Balance(ctx context.Context) (*big.Int, error)
	// Send transfers amount out of custody to recipient.
	Send(ctx context.Context, recipient common.Address, amount *big.Int) error
}

// SendError wraps a failed transfer with enough context to retry it.
type SendError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *SendError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("assets: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("assets: %s failed: %v", e.Op, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
