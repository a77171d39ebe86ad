package assets

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryHolder is an in-process Holder for development mode and tests.
// Deposits are simulated with Fund; Send moves value into a per-recipient
// payout record that tests can inspect.
type MemoryHolder struct {
	mu      sync.Mutex
	balance *big.Int
	paid    map[common.Address]*big.Int
}

var _ Holder = (*MemoryHolder)(nil)

func NewMemoryHolder() *MemoryHolder {
	return &MemoryHolder{
		balance: new(big.Int),
		paid:    make(map[common.Address]*big.Int),
	}
}

// Fund simulates a deposit into custody.
func (h *MemoryHolder) Fund(amount *big.Int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.balance.Add(h.balance, amount)
}

func (h *MemoryHolder) Balance(ctx context.Context) (*big.Int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return new(big.Int).Set(h.balance), nil
}

func (h *MemoryHolder) Send(ctx context.Context, recipient common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.balance.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	h.balance.Sub(h.balance, amount)
	prev, ok := h.paid[recipient]
	if !ok {
		prev = new(big.Int)
		h.paid[recipient] = prev
	}
	prev.Add(prev, amount)
	return nil
}

// Paid reports the total amount sent to recipient so far.
func (h *MemoryHolder) Paid(recipient common.Address) *big.Int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.paid[recipient]; ok {
		return new(big.Int).Set(p)
	}
	return new(big.Int)
}
