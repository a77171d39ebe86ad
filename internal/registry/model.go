// Package registry implements the escrow state machine: per-escrow
// parameters, signature-authorized transitions, the hash-puzzle sub-ledger
// and internal balance accounting.
//
// Lifecycle:
//
//	Register → Unfunded → Open → Closed            (cashout / refund / force refund)
//	                        └──→ PuzzlePosted → Closed  (solve / puzzle refund)
//
// Closed is terminal; only Withdraw may run afterwards. Records are never
// deleted and stay queryable as an audit trail.
package registry

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFound           = errors.New("escrow not found")
	ErrDuplicateEscrow    = errors.New("escrow already registered")
	ErrInvalidState       = errors.New("invalid escrow state for this operation")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrBadSignature       = errors.New("signature does not recover to the expected key")
	ErrTimelockNotReached = errors.New("timelock not reached")
	ErrWrongPreimage      = errors.New("preimage does not match puzzle hash")
	ErrUnderfunded        = errors.New("asset holder balance below escrow amount")
	ErrNothingToWithdraw  = errors.New("no balance to withdraw")
	ErrPuzzleNotFound     = errors.New("no puzzle posted for escrow")
	ErrNoHolder           = errors.New("no asset holder bound to escrow")
)

// State of an escrow record.
type State string

const (
	StateUnfunded     State = "unfunded"
	StateOpen         State = "open"
	StatePuzzlePosted State = "puzzle_posted"
	StateClosed       State = "closed"
)

// CloseReason records which path closed an escrow.
type CloseReason string

const (
	CloseCashout      CloseReason = "cashout"
	CloseRefund       CloseReason = "refund"
	CloseForceRefund  CloseReason = "force_refund"
	ClosePuzzleSolved CloseReason = "puzzle_solved"
	ClosePuzzleRefund CloseReason = "puzzle_refund"
)

// ForceRefundGrace is how long past the escrow timelock the signature-free
// force refund stays locked. Strictly later than the signed refund path.
const ForceRefundGrace = 48 * time.Hour

// Party identifies one of the two counterparties for withdrawal.
type Party string

const (
	PartyEscrower Party = "escrower"
	PartyPayee    Party = "payee"
)

// Escrow is one escrow record. Parameters are immutable after registration;
// only State, the internal balances and the withdrawn totals change.
type Escrow struct {
	Handle common.Address `json:"handle"`

	// Asset describes which Holder implementation custodies the value
	// ("eth", "token", "memory"); the registry itself is asset-blind.
	Asset        string         `json:"asset"`
	TokenAddress common.Address `json:"tokenAddress,omitempty"`

	Amount   *big.Int `json:"-"`
	Timelock int64    `json:"timelock"` // unix seconds, earliest signed refund

	EscrowerReserve common.Address `json:"escrowerReserve"`
	EscrowerTrade   common.Address `json:"escrowerTrade"`
	EscrowerRefund  common.Address `json:"escrowerRefund"`
	PayeeReserve    common.Address `json:"payeeReserve"`
	PayeeTrade      common.Address `json:"payeeTrade"`

	State       State       `json:"state"`
	CloseReason CloseReason `json:"closeReason,omitempty"`

	// Claimable-but-not-yet-withdrawn credits. At all times
	// EscrowerBalance+PayeeBalance <= Amount; once Closed the credits plus
	// the withdrawn totals account for the full amount.
	EscrowerBalance   *big.Int `json:"-"`
	PayeeBalance      *big.Int `json:"-"`
	EscrowerWithdrawn *big.Int `json:"-"`
	PayeeWithdrawn    *big.Int `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal reports whether the state machine is finished. Withdraw is the
// only operation permitted afterwards.
func (e *Escrow) IsTerminal() bool {
	return e.State == StateClosed
}

// Clone returns a deep copy so stores can hand out records without sharing
// big.Int pointers.
func (e *Escrow) Clone() *Escrow {
	cp := *e
	cp.Amount = cloneBig(e.Amount)
	cp.EscrowerBalance = cloneBig(e.EscrowerBalance)
	cp.PayeeBalance = cloneBig(e.PayeeBalance)
	cp.EscrowerWithdrawn = cloneBig(e.EscrowerWithdrawn)
	cp.PayeeWithdrawn = cloneBig(e.PayeeWithdrawn)
	return &cp
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// Puzzle is the per-escrow hash-lock sub-ledger entry. Written exactly once
// by PostPuzzle and retained after close for audit.
type Puzzle struct {
	Handle             common.Address `json:"handle"`
	TradeAmount        *big.Int       `json:"-"`
	PuzzleHash         [32]byte       `json:"-"` // SHA-256 of the secret preimage
	PuzzleTimelock     int64          `json:"puzzleTimelock"`
	AuthorizingSighash [32]byte       `json:"-"` // signed digest that authorized the puzzle
	CreatedAt          time.Time      `json:"createdAt"`
}

// Clone returns a deep copy of the puzzle record.
func (p *Puzzle) Clone() *Puzzle {
	cp := *p
	cp.TradeAmount = cloneBig(p.TradeAmount)
	return &cp
}

// Store persists escrow and puzzle records.
type Store interface {
	Create(ctx context.Context, e *Escrow) error // ErrDuplicateEscrow on existing handle
	Get(ctx context.Context, handle common.Address) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	ListByState(ctx context.Context, state State, limit int) ([]*Escrow, error)

	CreatePuzzle(ctx context.Context, p *Puzzle) error
	GetPuzzle(ctx context.Context, handle common.Address) (*Puzzle, error)
}
