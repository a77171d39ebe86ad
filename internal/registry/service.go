package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cwcrypto/arwen-escrow/internal/assets"
	"github.com/cwcrypto/arwen-escrow/internal/metrics"
	"github.com/cwcrypto/arwen-escrow/internal/sigcheck"
	"github.com/cwcrypto/arwen-escrow/internal/traces"
)

// HolderProvider resolves the asset holder custodying an escrow's value.
// Implemented by the factory; abstracted so the registry never constructs
// holders itself.
type HolderProvider interface {
	HolderFor(ctx context.Context, e *Escrow) (assets.Holder, error)
}

// Service is the escrow registry. It is the only code path permitted to
// move an escrow between states; every transition is atomic per handle.
type Service struct {
	store    Store
	holders  HolderProvider
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
	locks    sync.Map // per-handle mutexes; transitions on one record are serial
}

// Registrar is the capability that authorizes escrow registration. It is
// issued exactly once, by New, and handed to the factory; no other caller
// can create records (the only-factory rule, without ambient identity).
type Registrar struct {
	s *Service
}

// Option configures the service.
type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source used for timelock guards.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates the registry service and issues its registration capability.
func New(store Store, holders HolderProvider, opts ...Option) (*Service, *Registrar) {
	s := &Service{
		store:    store,
		holders:  holders,
		notifier: NopNotifier{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, &Registrar{s: s}
}

// SetHolderProvider wires in the holder provider after construction. The
// provider (the factory) needs the Registrar that New issues, so the two
// cannot be built in one step.
func (s *Service) SetHolderProvider(hp HolderProvider) {
	s.holders = hp
}

func (s *Service) handleLock(handle common.Address) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(handle, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// RegisterParams seeds a new escrow's immutable parameters.
type RegisterParams struct {
	Handle          common.Address
	Asset           string
	TokenAddress    common.Address
	Amount          *big.Int
	Timelock        int64
	EscrowerReserve common.Address
	EscrowerTrade   common.Address
	EscrowerRefund  common.Address
	PayeeReserve    common.Address
	PayeeTrade      common.Address
}

func (p RegisterParams) validate() error {
	if p.Handle == (common.Address{}) {
		return fmt.Errorf("%w: zero handle", ErrInvalidAmount)
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: escrow amount must be positive", ErrInvalidAmount)
	}
	if p.Timelock <= 0 {
		return fmt.Errorf("%w: timelock is required", ErrInvalidAmount)
	}
	for _, a := range []common.Address{
		p.EscrowerReserve, p.EscrowerTrade, p.EscrowerRefund,
		p.PayeeReserve, p.PayeeTrade,
	} {
		if a == (common.Address{}) {
			return fmt.Errorf("%w: zero party address", ErrInvalidAmount)
		}
	}
	return nil
}

// Register seeds a new escrow record in state Unfunded.
func (r *Registrar) Register(ctx context.Context, p RegisterParams) (*Escrow, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	s := r.s
	now := s.now()
	e := &Escrow{
		Handle:            p.Handle,
		Asset:             p.Asset,
		TokenAddress:      p.TokenAddress,
		Amount:            new(big.Int).Set(p.Amount),
		Timelock:          p.Timelock,
		EscrowerReserve:   p.EscrowerReserve,
		EscrowerTrade:     p.EscrowerTrade,
		EscrowerRefund:    p.EscrowerRefund,
		PayeeReserve:      p.PayeeReserve,
		PayeeTrade:        p.PayeeTrade,
		State:             StateUnfunded,
		EscrowerBalance:   new(big.Int),
		PayeeBalance:      new(big.Int),
		EscrowerWithdrawn: new(big.Int),
		PayeeWithdrawn:    new(big.Int),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, err
	}
	metrics.EscrowsRegistered.Inc()
	s.logger.Info("escrow registered",
		"handle", e.Handle.Hex(), "amount", e.Amount.String(), "timelock", e.Timelock)
	return e, nil
}

// Get returns an escrow record in any state, including after close.
func (s *Service) Get(ctx context.Context, handle common.Address) (*Escrow, error) {
	return s.store.Get(ctx, handle)
}

// GetPuzzle returns the puzzle record for an escrow, if one was posted.
func (s *Service) GetPuzzle(ctx context.Context, handle common.Address) (*Puzzle, error) {
	return s.store.GetPuzzle(ctx, handle)
}

// Open moves a funded escrow from Unfunded to Open. Any balance above the
// escrow amount is returned to the escrower's reserve immediately; it never
// becomes part of the escrowed value.
func (s *Service) Open(ctx context.Context, handle common.Address) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "registry.Open", traces.Handle(handle.Hex()))
	defer span.End()

	mu := s.handleLock(handle)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, handle)
	if err != nil {
		return nil, err
	}
	if e.State != StateUnfunded {
		return nil, fmt.Errorf("%w: open requires unfunded, have %s", ErrInvalidState, e.State)
	}

	holder, err := s.holders.HolderFor(ctx, e)
	if err != nil {
		return nil, err
	}
	bal, err := holder.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("asset holder balance: %w", err)
	}
	if bal.Cmp(e.Amount) < 0 {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrUnderfunded, bal, e.Amount)
	}

	e.State = StateOpen
	e.UpdatedAt = s.now()
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues("open", "ok").Inc()
	s.notify(Event{Type: EventFunded, Handle: handle, Amount: e.Amount.String()})
	s.notify(Event{Type: EventOpened, Handle: handle})

	if over := new(big.Int).Sub(bal, e.Amount); over.Sign() > 0 {
		if err := holder.Send(ctx, e.EscrowerReserve, over); err != nil {
			// Overfunding is outside the escrowed value; the ledger is
			// unaffected and the excess stays in custody for a retry.
			metrics.PushFailures.Inc()
			s.logger.Warn("overfund return failed",
				"handle", handle.Hex(), "excess", over.String(), "error", err)
		} else {
			s.notify(Event{Type: EventFundsTransferred, Handle: handle,
				Amount: over.String(), Recipient: e.EscrowerReserve.Hex()})
		}
	}

	s.logger.Info("escrow opened", "handle", handle.Hex(), "funded", bal.String())
	return e, nil
}

// Cashout closes an Open escrow with a bilateral, co-signed final split.
// Both internal balances are pushed to the reserves immediately; a failed
// push leaves the credit claimable through Withdraw.
func (s *Service) Cashout(ctx context.Context, handle common.Address, amountTraded *big.Int, escrowerSig, payeeSig []byte) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "registry.Cashout",
		traces.Handle(handle.Hex()), traces.Operation("cashout"))
	defer span.End()

	mu := s.handleLock(handle)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, handle)
	if err != nil {
		return nil, err
	}
	if e.State != StateOpen {
		return nil, fmt.Errorf("%w: cashout requires open, have %s", ErrInvalidState, e.State)
	}
	if err := validTradeAmount(amountTraded, e.Amount); err != nil {
		return nil, err
	}

	digest := sigcheck.CashoutDigest(handle, amountTraded)
	if err := sigcheck.Verify(digest, escrowerSig, e.EscrowerTrade); err != nil {
		return nil, fmt.Errorf("%w: escrower trade: %v", ErrBadSignature, err)
	}
	if err := sigcheck.Verify(digest, payeeSig, e.PayeeTrade); err != nil {
		return nil, fmt.Errorf("%w: payee trade: %v", ErrBadSignature, err)
	}

	return s.closeWithSplit(ctx, e, amountTraded, CloseCashout)
}

// Refund closes an Open escrow unilaterally once the timelock has passed,
// using a split signed by the escrower's refund key. No payee cooperation
// is required.
func (s *Service) Refund(ctx context.Context, handle common.Address, amountTraded *big.Int, refundSig []byte) (*Escrow, error) {
	mu := s.handleLock(handle)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, handle)
	if err != nil {
		return nil, err
	}
	if e.State != StateOpen {
		return nil, fmt.Errorf("%w: refund requires open, have %s", ErrInvalidState, e.State)
	}
	if now := s.now().Unix(); now < e.Timelock {
		return nil, fmt.Errorf("%w: refund locked until %d, now %d", ErrTimelockNotReached, e.Timelock, now)
	}
	if err := validTradeAmount(amountTraded, e.Amount); err != nil {
		return nil, err
	}

	digest := sigcheck.RefundDigest(handle, amountTraded)
	if err := sigcheck.Verify(digest, refundSig, e.EscrowerRefund); err != nil {
		return nil, fmt.Errorf("%w: escrower refund: %v", ErrBadSignature, err)
	}

	return s.closeWithSplit(ctx, e, amountTraded, CloseRefund)
}

// ForceRefund closes an Open escrow without any signature once an extra
// grace period past the timelock has elapsed. The escrower receives the
// entire current holder balance; this is the last-resort path when keys are
// lost or the counterparty is permanently unresponsive.
func (s *Service) ForceRefund(ctx context.Context, handle common.Address) (*Escrow, error) {
	mu := s.handleLock(handle)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, handle)
	if err != nil {
		return nil, err
	}
	if e.State != StateOpen {
		return nil, fmt.Errorf("%w: force refund requires open, have %s", ErrInvalidState, e.State)
	}
	deadline := e.Timelock + int64(ForceRefundGrace/time.Second)
	if now := s.now().Unix(); now < deadline {
		return nil, fmt.Errorf("%w: force refund locked until %d, now %d", ErrTimelockNotReached, deadline, now)
	}

	holder, err := s.holders.HolderFor(ctx, e)
	if err != nil {
		return nil, err
	}
	bal, err := holder.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("asset holder balance: %w", err)
	}

	e.EscrowerBalance = new(big.Int).Set(bal)
	e.PayeeBalance = new(big.Int)
	e.State = StateClosed
	e.CloseReason = CloseForceRefund
	e.UpdatedAt = s.now()
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues("force_refund", "ok").Inc()
	metrics.ClosesTotal.WithLabelValues(string(CloseForceRefund)).Inc()
	s.notify(Event{Type: EventClosed, Handle: e.Handle, Reason: CloseForceRefund})

	s.pushBalances(ctx, e, holder)
	return e, nil
}

// PostPuzzle moves an Open escrow to PuzzlePosted. The already-agreed prior
// trade amount is settled to the payee's internal balance, the remainder
// minus the puzzle trade amount to the escrower's; tradeAmount itself stays
// un-credited pending resolution. Nothing is pushed on this path.
func (s *Service) PostPuzzle(ctx context.Context, handle common.Address, prevAmountTraded, tradeAmount *big.Int, puzzleHash [32]byte, puzzleTimelock int64, escrowerSig, payeeSig []byte) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "registry.PostPuzzle", traces.Handle(handle.Hex()))
	defer span.End()

	mu := s.handleLock(handle)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, handle)
	if err != nil {
		return nil, err
	}
	if e.State != StateOpen {
		return nil, fmt.Errorf("%w: post puzzle requires open, have %s", ErrInvalidState, e.State)
	}
	if prevAmountTraded == nil || prevAmountTraded.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative prior trade amount", ErrInvalidAmount)
	}
	if tradeAmount == nil || tradeAmount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: puzzle trade amount must be positive", ErrInvalidAmount)
	}
	total := new(big.Int).Add(prevAmountTraded, tradeAmount)
	if total.Cmp(e.Amount) > 0 {
		return nil, fmt.Errorf("%w: %s exceeds escrow amount %s", ErrInvalidAmount, total, e.Amount)
	}

	digest := sigcheck.PuzzleDigest(handle, prevAmountTraded, tradeAmount, puzzleHash, puzzleTimelock)
	if err := sigcheck.Verify(digest, escrowerSig, e.EscrowerTrade); err != nil {
		return nil, fmt.Errorf("%w: escrower trade: %v", ErrBadSignature, err)
	}
	if err := sigcheck.Verify(digest, payeeSig, e.PayeeTrade); err != nil {
		return nil, fmt.Errorf("%w: payee trade: %v", ErrBadSignature, err)
	}

	p := &Puzzle{
		Handle:             handle,
		TradeAmount:        new(big.Int).Set(tradeAmount),
		PuzzleHash:         puzzleHash,
		PuzzleTimelock:     puzzleTimelock,
		AuthorizingSighash: digest,
		CreatedAt:          s.now(),
	}
	if err := s.store.CreatePuzzle(ctx, p); err != nil {
		return nil, err
	}

	e.PayeeBalance = new(big.Int).Set(prevAmountTraded)
	e.EscrowerBalance = new(big.Int).Sub(e.Amount, total)
	e.State = StatePuzzlePosted
	e.UpdatedAt = s.now()
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues("post_puzzle", "ok").Inc()
	s.notify(Event{Type: EventPuzzlePosted, Handle: handle,
		Amount: tradeAmount.String(), Digest: hexDigest(digest)})

	s.logger.Info("puzzle posted", "handle", handle.Hex(),
		"trade_amount", tradeAmount.String(), "puzzle_timelock", puzzleTimelock)
	return e, nil
}

// SolvePuzzle credits the puzzle trade amount to the payee when the correct
// SHA-256 preimage is presented. Revealing the preimage is itself the signal
// that completes the counter-leg of the atomic swap, so it is included in
// the emitted event.
func (s *Service) SolvePuzzle(ctx context.Context, handle common.Address, preimage []byte) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "registry.SolvePuzzle", traces.Handle(handle.Hex()))
	defer span.End()

	mu := s.handleLock(handle)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, handle)
	if err != nil {
		return nil, err
	}
	if e.State != StatePuzzlePosted {
		return nil, fmt.Errorf("%w: solve requires puzzle posted, have %s", ErrInvalidState, e.State)
	}
	p, err := s.store.GetPuzzle(ctx, handle)
	if err != nil {
		return nil, err
	}
	if sha256.Sum256(preimage) != p.PuzzleHash {
		return nil, ErrWrongPreimage
	}

	e.PayeeBalance = new(big.Int).Add(e.PayeeBalance, p.TradeAmount)
	e.State = StateClosed
	e.CloseReason = ClosePuzzleSolved
	e.UpdatedAt = s.now()
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues("solve_puzzle", "ok").Inc()
	metrics.ClosesTotal.WithLabelValues(string(ClosePuzzleSolved)).Inc()
	s.notify(Event{Type: EventPreimageRevealed, Handle: handle,
		Preimage: "0x" + hex.EncodeToString(preimage), Digest: hexDigest(p.AuthorizingSighash)})
	s.notify(Event{Type: EventClosed, Handle: handle, Reason: ClosePuzzleSolved})

	s.logger.Info("puzzle solved", "handle", handle.Hex(), "credited", p.TradeAmount.String())
	return e, nil
}

// RefundPuzzle credits the puzzle trade amount back to the escrower once the
// puzzle timelock has elapsed unsolved. No signature is required.
func (s *Service) RefundPuzzle(ctx context.Context, handle common.Address) (*Escrow, error) {
	mu := s.handleLock(handle)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, handle)
	if err != nil {
		return nil, err
	}
	if e.State != StatePuzzlePosted {
		return nil, fmt.Errorf("%w: puzzle refund requires puzzle posted, have %s", ErrInvalidState, e.State)
	}
	p, err := s.store.GetPuzzle(ctx, handle)
	if err != nil {
		return nil, err
	}
	if now := s.now().Unix(); now < p.PuzzleTimelock {
		return nil, fmt.Errorf("%w: puzzle refund locked until %d, now %d", ErrTimelockNotReached, p.PuzzleTimelock, now)
	}

	e.EscrowerBalance = new(big.Int).Add(e.EscrowerBalance, p.TradeAmount)
	e.State = StateClosed
	e.CloseReason = ClosePuzzleRefund
	e.UpdatedAt = s.now()
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues("refund_puzzle", "ok").Inc()
	metrics.ClosesTotal.WithLabelValues(string(ClosePuzzleRefund)).Inc()
	s.notify(Event{Type: EventClosed, Handle: handle, Reason: ClosePuzzleRefund})

	return e, nil
}

// Withdraw pulls a party's internal credit out through the asset holder.
// Permitted in any state and the only operation permitted after close; this
// is how credits from the puzzle path are actually collected. On a failed
// send the credit is restored and the call errors, separately retriable.
func (s *Service) Withdraw(ctx context.Context, handle common.Address, party Party) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "registry.Withdraw",
		traces.Handle(handle.Hex()), attribute.String("escrow.party", string(party)))
	defer span.End()

	mu := s.handleLock(handle)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, handle)
	if err != nil {
		return nil, err
	}

	var credit, withdrawn *big.Int
	var reserve common.Address
	switch party {
	case PartyEscrower:
		credit, withdrawn, reserve = e.EscrowerBalance, e.EscrowerWithdrawn, e.EscrowerReserve
	case PartyPayee:
		credit, withdrawn, reserve = e.PayeeBalance, e.PayeeWithdrawn, e.PayeeReserve
	default:
		return nil, fmt.Errorf("%w: unknown party %q", ErrInvalidAmount, party)
	}
	if credit.Sign() <= 0 {
		return nil, ErrNothingToWithdraw
	}

	holder, err := s.holders.HolderFor(ctx, e)
	if err != nil {
		return nil, err
	}

	amount := new(big.Int).Set(credit)
	credit.SetInt64(0)
	withdrawn.Add(withdrawn, amount)
	e.UpdatedAt = s.now()
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}

	if err := holder.Send(ctx, reserve, amount); err != nil {
		// Restore the credit: the transfer did not happen and the caller
		// retries later.
		credit.Set(amount)
		withdrawn.Sub(withdrawn, amount)
		e.UpdatedAt = s.now()
		if uerr := s.store.Update(ctx, e); uerr != nil {
			s.logger.Error("failed to restore credit after failed send",
				"handle", handle.Hex(), "party", party, "error", uerr)
		}
		metrics.PushFailures.Inc()
		return nil, fmt.Errorf("withdraw send: %w", err)
	}

	metrics.WithdrawalsTotal.WithLabelValues(string(party)).Inc()
	s.notify(Event{Type: EventFundsTransferred, Handle: handle,
		Amount: amount.String(), Recipient: reserve.Hex()})
	return e, nil
}

// closeWithSplit applies the cashout/refund balance split, closes the
// escrow and pushes both credits. Pushing is best-effort: the ledger is
// already consistent, so a failed send downgrades to a pull via Withdraw
// instead of reverting the close.
func (s *Service) closeWithSplit(ctx context.Context, e *Escrow, amountTraded *big.Int, reason CloseReason) (*Escrow, error) {
	holder, err := s.holders.HolderFor(ctx, e)
	if err != nil {
		return nil, err
	}

	e.PayeeBalance = new(big.Int).Set(amountTraded)
	e.EscrowerBalance = new(big.Int).Sub(e.Amount, amountTraded)
	e.State = StateClosed
	e.CloseReason = reason
	e.UpdatedAt = s.now()
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues(string(reason), "ok").Inc()
	metrics.ClosesTotal.WithLabelValues(string(reason)).Inc()
	s.notify(Event{Type: EventClosed, Handle: e.Handle, Reason: reason})

	s.pushBalances(ctx, e, holder)
	s.logger.Info("escrow closed", "handle", e.Handle.Hex(), "reason", reason,
		"escrower", e.EscrowerBalance.String(), "payee", e.PayeeBalance.String())
	return e, nil
}

// pushBalances pushes any outstanding credits to the reserves. Failures are
// logged and counted; the credit stays claimable through Withdraw.
func (s *Service) pushBalances(ctx context.Context, e *Escrow, holder assets.Holder) {
	type leg struct {
		credit, withdrawn *big.Int
		reserve           common.Address
		party             Party
	}
	for _, l := range []leg{
		{e.EscrowerBalance, e.EscrowerWithdrawn, e.EscrowerReserve, PartyEscrower},
		{e.PayeeBalance, e.PayeeWithdrawn, e.PayeeReserve, PartyPayee},
	} {
		if l.credit.Sign() <= 0 {
			continue
		}
		amount := new(big.Int).Set(l.credit)
		if err := holder.Send(ctx, l.reserve, amount); err != nil {
			metrics.PushFailures.Inc()
			s.logger.Warn("balance push failed, credit stays withdrawable",
				"handle", e.Handle.Hex(), "party", l.party,
				"amount", amount.String(), "error", err)
			continue
		}
		l.credit.SetInt64(0)
		l.withdrawn.Add(l.withdrawn, amount)
		e.UpdatedAt = s.now()
		if err := s.store.Update(ctx, e); err != nil {
			s.logger.Error("failed to persist pushed balance",
				"handle", e.Handle.Hex(), "party", l.party, "error", err)
		}
		metrics.WithdrawalsTotal.WithLabelValues(string(l.party)).Inc()
		s.notify(Event{Type: EventFundsTransferred, Handle: e.Handle,
			Amount: amount.String(), Recipient: l.reserve.Hex()})
	}
}

func (s *Service) notify(ev Event) {
	ev.Timestamp = s.now()
	s.notifier.Notify(ev)
}

func validTradeAmount(amountTraded, escrowAmount *big.Int) error {
	if amountTraded == nil || amountTraded.Sign() < 0 {
		return fmt.Errorf("%w: trade amount required", ErrInvalidAmount)
	}
	if amountTraded.Cmp(escrowAmount) > 0 {
		return fmt.Errorf("%w: trade amount %s exceeds escrow amount %s", ErrInvalidAmount, amountTraded, escrowAmount)
	}
	return nil
}

func hexDigest(d [32]byte) string {
	return "0x" + hex.EncodeToString(d[:])
}
