package registry

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
)

// PostgresStore persists escrow and puzzle records in PostgreSQL. Amounts
// are stored as NUMERIC(78,0), wide enough for any uint256 value.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `handle, asset, token_address, amount, timelock,
	       escrower_reserve, escrower_trade, escrower_refund,
	       payee_reserve, payee_trade,
	       state, close_reason,
	       escrower_balance, payee_balance, escrower_withdrawn, payee_withdrawn,
	       created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4::NUMERIC(78,0), $5,
			$6, $7, $8,
			$9, $10,
			$11, $12,
			$13::NUMERIC(78,0), $14::NUMERIC(78,0), $15::NUMERIC(78,0), $16::NUMERIC(78,0),
			$17, $18)`,
		hexAddr(e.Handle), e.Asset, hexAddr(e.TokenAddress), e.Amount.String(), e.Timelock,
		hexAddr(e.EscrowerReserve), hexAddr(e.EscrowerTrade), hexAddr(e.EscrowerRefund),
		hexAddr(e.PayeeReserve), hexAddr(e.PayeeTrade),
		string(e.State), nullString(string(e.CloseReason)),
		e.EscrowerBalance.String(), e.PayeeBalance.String(),
		e.EscrowerWithdrawn.String(), e.PayeeWithdrawn.String(),
		e.CreatedAt, e.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateEscrow
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, handle common.Address) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE handle = $1`, hexAddr(handle))
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			state = $2, close_reason = $3,
			escrower_balance = $4::NUMERIC(78,0), payee_balance = $5::NUMERIC(78,0),
			escrower_withdrawn = $6::NUMERIC(78,0), payee_withdrawn = $7::NUMERIC(78,0),
			updated_at = $8
		WHERE handle = $1`,
		hexAddr(e.Handle), string(e.State), nullString(string(e.CloseReason)),
		e.EscrowerBalance.String(), e.PayeeBalance.String(),
		e.EscrowerWithdrawn.String(), e.PayeeWithdrawn.String(),
		e.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByState(ctx context.Context, state State, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE state = $1 ORDER BY created_at LIMIT $2`,
		string(state), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CreatePuzzle(ctx context.Context, pz *Puzzle) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_puzzles (
			handle, trade_amount, puzzle_hash, puzzle_timelock, authorizing_sighash, created_at
		) VALUES ($1, $2::NUMERIC(78,0), $3, $4, $5, $6)`,
		hexAddr(pz.Handle), pz.TradeAmount.String(),
		hex.EncodeToString(pz.PuzzleHash[:]), pz.PuzzleTimelock,
		hex.EncodeToString(pz.AuthorizingSighash[:]), pz.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateEscrow
	}
	return err
}

func (p *PostgresStore) GetPuzzle(ctx context.Context, handle common.Address) (*Puzzle, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT handle, trade_amount, puzzle_hash, puzzle_timelock, authorizing_sighash, created_at
		FROM escrow_puzzles WHERE handle = $1`, hexAddr(handle))

	var pz Puzzle
	var handleStr, amountStr, hashHex, sighashHex string
	err := row.Scan(&handleStr, &amountStr, &hashHex, &pz.PuzzleTimelock, &sighashHex, &pz.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPuzzleNotFound
	}
	if err != nil {
		return nil, err
	}
	pz.Handle = common.HexToAddress(handleStr)
	pz.TradeAmount, err = parseNumeric(amountStr)
	if err != nil {
		return nil, err
	}
	if err := decodeHash(hashHex, &pz.PuzzleHash); err != nil {
		return nil, err
	}
	if err := decodeHash(sighashHex, &pz.AuthorizingSighash); err != nil {
		return nil, err
	}
	return &pz, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row rowScanner) (*Escrow, error) {
	var e Escrow
	var handle, tokenAddr, amount, state string
	var reserve, trade, refund, payeeReserve, payeeTrade string
	var closeReason sql.NullString
	var escrowerBal, payeeBal, escrowerW, payeeW string

	err := row.Scan(
		&handle, &e.Asset, &tokenAddr, &amount, &e.Timelock,
		&reserve, &trade, &refund,
		&payeeReserve, &payeeTrade,
		&state, &closeReason,
		&escrowerBal, &payeeBal, &escrowerW, &payeeW,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Handle = common.HexToAddress(handle)
	e.TokenAddress = common.HexToAddress(tokenAddr)
	e.EscrowerReserve = common.HexToAddress(reserve)
	e.EscrowerTrade = common.HexToAddress(trade)
	e.EscrowerRefund = common.HexToAddress(refund)
	e.PayeeReserve = common.HexToAddress(payeeReserve)
	e.PayeeTrade = common.HexToAddress(payeeTrade)
	e.State = State(state)
	if closeReason.Valid {
		e.CloseReason = CloseReason(closeReason.String)
	}

	for _, pair := range []struct {
		dst **big.Int
		src string
	}{
		{&e.Amount, amount},
		{&e.EscrowerBalance, escrowerBal},
		{&e.PayeeBalance, payeeBal},
		{&e.EscrowerWithdrawn, escrowerW},
		{&e.PayeeWithdrawn, payeeW},
	} {
		v, err := parseNumeric(pair.src)
		if err != nil {
			return nil, err
		}
		*pair.dst = v
	}
	return &e, nil
}

func parseNumeric(s string) (*big.Int, error) {
	// NUMERIC comes back as a plain decimal string; strip any fraction a
	// nonzero scale would add.
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", s)
	}
	return v, nil
}

func decodeHash(s string, out *[32]byte) error {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return fmt.Errorf("invalid hash hex: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("hash must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return nil
}

func hexAddr(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
