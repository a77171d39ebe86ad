// Package sigcheck builds the digests that authorize escrow transitions and
// recovers signer addresses from secp256k1 signatures.
//
// Every signed message is bound to one escrow and one message family:
//
//	keccak256("\x19Ethereum Signed Message:\n" + len(payload) + payload)
//	payload = handle(20) || typeTag(1) || fields...
//
// Fields are 32-byte big-endian integers or raw 32-byte hashes, concatenated
// without delimiters. Binding the handle prevents cross-escrow replay;
// binding the tag prevents a refund signature from passing as a cashout
// signature. The declared length is always derived from the serialized
// payload, so it cannot disagree with the bytes that follow it.
package sigcheck

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Message type tags.
const (
	TagCashout byte = 1
	TagPuzzle  byte = 2
	TagRefund  byte = 3
)

// SignatureLength is the expected r||s||v signature size.
const SignatureLength = 65

// CashoutDigest returns the digest both parties sign to authorize a
// bilateral cashout of amountTraded.
func CashoutDigest(handle common.Address, amountTraded *big.Int) [32]byte {
	return digest(handle, TagCashout, uint256Bytes(amountTraded))
}

// RefundDigest returns the digest the escrower's refund key signs to
// authorize a unilateral timelocked refund with the given final split.
func RefundDigest(handle common.Address, amountTraded *big.Int) [32]byte {
	return digest(handle, TagRefund, uint256Bytes(amountTraded))
}

// PuzzleDigest returns the digest both parties sign to authorize posting a
// hash puzzle. It covers the already-settled prior trade amount, the amount
// reserved for the puzzle, the SHA-256 commitment and the puzzle timelock.
func PuzzleDigest(handle common.Address, prevAmountTraded, tradeAmount *big.Int, puzzleHash [32]byte, puzzleTimelock int64) [32]byte {
	return digest(handle, TagPuzzle,
		uint256Bytes(prevAmountTraded),
		uint256Bytes(tradeAmount),
		puzzleHash[:],
		uint256Bytes(big.NewInt(puzzleTimelock)),
	)
}

func digest(handle common.Address, tag byte, fields ...[]byte) [32]byte {
	payload := make([]byte, 0, 21+32*len(fields))
	payload = append(payload, handle.Bytes()...)
	payload = append(payload, tag)
	for _, f := range fields {
		payload = append(payload, f...)
	}
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(payload))
	var out [32]byte
	copy(out[:], crypto.Keccak256(append([]byte(prefix), payload...)))
	return out
}

// uint256Bytes encodes v as a 32-byte big-endian integer. A nil value
// encodes as zero.
func uint256Bytes(v *big.Int) []byte {
	if v == nil {
		v = new(big.Int)
	}
	return common.LeftPadBytes(v.Bytes(), 32)
}

// RecoverSigner recovers the address that produced sig over digest.
// sig must be 65 bytes r||s||v with v in {0, 1, 27, 28}. A malformed
// signature is reported as an error, never as a zero-address match.
func RecoverSigner(digest [32]byte, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(sig))
	}
	// Ecrecover wants the recovery id as 0 or 1.
	s := make([]byte, SignatureLength)
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}
	pubKey, err := crypto.SigToPub(digest[:], s)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// Verify checks that sig over digest was produced by expected. The caller
// passes the role-specific key (trade or refund) it requires for the
// transition; a mismatch or malformed signature is a normal rejection.
func Verify(digest [32]byte, sig []byte, expected common.Address) error {
	recovered, err := RecoverSigner(digest, sig)
	if err != nil {
		return err
	}
	if recovered != expected {
		return fmt.Errorf("signer mismatch: expected %s, got %s", expected.Hex(), recovered.Hex())
	}
	return nil
}

// DecodeSig decodes a hex signature with or without a 0x prefix.
func DecodeSig(sigHex string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signature hex: %w", err)
	}
	return raw, nil
}
