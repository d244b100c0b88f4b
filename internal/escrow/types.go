package escrow

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// RequestID is the externally supplied 32-byte identifier of a liquidity request.
type RequestID [32]byte

// RequestIDFromHex parses an optionally 0x-prefixed 64-char hex string.
func RequestIDFromHex(s string) (RequestID, error) {
	var id RequestID
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return id, fmt.Errorf("invalid request id %q: %w", s, err)
	}
	if len(raw) != 32 {
		return id, fmt.Errorf("invalid request id %q: want 32 bytes, got %d", s, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func (id RequestID) Hex() string {
	return "0x" + hex.EncodeToString(id[:])
}

// Asset selects one of the two ledger balances.
type Asset string

const (
	AssetBridged Asset = "bridged"
	AssetPaired  Asset = "paired"
)

// State of a request within the settlement lifecycle. Transitions are strictly
// forward-only: Pending -> Deposited -> Executed -> Locked.
type State string

const (
	StatePending   State = "pending"
	StateDeposited State = "deposited"
	StateExecuted  State = "executed"
	StateLocked    State = "locked"
)

// Request is one transaction-log record. Records are append-only audit history;
// they are mutated by deposit and execution but never removed.
type Request struct {
	ID       RequestID
	Account  string
	Position uint64

	ReservedBridged *big.Int
	ReservedPaired  *big.Int

	ConsumedBridged *big.Int
	ConsumedPaired  *big.Int
	ShareAmount     *big.Int

	Deposited  bool
	LockID     string
	LockMonths uint32

	CreatedAt  int64
	ExecutedAt int64
	LockedAt   int64
}

// State derives the lifecycle phase from the stored fields. ShareAmount stays
// zero until execution, so a non-zero value is the executed marker.
func (r *Request) State() State {
	switch {
	case r.LockID != "":
		return StateLocked
	case r.ShareAmount != nil && r.ShareAmount.Sign() > 0:
		return StateExecuted
	case r.Deposited:
		return StateDeposited
	default:
		return StatePending
	}
}

// Clone returns a deep copy so callers cannot mutate ledger-held records.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	clone := *r
	clone.ReservedBridged = cloneBig(r.ReservedBridged)
	clone.ReservedPaired = cloneBig(r.ReservedPaired)
	clone.ConsumedBridged = cloneBig(r.ConsumedBridged)
	clone.ConsumedPaired = cloneBig(r.ConsumedPaired)
	clone.ShareAmount = cloneBig(r.ShareAmount)
	return &clone
}

// Balances is a point-in-time snapshot of one account's ledger entry.
type Balances struct {
	Bridged      *big.Int
	Paired       *big.Int
	TotalSettled *big.Int
}

// TransferInstruction tells the token collaborator to pay out a withdrawal.
type TransferInstruction struct {
	Account string
	Asset   Asset
	Amount  *big.Int
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func normalizeAccount(account string) (string, error) {
	trimmed := strings.TrimSpace(account)
	if trimmed == "" {
		return "", ErrEmptyAccount
	}
	return trimmed, nil
}

func positiveAmount(v *big.Int) (*big.Int, error) {
	if v == nil || v.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return new(big.Int).Set(v), nil
}
