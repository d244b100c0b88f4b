package escrow

import "errors"

// Sentinel errors for every rejection the engine can produce. Handlers map these
// to stable API codes via ErrorCode, and tests assert on them with errors.Is.
var (
	ErrRequestExists       = errors.New("request already registered")
	ErrRequestNotFound     = errors.New("request not registered")
	ErrNotOwner            = errors.New("caller does not own request")
	ErrZeroLockDuration    = errors.New("lock duration must be positive")
	ErrNoPairedReservation = errors.New("request has no paired reservation")
	ErrAlreadyDeposited    = errors.New("already deposited")
	ErrNotDeposited        = errors.New("paired asset not deposited")
	ErrAlreadyExecuted     = errors.New("already executed")
	ErrNotExecuted         = errors.New("request not executed")
	ErrAlreadyLocked       = errors.New("shares already locked")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBelowMinWithdrawal  = errors.New("amount below minimum withdrawal")
	ErrSlippageTooHigh     = errors.New("slippage percent out of range")
	ErrEmptyPoolReserve    = errors.New("pool reserve is zero")
	ErrNotReserved         = errors.New("execution reservation not held")
	ErrOverConsumption     = errors.New("pool consumed more than reserved")
	ErrZeroShares          = errors.New("pool issued zero shares")
	ErrPaused              = errors.New("escrow operations paused")
	ErrAccountBusy         = errors.New("account operation in progress")
	ErrBridgeNotFinalized  = errors.New("bridge transfer not finalized")
	ErrUnknownAsset        = errors.New("unknown asset")
	ErrEmptyAccount        = errors.New("account must not be empty")
)

var errorCodes = map[error]string{
	ErrRequestExists:       "REQUEST_EXISTS",
	ErrRequestNotFound:     "REQUEST_NOT_FOUND",
	ErrNotOwner:            "NOT_OWNER",
	ErrZeroLockDuration:    "ZERO_LOCK_DURATION",
	ErrNoPairedReservation: "NO_PAIRED_RESERVATION",
	ErrAlreadyDeposited:    "ALREADY_DEPOSITED",
	ErrNotDeposited:        "NOT_DEPOSITED",
	ErrAlreadyExecuted:     "ALREADY_EXECUTED",
	ErrNotExecuted:         "NOT_EXECUTED",
	ErrAlreadyLocked:       "ALREADY_LOCKED",
	ErrInvalidAmount:       "INVALID_AMOUNT",
	ErrInsufficientBalance: "INSUFFICIENT_BALANCE",
	ErrBelowMinWithdrawal:  "BELOW_MIN_WITHDRAWAL",
	ErrSlippageTooHigh:     "SLIPPAGE_TOO_HIGH",
	ErrEmptyPoolReserve:    "EMPTY_POOL_RESERVE",
	ErrNotReserved:         "NOT_RESERVED",
	ErrOverConsumption:     "OVER_CONSUMPTION",
	ErrZeroShares:          "ZERO_SHARES",
	ErrPaused:              "PAUSED",
	ErrAccountBusy:         "ACCOUNT_BUSY",
	ErrBridgeNotFinalized:  "BRIDGE_NOT_FINALIZED",
	ErrUnknownAsset:        "UNKNOWN_ASSET",
	ErrEmptyAccount:        "EMPTY_ACCOUNT",
}

// ErrorCode returns the stable API code for a known rejection, or "INTERNAL"
// for anything else (collaborator failures surface as-is with this fallback).
func ErrorCode(err error) string {
	for sentinel, code := range errorCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return "INTERNAL"
}
