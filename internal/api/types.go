package api

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/flowbridge/flowbridge-backend/internal/config"
	"github.com/flowbridge/flowbridge-backend/internal/custody"
	"github.com/flowbridge/flowbridge-backend/internal/escrow"
)

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type CreateRequestDTO struct {
	ID         string `json:"id,omitempty"` // hex request id; generated when absent
	Account    string `json:"account"`
	Bridged    string `json:"bridgedAmount"` // base units
	Paired     string `json:"pairedAmount"`  // base units, may be "0"
	LockMonths uint32 `json:"lockMonths"`
}

type DepositDTO struct {
	Account string `json:"account"`
}

type ExecuteDTO struct {
	Account         string `json:"account"`
	SlippagePercent uint8  `json:"slippagePercent"`
}

type WithdrawDTO struct {
	Account string `json:"account"`
	Amount  string `json:"amount"` // base units
}

type MinWithdrawalDTO struct {
	Amount string `json:"amount"` // base units
}

type RequestDTO struct {
	ID              string `json:"id"`
	Account         string `json:"account"`
	Position        uint64 `json:"position"`
	State           string `json:"state"`
	ReservedBridged string `json:"reservedBridged"`
	ReservedPaired  string `json:"reservedPaired"`
	ConsumedBridged string `json:"consumedBridged"`
	ConsumedPaired  string `json:"consumedPaired"`
	ShareAmount     string `json:"shareAmount"`
	Deposited       bool   `json:"deposited"`
	LockID          string `json:"lockId,omitempty"`
	LockMonths      uint32 `json:"lockMonths"`
	CreatedAt       int64  `json:"createdAt"`
	ExecutedAt      int64  `json:"executedAt,omitempty"`
	LockedAt        int64  `json:"lockedAt,omitempty"`
}

type OwnerDTO struct {
	ID      string `json:"id"`
	Account string `json:"account"`
}

type BalancesDTO struct {
	Account       string `json:"account"`
	Bridged       string `json:"bridged"`
	Paired        string `json:"paired"`
	TotalSettled  string `json:"totalSettled"`
	BridgedTokens string `json:"bridgedTokens"`
	PairedTokens  string `json:"pairedTokens"`
	AsOf          int64  `json:"asOf"`
}

type WithdrawalReceiptDTO struct {
	Account  string `json:"account"`
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
	ReturnID string `json:"returnId,omitempty"` // bridged withdrawals only
}

type PoolReservesDTO struct {
	ReserveBridged string `json:"reserveBridged"`
	ReservePaired  string `json:"reservePaired"`
	AsOf           int64  `json:"asOf"`
}

type PreviewDTO struct {
	ConsumedBridged string `json:"consumedBridged"`
	ConsumedPaired  string `json:"consumedPaired"`
	EstimatedShares string `json:"estimatedShares"`
	RefundBridged   string `json:"refundBridged"`
	RefundPaired    string `json:"refundPaired"`
	AsOf            int64  `json:"asOf"`
}

type LockDTO struct {
	ID         string `json:"id"`
	Owner      string `json:"owner"`
	ShareAsset string `json:"shareAsset"`
	Amount     string `json:"amount"`
	UnlockAt   int64  `json:"unlockAt"`
	Label      string `json:"label"`
	CreatedAt  int64  `json:"createdAt"`
}

type GuardStateDTO struct {
	Paused               bool   `json:"paused"`
	MinBridgedWithdrawal string `json:"minBridgedWithdrawal"`
}

type FinalizedTransferDTO struct {
	ID        string `json:"id"`
	Finalized bool   `json:"finalized"`
}

func requestDTO(rec *escrow.Request) RequestDTO {
	return RequestDTO{
		ID:              rec.ID.Hex(),
		Account:         rec.Account,
		Position:        rec.Position,
		State:           string(rec.State()),
		ReservedBridged: rec.ReservedBridged.String(),
		ReservedPaired:  rec.ReservedPaired.String(),
		ConsumedBridged: rec.ConsumedBridged.String(),
		ConsumedPaired:  rec.ConsumedPaired.String(),
		ShareAmount:     rec.ShareAmount.String(),
		Deposited:       rec.Deposited,
		LockID:          rec.LockID,
		LockMonths:      rec.LockMonths,
		CreatedAt:       rec.CreatedAt,
		ExecutedAt:      rec.ExecutedAt,
		LockedAt:        rec.LockedAt,
	}
}

func lockDTO(l *custody.Lock) LockDTO {
	return LockDTO{
		ID:         l.ID,
		Owner:      l.Owner,
		ShareAsset: l.ShareAsset,
		Amount:     l.Amount.String(),
		UnlockAt:   l.UnlockAt.Unix(),
		Label:      l.Label,
		CreatedAt:  l.CreatedAt.Unix(),
	}
}

// tokenString renders a base-unit amount in whole tokens for display.
func tokenString(v *big.Int) string {
	return decimal.NewFromBigInt(v, -config.TokenDecimals).String()
}
