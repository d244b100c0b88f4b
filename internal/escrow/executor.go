package escrow

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"
)

// MaxSlippagePercent caps the tolerated execution-price movement. Values above
// it are rejected before any external call is made.
const MaxSlippagePercent = 90

// ProvideLiquidityParams carries a liquidity provision order to the pool.
// MinBridged/MinPaired are the caller's slippage floors; Deadline is a hint
// for the pool only, not a timeout on this side.
type ProvideLiquidityParams struct {
	DesiredBridged *big.Int
	DesiredPaired  *big.Int
	MinBridged     *big.Int
	MinPaired      *big.Int
	Recipient      string
	Deadline       time.Time
}

// PoolCollaborator is the automated market maker the executor provisions into.
// Its reported consumption and share issuance are authoritative.
type PoolCollaborator interface {
	Reserves(ctx context.Context) (reserveBridged, reservePaired *big.Int, err error)
	TotalShares(ctx context.Context) (*big.Int, error)
	ProvideLiquidity(ctx context.Context, params ProvideLiquidityParams) (usedBridged, usedPaired, sharesIssued *big.Int, err error)
}

// Quote computes the linear-proportion counterpart amount against current
// reserves: amountOut = amountIn * reserveOut / reserveIn, truncating toward
// zero. A zero input reserve means the pool has no liquidity on that side and
// is a fatal precondition failure.
func Quote(amountIn, reserveIn, reserveOut *big.Int) (*big.Int, error) {
	if reserveIn == nil || reserveIn.Sign() == 0 || reserveOut == nil || reserveOut.Sign() == 0 {
		return nil, ErrEmptyPoolReserve
	}
	if amountIn == nil || amountIn.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	out := new(big.Int).Mul(amountIn, reserveOut)
	return out.Quo(out, reserveIn), nil
}

// PreviewResult describes how a reservation would split into consumption and
// refunds at the quoted reserves. EstimatedShares is an approximation; the
// authoritative count comes from the pool at execution time.
type PreviewResult struct {
	ConsumedBridged *big.Int
	ConsumedPaired  *big.Int
	EstimatedShares *big.Int
	RefundBridged   *big.Int
	RefundPaired    *big.Int
}

// planConsumption applies the optimal-ratio rule shared by preview and
// execution: whichever side quotes within the other's budget is the binding
// constraint, and exactly one side can carry a non-zero refund.
func planConsumption(bridgedDesired, pairedDesired, reserveBridged, reservePaired *big.Int) (consumedBridged, consumedPaired, refundBridged, refundPaired *big.Int, err error) {
	optimalPaired, err := Quote(bridgedDesired, reserveBridged, reservePaired)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if optimalPaired.Cmp(pairedDesired) <= 0 {
		consumedBridged = cloneBig(bridgedDesired)
		consumedPaired = optimalPaired
		refundBridged = big.NewInt(0)
		refundPaired = new(big.Int).Sub(pairedDesired, optimalPaired)
		return consumedBridged, consumedPaired, refundBridged, refundPaired, nil
	}
	optimalBridged, err := Quote(pairedDesired, reservePaired, reserveBridged)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	consumedBridged = optimalBridged
	consumedPaired = cloneBig(pairedDesired)
	refundBridged = new(big.Int).Sub(bridgedDesired, optimalBridged)
	refundPaired = big.NewInt(0)
	return consumedBridged, consumedPaired, refundBridged, refundPaired, nil
}

// slippageFloor computes reserved * (100 - percent) / 100.
func slippageFloor(reserved *big.Int, percent uint8) *big.Int {
	floor := new(big.Int).Mul(reserved, big.NewInt(int64(100-uint64(percent))))
	return floor.Quo(floor, big.NewInt(100))
}

// Executor plans and performs liquidity provisioning against the pool.
type Executor struct {
	pool   PoolCollaborator
	logger *zap.SugaredLogger
}

func NewExecutor(pool PoolCollaborator, logger *zap.SugaredLogger) *Executor {
	return &Executor{pool: pool, logger: logger}
}

// Preview reports the optimal split for the desired amounts at live reserves,
// with an estimated share issuance. Read-only: no pool state changes.
func (e *Executor) Preview(ctx context.Context, bridgedDesired, pairedDesired *big.Int) (*PreviewResult, error) {
	bridged, err := positiveAmount(bridgedDesired)
	if err != nil {
		return nil, err
	}
	paired, err := positiveAmount(pairedDesired)
	if err != nil {
		return nil, err
	}
	reserveBridged, reservePaired, err := e.pool.Reserves(ctx)
	if err != nil {
		return nil, fmt.Errorf("pool reserves: %w", err)
	}
	consumedBridged, consumedPaired, refundBridged, refundPaired, err := planConsumption(bridged, paired, reserveBridged, reservePaired)
	if err != nil {
		return nil, err
	}
	totalShares, err := e.pool.TotalShares(ctx)
	if err != nil {
		return nil, fmt.Errorf("pool total shares: %w", err)
	}
	estimated, err := Quote(consumedBridged, reserveBridged, totalShares)
	if err != nil {
		return nil, err
	}
	return &PreviewResult{
		ConsumedBridged: consumedBridged,
		ConsumedPaired:  consumedPaired,
		EstimatedShares: estimated,
		RefundBridged:   refundBridged,
		RefundPaired:    refundPaired,
	}, nil
}

// Execute provisions the reserved amounts into the pool with slippage-bounded
// minimums and returns the pool-reported consumption and share issuance.
// Validation happens strictly before the external call; a pool failure
// therefore implies zero state was touched anywhere.
func (e *Executor) Execute(ctx context.Context, recipient string, bridgedReserved, pairedReserved *big.Int, slippagePercent uint8, deadline time.Time) (usedBridged, usedPaired, shares *big.Int, err error) {
	if slippagePercent > MaxSlippagePercent {
		return nil, nil, nil, ErrSlippageTooHigh
	}
	bridged, err := positiveAmount(bridgedReserved)
	if err != nil {
		return nil, nil, nil, err
	}
	paired, err := positiveAmount(pairedReserved)
	if err != nil {
		return nil, nil, nil, err
	}

	// Confirm the pool is quotable before committing an order; empty reserves
	// must fail here, not inside the collaborator.
	reserveBridged, reservePaired, err := e.pool.Reserves(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("pool reserves: %w", err)
	}
	if _, _, _, _, err := planConsumption(bridged, paired, reserveBridged, reservePaired); err != nil {
		return nil, nil, nil, err
	}

	params := ProvideLiquidityParams{
		DesiredBridged: bridged,
		DesiredPaired:  paired,
		MinBridged:     slippageFloor(bridged, slippagePercent),
		MinPaired:      slippageFloor(paired, slippagePercent),
		Recipient:      recipient,
		Deadline:       deadline,
	}
	usedBridged, usedPaired, shares, err = e.pool.ProvideLiquidity(ctx, params)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("provide liquidity: %w", err)
	}
	if usedBridged == nil || usedPaired == nil || shares == nil {
		return nil, nil, nil, fmt.Errorf("provide liquidity: pool returned nil amounts")
	}
	if usedBridged.Cmp(bridged) > 0 || usedPaired.Cmp(paired) > 0 {
		return nil, nil, nil, ErrOverConsumption
	}
	e.logger.Debugw("Liquidity provisioned",
		"recipient", recipient,
		"usedBridged", usedBridged.String(),
		"usedPaired", usedPaired.String(),
		"shares", shares.String(),
	)
	return usedBridged, usedPaired, shares, nil
}
