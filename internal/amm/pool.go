package amm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/flowbridge/flowbridge-backend/internal/escrow"
	"go.uber.org/zap"
)

var (
	ErrSlippageExceeded = errors.New("amm: slippage floor breached")
	ErrDeadlineExpired  = errors.New("amm: deadline expired")
	ErrNoLiquidity      = errors.New("amm: pool has no liquidity")
)

const fillDenominatorBps = 10_000

// Pool is an in-memory market maker implementing escrow.PoolCollaborator.
// With fillBps == 0 it consumes the optimal ratio against its own reserves;
// a non-zero fillBps instead consumes that fraction of both desired amounts,
// which integration tests use to model partial fills at a fixed rate.
type Pool struct {
	mu             sync.Mutex
	reserveBridged *big.Int
	reservePaired  *big.Int
	totalShares    *big.Int
	fillBps        int64
	nowFn          func() time.Time
	logger         *zap.SugaredLogger
}

func NewPool(reserveBridged, reservePaired, totalShares *big.Int, logger *zap.SugaredLogger) *Pool {
	return &Pool{
		reserveBridged: clone(reserveBridged),
		reservePaired:  clone(reservePaired),
		totalShares:    clone(totalShares),
		nowFn:          time.Now,
		logger:         logger,
	}
}

// SetFillBps switches the pool into fixed-ratio fill mode.
func (p *Pool) SetFillBps(bps int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fillBps = bps
}

// SetNowFunc overrides the time source for deterministic deadline tests.
func (p *Pool) SetNowFunc(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now != nil {
		p.nowFn = now
	}
}

func (p *Pool) Reserves(ctx context.Context) (*big.Int, *big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return clone(p.reserveBridged), clone(p.reservePaired), nil
}

func (p *Pool) TotalShares(ctx context.Context) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return clone(p.totalShares), nil
}

// Quote is the linear-proportion price the pool itself would apply.
func (p *Pool) Quote(amountIn, reserveIn, reserveOut *big.Int) (*big.Int, error) {
	return escrow.Quote(amountIn, reserveIn, reserveOut)
}

// ProvideLiquidity consumes deposits at the pool's ratio, honors the caller's
// minimum floors, grows the reserves, and issues shares proportional to the
// consumed bridged amount relative to the pre-deposit bridged reserve.
func (p *Pool) ProvideLiquidity(ctx context.Context, params escrow.ProvideLiquidityParams) (*big.Int, *big.Int, *big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !params.Deadline.IsZero() && p.nowFn().After(params.Deadline) {
		return nil, nil, nil, ErrDeadlineExpired
	}
	if p.reserveBridged.Sign() == 0 || p.reservePaired.Sign() == 0 {
		return nil, nil, nil, ErrNoLiquidity
	}

	usedBridged, usedPaired, err := p.consume(params.DesiredBridged, params.DesiredPaired)
	if err != nil {
		return nil, nil, nil, err
	}
	if params.MinBridged != nil && usedBridged.Cmp(params.MinBridged) < 0 {
		return nil, nil, nil, fmt.Errorf("%w: bridged %s < floor %s", ErrSlippageExceeded, usedBridged, params.MinBridged)
	}
	if params.MinPaired != nil && usedPaired.Cmp(params.MinPaired) < 0 {
		return nil, nil, nil, fmt.Errorf("%w: paired %s < floor %s", ErrSlippageExceeded, usedPaired, params.MinPaired)
	}

	shares := new(big.Int).Mul(usedBridged, p.totalShares)
	shares.Quo(shares, p.reserveBridged)
	if shares.Sign() == 0 {
		return nil, nil, nil, fmt.Errorf("amm: deposit too small for share issuance")
	}

	p.reserveBridged = new(big.Int).Add(p.reserveBridged, usedBridged)
	p.reservePaired = new(big.Int).Add(p.reservePaired, usedPaired)
	p.totalShares = new(big.Int).Add(p.totalShares, shares)

	p.logger.Debugw("Liquidity added",
		"recipient", params.Recipient,
		"usedBridged", usedBridged.String(),
		"usedPaired", usedPaired.String(),
		"shares", shares.String(),
	)
	return usedBridged, usedPaired, shares, nil
}

func (p *Pool) consume(desiredBridged, desiredPaired *big.Int) (*big.Int, *big.Int, error) {
	if p.fillBps > 0 {
		usedBridged := scaleBps(desiredBridged, p.fillBps)
		usedPaired := scaleBps(desiredPaired, p.fillBps)
		return usedBridged, usedPaired, nil
	}
	optimalPaired, err := escrow.Quote(desiredBridged, p.reserveBridged, p.reservePaired)
	if err != nil {
		return nil, nil, err
	}
	if optimalPaired.Cmp(desiredPaired) <= 0 {
		return clone(desiredBridged), optimalPaired, nil
	}
	optimalBridged, err := escrow.Quote(desiredPaired, p.reservePaired, p.reserveBridged)
	if err != nil {
		return nil, nil, err
	}
	return optimalBridged, clone(desiredPaired), nil
}

func scaleBps(v *big.Int, bps int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(bps))
	return out.Quo(out, big.NewInt(fillDenominatorBps))
}

func clone(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
