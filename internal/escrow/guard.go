package escrow

import (
	"math/big"
	"sync"
	"sync/atomic"
)

// Guard carries the administrative preconditions consulted at coordinator entry
// points: the pause flag gating every mutating operation, and the minimum
// withdrawal threshold for the bridged asset. Keeping these out of the ledger
// leaves the bookkeeping logic authorization-free.
type Guard struct {
	paused atomic.Bool

	mu         sync.RWMutex
	minBridged *big.Int
}

func NewGuard(paused bool, minBridgedWithdrawal *big.Int) *Guard {
	g := &Guard{minBridged: cloneBig(minBridgedWithdrawal)}
	g.paused.Store(paused)
	return g
}

func (g *Guard) Pause()  { g.paused.Store(true) }
func (g *Guard) Resume() { g.paused.Store(false) }

func (g *Guard) Paused() bool { return g.paused.Load() }

// SetMinBridgedWithdrawal replaces the threshold. The change affects subsequent
// withdrawals only; past ones are history.
func (g *Guard) SetMinBridgedWithdrawal(min *big.Int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.minBridged = cloneBig(min)
}

func (g *Guard) MinBridgedWithdrawal() *big.Int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return cloneBig(g.minBridged)
}

func (g *Guard) checkMutable() error {
	if g.Paused() {
		return ErrPaused
	}
	return nil
}

func (g *Guard) checkWithdrawal(asset Asset, amount *big.Int) error {
	if asset != AssetBridged {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.minBridged.Sign() > 0 && amount.Cmp(g.minBridged) < 0 {
		return ErrBelowMinWithdrawal
	}
	return nil
}

// accountLocks hands out one mutex per account. Mutating operations take the
// account's lock with TryLock and reject instead of queueing: serialization
// keeps refund arithmetic away from interleaved withdrawals, and the fail-fast
// acquisition doubles as the reentrancy guard while an external collaborator
// call is pending.
type accountLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[string]*sync.Mutex)}
}

func (a *accountLocks) acquire(account string) (release func(), err error) {
	a.mu.Lock()
	l, ok := a.locks[account]
	if !ok {
		l = &sync.Mutex{}
		a.locks[account] = l
	}
	a.mu.Unlock()

	if !l.TryLock() {
		return nil, ErrAccountBusy
	}
	return l.Unlock, nil
}
