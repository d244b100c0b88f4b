package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBridge struct {
	mu        sync.Mutex
	finalized map[RequestID]bool
	returnErr error
	returns   int
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{finalized: make(map[RequestID]bool)}
}

func (f *fakeBridge) markFinalized(id RequestID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized[id] = true
}

func (f *fakeBridge) IsFinalized(ctx context.Context, id RequestID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalized[id], nil
}

func (f *fakeBridge) InitiateReturn(ctx context.Context, account string, amount *big.Int, targetDomain string) (RequestID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.returnErr != nil {
		return RequestID{}, f.returnErr
	}
	f.returns++
	return testID(byte(0xf0 + f.returns)), nil
}

type fakeLocker struct {
	mu           sync.Mutex
	failuresLeft int
	locks        int
	lastOwner    string
	lastAmount   *big.Int
	lastUnlockAt time.Time
	lastLabel    string
}

func (f *fakeLocker) Lock(ctx context.Context, owner, shareAsset string, amount *big.Int, unlockTime time.Time, label string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return "", errors.New("custody unavailable")
	}
	f.locks++
	f.lastOwner = owner
	f.lastAmount = new(big.Int).Set(amount)
	f.lastUnlockAt = unlockTime
	f.lastLabel = label
	return fmt.Sprintf("lock-%d", f.locks), nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *capturePublisher) Publish(evt Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *capturePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type coordFixture struct {
	coordinator *Coordinator
	pool        *fakePool
	bridge      *fakeBridge
	locker      *fakeLocker
	publisher   *capturePublisher
	guard       *Guard
	now         time.Time
}

func newCoordFixture(t *testing.T) *coordFixture {
	t.Helper()
	f := &coordFixture{
		pool:      newFakePool(),
		bridge:    newFakeBridge(),
		locker:    &fakeLocker{},
		publisher: &capturePublisher{},
		guard:     NewGuard(false, big.NewInt(0)),
		now:       time.Unix(1_700_000_000, 0),
	}
	logger := zap.NewNop().Sugar()
	f.coordinator = NewCoordinator(
		NewRegistry(),
		NewLedger(),
		NewExecutor(f.pool, logger),
		f.bridge,
		f.locker,
		f.guard,
		logger,
		CoordinatorOptions{
			ReturnDomain:    "origin",
			LockLabelPrefix: "flowbridge:",
			Publisher:       f.publisher,
			Now:             func() time.Time { return f.now },
		},
	)
	return f
}

// create runs the funds-arrival step for a finalized transfer.
func (f *coordFixture) create(t *testing.T, id RequestID, account string, bridged, paired *big.Int, months uint32) *Request {
	t.Helper()
	f.bridge.markFinalized(id)
	rec, err := f.coordinator.HandleFundsArrived(context.Background(), id, account, bridged, paired, months)
	require.NoError(t, err)
	return rec
}

// fillAt scripts the pool to consume the given basis points of both desired
// amounts, issuing shares at the pool's pre-deposit ratio.
func (f *coordFixture) fillAt(bps int64) {
	f.pool.provideFn = func(params ProvideLiquidityParams) (*big.Int, *big.Int, *big.Int, error) {
		scale := func(v *big.Int) *big.Int {
			out := new(big.Int).Mul(v, big.NewInt(bps))
			return out.Quo(out, big.NewInt(10_000))
		}
		usedBridged := scale(params.DesiredBridged)
		usedPaired := scale(params.DesiredPaired)
		shares := new(big.Int).Mul(usedBridged, f.pool.totalShares)
		shares.Quo(shares, f.pool.reserveBridged)
		return usedBridged, usedPaired, shares, nil
	}
}

func TestLifecyclePartialFill(t *testing.T) {
	f := newCoordFixture(t)
	f.fillAt(9_500)
	ctx := context.Background()
	id := testID(1)

	rec := f.create(t, id, "alice", wei(100), wei(50), 6)
	assert.Equal(t, StatePending, rec.State())

	rec, err := f.coordinator.DepositPaired(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, StateDeposited, rec.State())

	rec, err = f.coordinator.Execute(ctx, id, "alice", 10)
	require.NoError(t, err)
	assert.Equal(t, StateLocked, rec.State())

	// 95% of each side consumed, shares at the 750/1000 pool ratio.
	assert.Equal(t, wei(95), rec.ConsumedBridged)
	assert.Equal(t, halfWei(95), rec.ConsumedPaired)
	wantShares := new(big.Int).Quo(new(big.Int).Mul(wei(95), big.NewInt(3)), big.NewInt(4))
	assert.Equal(t, wantShares, rec.ShareAmount)
	assert.Equal(t, "lock-1", rec.LockID)

	// Refunds land back on the balances.
	bal := f.coordinator.Balances("alice")
	assert.Equal(t, wei(5), bal.Bridged)
	assert.Equal(t, halfWei(5), bal.Paired)
	assert.Equal(t, wantShares, bal.TotalSettled)

	// Custody got the full share amount with the labeled unlock schedule.
	assert.Equal(t, wantShares, f.locker.lastAmount)
	assert.Equal(t, f.now.Add(6*30*24*time.Hour), f.locker.lastUnlockAt)
	assert.Equal(t, "flowbridge:"+id.Hex(), f.locker.lastLabel)

	assert.Equal(t, []string{
		EventRequestCreated,
		EventRequestDeposited,
		EventRequestExecuted,
		EventRequestLocked,
	}, f.publisher.types())
}

func halfWei(n int64) *big.Int {
	return new(big.Int).Quo(wei(n), big.NewInt(2))
}

func TestHandleFundsArrivedRequiresFinality(t *testing.T) {
	f := newCoordFixture(t)

	_, err := f.coordinator.HandleFundsArrived(context.Background(), testID(1), "alice", wei(1), wei(1), 6)
	assert.ErrorIs(t, err, ErrBridgeNotFinalized)
}

func TestHandleFundsArrivedDuplicateID(t *testing.T) {
	f := newCoordFixture(t)
	id := testID(1)
	f.create(t, id, "alice", wei(1), wei(1), 6)

	_, err := f.coordinator.HandleFundsArrived(context.Background(), id, "bob", wei(1), wei(1), 6)
	assert.ErrorIs(t, err, ErrRequestExists)

	owner, ok := f.coordinator.Owner(id)
	require.True(t, ok)
	assert.Equal(t, "alice", owner)
}

func TestHandleFundsArrivedValidatesBeforeBinding(t *testing.T) {
	f := newCoordFixture(t)
	id := testID(1)
	f.bridge.markFinalized(id)

	_, err := f.coordinator.HandleFundsArrived(context.Background(), id, "alice", wei(1), wei(1), 0)
	assert.ErrorIs(t, err, ErrZeroLockDuration)

	// A failed create must not leave a dangling registry binding.
	_, ok := f.coordinator.Owner(id)
	assert.False(t, ok)
}

func TestDepositPairedRejectsNonOwner(t *testing.T) {
	f := newCoordFixture(t)
	id := testID(1)
	f.create(t, id, "alice", wei(100), wei(50), 6)

	_, err := f.coordinator.DepositPaired(context.Background(), id, "mallory")
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = f.coordinator.DepositPaired(context.Background(), testID(2), "alice")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestExecuteStateGuards(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	id := testID(1)
	f.create(t, id, "alice", wei(100), wei(50), 6)

	_, err := f.coordinator.Execute(ctx, id, "alice", 10)
	assert.ErrorIs(t, err, ErrNotDeposited)

	_, err = f.coordinator.DepositPaired(ctx, id, "alice")
	require.NoError(t, err)
	_, err = f.coordinator.Execute(ctx, id, "alice", 10)
	require.NoError(t, err)

	_, err = f.coordinator.Execute(ctx, id, "alice", 10)
	assert.ErrorIs(t, err, ErrAlreadyExecuted)
	assert.Equal(t, 1, f.pool.provideCalls)
}

func TestExecutePoolFailureLeavesStateIntact(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	id := testID(1)
	f.create(t, id, "alice", wei(100), wei(50), 6)
	_, err := f.coordinator.DepositPaired(ctx, id, "alice")
	require.NoError(t, err)

	f.pool.provideFn = func(ProvideLiquidityParams) (*big.Int, *big.Int, *big.Int, error) {
		return nil, nil, nil, errors.New("pool down")
	}

	_, err = f.coordinator.Execute(ctx, id, "alice", 10)
	require.Error(t, err)

	rec, err := f.coordinator.Request(id)
	require.NoError(t, err)
	assert.Equal(t, StateDeposited, rec.State())

	bal := f.coordinator.Balances("alice")
	assert.Equal(t, wei(100), bal.Bridged)
	assert.Equal(t, wei(50), bal.Paired)
}

func TestExecuteAfterWithdrawalNeverReachesPool(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	id := testID(1)
	f.create(t, id, "alice", wei(100), wei(50), 6)
	_, err := f.coordinator.DepositPaired(ctx, id, "alice")
	require.NoError(t, err)

	// Draining part of the bridged reservation before execution must fail
	// the execution up front; the pool never sees the request.
	_, err = f.coordinator.WithdrawBridged(ctx, "alice", wei(60))
	require.NoError(t, err)

	_, err = f.coordinator.Execute(ctx, id, "alice", 10)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, 0, f.pool.provideCalls)

	rec, err := f.coordinator.Request(id)
	require.NoError(t, err)
	assert.Equal(t, StateDeposited, rec.State())

	// Retrying cannot move pool funds either.
	_, err = f.coordinator.Execute(ctx, id, "alice", 10)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, 0, f.pool.provideCalls)

	bal := f.coordinator.Balances("alice")
	assert.Equal(t, wei(40), bal.Bridged)
	assert.Equal(t, wei(50), bal.Paired)
}

func TestLockFailureLeavesExecutedAndRetryRecovers(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	id := testID(1)
	f.create(t, id, "alice", wei(100), wei(50), 6)
	_, err := f.coordinator.DepositPaired(ctx, id, "alice")
	require.NoError(t, err)

	f.locker.failuresLeft = 1

	rec, err := f.coordinator.Execute(ctx, id, "alice", 10)
	require.Error(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StateExecuted, rec.State())
	assert.Empty(t, rec.LockID)

	rec, err = f.coordinator.RetryLock(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, StateLocked, rec.State())
	assert.Equal(t, "lock-1", rec.LockID)

	// A second retry must refuse to double-lock.
	_, err = f.coordinator.RetryLock(ctx, id, "alice")
	assert.ErrorIs(t, err, ErrAlreadyLocked)
}

func TestRetryLockRequiresExecution(t *testing.T) {
	f := newCoordFixture(t)
	id := testID(1)
	f.create(t, id, "alice", wei(100), wei(50), 6)

	_, err := f.coordinator.RetryLock(context.Background(), id, "alice")
	assert.ErrorIs(t, err, ErrNotExecuted)
}

func TestWithdrawBridgedEnforcesMinimum(t *testing.T) {
	f := newCoordFixture(t)
	id := testID(1)
	f.create(t, id, "alice", wei(100), big.NewInt(0), 6)

	f.guard.SetMinBridgedWithdrawal(wei(10))

	_, err := f.coordinator.WithdrawBridged(context.Background(), "alice", wei(9))
	assert.ErrorIs(t, err, ErrBelowMinWithdrawal)

	_, err = f.coordinator.WithdrawBridged(context.Background(), "alice", wei(10))
	require.NoError(t, err)
	assert.Equal(t, wei(90), f.coordinator.Balances("alice").Bridged)
}

func TestWithdrawBridgedBridgeFailureRestoresBalance(t *testing.T) {
	f := newCoordFixture(t)
	id := testID(1)
	f.create(t, id, "alice", wei(100), big.NewInt(0), 6)

	f.bridge.returnErr = errors.New("bridge offline")

	_, err := f.coordinator.WithdrawBridged(context.Background(), "alice", wei(40))
	require.Error(t, err)

	// The debit was compensated; nothing left the ledger.
	assert.Equal(t, wei(100), f.coordinator.Balances("alice").Bridged)
}

func TestWithdrawPaired(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	id := testID(1)
	f.create(t, id, "alice", wei(100), wei(50), 6)
	_, err := f.coordinator.DepositPaired(ctx, id, "alice")
	require.NoError(t, err)

	instruction, err := f.coordinator.WithdrawPaired(ctx, "alice", wei(20))
	require.NoError(t, err)
	assert.Equal(t, AssetPaired, instruction.Asset)
	assert.Equal(t, wei(20), instruction.Amount)
	assert.Equal(t, wei(30), f.coordinator.Balances("alice").Paired)

	_, err = f.coordinator.WithdrawPaired(ctx, "alice", wei(31))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestPausedRejectsMutations(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	id := testID(1)
	f.create(t, id, "alice", wei(100), wei(50), 6)

	f.guard.Pause()

	_, err := f.coordinator.DepositPaired(ctx, id, "alice")
	assert.ErrorIs(t, err, ErrPaused)
	_, err = f.coordinator.Execute(ctx, id, "alice", 10)
	assert.ErrorIs(t, err, ErrPaused)
	_, err = f.coordinator.WithdrawBridged(ctx, "alice", wei(1))
	assert.ErrorIs(t, err, ErrPaused)
	f.bridge.markFinalized(testID(2))
	_, err = f.coordinator.HandleFundsArrived(ctx, testID(2), "bob", wei(1), wei(1), 6)
	assert.ErrorIs(t, err, ErrPaused)

	// Reads stay available while paused.
	assert.Equal(t, wei(100), f.coordinator.Balances("alice").Bridged)

	f.guard.Resume()
	_, err = f.coordinator.DepositPaired(ctx, id, "alice")
	assert.NoError(t, err)
}

func TestBusyAccountIsRejectedNotQueued(t *testing.T) {
	f := newCoordFixture(t)
	id := testID(1)
	f.create(t, id, "alice", wei(100), wei(50), 6)

	release, err := f.coordinator.accounts.acquire("alice")
	require.NoError(t, err)
	defer release()

	_, err = f.coordinator.DepositPaired(context.Background(), id, "alice")
	assert.ErrorIs(t, err, ErrAccountBusy)

	_, err = f.coordinator.WithdrawBridged(context.Background(), "alice", wei(1))
	assert.ErrorIs(t, err, ErrAccountBusy)

	// Other accounts are unaffected.
	f.bridge.markFinalized(testID(2))
	_, err = f.coordinator.HandleFundsArrived(context.Background(), testID(2), "bob", wei(1), big.NewInt(0), 6)
	assert.NoError(t, err)
}

func TestDeterministicTimestamps(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	id := testID(1)

	rec := f.create(t, id, "alice", wei(100), wei(50), 6)
	assert.Equal(t, f.now.Unix(), rec.CreatedAt)

	_, err := f.coordinator.DepositPaired(ctx, id, "alice")
	require.NoError(t, err)

	f.now = f.now.Add(time.Hour)
	rec, err = f.coordinator.Execute(ctx, id, "alice", 10)
	require.NoError(t, err)
	assert.Equal(t, f.now.Unix(), rec.ExecutedAt)
	assert.Equal(t, f.now.Unix(), rec.LockedAt)
}
