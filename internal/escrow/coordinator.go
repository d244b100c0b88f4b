package escrow

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// BridgeCollaborator verifies inbound transfer finality and initiates outbound
// returns of the bridged asset.
type BridgeCollaborator interface {
	IsFinalized(ctx context.Context, id RequestID) (bool, error)
	InitiateReturn(ctx context.Context, account string, amount *big.Int, targetDomain string) (RequestID, error)
}

// LockCollaborator custodies pool shares until the unlock time.
type LockCollaborator interface {
	Lock(ctx context.Context, owner string, shareAsset string, amount *big.Int, unlockTime time.Time, label string) (string, error)
}

// Lifecycle event types published by the coordinator.
const (
	EventRequestCreated   = "request.created"
	EventRequestDeposited = "request.deposited"
	EventRequestExecuted  = "request.executed"
	EventRequestLocked    = "request.locked"
	EventWithdrawal       = "withdrawal.completed"
	EventLockRetried      = "lock.retried"
)

// Event is a lifecycle notification fanned out to stream subscribers.
type Event struct {
	Type      string            `json:"type"`
	Account   string            `json:"account"`
	RequestID string            `json:"requestId,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// Publisher receives coordinator events. Implementations must not block.
type Publisher interface {
	Publish(evt Event)
}

// Recorder receives domain metrics.
type Recorder interface {
	RecordStage(ctx context.Context, stage string)
	RecordWithdrawal(ctx context.Context, asset string)
	RecordLockRetry(ctx context.Context)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

type noopRecorder struct{}

func (noopRecorder) RecordStage(context.Context, string)      {}
func (noopRecorder) RecordWithdrawal(context.Context, string) {}
func (noopRecorder) RecordLockRetry(context.Context)          {}

const (
	// lockMonth is the fixed month length used for unlock timestamps.
	lockMonth = 30 * 24 * time.Hour

	defaultPoolDeadline = 30 * time.Second
	defaultShareAsset   = "pool-share"
)

// CoordinatorOptions tune non-essential behavior; zero values get defaults.
type CoordinatorOptions struct {
	ReturnDomain      string
	LockLabelPrefix   string
	ShareAsset        string
	PoolCallDeadline  time.Duration
	LockRetryAttempts uint64
	Publisher         Publisher
	Recorder          Recorder
	Now               func() time.Time
}

// Coordinator drives the request lifecycle across the registry, the ledger,
// the executor, and the external collaborators. All mutating entry points are
// pause-gated and serialized per account; a concurrent or re-entrant call for
// a busy account is rejected with ErrAccountBusy rather than queued.
type Coordinator struct {
	registry *Registry
	ledger   *Ledger
	executor *Executor
	bridge   BridgeCollaborator
	locker   LockCollaborator
	guard    *Guard

	publisher Publisher
	recorder  Recorder
	accounts  *accountLocks
	logger    *zap.SugaredLogger

	returnDomain      string
	lockLabelPrefix   string
	shareAsset        string
	poolCallDeadline  time.Duration
	lockRetryAttempts uint64
	nowFn             func() time.Time
}

func NewCoordinator(registry *Registry, ledger *Ledger, executor *Executor, bridge BridgeCollaborator, locker LockCollaborator, guard *Guard, logger *zap.SugaredLogger, opts CoordinatorOptions) *Coordinator {
	c := &Coordinator{
		registry:          registry,
		ledger:            ledger,
		executor:          executor,
		bridge:            bridge,
		locker:            locker,
		guard:             guard,
		publisher:         opts.Publisher,
		recorder:          opts.Recorder,
		accounts:          newAccountLocks(),
		logger:            logger,
		returnDomain:      opts.ReturnDomain,
		lockLabelPrefix:   opts.LockLabelPrefix,
		shareAsset:        opts.ShareAsset,
		poolCallDeadline:  opts.PoolCallDeadline,
		lockRetryAttempts: opts.LockRetryAttempts,
		nowFn:             opts.Now,
	}
	if c.publisher == nil {
		c.publisher = noopPublisher{}
	}
	if c.recorder == nil {
		c.recorder = noopRecorder{}
	}
	if c.shareAsset == "" {
		c.shareAsset = defaultShareAsset
	}
	if c.poolCallDeadline <= 0 {
		c.poolCallDeadline = defaultPoolDeadline
	}
	if c.lockRetryAttempts == 0 {
		c.lockRetryAttempts = 3
	}
	if c.nowFn == nil {
		c.nowFn = time.Now
	}
	return c
}

func (c *Coordinator) now() time.Time { return c.nowFn() }

func (c *Coordinator) emit(evtType, account string, id RequestID, fields map[string]string) {
	c.publisher.Publish(Event{
		Type:      evtType,
		Account:   account,
		RequestID: id.Hex(),
		Fields:    fields,
		Timestamp: c.now().Unix(),
	})
}

// resolveOwned confirms registration in the registry before touching the
// ledger, and checks the caller's ownership. Registration must be decided by
// the registry alone: the ledger's position index cannot tell an unregistered
// id apart from a record at position 0.
func (c *Coordinator) resolveOwned(id RequestID, caller string) (string, error) {
	owner, ok := c.registry.Owner(id)
	if !ok {
		return "", ErrRequestNotFound
	}
	if owner != caller {
		return "", ErrNotOwner
	}
	return owner, nil
}

// HandleFundsArrived is the bridge-completion entry point: it binds the request
// id, opens the transaction record, and credits the bridged reservation.
func (c *Coordinator) HandleFundsArrived(ctx context.Context, id RequestID, account string, bridgedAmt, pairedAmt *big.Int, lockMonths uint32) (*Request, error) {
	if err := c.guard.checkMutable(); err != nil {
		return nil, err
	}
	normalized, err := normalizeAccount(account)
	if err != nil {
		return nil, err
	}
	if lockMonths == 0 {
		return nil, ErrZeroLockDuration
	}
	if _, err := positiveAmount(bridgedAmt); err != nil {
		return nil, err
	}
	if pairedAmt == nil || pairedAmt.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	finalized, err := c.bridge.IsFinalized(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("bridge finality check: %w", err)
	}
	if !finalized {
		return nil, ErrBridgeNotFinalized
	}

	release, err := c.accounts.acquire(normalized)
	if err != nil {
		return nil, err
	}
	defer release()

	// All createEntry preconditions were validated above, so the registry
	// binding cannot end up dangling.
	if err := c.registry.Register(id, normalized); err != nil {
		return nil, err
	}
	rec, err := c.ledger.CreateEntry(normalized, id, bridgedAmt, pairedAmt, lockMonths, c.now().Unix())
	if err != nil {
		return nil, err
	}
	c.recorder.RecordStage(ctx, "created")
	c.emit(EventRequestCreated, normalized, id, map[string]string{
		"reservedBridged": rec.ReservedBridged.String(),
		"reservedPaired":  rec.ReservedPaired.String(),
		"lockMonths":      fmt.Sprintf("%d", lockMonths),
	})
	c.logger.Infow("Request created",
		"requestId", id.Hex(),
		"account", normalized,
		"reservedBridged", rec.ReservedBridged.String(),
		"reservedPaired", rec.ReservedPaired.String(),
	)
	return rec, nil
}

// DepositPaired receives the caller's paired reservation for a pending request.
func (c *Coordinator) DepositPaired(ctx context.Context, id RequestID, caller string) (*Request, error) {
	if err := c.guard.checkMutable(); err != nil {
		return nil, err
	}
	normalized, err := normalizeAccount(caller)
	if err != nil {
		return nil, err
	}
	owner, err := c.resolveOwned(id, normalized)
	if err != nil {
		return nil, err
	}

	release, err := c.accounts.acquire(owner)
	if err != nil {
		return nil, err
	}
	defer release()

	amount, err := c.ledger.RecordDeposit(owner, id)
	if err != nil {
		return nil, err
	}
	rec, err := c.ledger.Request(owner, id)
	if err != nil {
		return nil, err
	}
	c.recorder.RecordStage(ctx, "deposited")
	c.emit(EventRequestDeposited, owner, id, map[string]string{"amount": amount.String()})
	c.logger.Infow("Paired deposit recorded", "requestId", id.Hex(), "account", owner, "amount", amount.String())
	return rec, nil
}

// Execute provisions the request's reservation into the pool and hands the
// issued shares to custody. Pool and lock are one user-visible transition; if
// the lock step fails after the pool succeeded, the request stays Executed
// with no lock reference and RetryLock is the recovery path. No rollback of
// the pool step is attempted.
func (c *Coordinator) Execute(ctx context.Context, id RequestID, caller string, slippagePercent uint8) (*Request, error) {
	if err := c.guard.checkMutable(); err != nil {
		return nil, err
	}
	if slippagePercent > MaxSlippagePercent {
		return nil, ErrSlippageTooHigh
	}
	normalized, err := normalizeAccount(caller)
	if err != nil {
		return nil, err
	}
	owner, err := c.resolveOwned(id, normalized)
	if err != nil {
		return nil, err
	}

	release, err := c.accounts.acquire(owner)
	if err != nil {
		return nil, err
	}
	defer release()

	rec, err := c.ledger.Request(owner, id)
	if err != nil {
		return nil, err
	}
	switch rec.State() {
	case StatePending:
		return nil, ErrNotDeposited
	case StateExecuted, StateLocked:
		return nil, ErrAlreadyExecuted
	}

	// Debit the full reservations before touching the pool. Funds the pool is
	// about to consume must already be unavailable to withdrawals; a shortfall
	// surfaces here, never after the pool moved tokens.
	if err := c.ledger.ReserveExecution(owner, id); err != nil {
		return nil, err
	}

	now := c.now()
	usedBridged, usedPaired, shares, err := c.executor.Execute(ctx, owner, rec.ReservedBridged, rec.ReservedPaired, slippagePercent, now.Add(c.poolCallDeadline))
	if err != nil {
		c.ledger.releaseExecution(owner, id)
		return nil, err
	}
	refundBridged, refundPaired, err := c.ledger.RecordExecution(owner, id, usedBridged, usedPaired, shares)
	if err != nil {
		// The pool already moved funds; this is an accounting fault, not a
		// recoverable rejection.
		return nil, fmt.Errorf("record execution: %w", err)
	}
	if err := c.ledger.SetExecutedAt(owner, id, now.Unix()); err != nil {
		return nil, err
	}
	c.recorder.RecordStage(ctx, "executed")
	c.emit(EventRequestExecuted, owner, id, map[string]string{
		"consumedBridged": usedBridged.String(),
		"consumedPaired":  usedPaired.String(),
		"shares":          shares.String(),
		"refundBridged":   refundBridged.String(),
		"refundPaired":    refundPaired.String(),
	})
	c.logger.Infow("Request executed",
		"requestId", id.Hex(),
		"account", owner,
		"shares", shares.String(),
		"refundBridged", refundBridged.String(),
		"refundPaired", refundPaired.String(),
	)

	if err := c.lockShares(ctx, owner, id, shares, rec.LockMonths, now); err != nil {
		c.logger.Warnw("Lock step failed after execution; request left executed without lock",
			"requestId", id.Hex(), "account", owner, "error", err)
		tx, txErr := c.ledger.Request(owner, id)
		if txErr != nil {
			return nil, txErr
		}
		return tx, fmt.Errorf("lock shares: %w", err)
	}
	return c.ledger.Request(owner, id)
}

func (c *Coordinator) lockShares(ctx context.Context, owner string, id RequestID, shares *big.Int, lockMonths uint32, now time.Time) error {
	unlockAt := now.Add(time.Duration(lockMonths) * lockMonth)
	label := fmt.Sprintf("%s%s", c.lockLabelPrefix, id.Hex())
	lockID, err := c.locker.Lock(ctx, owner, c.shareAsset, shares, unlockAt, label)
	if err != nil {
		return err
	}
	if err := c.ledger.SetLock(owner, id, lockID, now.Unix()); err != nil {
		return err
	}
	c.recorder.RecordStage(ctx, "locked")
	c.emit(EventRequestLocked, owner, id, map[string]string{
		"lockId":   lockID,
		"unlockAt": fmt.Sprintf("%d", unlockAt.Unix()),
	})
	c.logger.Infow("Shares locked", "requestId", id.Hex(), "account", owner, "lockId", lockID, "unlockAt", unlockAt.Unix())
	return nil
}

// RetryLock re-attempts the custody step for a request stranded in Executed.
// The pool step is never re-run.
func (c *Coordinator) RetryLock(ctx context.Context, id RequestID, caller string) (*Request, error) {
	if err := c.guard.checkMutable(); err != nil {
		return nil, err
	}
	normalized, err := normalizeAccount(caller)
	if err != nil {
		return nil, err
	}
	owner, err := c.resolveOwned(id, normalized)
	if err != nil {
		return nil, err
	}

	release, err := c.accounts.acquire(owner)
	if err != nil {
		return nil, err
	}
	defer release()

	rec, err := c.ledger.Request(owner, id)
	if err != nil {
		return nil, err
	}
	switch rec.State() {
	case StatePending, StateDeposited:
		return nil, ErrNotExecuted
	case StateLocked:
		return nil, ErrAlreadyLocked
	}

	c.recorder.RecordLockRetry(ctx)
	c.emit(EventLockRetried, owner, id, nil)
	backoff := retry.WithMaxRetries(c.lockRetryAttempts, retry.NewFibonacci(200*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if lockErr := c.lockShares(ctx, owner, id, rec.ShareAmount, rec.LockMonths, c.now()); lockErr != nil {
			return retry.RetryableError(lockErr)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("retry lock: %w", err)
	}
	return c.ledger.Request(owner, id)
}

// WithdrawBridged claims bridged balance back across the bridge. The ledger
// debit and the bridge call succeed or fail together: a bridge failure
// re-credits the debit before returning.
func (c *Coordinator) WithdrawBridged(ctx context.Context, account string, amount *big.Int) (RequestID, error) {
	var empty RequestID
	if err := c.guard.checkMutable(); err != nil {
		return empty, err
	}
	normalized, err := normalizeAccount(account)
	if err != nil {
		return empty, err
	}
	amt, err := positiveAmount(amount)
	if err != nil {
		return empty, err
	}
	if err := c.guard.checkWithdrawal(AssetBridged, amt); err != nil {
		return empty, err
	}

	release, err := c.accounts.acquire(normalized)
	if err != nil {
		return empty, err
	}
	defer release()

	if _, err := c.ledger.Withdraw(normalized, AssetBridged, amt); err != nil {
		return empty, err
	}
	returnID, err := c.bridge.InitiateReturn(ctx, normalized, amt, c.returnDomain)
	if err != nil {
		c.ledger.creditBack(normalized, AssetBridged, amt)
		return empty, fmt.Errorf("initiate return: %w", err)
	}
	c.recorder.RecordWithdrawal(ctx, string(AssetBridged))
	c.emit(EventWithdrawal, normalized, returnID, map[string]string{
		"asset":  string(AssetBridged),
		"amount": amt.String(),
	})
	c.logger.Infow("Bridged withdrawal initiated", "account", normalized, "amount", amt.String(), "returnId", returnID.Hex())
	return returnID, nil
}

// WithdrawPaired debits paired balance and returns the transfer instruction
// for the token collaborator; executing the transfer is outside this core.
func (c *Coordinator) WithdrawPaired(ctx context.Context, account string, amount *big.Int) (*TransferInstruction, error) {
	if err := c.guard.checkMutable(); err != nil {
		return nil, err
	}
	normalized, err := normalizeAccount(account)
	if err != nil {
		return nil, err
	}

	release, err := c.accounts.acquire(normalized)
	if err != nil {
		return nil, err
	}
	defer release()

	instruction, err := c.ledger.Withdraw(normalized, AssetPaired, amount)
	if err != nil {
		return nil, err
	}
	c.recorder.RecordWithdrawal(ctx, string(AssetPaired))
	c.emit(EventWithdrawal, normalized, RequestID{}, map[string]string{
		"asset":  string(AssetPaired),
		"amount": instruction.Amount.String(),
	})
	c.logger.Infow("Paired withdrawal completed", "account", normalized, "amount", instruction.Amount.String())
	return instruction, nil
}

// Balances returns the account's current ledger snapshot.
func (c *Coordinator) Balances(account string) Balances {
	return c.ledger.Balances(account)
}

// Request returns the full transaction detail for a registered id.
func (c *Coordinator) Request(id RequestID) (*Request, error) {
	owner, ok := c.registry.Owner(id)
	if !ok {
		return nil, ErrRequestNotFound
	}
	return c.ledger.Request(owner, id)
}

// Owner exposes the registry ownership lookup.
func (c *Coordinator) Owner(id RequestID) (string, bool) {
	return c.registry.Owner(id)
}

// Requests returns the account's transaction log.
func (c *Coordinator) Requests(account string) []*Request {
	return c.ledger.Requests(account)
}

// Preview reports the optimal-ratio split at live reserves.
func (c *Coordinator) Preview(ctx context.Context, bridgedDesired, pairedDesired *big.Int) (*PreviewResult, error) {
	return c.executor.Preview(ctx, bridgedDesired, pairedDesired)
}

// PoolReserves passes through the pool's current reserves.
func (c *Coordinator) PoolReserves(ctx context.Context) (reserveBridged, reservePaired *big.Int, err error) {
	return c.executor.pool.Reserves(ctx)
}

// Guard exposes the administrative guard for the admin surface.
func (c *Coordinator) Guard() *Guard {
	return c.guard
}
