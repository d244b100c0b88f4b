package custody

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrInvalidAmount  = errors.New("custody: amount must be positive")
	ErrPastUnlockTime = errors.New("custody: unlock time in the past")
	ErrLockNotFound   = errors.New("custody: lock not found")
)

// Lock is one custodied share position.
type Lock struct {
	ID         string    `json:"id"`
	Owner      string    `json:"owner"`
	ShareAsset string    `json:"shareAsset"`
	Amount     *big.Int  `json:"amount"`
	UnlockAt   time.Time `json:"unlockAt"`
	Label      string    `json:"label"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Locker is an in-memory escrow.LockCollaborator keyed by uuid lock ids.
type Locker struct {
	mu     sync.RWMutex
	locks  map[string]*Lock
	nowFn  func() time.Time
	logger *zap.SugaredLogger
}

func NewLocker(logger *zap.SugaredLogger) *Locker {
	return &Locker{
		locks:  make(map[string]*Lock),
		nowFn:  time.Now,
		logger: logger,
	}
}

// SetNowFunc overrides the time source for deterministic tests.
func (l *Locker) SetNowFunc(now func() time.Time) {
	if now != nil {
		l.nowFn = now
	}
}

func (l *Locker) Lock(ctx context.Context, owner string, shareAsset string, amount *big.Int, unlockTime time.Time, label string) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", ErrInvalidAmount
	}
	now := l.nowFn()
	if !unlockTime.After(now) {
		return "", ErrPastUnlockTime
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	id := uuid.NewString()
	l.locks[id] = &Lock{
		ID:         id,
		Owner:      owner,
		ShareAsset: shareAsset,
		Amount:     new(big.Int).Set(amount),
		UnlockAt:   unlockTime,
		Label:      label,
		CreatedAt:  now,
	}
	l.logger.Infow("Shares locked in custody",
		"lockId", id,
		"owner", owner,
		"amount", amount.String(),
		"unlockAt", unlockTime.Unix(),
	)
	return id, nil
}

// Get returns a copy of the lock record.
func (l *Locker) Get(id string) (*Lock, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lock, ok := l.locks[id]
	if !ok {
		return nil, ErrLockNotFound
	}
	clone := *lock
	clone.Amount = new(big.Int).Set(lock.Amount)
	return &clone, nil
}
