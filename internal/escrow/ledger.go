package escrow

import (
	"math/big"
	"sync"
)

// entry is the per-account ledger record: two fungible balances, the cumulative
// settled share count, and the position-indexed transaction log.
type entry struct {
	bridged      *big.Int
	paired       *big.Int
	totalSettled *big.Int
	log          []*Request
	byID         map[RequestID]uint64
	reserved     map[RequestID]bool
}

func newEntry() *entry {
	return &entry{
		bridged:      big.NewInt(0),
		paired:       big.NewInt(0),
		totalSettled: big.NewInt(0),
		byID:         make(map[RequestID]uint64),
		reserved:     make(map[RequestID]bool),
	}
}

// Ledger holds every account's balances and transaction log. Balances are
// checked-arithmetic: any mutation that would drive a balance negative is
// rejected with ErrInsufficientBalance and leaves no partial state behind.
//
// Callers must confirm a request id in the Registry before resolving it here;
// the byID index alone cannot distinguish "unregistered" from "position 0".
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]*entry)}
}

func (l *Ledger) entryFor(account string) *entry {
	e, ok := l.entries[account]
	if !ok {
		e = newEntry()
		l.entries[account] = e
	}
	return e
}

func (l *Ledger) resolve(account string, id RequestID) (*entry, *Request, error) {
	e, ok := l.entries[account]
	if !ok {
		return nil, nil, ErrRequestNotFound
	}
	pos, ok := e.byID[id]
	if !ok {
		return nil, nil, ErrRequestNotFound
	}
	return e, e.log[pos], nil
}

// CreateEntry appends a new transaction record at the next log position and
// credits the bridged reservation to the account balance.
func (l *Ledger) CreateEntry(account string, id RequestID, bridgedAmt, pairedAmt *big.Int, lockMonths uint32, now int64) (*Request, error) {
	normalized, err := normalizeAccount(account)
	if err != nil {
		return nil, err
	}
	if lockMonths == 0 {
		return nil, ErrZeroLockDuration
	}
	bridged, err := positiveAmount(bridgedAmt)
	if err != nil {
		return nil, err
	}
	paired := cloneBig(pairedAmt)
	if paired.Sign() < 0 {
		return nil, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entryFor(normalized)
	rec := &Request{
		ID:              id,
		Account:         normalized,
		Position:        uint64(len(e.log)),
		ReservedBridged: bridged,
		ReservedPaired:  paired,
		ConsumedBridged: big.NewInt(0),
		ConsumedPaired:  big.NewInt(0),
		ShareAmount:     big.NewInt(0),
		LockMonths:      lockMonths,
		CreatedAt:       now,
	}
	e.log = append(e.log, rec)
	e.byID[id] = rec.Position
	e.bridged = new(big.Int).Add(e.bridged, bridged)
	return rec.Clone(), nil
}

// RecordDeposit marks the paired reservation as received and credits it to the
// paired balance. A second deposit on the same request fails loudly; silent
// idempotency would hide double-transfer bugs in the caller.
func (l *Ledger) RecordDeposit(account string, id RequestID) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, rec, err := l.resolve(account, id)
	if err != nil {
		return nil, err
	}
	if rec.ReservedPaired.Sign() == 0 {
		return nil, ErrNoPairedReservation
	}
	if rec.Deposited {
		return nil, ErrAlreadyDeposited
	}
	rec.Deposited = true
	e.paired = new(big.Int).Add(e.paired, rec.ReservedPaired)
	return cloneBig(rec.ReservedPaired), nil
}

// ReserveExecution debits both full reservations ahead of the pool call, so
// the reserved funds are unavailable while the external step runs. A withdrawal
// racing an execution therefore loses here, never after the pool moved funds.
// RecordExecution settles the reservation; releaseExecution undoes it.
func (l *Ledger) ReserveExecution(account string, id RequestID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, rec, err := l.resolve(account, id)
	if err != nil {
		return err
	}
	if !rec.Deposited {
		return ErrNotDeposited
	}
	if rec.ShareAmount.Sign() != 0 || e.reserved[id] {
		return ErrAlreadyExecuted
	}
	if e.bridged.Cmp(rec.ReservedBridged) < 0 || e.paired.Cmp(rec.ReservedPaired) < 0 {
		return ErrInsufficientBalance
	}
	e.bridged = new(big.Int).Sub(e.bridged, rec.ReservedBridged)
	e.paired = new(big.Int).Sub(e.paired, rec.ReservedPaired)
	e.reserved[id] = true
	return nil
}

// releaseExecution restores the execution debit after a pool failure so the
// request stays Deposited with its balances intact. No-op without a held
// reservation.
func (l *Ledger) releaseExecution(account string, id RequestID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, rec, err := l.resolve(account, id)
	if err != nil || !e.reserved[id] {
		return
	}
	e.bridged = new(big.Int).Add(e.bridged, rec.ReservedBridged)
	e.paired = new(big.Int).Add(e.paired, rec.ReservedPaired)
	delete(e.reserved, id)
}

// RecordExecution settles a held reservation: the unconsumed remainder of each
// side flows back as a refund and the issued shares are recorded. The debit
// already happened in ReserveExecution and covered the whole reservation, so
// the conservation law reserved - consumed == refund holds per side by
// construction.
func (l *Ledger) RecordExecution(account string, id RequestID, consumedBridged, consumedPaired, shares *big.Int) (refundBridged, refundPaired *big.Int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, rec, err := l.resolve(account, id)
	if err != nil {
		return nil, nil, err
	}
	if !rec.Deposited {
		return nil, nil, ErrNotDeposited
	}
	if rec.ShareAmount.Sign() != 0 {
		return nil, nil, ErrAlreadyExecuted
	}
	if !e.reserved[id] {
		return nil, nil, ErrNotReserved
	}
	if shares == nil || shares.Sign() <= 0 {
		return nil, nil, ErrZeroShares
	}
	usedBridged := cloneBig(consumedBridged)
	usedPaired := cloneBig(consumedPaired)
	if usedBridged.Sign() < 0 || usedPaired.Sign() < 0 {
		return nil, nil, ErrInvalidAmount
	}
	if usedBridged.Cmp(rec.ReservedBridged) > 0 || usedPaired.Cmp(rec.ReservedPaired) > 0 {
		return nil, nil, ErrOverConsumption
	}

	refundBridged = new(big.Int).Sub(rec.ReservedBridged, usedBridged)
	refundPaired = new(big.Int).Sub(rec.ReservedPaired, usedPaired)

	e.bridged = new(big.Int).Add(e.bridged, refundBridged)
	e.paired = new(big.Int).Add(e.paired, refundPaired)
	e.totalSettled = new(big.Int).Add(e.totalSettled, shares)
	delete(e.reserved, id)

	rec.ConsumedBridged = usedBridged
	rec.ConsumedPaired = usedPaired
	rec.ShareAmount = cloneBig(shares)
	return refundBridged, refundPaired, nil
}

// SetExecutedAt stamps the execution time on a record.
func (l *Ledger) SetExecutedAt(account string, id RequestID, now int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, rec, err := l.resolve(account, id)
	if err != nil {
		return err
	}
	rec.ExecutedAt = now
	return nil
}

// SetLock stores the custody reference on an executed record.
func (l *Ledger) SetLock(account string, id RequestID, lockID string, now int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, rec, err := l.resolve(account, id)
	if err != nil {
		return err
	}
	if rec.ShareAmount.Sign() == 0 {
		return ErrNotExecuted
	}
	if rec.LockID != "" {
		return ErrAlreadyLocked
	}
	rec.LockID = lockID
	rec.LockedAt = now
	return nil
}

// Withdraw debits the selected balance. Zero amounts are rejected, and the
// balance must cover the full amount.
func (l *Ledger) Withdraw(account string, asset Asset, amount *big.Int) (*TransferInstruction, error) {
	normalized, err := normalizeAccount(account)
	if err != nil {
		return nil, err
	}
	amt, err := positiveAmount(amount)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[normalized]
	if !ok {
		return nil, ErrInsufficientBalance
	}
	var balance *big.Int
	switch asset {
	case AssetBridged:
		balance = e.bridged
	case AssetPaired:
		balance = e.paired
	default:
		return nil, ErrUnknownAsset
	}
	if balance.Cmp(amt) < 0 {
		return nil, ErrInsufficientBalance
	}
	remaining := new(big.Int).Sub(balance, amt)
	switch asset {
	case AssetBridged:
		e.bridged = remaining
	case AssetPaired:
		e.paired = remaining
	}
	return &TransferInstruction{Account: normalized, Asset: asset, Amount: amt}, nil
}

// creditBack restores a withdrawal debit after a collaborator failure so the
// operation stays all-or-nothing from the caller's perspective.
func (l *Ledger) creditBack(account string, asset Asset, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entryFor(account)
	switch asset {
	case AssetBridged:
		e.bridged = new(big.Int).Add(e.bridged, amount)
	case AssetPaired:
		e.paired = new(big.Int).Add(e.paired, amount)
	}
}

// Balances returns a snapshot of the account's balances. Unknown accounts
// report zeros; entries are created lazily on first credit.
func (l *Ledger) Balances(account string) Balances {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[account]
	if !ok {
		return Balances{Bridged: big.NewInt(0), Paired: big.NewInt(0), TotalSettled: big.NewInt(0)}
	}
	return Balances{
		Bridged:      cloneBig(e.bridged),
		Paired:       cloneBig(e.paired),
		TotalSettled: cloneBig(e.totalSettled),
	}
}

// Request returns a copy of the record for a registered id.
func (l *Ledger) Request(account string, id RequestID) (*Request, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, rec, err := l.resolve(account, id)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// Requests returns copies of the account's full transaction log in position order.
func (l *Ledger) Requests(account string) []*Request {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[account]
	if !ok {
		return nil
	}
	out := make([]*Request, 0, len(e.log))
	for _, rec := range e.log {
		out = append(out, rec.Clone())
	}
	return out
}
