package escrow

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func testID(b byte) RequestID {
	var id RequestID
	id[0] = b
	return id
}

func TestCreateEntryCreditsBridged(t *testing.T) {
	l := NewLedger()

	rec, err := l.CreateEntry("alice", testID(1), wei(100), wei(50), 6, 1000)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), rec.Position)
	assert.Equal(t, StatePending, rec.State())
	assert.Equal(t, wei(100), rec.ReservedBridged)
	assert.Equal(t, wei(50), rec.ReservedPaired)
	assert.Equal(t, int64(1000), rec.CreatedAt)

	bal := l.Balances("alice")
	assert.Equal(t, wei(100), bal.Bridged)
	assert.Equal(t, big.NewInt(0), bal.Paired)
}

func TestCreateEntryValidation(t *testing.T) {
	l := NewLedger()

	tests := []struct {
		name       string
		account    string
		bridged    *big.Int
		paired     *big.Int
		lockMonths uint32
		wantErr    error
	}{
		{name: "zero lock duration", account: "alice", bridged: wei(1), paired: wei(1), lockMonths: 0, wantErr: ErrZeroLockDuration},
		{name: "zero bridged", account: "alice", bridged: big.NewInt(0), paired: wei(1), lockMonths: 6, wantErr: ErrInvalidAmount},
		{name: "negative bridged", account: "alice", bridged: wei(-1), paired: wei(1), lockMonths: 6, wantErr: ErrInvalidAmount},
		{name: "negative paired", account: "alice", bridged: wei(1), paired: wei(-1), lockMonths: 6, wantErr: ErrInvalidAmount},
		{name: "empty account", account: "  ", bridged: wei(1), paired: wei(1), lockMonths: 6, wantErr: ErrEmptyAccount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.CreateEntry(tt.account, testID(9), tt.bridged, tt.paired, tt.lockMonths, 0)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCreateEntryZeroPairedAllowed(t *testing.T) {
	l := NewLedger()

	rec, err := l.CreateEntry("alice", testID(1), wei(10), big.NewInt(0), 3, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.ReservedPaired.Sign())
}

func TestPositionsAreAppendOnly(t *testing.T) {
	l := NewLedger()

	for i := byte(0); i < 3; i++ {
		rec, err := l.CreateEntry("alice", testID(i+1), wei(1), big.NewInt(0), 1, 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), rec.Position)
	}

	recs := l.Requests("alice")
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, uint64(i), rec.Position)
	}
}

func TestRequestsForOneAccountStayIsolated(t *testing.T) {
	l := NewLedger()
	_, err := l.CreateEntry("alice", testID(1), wei(100), wei(50), 6, 0)
	require.NoError(t, err)
	_, err = l.CreateEntry("alice", testID(2), wei(40), wei(20), 3, 0)
	require.NoError(t, err)

	// Drive the second request through its whole lifecycle.
	_, err = l.RecordDeposit("alice", testID(2))
	require.NoError(t, err)
	require.NoError(t, l.ReserveExecution("alice", testID(2)))
	_, _, err = l.RecordExecution("alice", testID(2), wei(40), wei(20), wei(30))
	require.NoError(t, err)
	require.NoError(t, l.SetLock("alice", testID(2), "lock-2", 1000))

	// The first request's stored amounts and flags are untouched.
	r1, err := l.Request("alice", testID(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), r1.Position)
	assert.Equal(t, StatePending, r1.State())
	assert.False(t, r1.Deposited)
	assert.Equal(t, wei(100), r1.ReservedBridged)
	assert.Equal(t, wei(50), r1.ReservedPaired)
	assert.Equal(t, 0, r1.ConsumedBridged.Sign())
	assert.Equal(t, 0, r1.ShareAmount.Sign())
	assert.Empty(t, r1.LockID)

	r2, err := l.Request("alice", testID(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r2.Position)
	assert.Equal(t, StateLocked, r2.State())

	// Only the second request's flows moved the balances: R1's bridged
	// credit is intact, R2 consumed both sides fully.
	bal := l.Balances("alice")
	assert.Equal(t, wei(100), bal.Bridged)
	assert.Equal(t, 0, bal.Paired.Sign())
	assert.Equal(t, wei(30), bal.TotalSettled)
}

func TestRecordDeposit(t *testing.T) {
	l := NewLedger()
	_, err := l.CreateEntry("alice", testID(1), wei(100), wei(50), 6, 0)
	require.NoError(t, err)

	amount, err := l.RecordDeposit("alice", testID(1))
	require.NoError(t, err)
	assert.Equal(t, wei(50), amount)

	bal := l.Balances("alice")
	assert.Equal(t, wei(50), bal.Paired)

	rec, err := l.Request("alice", testID(1))
	require.NoError(t, err)
	assert.Equal(t, StateDeposited, rec.State())
}

func TestRecordDepositTwiceFails(t *testing.T) {
	l := NewLedger()
	_, err := l.CreateEntry("alice", testID(1), wei(100), wei(50), 6, 0)
	require.NoError(t, err)

	_, err = l.RecordDeposit("alice", testID(1))
	require.NoError(t, err)

	_, err = l.RecordDeposit("alice", testID(1))
	assert.ErrorIs(t, err, ErrAlreadyDeposited)

	// The double deposit must not move the balance.
	assert.Equal(t, wei(50), l.Balances("alice").Paired)
}

func TestRecordDepositWithoutPairedReservation(t *testing.T) {
	l := NewLedger()
	_, err := l.CreateEntry("alice", testID(1), wei(100), big.NewInt(0), 6, 0)
	require.NoError(t, err)

	_, err = l.RecordDeposit("alice", testID(1))
	assert.ErrorIs(t, err, ErrNoPairedReservation)
}

func TestRecordExecutionRefundsRemainder(t *testing.T) {
	l := NewLedger()
	_, err := l.CreateEntry("alice", testID(1), wei(100), wei(50), 6, 0)
	require.NoError(t, err)
	_, err = l.RecordDeposit("alice", testID(1))
	require.NoError(t, err)

	require.NoError(t, l.ReserveExecution("alice", testID(1)))

	// Pool consumed 95% of each side.
	refundBridged, refundPaired, err := l.RecordExecution("alice", testID(1), wei(95), new(big.Int).Div(wei(95), big.NewInt(2)), wei(71))
	require.NoError(t, err)

	assert.Equal(t, wei(5), refundBridged)
	assert.Equal(t, new(big.Int).Div(wei(5), big.NewInt(2)), refundPaired)

	bal := l.Balances("alice")
	assert.Equal(t, wei(5), bal.Bridged)
	assert.Equal(t, new(big.Int).Div(wei(5), big.NewInt(2)), bal.Paired)
	assert.Equal(t, wei(71), bal.TotalSettled)

	rec, err := l.Request("alice", testID(1))
	require.NoError(t, err)
	assert.Equal(t, StateExecuted, rec.State())
	assert.Equal(t, wei(95), rec.ConsumedBridged)
	assert.Equal(t, wei(71), rec.ShareAmount)
}

func TestRecordExecutionConservation(t *testing.T) {
	// reserved - consumed == refund on both sides, full consumption included.
	l := NewLedger()
	_, err := l.CreateEntry("alice", testID(1), wei(100), wei(50), 6, 0)
	require.NoError(t, err)
	_, err = l.RecordDeposit("alice", testID(1))
	require.NoError(t, err)

	require.NoError(t, l.ReserveExecution("alice", testID(1)))
	refundBridged, refundPaired, err := l.RecordExecution("alice", testID(1), wei(100), wei(50), wei(75))
	require.NoError(t, err)
	assert.Equal(t, 0, refundBridged.Sign())
	assert.Equal(t, 0, refundPaired.Sign())

	bal := l.Balances("alice")
	assert.Equal(t, 0, bal.Bridged.Sign())
	assert.Equal(t, 0, bal.Paired.Sign())
}

func TestRecordExecutionGuards(t *testing.T) {
	setup := func(t *testing.T, deposit bool) *Ledger {
		l := NewLedger()
		_, err := l.CreateEntry("alice", testID(1), wei(100), wei(50), 6, 0)
		require.NoError(t, err)
		if deposit {
			_, err = l.RecordDeposit("alice", testID(1))
			require.NoError(t, err)
		}
		return l
	}

	t.Run("not deposited", func(t *testing.T) {
		l := setup(t, false)
		_, _, err := l.RecordExecution("alice", testID(1), wei(1), wei(1), wei(1))
		assert.ErrorIs(t, err, ErrNotDeposited)
	})

	t.Run("not reserved", func(t *testing.T) {
		l := setup(t, true)
		_, _, err := l.RecordExecution("alice", testID(1), wei(1), wei(1), wei(1))
		assert.ErrorIs(t, err, ErrNotReserved)
	})

	t.Run("zero shares", func(t *testing.T) {
		l := setup(t, true)
		require.NoError(t, l.ReserveExecution("alice", testID(1)))
		_, _, err := l.RecordExecution("alice", testID(1), wei(1), wei(1), big.NewInt(0))
		assert.ErrorIs(t, err, ErrZeroShares)
	})

	t.Run("over consumption", func(t *testing.T) {
		l := setup(t, true)
		require.NoError(t, l.ReserveExecution("alice", testID(1)))
		_, _, err := l.RecordExecution("alice", testID(1), wei(101), wei(1), wei(1))
		assert.ErrorIs(t, err, ErrOverConsumption)
	})

	t.Run("second execution", func(t *testing.T) {
		l := setup(t, true)
		require.NoError(t, l.ReserveExecution("alice", testID(1)))
		_, _, err := l.RecordExecution("alice", testID(1), wei(100), wei(50), wei(75))
		require.NoError(t, err)
		_, _, err = l.RecordExecution("alice", testID(1), wei(1), wei(1), wei(1))
		assert.ErrorIs(t, err, ErrAlreadyExecuted)
	})

	t.Run("unknown request", func(t *testing.T) {
		l := setup(t, true)
		_, _, err := l.RecordExecution("alice", testID(2), wei(1), wei(1), wei(1))
		assert.ErrorIs(t, err, ErrRequestNotFound)
	})
}

func TestReserveExecutionHoldsFunds(t *testing.T) {
	l := NewLedger()
	_, err := l.CreateEntry("alice", testID(1), wei(100), wei(50), 6, 0)
	require.NoError(t, err)
	_, err = l.RecordDeposit("alice", testID(1))
	require.NoError(t, err)

	require.NoError(t, l.ReserveExecution("alice", testID(1)))

	// Both full reservations are debited before any pool interaction.
	bal := l.Balances("alice")
	assert.Equal(t, 0, bal.Bridged.Sign())
	assert.Equal(t, 0, bal.Paired.Sign())

	// Reserved funds are out of reach for withdrawals.
	_, err = l.Withdraw("alice", AssetBridged, wei(1))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	err = l.ReserveExecution("alice", testID(1))
	assert.ErrorIs(t, err, ErrAlreadyExecuted)
}

func TestReleaseExecutionRestoresBalances(t *testing.T) {
	l := NewLedger()
	_, err := l.CreateEntry("alice", testID(1), wei(100), wei(50), 6, 0)
	require.NoError(t, err)
	_, err = l.RecordDeposit("alice", testID(1))
	require.NoError(t, err)

	require.NoError(t, l.ReserveExecution("alice", testID(1)))
	l.releaseExecution("alice", testID(1))

	bal := l.Balances("alice")
	assert.Equal(t, wei(100), bal.Bridged)
	assert.Equal(t, wei(50), bal.Paired)

	// Releasing without a held reservation is a no-op.
	l.releaseExecution("alice", testID(1))
	assert.Equal(t, wei(100), l.Balances("alice").Bridged)
}

func TestReserveExecutionAfterWithdrawalFails(t *testing.T) {
	l := NewLedger()
	_, err := l.CreateEntry("alice", testID(1), wei(100), wei(50), 6, 0)
	require.NoError(t, err)
	_, err = l.RecordDeposit("alice", testID(1))
	require.NoError(t, err)

	// A withdrawal between deposit and execution drains part of the
	// reservation; the execution debit must fail with nothing mutated.
	_, err = l.Withdraw("alice", AssetBridged, wei(60))
	require.NoError(t, err)

	err = l.ReserveExecution("alice", testID(1))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	bal := l.Balances("alice")
	assert.Equal(t, wei(40), bal.Bridged)
	assert.Equal(t, wei(50), bal.Paired)

	rec, err := l.Request("alice", testID(1))
	require.NoError(t, err)
	assert.Equal(t, StateDeposited, rec.State())
}

func TestSetLock(t *testing.T) {
	l := NewLedger()
	_, err := l.CreateEntry("alice", testID(1), wei(100), wei(50), 6, 0)
	require.NoError(t, err)
	_, err = l.RecordDeposit("alice", testID(1))
	require.NoError(t, err)

	err = l.SetLock("alice", testID(1), "lock-1", 2000)
	assert.ErrorIs(t, err, ErrNotExecuted)

	require.NoError(t, l.ReserveExecution("alice", testID(1)))
	_, _, err = l.RecordExecution("alice", testID(1), wei(100), wei(50), wei(75))
	require.NoError(t, err)

	require.NoError(t, l.SetLock("alice", testID(1), "lock-1", 2000))

	rec, err := l.Request("alice", testID(1))
	require.NoError(t, err)
	assert.Equal(t, StateLocked, rec.State())
	assert.Equal(t, "lock-1", rec.LockID)
	assert.Equal(t, int64(2000), rec.LockedAt)

	err = l.SetLock("alice", testID(1), "lock-2", 3000)
	assert.ErrorIs(t, err, ErrAlreadyLocked)
}

func TestWithdraw(t *testing.T) {
	l := NewLedger()
	_, err := l.CreateEntry("alice", testID(1), wei(100), wei(50), 6, 0)
	require.NoError(t, err)
	_, err = l.RecordDeposit("alice", testID(1))
	require.NoError(t, err)

	instruction, err := l.Withdraw("alice", AssetBridged, wei(40))
	require.NoError(t, err)
	assert.Equal(t, AssetBridged, instruction.Asset)
	assert.Equal(t, wei(40), instruction.Amount)
	assert.Equal(t, wei(60), l.Balances("alice").Bridged)

	_, err = l.Withdraw("alice", AssetBridged, wei(61))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = l.Withdraw("alice", AssetPaired, big.NewInt(0))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = l.Withdraw("bob", AssetBridged, wei(1))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = l.Withdraw("alice", Asset("other"), wei(1))
	assert.ErrorIs(t, err, ErrUnknownAsset)
}

func TestBalancesUnknownAccountReportsZeros(t *testing.T) {
	l := NewLedger()
	bal := l.Balances("ghost")
	assert.Equal(t, 0, bal.Bridged.Sign())
	assert.Equal(t, 0, bal.Paired.Sign())
	assert.Equal(t, 0, bal.TotalSettled.Sign())
}

func TestRequestReturnsClone(t *testing.T) {
	l := NewLedger()
	_, err := l.CreateEntry("alice", testID(1), wei(100), wei(50), 6, 0)
	require.NoError(t, err)

	rec, err := l.Request("alice", testID(1))
	require.NoError(t, err)
	rec.ReservedBridged.SetInt64(0)

	again, err := l.Request("alice", testID(1))
	require.NoError(t, err)
	assert.Equal(t, wei(100), again.ReservedBridged)
}
