package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	key   = leave.BalanceKey{TenantID: "t1", UserID: "u1", LeaveTypeID: "pto", Year: 2026}
	clock = func() time.Time { return time.Date(2026, time.January, 5, 8, 0, 0, 0, time.UTC) }
)

func newLedger(t *testing.T) *ledger.Ledger {
	return ledger.New(ledger.WithClock(clock), ledger.WithLogger(zaptest.NewLogger(t)))
}

func seed(t *testing.T, s leave.Store, b leave.Balance) {
	t.Helper()
	require.NoError(t, s.WithTx(context.Background(), func(tx leave.Tx) error {
		return tx.PutBalance(context.Background(), b, 0)
	}))
}

func get(t *testing.T, s leave.Store, k leave.BalanceKey) leave.Balance {
	t.Helper()
	var b leave.Balance
	require.NoError(t, s.WithTx(context.Background(), func(tx leave.Tx) error {
		var err error
		b, err = tx.Balance(context.Background(), k)
		return err
	}))
	return b
}

func inTx(s leave.Store, fn func(tx leave.Tx) error) error {
	return s.WithTx(context.Background(), fn)
}

// =============================================================================
// RESERVE / COMMIT / RELEASE / REFUND
// =============================================================================

func TestReserveCommitRefund(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	l := newLedger(t)
	seed(t, s, leave.Balance{Key: key, Accrued: 20})

	var res ledger.Reservation
	require.NoError(t, inTx(s, func(tx leave.Tx) error {
		var err error
		res, err = l.Reserve(ctx, tx, key, 6, "r1")
		return err
	}))
	b := get(t, s, key)
	assert.Equal(t, leave.Units(6), b.Pending)
	assert.Equal(t, leave.Units(14), b.Available())

	require.NoError(t, inTx(s, func(tx leave.Tx) error { return l.Commit(ctx, tx, res) }))
	b = get(t, s, key)
	assert.Equal(t, leave.Units(0), b.Pending)
	assert.Equal(t, leave.Units(6), b.Consumed)
	assert.Equal(t, clock(), b.UpdatedAt)

	require.NoError(t, inTx(s, func(tx leave.Tx) error { return l.Refund(ctx, tx, res) }))
	b = get(t, s, key)
	assert.Equal(t, leave.Units(0), b.Consumed)
	assert.Equal(t, leave.Units(20), b.Available())
}

func TestReserveReleaseRestoresExactly(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	l := newLedger(t)
	seed(t, s, leave.Balance{Key: key, Accrued: 10, Consumed: 3})
	before := get(t, s, key)

	require.NoError(t, inTx(s, func(tx leave.Tx) error {
		res, err := l.Reserve(ctx, tx, key, 5, "r1")
		if err != nil {
			return err
		}
		return l.Release(ctx, tx, res)
	}))

	assert.True(t, before.SameUnits(get(t, s, key)))
}

func TestReserveInsufficient(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	l := newLedger(t)
	seed(t, s, leave.Balance{Key: key, Accrued: 4, Pending: 2})
	before := get(t, s, key)

	err := inTx(s, func(tx leave.Tx) error {
		_, err := l.Reserve(ctx, tx, key, 3, "r1")
		return err
	})

	var ib *leave.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.Equal(t, leave.Units(2), ib.Available)
	assert.Equal(t, leave.Units(3), ib.Requested)
	assert.Equal(t, before, get(t, s, key), "no partial mutation")
}

func TestReserveWithoutRow(t *testing.T) {
	s := memory.New()
	l := newLedger(t)

	err := inTx(s, func(tx leave.Tx) error {
		_, err := l.Reserve(context.Background(), tx, key, 1, "r1")
		return err
	})
	assert.ErrorIs(t, err, leave.ErrInsufficientBalance)
}

func TestReserveRejectsNonPositiveUnits(t *testing.T) {
	s := memory.New()
	l := newLedger(t)
	seed(t, s, leave.Balance{Key: key, Accrued: 4})

	err := inTx(s, func(tx leave.Tx) error {
		_, err := l.Reserve(context.Background(), tx, key, 0, "r1")
		return err
	})
	assert.ErrorIs(t, err, leave.ErrValidation)
}

func TestMutationsRefuseInvariantBreak(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	l := newLedger(t)
	seed(t, s, leave.Balance{Key: key, Accrued: 10, Pending: 2, Consumed: 1})
	ghost := ledger.Reservation{Key: key, Units: 3, Ref: "ghost"}

	for name, op := range map[string]func(tx leave.Tx) error{
		"commit more than pending":   func(tx leave.Tx) error { return l.Commit(ctx, tx, ghost) },
		"release more than pending":  func(tx leave.Tx) error { return l.Release(ctx, tx, ghost) },
		"refund more than consumed": func(tx leave.Tx) error { return l.Refund(ctx, tx, ghost) },
	} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, inTx(s, op), leave.ErrInvariant)
		})
	}
	b := get(t, s, key)
	assert.Equal(t, leave.Units(2), b.Pending)
	assert.Equal(t, leave.Units(1), b.Consumed)
}

func TestInvariantHoldsAcrossSequence(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	l := newLedger(t)
	seed(t, s, leave.Balance{Key: key, Accrued: 12})

	var held []ledger.Reservation
	steps := []func(tx leave.Tx) error{}
	for i, u := range []leave.Units{3, 4, 5, 6} {
		u, ref := u, string(rune('a'+i))
		steps = append(steps, func(tx leave.Tx) error {
			r, err := l.Reserve(ctx, tx, key, u, ref)
			if err == nil {
				held = append(held, r)
			}
			return err
		})
	}
	for _, step := range steps {
		_ = inTx(s, step)
		assert.NoError(t, get(t, s, key).Validate())
	}
	require.Len(t, held, 3, "3+4+5 fits in 12, 6 does not")

	require.NoError(t, inTx(s, func(tx leave.Tx) error { return l.Commit(ctx, tx, held[0]) }))
	require.NoError(t, inTx(s, func(tx leave.Tx) error { return l.Release(ctx, tx, held[1]) }))
	require.NoError(t, inTx(s, func(tx leave.Tx) error { return l.Refund(ctx, tx, held[0]) }))

	b := get(t, s, key)
	require.NoError(t, b.Validate())
	assert.Equal(t, leave.Units(0), b.Consumed)
	assert.Equal(t, leave.Units(5), b.Pending)
}

func TestConcurrentReservesNeverOversell(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	l := newLedger(t)
	seed(t, s, leave.Balance{Key: key, Accrued: 10})

	const workers = 12
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		won  int
		lost int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := leave.Retry(ctx, 64, func() error {
				return s.WithTx(ctx, func(tx leave.Tx) error {
					_, err := l.Reserve(ctx, tx, key, 2, "r")
					return err
				})
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				won++
			} else {
				assert.ErrorIs(t, err, leave.ErrInsufficientBalance)
				lost++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, won)
	assert.Equal(t, workers-5, lost)
	b := get(t, s, key)
	assert.Equal(t, leave.Units(10), b.Pending)
	assert.NoError(t, b.Validate())
}

// =============================================================================
// ACCRUAL
// =============================================================================

func TestAccrueWithCarryOver(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	l := newLedger(t)
	lt := leave.LeaveType{ID: "pto", TenantID: "t1", AccrualUnits: 40, CarryOver: leave.CarryOverPolicy{MaxUnits: 10}}

	prev := key
	prev.Year = 2025
	seed(t, s, leave.Balance{Key: prev, Accrued: 40, Consumed: 24})

	var b leave.Balance
	require.NoError(t, inTx(s, func(tx leave.Tx) error {
		var err error
		b, err = l.Accrue(ctx, tx, key, lt)
		return err
	}))
	assert.Equal(t, leave.Units(50), b.Accrued, "16 unused, capped at 10")

	// idempotent
	require.NoError(t, inTx(s, func(tx leave.Tx) error {
		var err error
		b, err = l.Accrue(ctx, tx, key, lt)
		return err
	}))
	assert.Equal(t, leave.Units(50), b.Accrued)
	assert.Equal(t, int64(1), get(t, s, key).Version)
}

func TestAccrueWithoutCarryOverPolicy(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	l := newLedger(t)
	prev := key
	prev.Year = 2025
	seed(t, s, leave.Balance{Key: prev, Accrued: 40})

	err := inTx(s, func(tx leave.Tx) error {
		_, err := l.Accrue(ctx, tx, key, leave.LeaveType{ID: "pto", TenantID: "t1", AccrualUnits: 20})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, leave.Units(20), get(t, s, key).Accrued)
}

func TestAccrueCannotDropBelowUsage(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	l := newLedger(t)
	seed(t, s, leave.Balance{Key: key, Accrued: 20, Consumed: 12})

	err := inTx(s, func(tx leave.Tx) error {
		_, err := l.Accrue(ctx, tx, key, leave.LeaveType{ID: "pto", TenantID: "t1", AccrualUnits: 10})
		return err
	})
	assert.ErrorIs(t, err, leave.ErrInvariant)
	assert.Equal(t, leave.Units(20), get(t, s, key).Accrued)
}

func TestAccrueRejectsForeignLeaveType(t *testing.T) {
	s := memory.New()
	l := newLedger(t)

	err := inTx(s, func(tx leave.Tx) error {
		_, err := l.Accrue(context.Background(), tx, key, leave.LeaveType{ID: "pto", TenantID: "t2", AccrualUnits: 10})
		return err
	})
	assert.ErrorIs(t, err, leave.ErrValidation)
}
