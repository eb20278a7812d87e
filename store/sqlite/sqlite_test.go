package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/store/sqlite"
	"github.com/warp/leave-engine/workflow"
)

var (
	ctx  = context.Background()
	now  = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	key  = leave.BalanceKey{TenantID: "t1", UserID: "e1", LeaveTypeID: "pto", Year: 2026}
	emp  = leave.Identity{TenantID: "t1", UserID: "e1", Role: leave.RoleEmployee}
	boss = leave.Identity{TenantID: "t1", UserID: "m1", Role: leave.RoleManager}
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *sqlite.Store, accrued leave.Units) {
	t.Helper()
	err := s.WithTx(ctx, func(tx leave.Tx) error {
		trial := now.Add(30 * 24 * time.Hour)
		if err := tx.PutTenant(ctx, leave.Tenant{ID: "t1", Name: "Acme", Subscription: leave.SubscriptionTrialing, TrialEndsAt: &trial, CreatedAt: now}); err != nil {
			return err
		}
		for _, u := range []leave.User{
			{ID: "m1", TenantID: "t1", Role: leave.RoleManager, Email: "m1@acme.test", Name: "M", CreatedAt: now},
			{ID: "e1", TenantID: "t1", Role: leave.RoleEmployee, ManagerID: "m1", Email: "e1@acme.test", Name: "E", CreatedAt: now},
		} {
			if err := tx.PutUser(ctx, u); err != nil {
				return err
			}
		}
		if err := tx.PutLeaveType(ctx, leave.LeaveType{ID: "pto", TenantID: "t1", Name: "PTO", Version: 1, AccrualUnits: accrued, CreatedAt: now}); err != nil {
			return err
		}
		return tx.PutBalance(ctx, leave.Balance{Key: key, Accrued: accrued, UpdatedAt: now}, 0)
	})
	require.NoError(t, err)
}

func balance(t *testing.T, s *sqlite.Store) leave.Balance {
	t.Helper()
	var b leave.Balance
	require.NoError(t, s.WithTx(ctx, func(tx leave.Tx) error {
		var err error
		b, err = tx.Balance(ctx, key)
		return err
	}))
	return b
}

func TestRoundTrip(t *testing.T) {
	s := newStore(t)
	seed(t, s, 10)

	require.NoError(t, s.WithTx(ctx, func(tx leave.Tx) error {
		tn, err := tx.Tenant(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, leave.SubscriptionTrialing, tn.Subscription)
		require.NotNil(t, tn.TrialEndsAt)
		assert.True(t, tn.TrialEndsAt.Equal(now.Add(30*24*time.Hour)))

		u, err := tx.UserByID(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, "m1", u.ManagerID)
		assert.False(t, u.Deleted())

		users, err := tx.ListUsers(ctx, "t1")
		require.NoError(t, err)
		assert.Len(t, users, 2)

		b, err := tx.Balance(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, leave.Units(10), b.Accrued)
		assert.Equal(t, int64(1), b.Version)

		_, err = tx.Balance(ctx, leave.BalanceKey{TenantID: "t1", UserID: "e1", LeaveTypeID: "pto", Year: 2027})
		assert.ErrorIs(t, err, leave.ErrNotFound)
		_, err = tx.LeaveType(ctx, "t2", "pto")
		assert.ErrorIs(t, err, leave.ErrNotFound)
		_, err = tx.Tenant(ctx, "t2")
		assert.ErrorIs(t, err, leave.ErrNotFound)
		return nil
	}))
}

func TestRollbackOnError(t *testing.T) {
	s := newStore(t)
	seed(t, s, 10)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx leave.Tx) error {
		b, err := tx.Balance(ctx, key)
		require.NoError(t, err)
		b.Pending = 4
		require.NoError(t, tx.PutBalance(ctx, b, b.Version))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, leave.Units(0), balance(t, s).Pending)
}

func TestBalanceConditionalWrite(t *testing.T) {
	s := newStore(t)
	seed(t, s, 10)

	err := s.WithTx(ctx, func(tx leave.Tx) error {
		b, err := tx.Balance(ctx, key)
		require.NoError(t, err)
		b.Pending = 2
		require.NoError(t, tx.PutBalance(ctx, b, 1))
		b.Pending = 4
		return tx.PutBalance(ctx, b, 1)
	})
	assert.ErrorIs(t, err, leave.ErrConflict)
	assert.Equal(t, int64(1), balance(t, s).Version, "nothing committed")

	err = s.WithTx(ctx, func(tx leave.Tx) error {
		return tx.PutBalance(ctx, leave.Balance{Key: key, Accrued: 10}, 0)
	})
	assert.ErrorIs(t, err, leave.ErrConflict, "insert over an existing row")
}

func TestBalanceInvariantRefused(t *testing.T) {
	s := newStore(t)
	seed(t, s, 10)

	err := s.WithTx(ctx, func(tx leave.Tx) error {
		return tx.PutBalance(ctx, leave.Balance{Key: key, Accrued: 10, Consumed: 8, Pending: 4}, 1)
	})
	assert.ErrorIs(t, err, leave.ErrInvariant)
	assert.Equal(t, leave.Units(0), balance(t, s).Consumed)
}

func TestRequestConditionalWrite(t *testing.T) {
	s := newStore(t)
	seed(t, s, 10)
	r := leave.Request{
		ID: "r1", TenantID: "t1", UserID: "e1", LeaveTypeID: "pto",
		StartDate: time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, time.June, 2, 0, 0, 0, 0, time.UTC),
		Units:     4, Status: leave.StatusDraft, CreatedAt: now,
	}
	require.NoError(t, s.WithTx(ctx, func(tx leave.Tx) error { return tx.InsertRequest(ctx, r) }))

	err := s.WithTx(ctx, func(tx leave.Tx) error { return tx.InsertRequest(ctx, r) })
	assert.ErrorIs(t, err, leave.ErrConcurrentModification)

	require.NoError(t, s.WithTx(ctx, func(tx leave.Tx) error {
		got, err := tx.RequestByID(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		assert.True(t, got.StartDate.Equal(r.StartDate))
		assert.Nil(t, got.SubmittedAt)

		got.Status = leave.StatusPending
		at := now
		got.SubmittedAt = &at
		return tx.UpdateRequest(ctx, got, 1)
	}))

	err = s.WithTx(ctx, func(tx leave.Tx) error {
		r.Status = leave.StatusCancelled
		return tx.UpdateRequest(ctx, r, 1)
	})
	assert.ErrorIs(t, err, leave.ErrConcurrentModification)
	assert.True(t, leave.IsRetryable(err), "callers re-read and retry")

	err = s.WithTx(ctx, func(tx leave.Tx) error {
		return tx.UpdateRequest(ctx, leave.Request{ID: "ghost"}, 1)
	})
	assert.ErrorIs(t, err, leave.ErrNotFound)

	require.NoError(t, s.WithTx(ctx, func(tx leave.Tx) error {
		got, err := tx.RequestByID(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, leave.StatusPending, got.Status)
		assert.Equal(t, int64(2), got.Version)
		require.NotNil(t, got.SubmittedAt)

		used, err := tx.LeaveTypeReferenced(ctx, "t1", "pto")
		require.NoError(t, err)
		assert.True(t, used)
		return nil
	}))
}

func TestListRequestsFilter(t *testing.T) {
	s := newStore(t)
	seed(t, s, 10)
	day := func(m time.Month, d int, y int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }
	rows := []leave.Request{
		{ID: "b", UserID: "e1", StartDate: day(time.May, 4, 2026), Status: leave.StatusPending},
		{ID: "a", UserID: "e1", StartDate: day(time.May, 4, 2026), Status: leave.StatusApproved},
		{ID: "c", UserID: "m1", StartDate: day(time.April, 1, 2026), Status: leave.StatusDraft},
		{ID: "d", UserID: "e1", StartDate: day(time.January, 5, 2027), Status: leave.StatusPending},
	}
	require.NoError(t, s.WithTx(ctx, func(tx leave.Tx) error {
		for _, r := range rows {
			r.TenantID, r.LeaveTypeID, r.EndDate, r.Units, r.CreatedAt = "t1", "pto", r.StartDate, 2, now
			if err := tx.InsertRequest(ctx, r); err != nil {
				return err
			}
		}
		return nil
	}))

	cases := []struct {
		name   string
		filter leave.RequestFilter
		want   []string
	}{
		{"tenant", leave.RequestFilter{TenantID: "t1"}, []string{"c", "a", "b", "d"}},
		{"other tenant", leave.RequestFilter{TenantID: "t2"}, nil},
		{"user and year", leave.RequestFilter{TenantID: "t1", UserIDs: []string{"e1"}, Year: 2026}, []string{"a", "b"}},
		{"statuses", leave.RequestFilter{TenantID: "t1", Statuses: []leave.Status{leave.StatusPending, leave.StatusDraft}}, []string{"c", "b", "d"}},
		{"users", leave.RequestFilter{TenantID: "t1", UserIDs: []string{"m1", "x"}}, []string{"c"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got []string
			require.NoError(t, s.WithTx(ctx, func(tx leave.Tx) error {
				rs, err := tx.ListRequests(ctx, tc.filter)
				for _, r := range rs {
					got = append(got, r.ID)
				}
				return err
			}))
			assert.Equal(t, tc.want, got)
		})
	}
}

// Same race as the in-memory workflow tests, through the SQL store.
func TestConcurrentSubmitsNeverOverdraw(t *testing.T) {
	s := newStore(t)
	seed(t, s, 10)
	log := zaptest.NewLogger(t)
	clock := func() time.Time { return now }
	var (
		mu  sync.Mutex
		seq int
	)
	svc := workflow.New(s, ledger.New(ledger.WithClock(clock), ledger.WithLogger(log)), nil, workflow.AlwaysEntitled, workflow.Options{
		Now: clock,
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("req-%d", seq)
		},
		Logger: log,
	})

	const n = 8
	drafts := make([]leave.Request, n)
	for i := range drafts {
		start := time.Date(2026, time.July, 1+3*i, 0, 0, 0, 0, time.UTC)
		r, err := svc.Draft(ctx, emp, workflow.NewRequest{LeaveTypeID: "pto", StartDate: start, EndDate: start.AddDate(0, 0, 2), Units: 6})
		require.NoError(t, err)
		drafts[i] = r
	}

	var (
		wg           sync.WaitGroup
		ok, overdraw int
		other        []error
	)
	for _, d := range drafts {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := svc.Submit(ctx, emp, id, 0)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, leave.ErrInsufficientBalance):
				overdraw++
			default:
				other = append(other, err)
			}
		}(d.ID)
	}
	wg.Wait()

	assert.Empty(t, other)
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, overdraw)
	b := balance(t, s)
	assert.Equal(t, leave.Units(6), b.Pending)
	require.NoError(t, b.Validate())

	// approving the winner moves pending into consumed
	var winner string
	require.NoError(t, s.WithTx(ctx, func(tx leave.Tx) error {
		rs, err := tx.ListRequests(ctx, leave.RequestFilter{TenantID: "t1", Statuses: []leave.Status{leave.StatusPending}})
		require.Len(t, rs, 1)
		winner = rs[0].ID
		return err
	}))
	_, err := svc.Decide(ctx, boss, winner, workflow.Approve, "", 0)
	require.NoError(t, err)
	b = balance(t, s)
	assert.Equal(t, leave.Units(6), b.Consumed)
	assert.Equal(t, leave.Units(0), b.Pending)
}
