package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/store/memory"
)

func request(id string, units leave.Units, status leave.Status) leave.Request {
	return leave.Request{
		ID: id, TenantID: key.TenantID, UserID: key.UserID, LeaveTypeID: key.LeaveTypeID,
		StartDate: time.Date(key.Year, time.June, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(key.Year, time.June, 5, 0, 0, 0, 0, time.UTC),
		Units:     units, Status: status,
	}
}

func TestReplay(t *testing.T) {
	otherYear := request("x", 8, leave.StatusApproved)
	otherYear.StartDate = otherYear.StartDate.AddDate(-1, 0, 0)

	b := ledger.Replay(key, 20, []leave.Request{
		request("a", 4, leave.StatusApproved),
		request("b", 2, leave.StatusPending),
		request("c", 6, leave.StatusRejected),
		request("d", 1, leave.StatusCancelled),
		request("e", 3, leave.StatusDraft),
		request("f", 2, leave.StatusApproved),
		otherYear,
	})

	assert.Equal(t, leave.Units(20), b.Accrued)
	assert.Equal(t, leave.Units(6), b.Consumed)
	assert.Equal(t, leave.Units(2), b.Pending)
}

func seedHistory(t *testing.T, s leave.Store, stored leave.Balance, reqs ...leave.Request) {
	t.Helper()
	require.NoError(t, s.WithTx(context.Background(), func(tx leave.Tx) error {
		if err := tx.PutBalance(context.Background(), stored, 0); err != nil {
			return err
		}
		for _, r := range reqs {
			if err := tx.InsertRequest(context.Background(), r); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestRebuildRepairsDrift(t *testing.T) {
	s := memory.New()
	a := ledger.NewAuditor(s, newLedger(t), zaptest.NewLogger(t))

	// GIVEN a row whose pending was lost
	seedHistory(t, s, leave.Balance{Key: key, Accrued: 20, Consumed: 4},
		request("a", 4, leave.StatusApproved),
		request("b", 3, leave.StatusPending))

	// WHEN the row is rebuilt
	d, err := a.Rebuild(context.Background(), key)

	// THEN it matches the request history again
	require.NoError(t, err)
	assert.True(t, d.Drifted())
	b := get(t, s, key)
	assert.Equal(t, leave.Units(20), b.Accrued)
	assert.Equal(t, leave.Units(4), b.Consumed)
	assert.Equal(t, leave.Units(3), b.Pending)

	// and a second rebuild finds nothing
	d, err = a.Rebuild(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, d.Drifted())
}

func TestRebuildReportsUnrepairableDrift(t *testing.T) {
	s := memory.New()
	a := ledger.NewAuditor(s, newLedger(t), zaptest.NewLogger(t))
	seedHistory(t, s, leave.Balance{Key: key, Accrued: 2},
		request("a", 4, leave.StatusApproved))

	_, err := a.Rebuild(context.Background(), key)

	assert.ErrorIs(t, err, leave.ErrInvariant)
	assert.Equal(t, leave.Units(0), get(t, s, key).Consumed)
}

func TestSweep(t *testing.T) {
	s := memory.New()
	a := ledger.NewAuditor(s, newLedger(t), zaptest.NewLogger(t))
	other := key
	other.UserID = "u2"

	seedHistory(t, s, leave.Balance{Key: key, Accrued: 20, Consumed: 9},
		request("a", 4, leave.StatusApproved))
	require.NoError(t, s.WithTx(context.Background(), func(tx leave.Tx) error {
		return tx.PutBalance(context.Background(), leave.Balance{Key: other, Accrued: 5}, 0)
	}))

	rep, err := a.Sweep(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, rep.Checked)
	assert.Equal(t, 0, rep.Failed)
	require.Len(t, rep.Repaired, 1)
	assert.Equal(t, key, rep.Repaired[0].Key)
	assert.Equal(t, leave.Units(4), get(t, s, key).Consumed)
}
