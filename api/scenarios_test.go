/*
scenarios_test.go - Tests for the demo scenarios

PURPOSE:
	Each scenario seeds a usable tenant: the returned tokens authenticate,
	the team is wired, and balances and requests are where the scenario
	description says they are.
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/leave-engine/ledger"
)

func TestListScenarios(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	rec := s.do(call{method: "GET", path: "/api/scenarios"})
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[[]ScenarioDTO](t, rec)
	assert.Len(t, got, len(scenarios))
}

func TestSmallTeamScenario(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	d := s.load("small-team")
	require.Len(t, d.tokens, 4)
	require.NotEmpty(t, d.pto)

	rec := s.do(call{method: "GET", path: "/api/users", token: d.tokens["Ada Admin"]})
	require.Equal(t, http.StatusOK, rec.Code)
	for _, u := range decodeBody[[]UserDTO](t, rec) {
		if u.Role == "EMPLOYEE" {
			assert.Equal(t, d.ids["Max Manager"], u.ManagerID, u.Name)
		}
	}

	rec = s.do(call{method: "GET", path: "/api/users/me/balances", token: d.tokens["Sam Employee"]})
	require.Equal(t, http.StatusOK, rec.Code)
	balances := decodeBody[[]BalanceDTO](t, rec)
	require.Len(t, balances, 2, "PTO and Sick")
	for _, b := range balances {
		if b.LeaveTypeID == d.pto {
			assert.Equal(t, "20", b.Accrued)
		} else {
			assert.Equal(t, "10", b.Accrued)
		}
	}
}

func TestApprovalBacklogScenario(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	d := s.load("approval-backlog")

	rec := s.do(call{method: "GET", path: "/api/requests?scope=team&status=PENDING", token: d.tokens["Max Manager"]})
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decodeBody[[]RequestDTO](t, rec)
	require.Len(t, pending, 1)
	assert.Equal(t, d.ids["Eve Employee"], pending[0].UserID)

	rec = s.do(call{method: "GET", path: "/api/requests", token: d.tokens["Sam Employee"]})
	require.Equal(t, http.StatusOK, rec.Code)
	own := decodeBody[[]RequestDTO](t, rec)
	require.Len(t, own, 1)
	assert.Equal(t, "APPROVED", own[0].Status)
	assert.Equal(t, "0.5", own[0].Days)
}

func TestUnknownScenario(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	rec := s.do(call{method: "POST", path: "/api/scenarios/load", body: LoadScenarioRequest{ScenarioID: "nope"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDemoAnchor(t *testing.T) {
	assert.Equal(t, time.Date(2026, time.March, 15, 0, 0, 0, 0, time.UTC),
		demoAnchor(time.Date(2026, time.March, 1, 17, 30, 0, 0, time.UTC)))
	assert.Equal(t, time.Date(2027, time.January, 12, 0, 0, 0, 0, time.UTC),
		demoAnchor(time.Date(2026, time.December, 10, 0, 0, 0, 0, time.UTC)))
}

// =============================================================================
// SCHEDULER
// =============================================================================

type fakeSweeper struct {
	calls atomic.Int32
	rep   ledger.Report
	err   error
}

func (f *fakeSweeper) Sweep(context.Context) (ledger.Report, error) {
	f.calls.Add(1)
	return f.rep, f.err
}

func TestAuditSchedulerSweepsOnStart(t *testing.T) {
	sw := &fakeSweeper{rep: ledger.Report{Checked: 3}}
	s := NewAuditScheduler(sw, time.Hour, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return sw.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestAuditSchedulerKeepsGoingAfterFailure(t *testing.T) {
	sw := &fakeSweeper{err: errors.New("disk on fire")}
	s := NewAuditScheduler(sw, time.Hour, zaptest.NewLogger(t))

	rep := s.RunNow(context.Background())
	assert.Equal(t, 0, rep.Checked)
	s.RunNow(context.Background())
	assert.Equal(t, int32(2), sw.calls.Load())
}

func TestAuditSchedulerDisabled(t *testing.T) {
	sw := &fakeSweeper{}
	s := NewAuditScheduler(sw, time.Hour, zaptest.NewLogger(t))
	s.Enabled = false
	assert.NoError(t, s.Run(context.Background()))
	assert.Zero(t, sw.calls.Load())
}
