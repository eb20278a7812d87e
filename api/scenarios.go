/*
scenarios.go - Demo scenario loaders for development and demonstrations

PURPOSE:

	Seeds a fresh demo tenant through the same settings and workflow services
	the API uses, and returns a bearer token per seeded user so the API can be
	explored without an identity provider.

AVAILABLE SCENARIOS:

	small-team:        Admin, one manager, two reports, 20 days PTO each
	approval-backlog:  small-team plus one pending and one approved request
	lapsed:            Tenant past due; every mutation answers 402

HOW SCENARIOS WORK:
 1. Bootstrap a new tenant and its admin
 2. Onboard the team and set reporting lines
 3. Define leave types and grant the year's accrual
 4. Optionally draft, submit and decide requests
 5. Mint tokens for every user

Each load creates a new tenant; nothing existing is reset or touched.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "approval-backlog"}

NOTE:

	Only mounted when DEV_MODE is on. The returned tokens are real.

SEE ALSO:
  - handlers.go: Request handlers
  - settings/settings.go: Bootstrap
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/settings"
	"github.com/warp/leave-engine/workflow"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "small-team",
		Name:        "Small team",
		Description: "Admin, one manager and two direct reports with 20 days of PTO",
	},
	{
		ID:          "approval-backlog",
		Name:        "Approval backlog",
		Description: "Small team with one request waiting for the manager and one already approved",
	},
	{
		ID:          "lapsed",
		Name:        "Lapsed subscription",
		Description: "Tenant is past due; reads work, mutations answer 402",
	},
}

type seeded struct {
	tenant leave.Tenant
	users  []leave.User
	pto    leave.LeaveType
}

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var body LoadScenarioRequest
	if err := decode(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	var (
		s   seeded
		err error
	)
	switch body.ScenarioID {
	case "small-team":
		s, err = h.loadSmallTeam(ctx)
	case "approval-backlog":
		s, err = h.loadApprovalBacklog(ctx)
	case "lapsed":
		s, err = h.loadLapsed(ctx)
	default:
		err = fmt.Errorf("%w: unknown scenario %q", leave.ErrNotFound, body.ScenarioID)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := ScenarioLoadedDTO{ScenarioID: body.ScenarioID, TenantID: s.tenant.ID}
	for _, u := range s.users {
		token, err := h.resolver.Issue(u.TenantID, u.ID, h.tokenTTL)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		out.Users = append(out.Users, ScenarioTokenDTO{UserID: u.ID, Name: u.Name, Role: string(u.Role), Token: token})
	}
	h.log.Info("scenario loaded",
		zap.String("scenario", body.ScenarioID),
		zap.String("tenant_id", s.tenant.ID))
	writeJSON(w, http.StatusCreated, out)
}

// =============================================================================
// LOADERS
// =============================================================================

func (h *Handler) loadSmallTeam(ctx context.Context) (seeded, error) {
	t, admin, err := h.settings.Bootstrap(ctx,
		settings.NewTenant{Name: "Demo Co", Subscription: leave.SubscriptionActive},
		settings.NewUser{Email: "ada@demo.test", Name: "Ada Admin"})
	if err != nil {
		return seeded{}, err
	}
	s := seeded{tenant: t, users: []leave.User{admin}}
	who := leave.Identity{TenantID: t.ID, UserID: admin.ID, Role: admin.Role}

	mgr, err := h.settings.OnboardUser(ctx, who, settings.NewUser{Email: "max@demo.test", Name: "Max Manager", Role: leave.RoleManager})
	if err != nil {
		return s, err
	}
	s.users = append(s.users, mgr)
	for _, n := range []settings.NewUser{
		{Email: "eve@demo.test", Name: "Eve Employee", Role: leave.RoleEmployee, ManagerID: mgr.ID},
		{Email: "sam@demo.test", Name: "Sam Employee", Role: leave.RoleEmployee, ManagerID: mgr.ID},
	} {
		u, err := h.settings.OnboardUser(ctx, who, n)
		if err != nil {
			return s, err
		}
		s.users = append(s.users, u)
	}

	if s.pto, err = h.settings.DefineLeaveType(ctx, who, settings.LeaveTypeSpec{
		Name:         "PTO",
		AccrualUnits: 20 * leave.UnitsPerDay,
		CarryOverMax: 5 * leave.UnitsPerDay,
	}); err != nil {
		return s, err
	}
	if _, err := h.settings.DefineLeaveType(ctx, who, settings.LeaveTypeSpec{
		Name:         "Sick",
		AccrualUnits: 10 * leave.UnitsPerDay,
	}); err != nil {
		return s, err
	}
	if _, err := h.settings.Accrue(ctx, who, demoAnchor(time.Now()).Year()); err != nil {
		return s, err
	}
	return s, nil
}

func (h *Handler) loadApprovalBacklog(ctx context.Context) (seeded, error) {
	s, err := h.loadSmallTeam(ctx)
	if err != nil {
		return s, err
	}
	mgr, eve, sam := s.users[1], s.users[2], s.users[3]
	on := demoAnchor(time.Now())

	pending := workflow.NewRequest{LeaveTypeID: s.pto.ID, StartDate: on, EndDate: on.AddDate(0, 0, 1), Units: 2 * leave.UnitsPerDay, Reason: "Long weekend"}
	if _, err := h.submit(ctx, eve, pending); err != nil {
		return s, err
	}

	approved := workflow.NewRequest{LeaveTypeID: s.pto.ID, StartDate: on, EndDate: on, Units: 1, Reason: "Appointment"}
	r, err := h.submit(ctx, sam, approved)
	if err != nil {
		return s, err
	}
	_, err = h.workflow.Decide(ctx, identityOf(mgr), r.ID, workflow.Approve, "Enjoy", r.Version)
	return s, err
}

func (h *Handler) loadLapsed(ctx context.Context) (seeded, error) {
	t, admin, err := h.settings.Bootstrap(ctx,
		settings.NewTenant{Name: "Lapsed Co", Subscription: leave.SubscriptionPastDue},
		settings.NewUser{Email: "lee@lapsed.test", Name: "Lee Admin"})
	if err != nil {
		return seeded{}, err
	}
	return seeded{tenant: t, users: []leave.User{admin}}, nil
}

func (h *Handler) submit(ctx context.Context, u leave.User, in workflow.NewRequest) (leave.Request, error) {
	who := identityOf(u)
	r, err := h.workflow.Draft(ctx, who, in)
	if err != nil {
		return r, err
	}
	return h.workflow.Submit(ctx, who, r.ID, r.Version)
}

func identityOf(u leave.User) leave.Identity {
	return leave.Identity{TenantID: u.TenantID, UserID: u.ID, Role: u.Role}
}

// demoAnchor is two weeks out, moved into January when that would leave too
// little of the year for multi-day requests.
func demoAnchor(now time.Time) time.Time {
	on := leave.Date(now).AddDate(0, 0, 14)
	if on.Month() == time.December && on.Day() > 20 {
		on = time.Date(on.Year()+1, time.January, 12, 0, 0, 0, 0, time.UTC)
	}
	return on
}
