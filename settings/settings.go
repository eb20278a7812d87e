/*
Package settings implements the tenant administration operations.

PURPOSE:
  Everything behind MANAGE_SETTINGS: onboarding and offboarding users,
  changing roles and reporting lines, defining and revising leave types,
  granting yearly accrual and rebuilding balances.

KEY RULES:
  - Users are never removed. Offboarding sets DeletedAt; history stays
    attributable and the user can no longer authenticate.
  - A leave type referenced by a balance or a request is immutable. Revising
    it creates a new row (Version+1, SupersedesID) and marks the old one
    superseded. An unreferenced type is edited in place.
  - Reporting lines cannot form a cycle.

SEE ALSO:
  - ledger/ledger.go: Accrue
  - ledger/replay.go: Rebuild
*/
package settings

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/leave-engine/access"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/workflow"
)

type Options struct {
	Now      func() time.Time
	NewID    func() string
	Attempts uint
	Logger   *zap.Logger
}

type Service struct {
	store       leave.Store
	ledger      *ledger.Ledger
	auditor     *ledger.Auditor
	entitlement workflow.EntitlementCheck
	now         func() time.Time
	newID       func() string
	attempts    uint
	log         *zap.Logger
}

func New(store leave.Store, l *ledger.Ledger, a *ledger.Auditor, entitlement workflow.EntitlementCheck, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Attempts == 0 {
		opts.Attempts = leave.DefaultAttempts
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	if entitlement == nil {
		entitlement = workflow.AlwaysEntitled
	}
	return &Service{
		store:       store,
		ledger:      l,
		auditor:     a,
		entitlement: entitlement,
		now:         opts.Now,
		newID:       opts.NewID,
		attempts:    opts.Attempts,
		log:         opts.Logger.Named("settings"),
	}
}

// =============================================================================
// INPUTS
// =============================================================================

type NewUser struct {
	Email     string
	Name      string
	Role      leave.Role
	ManagerID string
}

type NewTenant struct {
	Name         string
	Subscription leave.Subscription
	TrialEndsAt  *time.Time
}

type LeaveTypeSpec struct {
	Name         string
	AccrualUnits leave.Units
	CarryOverMax leave.Units
}

func (s LeaveTypeSpec) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: leave type name is required", leave.ErrValidation)
	}
	if s.AccrualUnits < 0 || s.CarryOverMax < 0 {
		return fmt.Errorf("%w: accrual and carry-over must not be negative", leave.ErrValidation)
	}
	return nil
}

// =============================================================================
// TENANTS & USERS
// =============================================================================

// Bootstrap creates a tenant together with its first admin. There is no
// caller identity yet, so no policy check applies.
func (s *Service) Bootstrap(ctx context.Context, nt NewTenant, owner NewUser) (leave.Tenant, leave.User, error) {
	if strings.TrimSpace(nt.Name) == "" {
		return leave.Tenant{}, leave.User{}, fmt.Errorf("%w: tenant name is required", leave.ErrValidation)
	}
	if nt.Subscription == "" {
		nt.Subscription = leave.SubscriptionTrialing
	}
	owner.Role = leave.RoleAdmin
	owner.ManagerID = ""
	if err := validateUser(owner); err != nil {
		return leave.Tenant{}, leave.User{}, err
	}

	now := s.now().UTC()
	t := leave.Tenant{ID: s.newID(), Name: nt.Name, Subscription: nt.Subscription, TrialEndsAt: nt.TrialEndsAt, CreatedAt: now}
	u := leave.User{ID: s.newID(), TenantID: t.ID, Role: owner.Role, Email: owner.Email, Name: owner.Name, CreatedAt: now}
	err := s.store.WithTx(ctx, func(tx leave.Tx) error {
		if err := tx.PutTenant(ctx, t); err != nil {
			return err
		}
		return tx.PutUser(ctx, u)
	})
	if err != nil {
		return leave.Tenant{}, leave.User{}, err
	}
	s.log.Info("tenant created", zap.String("tenant_id", t.ID), zap.String("user_id", u.ID))
	return t, u, nil
}

// OnboardUser adds a user to the caller's tenant.
func (s *Service) OnboardUser(ctx context.Context, who leave.Identity, in NewUser) (leave.User, error) {
	if err := validateUser(in); err != nil {
		return leave.User{}, err
	}
	u := leave.User{
		ID:        s.newID(),
		TenantID:  who.TenantID,
		Role:      in.Role,
		ManagerID: in.ManagerID,
		Email:     in.Email,
		Name:      in.Name,
		CreatedAt: s.now().UTC(),
	}
	err := s.mutate(ctx, who, func(tx leave.Tx) error {
		if u.ManagerID != "" {
			if err := checkManager(ctx, tx, who.TenantID, u.ID, u.ManagerID); err != nil {
				return err
			}
		}
		return tx.PutUser(ctx, u)
	})
	if err != nil {
		return leave.User{}, s.fail("onboard", who, err)
	}
	s.log.Info("user onboarded", zap.String("tenant_id", u.TenantID), zap.String("user_id", u.ID), zap.String("role", string(u.Role)))
	return u, nil
}

// ChangeRole sets a user's role. The new role applies from the next request.
func (s *Service) ChangeRole(ctx context.Context, who leave.Identity, userID string, role leave.Role) (leave.User, error) {
	if !role.Valid() {
		return leave.User{}, fmt.Errorf("%w: invalid role %q", leave.ErrValidation, role)
	}
	return s.updateUser(ctx, who, "change-role", userID, func(tx leave.Tx, u *leave.User) error {
		if u.ID == who.UserID && role != leave.RoleAdmin {
			return fmt.Errorf("%w: an admin cannot demote themselves", leave.ErrValidation)
		}
		u.Role = role
		return nil
	})
}

// AssignManager sets (or with "" clears) a user's manager.
func (s *Service) AssignManager(ctx context.Context, who leave.Identity, userID, managerID string) (leave.User, error) {
	return s.updateUser(ctx, who, "assign-manager", userID, func(tx leave.Tx, u *leave.User) error {
		if managerID != "" {
			if err := checkManager(ctx, tx, who.TenantID, u.ID, managerID); err != nil {
				return err
			}
		}
		u.ManagerID = managerID
		return nil
	})
}

// Offboard soft-deletes a user.
func (s *Service) Offboard(ctx context.Context, who leave.Identity, userID string) (leave.User, error) {
	return s.updateUser(ctx, who, "offboard", userID, func(tx leave.Tx, u *leave.User) error {
		if u.ID == who.UserID {
			return fmt.Errorf("%w: cannot offboard yourself", leave.ErrValidation)
		}
		if u.Deleted() {
			return nil
		}
		now := s.now().UTC()
		u.DeletedAt = &now
		return nil
	})
}

// ListUsers returns every user of the caller's tenant, offboarded included.
func (s *Service) ListUsers(ctx context.Context, who leave.Identity) ([]leave.User, error) {
	if err := access.Authorize(who, access.ReadAll, access.ForTenant(who.TenantID)).Err(); err != nil {
		return nil, s.fail("list-users", who, err)
	}
	var out []leave.User
	err := s.store.WithTx(ctx, func(tx leave.Tx) error {
		var err error
		out, err = tx.ListUsers(ctx, who.TenantID)
		return err
	})
	return out, err
}

func (s *Service) updateUser(ctx context.Context, who leave.Identity, op, userID string, fn func(tx leave.Tx, u *leave.User) error) (leave.User, error) {
	var out leave.User
	err := s.mutate(ctx, who, func(tx leave.Tx) error {
		u, err := tenantUser(ctx, tx, who.TenantID, userID)
		if err != nil {
			return err
		}
		if err := fn(tx, &u); err != nil {
			return err
		}
		out = u
		return tx.PutUser(ctx, u)
	})
	if err != nil {
		return leave.User{}, s.fail(op, who, err)
	}
	s.log.Info("user updated", zap.String("op", op), zap.String("tenant_id", out.TenantID), zap.String("user_id", out.ID))
	return out, nil
}

// =============================================================================
// LEAVE TYPES
// =============================================================================

// DefineLeaveType creates a new leave type at version 1.
func (s *Service) DefineLeaveType(ctx context.Context, who leave.Identity, spec LeaveTypeSpec) (leave.LeaveType, error) {
	if err := spec.validate(); err != nil {
		return leave.LeaveType{}, err
	}
	lt := leave.LeaveType{
		ID:           s.newID(),
		TenantID:     who.TenantID,
		Name:         strings.TrimSpace(spec.Name),
		Version:      1,
		AccrualUnits: spec.AccrualUnits,
		CarryOver:    leave.CarryOverPolicy{MaxUnits: spec.CarryOverMax},
		CreatedAt:    s.now().UTC(),
	}
	err := s.mutate(ctx, who, func(tx leave.Tx) error {
		return tx.PutLeaveType(ctx, lt)
	})
	if err != nil {
		return leave.LeaveType{}, s.fail("define-leave-type", who, err)
	}
	return lt, nil
}

// ReviseLeaveType changes a leave type. A referenced type gets a new version
// instead of being edited; the returned row is the one now current.
func (s *Service) ReviseLeaveType(ctx context.Context, who leave.Identity, id string, spec LeaveTypeSpec) (leave.LeaveType, error) {
	if err := spec.validate(); err != nil {
		return leave.LeaveType{}, err
	}
	var out leave.LeaveType
	err := s.mutate(ctx, who, func(tx leave.Tx) error {
		old, err := tx.LeaveType(ctx, who.TenantID, id)
		if err != nil {
			return err
		}
		if !old.Current() {
			return fmt.Errorf("%w: leave type %s was superseded by %s", leave.ErrValidation, old.ID, old.SupersededBy)
		}
		referenced, err := tx.LeaveTypeReferenced(ctx, who.TenantID, id)
		if err != nil {
			return err
		}

		next := old
		next.Name = strings.TrimSpace(spec.Name)
		next.AccrualUnits = spec.AccrualUnits
		next.CarryOver = leave.CarryOverPolicy{MaxUnits: spec.CarryOverMax}
		if !referenced {
			out = next
			return tx.PutLeaveType(ctx, next)
		}

		next.ID = s.newID()
		next.Version = old.Version + 1
		next.SupersedesID = old.ID
		next.CreatedAt = s.now().UTC()
		old.SupersededBy = next.ID
		if err := tx.PutLeaveType(ctx, old); err != nil {
			return err
		}
		out = next
		return tx.PutLeaveType(ctx, next)
	})
	if err != nil {
		return leave.LeaveType{}, s.fail("revise-leave-type", who, err)
	}
	s.log.Info("leave type revised",
		zap.String("tenant_id", out.TenantID),
		zap.String("leave_type_id", out.ID),
		zap.Int("version", out.Version))
	return out, nil
}

// ListLeaveTypes returns the tenant's leave types, all versions. Every
// member of the tenant may read them.
func (s *Service) ListLeaveTypes(ctx context.Context, who leave.Identity) ([]leave.LeaveType, error) {
	self := access.Resource{TenantID: who.TenantID, OwnerID: who.UserID}
	if err := access.Authorize(who, access.ReadOwn, self).Err(); err != nil {
		return nil, s.fail("list-leave-types", who, err)
	}
	var out []leave.LeaveType
	err := s.store.WithTx(ctx, func(tx leave.Tx) error {
		var err error
		out, err = tx.ListLeaveTypes(ctx, who.TenantID)
		return err
	})
	return out, err
}

// =============================================================================
// BALANCES
// =============================================================================

// AccrualResult counts the rows an accrual run touched.
type AccrualResult struct {
	Year    int
	Rows    int
	Skipped int // offboarded users
}

// Accrue grants year's accrual of every current leave type to every active
// user of the tenant. Each row is its own transaction; running it again
// changes nothing.
func (s *Service) Accrue(ctx context.Context, who leave.Identity, year int) (AccrualResult, error) {
	res := AccrualResult{Year: year}
	if year < 1970 || year > 9999 {
		return res, fmt.Errorf("%w: invalid year %d", leave.ErrValidation, year)
	}
	if err := s.guard(ctx, who); err != nil {
		return res, s.fail("accrue", who, err)
	}

	var users []leave.User
	var types []leave.LeaveType
	err := s.store.WithTx(ctx, func(tx leave.Tx) error {
		var err error
		if users, err = tx.ListUsers(ctx, who.TenantID); err != nil {
			return err
		}
		types, err = tx.ListLeaveTypes(ctx, who.TenantID)
		return err
	})
	if err != nil {
		return res, s.fail("accrue", who, err)
	}

	for _, u := range users {
		if u.Deleted() {
			res.Skipped++
			continue
		}
		for _, lt := range types {
			if !lt.Current() {
				continue
			}
			key := leave.BalanceKey{TenantID: who.TenantID, UserID: u.ID, LeaveTypeID: lt.ID, Year: year}
			err := leave.Retry(ctx, s.attempts, func() error {
				return s.store.WithTx(ctx, func(tx leave.Tx) error {
					_, err := s.ledger.Accrue(ctx, tx, key, lt)
					return err
				})
			})
			if err != nil {
				return res, s.fail("accrue", who, fmt.Errorf("accrue %s: %w", key, err))
			}
			res.Rows++
		}
	}
	s.log.Info("accrual granted",
		zap.String("tenant_id", who.TenantID),
		zap.Int("year", year),
		zap.Int("rows", res.Rows))
	return res, nil
}

// RebuildBalance replays a balance row from the request history.
func (s *Service) RebuildBalance(ctx context.Context, who leave.Identity, key leave.BalanceKey) (ledger.Drift, error) {
	if err := access.Authorize(who, access.ManageSettings, access.ForTenant(key.TenantID)).Err(); err != nil {
		return ledger.Drift{}, s.fail("rebuild", who, err)
	}
	if err := s.guard(ctx, who); err != nil {
		return ledger.Drift{}, s.fail("rebuild", who, err)
	}
	d, err := s.auditor.Rebuild(ctx, key)
	if err != nil {
		return ledger.Drift{}, s.fail("rebuild", who, err)
	}
	return d, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// guard runs the checks every settings mutation starts with.
func (s *Service) guard(ctx context.Context, who leave.Identity) error {
	if err := access.Authorize(who, access.ManageSettings, access.ForTenant(who.TenantID)).Err(); err != nil {
		return err
	}
	return s.entitlement.CheckActive(ctx, who.TenantID)
}

func (s *Service) mutate(ctx context.Context, who leave.Identity, fn func(tx leave.Tx) error) error {
	if err := s.guard(ctx, who); err != nil {
		return err
	}
	return leave.Retry(ctx, s.attempts, func() error {
		return s.store.WithTx(ctx, fn)
	})
}

func (s *Service) fail(op string, who leave.Identity, err error) error {
	s.log.Warn("settings operation rejected",
		zap.String("op", op),
		zap.String("tenant_id", who.TenantID),
		zap.String("user_id", who.UserID),
		zap.Error(err))
	return err
}

func validateUser(u NewUser) error {
	if _, err := mail.ParseAddress(u.Email); err != nil {
		return fmt.Errorf("%w: invalid email %q", leave.ErrValidation, u.Email)
	}
	if strings.TrimSpace(u.Name) == "" {
		return fmt.Errorf("%w: name is required", leave.ErrValidation)
	}
	if !u.Role.Valid() {
		return fmt.Errorf("%w: invalid role %q", leave.ErrValidation, u.Role)
	}
	return nil
}

// tenantUser loads a user and hides users of other tenants.
func tenantUser(ctx context.Context, tx leave.Tx, tenantID, userID string) (leave.User, error) {
	u, err := tx.UserByID(ctx, userID)
	if err != nil {
		return leave.User{}, err
	}
	if u.TenantID != tenantID {
		return leave.User{}, fmt.Errorf("user %s: %w", userID, leave.ErrNotFound)
	}
	return u, nil
}

// checkManager verifies managerID can manage userID without a cycle.
func checkManager(ctx context.Context, tx leave.Tx, tenantID, userID, managerID string) error {
	if managerID == userID {
		return fmt.Errorf("%w: a user cannot manage themselves", leave.ErrValidation)
	}
	m, err := tenantUser(ctx, tx, tenantID, managerID)
	if errors.Is(err, leave.ErrNotFound) {
		return fmt.Errorf("%w: unknown manager %s", leave.ErrValidation, managerID)
	}
	if err != nil {
		return err
	}
	if m.Deleted() {
		return fmt.Errorf("%w: manager %s is offboarded", leave.ErrValidation, managerID)
	}
	if !m.Role.AtLeast(leave.RoleManager) {
		return fmt.Errorf("%w: %s is not a manager", leave.ErrValidation, managerID)
	}

	seen := map[string]bool{userID: true}
	for cur := m; cur.ManagerID != ""; {
		if seen[cur.ID] {
			break
		}
		seen[cur.ID] = true
		if cur.ManagerID == userID {
			return fmt.Errorf("%w: %s already reports to %s", leave.ErrValidation, managerID, userID)
		}
		next, err := tenantUser(ctx, tx, tenantID, cur.ManagerID)
		if err != nil {
			break
		}
		cur = next
	}
	return nil
}
