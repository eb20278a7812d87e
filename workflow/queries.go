package workflow

import (
	"context"
	"fmt"

	"github.com/warp/leave-engine/access"
	"github.com/warp/leave-engine/leave"
)

// Scope selects whose requests List returns.
type Scope string

const (
	ScopeOwn  Scope = "own"  // the caller's
	ScopeTeam Scope = "team" // the caller's direct reports
	ScopeAll  Scope = "all"  // everyone in the tenant
)

// ParseScope parses a scope; empty means ScopeOwn.
func ParseScope(s string) (Scope, error) {
	switch sc := Scope(s); sc {
	case "":
		return ScopeOwn, nil
	case ScopeOwn, ScopeTeam, ScopeAll:
		return sc, nil
	}
	return "", fmt.Errorf("%w: invalid scope %q", leave.ErrValidation, s)
}

type ListQuery struct {
	Scope    Scope
	Statuses []leave.Status // empty: any
	Year     int            // 0: any
}

// Get returns one request if the caller may read it.
func (s *Service) Get(ctx context.Context, who leave.Identity, requestID string) (leave.Request, error) {
	var out leave.Request
	err := s.read(ctx, func(tx leave.Tx) error {
		r, err := tx.RequestByID(ctx, requestID)
		if err != nil {
			return err
		}
		res, err := resourceFor(ctx, tx, r)
		if err != nil {
			return err
		}
		if err := access.CanRead(who, res).Err(); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return leave.Request{}, s.fail("get", who, requestID, err)
	}
	return out, nil
}

// List returns the requests in scope, ordered by start date.
func (s *Service) List(ctx context.Context, who leave.Identity, q ListQuery) ([]leave.Request, error) {
	var out []leave.Request
	err := s.read(ctx, func(tx leave.Tx) error {
		filter := leave.RequestFilter{TenantID: who.TenantID, Year: q.Year, Statuses: q.Statuses}

		switch q.Scope {
		case ScopeOwn, "":
			self := access.Resource{TenantID: who.TenantID, OwnerID: who.UserID}
			if err := access.Authorize(who, access.ReadOwn, self).Err(); err != nil {
				return err
			}
			filter.UserIDs = []string{who.UserID}

		case ScopeTeam:
			reports, err := s.reports(ctx, tx, who)
			if err != nil {
				return err
			}
			if len(reports) == 0 {
				return nil
			}
			filter.UserIDs = reports

		case ScopeAll:
			if err := access.Authorize(who, access.ReadAll, access.ForTenant(who.TenantID)).Err(); err != nil {
				return err
			}

		default:
			return fmt.Errorf("%w: invalid scope %q", leave.ErrValidation, q.Scope)
		}

		var err error
		out, err = tx.ListRequests(ctx, filter)
		return err
	})
	if err != nil {
		return nil, s.fail("list", who, "", err)
	}
	return out, nil
}

// reports returns the ids of the caller's direct reports the caller may read.
func (s *Service) reports(ctx context.Context, tx leave.Tx, who leave.Identity) ([]string, error) {
	// An employee is refused even with nobody reporting to them.
	probe := access.Resource{TenantID: who.TenantID, OwnerManagerID: who.UserID}
	if err := access.Authorize(who, access.ReadTeam, probe).Err(); err != nil {
		return nil, err
	}
	users, err := tx.ListUsers(ctx, who.TenantID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, u := range users {
		if u.ManagerID != who.UserID {
			continue
		}
		if access.Authorize(who, access.ReadTeam, access.ForUser(u)).Allowed {
			ids = append(ids, u.ID)
		}
	}
	return ids, nil
}

// Balances returns a user's balance rows for year (all years when 0).
func (s *Service) Balances(ctx context.Context, who leave.Identity, userID string, year int) ([]leave.Balance, error) {
	if userID == "" {
		userID = who.UserID
	}
	var out []leave.Balance
	err := s.read(ctx, func(tx leave.Tx) error {
		u, err := tx.UserByID(ctx, userID)
		if err != nil {
			return err
		}
		if err := access.CanRead(who, access.ForUser(u)).Err(); err != nil {
			return err
		}
		out, err = tx.ListBalances(ctx, u.TenantID, u.ID, year)
		return err
	})
	if err != nil {
		return nil, s.fail("balances", who, "", err)
	}
	return out, nil
}
