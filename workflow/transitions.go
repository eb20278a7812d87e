package workflow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/leave-engine/access"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/notify"
)

// =============================================================================
// DRAFT
// =============================================================================

// Draft creates a request in DRAFT. Nothing is reserved yet.
func (s *Service) Draft(ctx context.Context, who leave.Identity, in NewRequest) (leave.Request, error) {
	if err := s.entitlement.CheckActive(ctx, who.TenantID); err != nil {
		return leave.Request{}, s.fail("draft", who, "", err)
	}
	if in.UserID == "" {
		in.UserID = who.UserID
	}

	r := leave.Request{
		ID:          s.newID(),
		TenantID:    who.TenantID,
		UserID:      in.UserID,
		LeaveTypeID: in.LeaveTypeID,
		StartDate:   leave.Date(in.StartDate),
		EndDate:     leave.Date(in.EndDate),
		Units:       in.Units,
		Status:      leave.StatusDraft,
		Reason:      in.Reason,
		CreatedAt:   s.now().UTC(),
	}
	if err := validateShape(r); err != nil {
		return leave.Request{}, s.fail("draft", who, r.ID, err)
	}

	err := s.update(ctx, func(tx leave.Tx) error {
		owner, err := tx.UserByID(ctx, r.UserID)
		if err != nil {
			return err
		}
		if err := access.Authorize(who, access.CreateRequest, access.ForUser(owner)).Err(); err != nil {
			return err
		}
		if owner.Deleted() {
			return fmt.Errorf("%w: user %s is deactivated", leave.ErrValidation, owner.ID)
		}
		if _, err := currentLeaveType(ctx, tx, r); err != nil {
			return err
		}
		return tx.InsertRequest(ctx, r)
	})
	if err != nil {
		return leave.Request{}, s.fail("draft", who, r.ID, err)
	}
	r.Version = 1

	s.log.Info("request drafted",
		zap.String("tenant_id", r.TenantID),
		zap.String("request_id", r.ID),
		zap.String("user_id", r.UserID))
	return r, nil
}

// =============================================================================
// SUBMIT
// =============================================================================

// Submit moves a DRAFT to PENDING and reserves its units. When the balance
// cannot cover it the request stays DRAFT and the error is a
// *leave.BalanceExceededError.
func (s *Service) Submit(ctx context.Context, who leave.Identity, requestID string, expectedVersion int64) (leave.Request, error) {
	if err := s.entitlement.CheckActive(ctx, who.TenantID); err != nil {
		return leave.Request{}, s.fail("submit", who, requestID, err)
	}

	var out leave.Request
	err := s.update(ctx, func(tx leave.Tx) error {
		r, err := s.load(ctx, tx, who, requestID, expectedVersion, access.CreateRequest)
		if err != nil {
			return err
		}
		if r.Status != leave.StatusDraft {
			return &leave.TransitionError{RequestID: r.ID, From: r.Status, Op: "submit"}
		}
		if err := validateShape(r); err != nil {
			return err
		}
		if _, err := currentLeaveType(ctx, tx, r); err != nil {
			return err
		}
		if err := checkOverlap(ctx, tx, r); err != nil {
			return err
		}

		if _, err := s.ledger.Reserve(ctx, tx, r.Key(), r.Units, r.ID); err != nil {
			var ib *leave.InsufficientBalanceError
			if errors.As(err, &ib) {
				return &leave.BalanceExceededError{RequestID: r.ID, Cause: ib}
			}
			return err
		}

		now := s.now().UTC()
		next := r
		next.Status = leave.StatusPending
		next.SubmittedAt = &now
		if err := tx.UpdateRequest(ctx, next, r.Version); err != nil {
			return err
		}
		next.Version = r.Version + 1
		out = next
		return nil
	})
	if err != nil {
		return leave.Request{}, s.fail("submit", who, requestID, err)
	}

	s.log.Info("request submitted",
		zap.String("tenant_id", out.TenantID),
		zap.String("request_id", out.ID),
		zap.String("user_id", out.UserID),
		zap.Stringer("units", out.Units))
	s.emit(ctx, notify.SubmittedRequest, who, out)
	return out, nil
}

// =============================================================================
// DECIDE
// =============================================================================

// Decide approves or rejects a PENDING request. Approval turns the
// reservation into consumption, rejection releases it.
func (s *Service) Decide(ctx context.Context, who leave.Identity, requestID string, d Decision, note string, expectedVersion int64) (leave.Request, error) {
	if d != Approve && d != Reject {
		return leave.Request{}, s.fail("decide", who, requestID,
			fmt.Errorf("%w: decision must be %s or %s, got %q", leave.ErrValidation, Approve, Reject, d))
	}
	if err := s.entitlement.CheckActive(ctx, who.TenantID); err != nil {
		return leave.Request{}, s.fail("decide", who, requestID, err)
	}

	var out leave.Request
	err := s.update(ctx, func(tx leave.Tx) error {
		r, err := s.load(ctx, tx, who, requestID, expectedVersion, access.DecideRequest)
		if err != nil {
			return err
		}
		if r.Status != leave.StatusPending {
			return &leave.TransitionError{RequestID: r.ID, From: r.Status, Op: "decide"}
		}

		res := ledger.ReservationFor(r)
		next := r
		if d == Approve {
			err = s.ledger.Commit(ctx, tx, res)
			next.Status = leave.StatusApproved
		} else {
			err = s.ledger.Release(ctx, tx, res)
			next.Status = leave.StatusRejected
		}
		if err != nil {
			return err
		}

		now := s.now().UTC()
		next.ApproverID = who.UserID
		next.DecisionNote = note
		next.DecidedAt = &now
		if err := tx.UpdateRequest(ctx, next, r.Version); err != nil {
			return err
		}
		next.Version = r.Version + 1
		out = next
		return nil
	})
	if err != nil {
		return leave.Request{}, s.fail("decide", who, requestID, err)
	}

	s.log.Info("request decided",
		zap.String("tenant_id", out.TenantID),
		zap.String("request_id", out.ID),
		zap.String("user_id", out.UserID),
		zap.String("approver_id", out.ApproverID),
		zap.String("status", string(out.Status)))
	if out.Status == leave.StatusApproved {
		s.emit(ctx, notify.ApprovedRequest, who, out)
	} else {
		s.emit(ctx, notify.RejectedRequest, who, out)
	}
	return out, nil
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel withdraws a PENDING request, or an APPROVED one before its notice
// window closes.
func (s *Service) Cancel(ctx context.Context, who leave.Identity, requestID string, expectedVersion int64) (leave.Request, error) {
	if err := s.entitlement.CheckActive(ctx, who.TenantID); err != nil {
		return leave.Request{}, s.fail("cancel", who, requestID, err)
	}

	var out leave.Request
	err := s.update(ctx, func(tx leave.Tx) error {
		r, err := s.load(ctx, tx, who, requestID, expectedVersion, access.CancelRequest)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		res := ledger.ReservationFor(r)
		switch r.Status {
		case leave.StatusPending:
			err = s.ledger.Release(ctx, tx, res)
		case leave.StatusApproved:
			deadline := r.StartDate.Add(-s.policy.CancelNotice)
			if !now.Before(deadline) {
				return &leave.TransitionError{RequestID: r.ID, From: r.Status, Op: "cancel",
					Detail: "cancellation window closed " + deadline.Format("2006-01-02 15:04")}
			}
			err = s.ledger.Refund(ctx, tx, res)
		default:
			return &leave.TransitionError{RequestID: r.ID, From: r.Status, Op: "cancel"}
		}
		if err != nil {
			return err
		}

		next := r
		next.Status = leave.StatusCancelled
		next.CancelledAt = &now
		if err := tx.UpdateRequest(ctx, next, r.Version); err != nil {
			return err
		}
		next.Version = r.Version + 1
		out = next
		return nil
	})
	if err != nil {
		return leave.Request{}, s.fail("cancel", who, requestID, err)
	}

	s.log.Info("request cancelled",
		zap.String("tenant_id", out.TenantID),
		zap.String("request_id", out.ID),
		zap.String("user_id", out.UserID))
	s.emit(ctx, notify.CancelledRequest, who, out)
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// load fetches a request, authorizes action against it and checks the
// expected version. A request of another tenant is a CrossTenant deny.
func (s *Service) load(ctx context.Context, tx leave.Tx, who leave.Identity, id string, expectedVersion int64, action access.Action) (leave.Request, error) {
	r, err := tx.RequestByID(ctx, id)
	if err != nil {
		return leave.Request{}, err
	}
	res, err := resourceFor(ctx, tx, r)
	if err != nil {
		return leave.Request{}, err
	}
	if err := access.Authorize(who, action, res).Err(); err != nil {
		return leave.Request{}, err
	}
	if expectedVersion != 0 && r.Version != expectedVersion {
		return leave.Request{}, fmt.Errorf("%w: request %s is at version %d, expected %d",
			leave.ErrConcurrentModification, r.ID, r.Version, expectedVersion)
	}
	return r, nil
}

// resourceFor describes a stored request for the access policy.
func resourceFor(ctx context.Context, tx leave.Tx, r leave.Request) (access.Resource, error) {
	res := access.Resource{TenantID: r.TenantID, OwnerID: r.UserID}
	owner, err := tx.UserByID(ctx, r.UserID)
	if errors.Is(err, leave.ErrNotFound) {
		return res, nil
	}
	if err != nil {
		return access.Resource{}, err
	}
	if owner.TenantID == r.TenantID {
		res.OwnerManagerID = owner.ManagerID
	}
	return res, nil
}

// validateShape checks what can be checked on the request alone.
func validateShape(r leave.Request) error {
	switch {
	case r.LeaveTypeID == "":
		return fmt.Errorf("%w: leave type is required", leave.ErrValidation)
	case r.StartDate.IsZero() || r.EndDate.IsZero():
		return fmt.Errorf("%w: start and end date are required", leave.ErrValidation)
	case r.EndDate.Before(r.StartDate):
		return fmt.Errorf("%w: end date %s is before start date %s", leave.ErrValidation,
			r.EndDate.Format("2006-01-02"), r.StartDate.Format("2006-01-02"))
	case r.StartDate.Year() != r.EndDate.Year():
		return fmt.Errorf("%w: a request cannot span calendar years", leave.ErrValidation)
	case r.Units <= 0:
		return fmt.Errorf("%w: units must be positive", leave.ErrValidation)
	case r.Units > leave.UnitsPerDay*leave.Units(r.CalendarDays()):
		return fmt.Errorf("%w: %s does not fit in %d calendar days", leave.ErrValidation, r.Units, r.CalendarDays())
	}
	return nil
}

func currentLeaveType(ctx context.Context, tx leave.Tx, r leave.Request) (leave.LeaveType, error) {
	lt, err := tx.LeaveType(ctx, r.TenantID, r.LeaveTypeID)
	if errors.Is(err, leave.ErrNotFound) {
		return leave.LeaveType{}, fmt.Errorf("%w: unknown leave type %s", leave.ErrValidation, r.LeaveTypeID)
	}
	if err != nil {
		return leave.LeaveType{}, err
	}
	if !lt.Current() {
		return leave.LeaveType{}, fmt.Errorf("%w: leave type %s was superseded by %s", leave.ErrValidation, lt.ID, lt.SupersededBy)
	}
	return lt, nil
}

// checkOverlap refuses r when the same user holds a PENDING or APPROVED
// request sharing a day with it.
func checkOverlap(ctx context.Context, tx leave.Tx, r leave.Request) error {
	live, err := tx.ListRequests(ctx, leave.RequestFilter{
		TenantID: r.TenantID,
		UserIDs:  []string{r.UserID},
		Statuses: []leave.Status{leave.StatusPending, leave.StatusApproved},
	})
	if err != nil {
		return err
	}
	for _, o := range live {
		if o.ID != r.ID && r.Overlaps(o) {
			return fmt.Errorf("%w: overlaps request %s (%s to %s)", leave.ErrOverlap, o.ID,
				o.StartDate.Format("2006-01-02"), o.EndDate.Format("2006-01-02"))
		}
	}
	return nil
}
