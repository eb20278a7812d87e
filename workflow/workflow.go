/*
Package workflow drives leave requests through their lifecycle.

STATE MACHINE:

	DRAFT --submit--> PENDING --approve--> APPROVED --cancel*--> CANCELLED
	                     |
	                     +----reject--> REJECTED
	                     +----cancel--> CANCELLED

	* only while now < start date - Policy.CancelNotice

	Terminal: REJECTED, CANCELLED. Anything else is ErrInvalidTransition.

ORDER OF CHECKS (every mutating operation):
  1. EntitlementCheck for the caller's tenant
  2. Access policy against the stored request and its owner
  3. Expected version (If-Match), when the caller passed one
  4. Current status
  5. Business validation (dates, overlap, balance)

ATOMICITY:
  The status change and the ledger mutation it causes are written in one
  storage transaction. A lost race on a balance row (ErrConflict) re-runs the
  whole transaction; a lost race on the request row surfaces to the caller as
  ErrConcurrentModification.

  Notifications are emitted after the commit. A failing emitter is logged and
  never rolls the transition back.

SEE ALSO:
  - ledger/ledger.go: Balance accounting
  - access/access.go: Rule table
*/
package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/notify"
)

// EntitlementCheck reports whether a tenant may mutate data: nil when it may,
// leave.ErrTrialExpired or leave.ErrSubscriptionInactive otherwise.
type EntitlementCheck interface {
	CheckActive(ctx context.Context, tenantID string) error
}

// EntitlementFunc adapts a function to EntitlementCheck.
type EntitlementFunc func(ctx context.Context, tenantID string) error

func (f EntitlementFunc) CheckActive(ctx context.Context, tenantID string) error {
	return f(ctx, tenantID)
}

// AlwaysEntitled lets every tenant through.
var AlwaysEntitled EntitlementCheck = EntitlementFunc(func(context.Context, string) error { return nil })

// Policy holds the tenant-independent workflow knobs.
type Policy struct {
	// CancelNotice is how long before the start date an approved request can
	// still be cancelled. 0 means up to the start date.
	CancelNotice time.Duration
}

type Options struct {
	Policy   Policy
	Now      func() time.Time
	NewID    func() string
	Attempts uint // transaction re-runs on ErrConflict, default leave.DefaultAttempts
	Logger   *zap.Logger
}

type Service struct {
	store       leave.Store
	ledger      *ledger.Ledger
	emitter     notify.Emitter
	entitlement EntitlementCheck
	policy      Policy
	now         func() time.Time
	newID       func() string
	attempts    uint
	log         *zap.Logger
}

func New(store leave.Store, l *ledger.Ledger, emitter notify.Emitter, entitlement EntitlementCheck, opts Options) *Service {
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
	if emitter == nil {
		emitter = notify.Nop
	}
	if entitlement == nil {
		entitlement = AlwaysEntitled
	}
	return &Service{
		store:       store,
		ledger:      l,
		emitter:     emitter,
		entitlement: entitlement,
		policy:      opts.Policy,
		now:         opts.Now,
		newID:       opts.NewID,
		attempts:    opts.Attempts,
		log:         opts.Logger.Named("workflow"),
	}
}

// Decision is a manager's verdict on a pending request.
type Decision string

const (
	Approve Decision = "APPROVE"
	Reject  Decision = "REJECT"
)

// NewRequest is the input to Draft.
type NewRequest struct {
	UserID      string // owner; empty means the caller
	LeaveTypeID string
	StartDate   time.Time
	EndDate     time.Time
	Units       leave.Units
	Reason      string
}

// =============================================================================
// INTERNALS
// =============================================================================

// update runs fn in a transaction, re-running it on balance contention.
func (s *Service) update(ctx context.Context, fn func(tx leave.Tx) error) error {
	return leave.Retry(ctx, s.attempts, func() error {
		return s.store.WithTx(ctx, fn)
	})
}

func (s *Service) read(ctx context.Context, fn func(tx leave.Tx) error) error {
	return s.store.WithTx(ctx, fn)
}

// emit sends an event after commit. It must not fail the operation.
func (s *Service) emit(ctx context.Context, kind notify.Kind, who leave.Identity, r leave.Request) {
	e := notify.Event{
		Kind:        kind,
		TenantID:    r.TenantID,
		RequestID:   r.ID,
		UserID:      r.UserID,
		ActorID:     who.UserID,
		ApproverID:  r.ApproverID,
		Note:        r.DecisionNote,
		LeaveTypeID: r.LeaveTypeID,
		StartDate:   r.StartDate.Format(time.DateOnly),
		EndDate:     r.EndDate.Format(time.DateOnly),
		Days:        r.Units.Days().String(),
		At:          s.now().UTC(),
	}
	switch kind {
	case notify.ApprovedRequest:
		e.Decision = string(Approve)
	case notify.RejectedRequest:
		e.Decision = string(Reject)
	}
	if err := s.emitter.Emit(context.WithoutCancel(ctx), e); err != nil {
		s.log.Warn("notification not emitted",
			zap.String("kind", string(kind)),
			zap.String("tenant_id", r.TenantID),
			zap.String("request_id", r.ID),
			zap.Error(err))
	}
}

func (s *Service) fail(op string, who leave.Identity, requestID string, err error) error {
	fields := []zap.Field{
		zap.String("op", op),
		zap.String("tenant_id", who.TenantID),
		zap.String("user_id", who.UserID),
		zap.String("request_id", requestID),
		zap.Error(err),
	}
	if leave.IsAuthError(err) || leave.IsClientError(err) || leave.IsRetryable(err) {
		s.log.Warn("operation rejected", fields...)
	} else {
		s.log.Error("operation failed", fields...)
	}
	return err
}
