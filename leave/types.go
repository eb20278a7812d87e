/*
Package leave holds the domain model shared by every component of the engine.

PURPOSE:
  Tenants, users, leave types, balances and leave requests, plus the unit type
  all balance arithmetic is done in. Components (identity, access, ledger,
  workflow, settings) and storage implementations all speak these types.

KEY CONCEPTS IN THIS FILE (types.go):
  - Units: integer half-day counts (no floating point anywhere in accounting)
  - Role: closed, ordered set EMPLOYEE < MANAGER < ADMIN
  - Identity: the (tenant, user, role) triple a request runs as
  - BalanceKey / Balance: one ledger row per (user, leave type, year)
  - Request: one leave request and its lifecycle status

TENANT ISOLATION:
  Every entity carries a TenantID. Nothing in this package enforces isolation by
  itself; the access package does, and storage lookups are keyed by tenant.

SEE ALSO:
  - errors.go: Error taxonomy
  - store.go: Storage contract (transactions, conditional writes)
*/
package leave

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// UNITS - Half-day counts
// =============================================================================

// Units is a quantity of leave in half days. 2 units == 1 day.
type Units int64

// UnitsPerDay is how many units make one full day of leave.
const UnitsPerDay Units = 2

var (
	halfDay  = decimal.NewFromFloat(0.5)
	maxUnits = decimal.NewFromInt(math.MaxInt64)
)

// ParseDays converts a day value such as "1.5" into units. The value must be a
// non-negative multiple of half a day.
func ParseDays(s string) (Units, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid day value %q", ErrValidation, s)
	}
	return DaysToUnits(d)
}

// DaysToUnits converts a decimal day value into units.
func DaysToUnits(d decimal.Decimal) (Units, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: negative day value %s", ErrValidation, d)
	}
	halves := d.Div(halfDay)
	if !halves.Equal(halves.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s is not a multiple of half a day", ErrValidation, d)
	}
	if halves.GreaterThan(maxUnits) {
		return 0, fmt.Errorf("%w: day value %s is out of range", ErrValidation, d)
	}
	return Units(halves.IntPart()), nil
}

// Days renders units as a decimal day value.
func (u Units) Days() decimal.Decimal {
	return decimal.NewFromInt(int64(u)).Mul(halfDay)
}

func (u Units) String() string { return u.Days().String() + "d" }

// =============================================================================
// ROLE - Tagged enum, ordered
// =============================================================================

type Role string

const (
	RoleEmployee Role = "EMPLOYEE"
	RoleManager  Role = "MANAGER"
	RoleAdmin    Role = "ADMIN"
)

var roleRank = map[Role]int{
	RoleEmployee: 1,
	RoleManager:  2,
	RoleAdmin:    3,
}

// ParseRole parses the string value and returns a role if one exists.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if _, ok := roleRank[r]; !ok {
		return "", fmt.Errorf("%w: invalid role %q", ErrValidation, s)
	}
	return r, nil
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether r carries every right of other.
// Unknown roles carry no rights.
func (r Role) AtLeast(other Role) bool {
	rank, ok := roleRank[r]
	if !ok {
		return false
	}
	return rank >= roleRank[other]
}

// =============================================================================
// TENANT / USER / IDENTITY
// =============================================================================

type Subscription string

const (
	SubscriptionTrialing Subscription = "trialing"
	SubscriptionActive   Subscription = "active"
	SubscriptionPastDue  Subscription = "past_due"
	SubscriptionCanceled Subscription = "canceled"
)

type Tenant struct {
	ID           string
	Name         string
	Subscription Subscription
	TrialEndsAt  *time.Time
	CreatedAt    time.Time
}

type User struct {
	ID        string
	TenantID  string
	Role      Role
	ManagerID string // empty when the user reports to nobody
	Email     string
	Name      string
	CreatedAt time.Time
	DeletedAt *time.Time
}

// Deleted reports whether the user has been offboarded.
func (u User) Deleted() bool { return u.DeletedAt != nil }

// Identity is who a request runs as. Only the identity package creates one
// from a credential.
type Identity struct {
	TenantID string
	UserID   string
	Role     Role
}

// =============================================================================
// LEAVE TYPE - Versioned, immutable once referenced
// =============================================================================

type CarryOverPolicy struct {
	// MaxUnits caps what moves from one year's unused balance into the next.
	MaxUnits Units
}

type LeaveType struct {
	ID           string
	TenantID     string
	Name         string
	Version      int
	AccrualUnits Units // granted per calendar year
	CarryOver    CarryOverPolicy
	SupersedesID string
	SupersededBy string
	CreatedAt    time.Time
}

// Current reports whether no newer version replaces this leave type.
func (lt LeaveType) Current() bool { return lt.SupersededBy == "" }

// =============================================================================
// BALANCE - One row per (user, leave type, year)
// =============================================================================

type BalanceKey struct {
	TenantID    string
	UserID      string
	LeaveTypeID string
	Year        int
}

func (k BalanceKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%d", k.TenantID, k.UserID, k.LeaveTypeID, k.Year)
}

// Balance is a materialized projection of request history.
//
// INVARIANT: Accrued >= Consumed + Pending, Consumed >= 0, Pending >= 0.
type Balance struct {
	Key       BalanceKey
	Accrued   Units
	Consumed  Units
	Pending   Units
	Version   int64 // 0 means the row does not exist yet
	UpdatedAt time.Time
}

// Available returns what can still be reserved.
func (b Balance) Available() Units { return b.Accrued - b.Consumed - b.Pending }

// Validate checks the balance invariant.
func (b Balance) Validate() error {
	if b.Consumed < 0 || b.Pending < 0 || b.Accrued < b.Consumed+b.Pending {
		return &InvariantError{Balance: b}
	}
	return nil
}

// SameUnits reports whether two balances hold the same amounts.
func (b Balance) SameUnits(o Balance) bool {
	return b.Accrued == o.Accrued && b.Consumed == o.Consumed && b.Pending == o.Pending
}

// =============================================================================
// REQUEST - Leave request lifecycle
// =============================================================================

type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
)

// ParseStatus parses a request status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusDraft, StatusPending, StatusApproved, StatusRejected, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
}

// Holds reports whether a request in this status holds balance units,
// either reserved (PENDING) or consumed (APPROVED).
func (s Status) Holds() bool { return s == StatusPending || s == StatusApproved }

type Request struct {
	ID           string
	TenantID     string
	UserID       string
	LeaveTypeID  string
	StartDate    time.Time // date only, UTC midnight
	EndDate      time.Time // inclusive
	Units        Units
	Status       Status
	ApproverID   string
	Reason       string
	DecisionNote string
	CreatedAt    time.Time
	SubmittedAt  *time.Time
	DecidedAt    *time.Time
	CancelledAt  *time.Time
	Version      int64
}

// Key returns the balance row the request draws from.
func (r Request) Key() BalanceKey {
	return BalanceKey{
		TenantID:    r.TenantID,
		UserID:      r.UserID,
		LeaveTypeID: r.LeaveTypeID,
		Year:        r.StartDate.Year(),
	}
}

// Overlaps reports whether the two requests share at least one day.
func (r Request) Overlaps(o Request) bool {
	return !r.StartDate.After(o.EndDate) && !o.StartDate.After(r.EndDate)
}

// CalendarDays counts the days in [StartDate, EndDate].
func (r Request) CalendarDays() int {
	return int(r.EndDate.Sub(r.StartDate).Hours()/24) + 1
}

// Date truncates t to a UTC calendar date.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
