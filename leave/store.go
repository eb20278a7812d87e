/*
store.go - Storage contract

PURPOSE:
  Defines the interface between the engine and the database. Components never
  hold a global handle; they receive a Store and do all work inside WithTx.

ATOMICITY:
  Everything written inside one WithTx call commits together or not at all.
  A leave request status change and the balance mutation it causes are always
  written in the same transaction.

CONDITIONAL WRITES:
  PutBalance and UpdateRequest take the version the caller read. The write only
  succeeds if the stored row still has that version:
  - stale balance row        -> ErrConflict (engine retries the transaction)
  - stale request row        -> ErrConcurrentModification (caller retries)

IMPLEMENTATIONS:
  - store/memory: optimistic concurrency control, for tests and dev
  - store/sqlite: SQLite with UPDATE ... WHERE version = ?
*/
package leave

import "context"

// Store runs transactions.
type Store interface {
	// WithTx executes fn within a transaction. If fn returns an error nothing
	// it wrote is kept. Commit may fail with ErrConflict or
	// ErrConcurrentModification when a conditional write lost a race.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// BalanceRows is the part of a transaction the ledger needs.
type BalanceRows interface {
	// Balance returns the row for key, or ErrNotFound.
	Balance(ctx context.Context, key BalanceKey) (Balance, error)

	// PutBalance writes b if the stored version equals expectedVersion.
	// expectedVersion 0 inserts a new row.
	PutBalance(ctx context.Context, b Balance, expectedVersion int64) error
}

// Tx is a unit of work against storage.
type Tx interface {
	BalanceRows

	// ListBalances returns a user's rows for a year (all years when year is 0).
	ListBalances(ctx context.Context, tenantID, userID string, year int) ([]Balance, error)

	// BalanceKeys returns every balance row key, across tenants.
	BalanceKeys(ctx context.Context) ([]BalanceKey, error)

	Tenant(ctx context.Context, tenantID string) (Tenant, error)
	PutTenant(ctx context.Context, t Tenant) error

	// UserByID looks a user up regardless of tenant. Only the identity
	// resolver and access checks use this; callers compare TenantID.
	UserByID(ctx context.Context, userID string) (User, error)
	ListUsers(ctx context.Context, tenantID string) ([]User, error)
	PutUser(ctx context.Context, u User) error

	LeaveType(ctx context.Context, tenantID, id string) (LeaveType, error)
	ListLeaveTypes(ctx context.Context, tenantID string) ([]LeaveType, error)
	PutLeaveType(ctx context.Context, lt LeaveType) error
	// LeaveTypeReferenced reports whether any balance or request uses the type.
	LeaveTypeReferenced(ctx context.Context, tenantID, id string) (bool, error)

	// RequestByID looks a request up regardless of tenant. Callers must run
	// the access policy against the returned TenantID before using it.
	RequestByID(ctx context.Context, id string) (Request, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]Request, error)
	InsertRequest(ctx context.Context, r Request) error
	// UpdateRequest writes r if the stored version equals expectedVersion.
	UpdateRequest(ctx context.Context, r Request, expectedVersion int64) error
}

// RequestFilter selects requests within one tenant.
type RequestFilter struct {
	TenantID    string
	UserIDs     []string // empty: all users of the tenant
	LeaveTypeID string
	Year        int // 0: any year
	Statuses    []Status
}

// Matches reports whether r passes the filter.
func (f RequestFilter) Matches(r Request) bool {
	if r.TenantID != f.TenantID {
		return false
	}
	if len(f.UserIDs) > 0 && !contains(f.UserIDs, r.UserID) {
		return false
	}
	if f.LeaveTypeID != "" && r.LeaveTypeID != f.LeaveTypeID {
		return false
	}
	if f.Year != 0 && r.StartDate.Year() != f.Year {
		return false
	}
	if len(f.Statuses) > 0 && !contains(f.Statuses, r.Status) {
		return false
	}
	return true
}

func contains[T comparable](xs []T, x T) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
