/*
Package memory provides an in-memory leave.Store (for tests and dev).

CONCURRENCY MODEL - Optimistic:
  - Reads inside a transaction see committed state plus the transaction's own
    buffered writes. No lock is held while fn runs.
  - Writes are buffered in the transaction.
  - Commit takes the store lock, validates what the transaction read and
    wrote against the current versions, then applies everything at once.

VALIDATION AT COMMIT:
  1. updated request rows     stale -> ErrConcurrentModification
  2. balance rows read/written stale -> ErrConflict
  3. per-user request sets    changed since ListRequests -> ErrConflict

  A read-only transaction never fails validation. Two transactions that touch
  different rows never conflict.

  Tenants, users and leave types are last-writer-wins.
*/
package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/warp/leave-engine/leave"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type userKey struct {
	TenantID string
	UserID   string
}

type Memory struct {
	mu         sync.RWMutex
	tenants    map[string]leave.Tenant
	users      map[string]leave.User
	leaveTypes map[string]leave.LeaveType
	balances   map[leave.BalanceKey]leave.Balance
	requests   map[string]leave.Request
	// userSets versions the set of requests each user has. It moves on every
	// request insert or update for that user.
	userSets map[userKey]int64
}

var _ leave.Store = (*Memory)(nil)

func New() *Memory {
	return &Memory{
		tenants:    make(map[string]leave.Tenant),
		users:      make(map[string]leave.User),
		leaveTypes: make(map[string]leave.LeaveType),
		balances:   make(map[leave.BalanceKey]leave.Balance),
		requests:   make(map[string]leave.Request),
		userSets:   make(map[userKey]int64),
	}
}

// WithTx executes fn within an optimistic transaction.
func (m *Memory) WithTx(ctx context.Context, fn func(leave.Tx) error) error {
	tx := newTx(m)
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commit(tx)
}

func (m *Memory) commit(tx *memTx) error {
	if !tx.dirty() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, w := range tx.requests {
		if cur := m.requests[id].Version; cur != w.expected {
			if w.expected == 0 {
				return fmt.Errorf("%w: request %s already exists", leave.ErrConcurrentModification, id)
			}
			return fmt.Errorf("%w: request %s is at version %d, expected %d",
				leave.ErrConcurrentModification, id, cur, w.expected)
		}
	}
	for k, seen := range tx.balanceReads {
		if cur := m.balances[k].Version; cur != seen {
			return fmt.Errorf("%w: balance %s moved from version %d to %d", leave.ErrConflict, k, seen, cur)
		}
	}
	for k, seen := range tx.userSetReads {
		if cur := m.userSets[k]; cur != seen {
			return fmt.Errorf("%w: requests of user %s changed", leave.ErrConflict, k.UserID)
		}
	}

	maps.Copy(m.tenants, tx.tenants)
	maps.Copy(m.users, tx.users)
	maps.Copy(m.leaveTypes, tx.leaveTypes)
	for k, b := range tx.balances {
		m.balances[k] = b
	}
	for id, w := range tx.requests {
		m.requests[id] = w.row
		m.userSets[userKey{w.row.TenantID, w.row.UserID}]++
	}
	return nil
}

// =============================================================================
// TRANSACTION
// =============================================================================

type requestWrite struct {
	row      leave.Request
	expected int64
}

type memTx struct {
	m *Memory

	tenants    map[string]leave.Tenant
	users      map[string]leave.User
	leaveTypes map[string]leave.LeaveType
	balances   map[leave.BalanceKey]leave.Balance
	requests   map[string]requestWrite

	// versions observed on first read
	balanceReads map[leave.BalanceKey]int64
	userSetReads map[userKey]int64
}

func newTx(m *Memory) *memTx {
	return &memTx{
		m:            m,
		tenants:      make(map[string]leave.Tenant),
		users:        make(map[string]leave.User),
		leaveTypes:   make(map[string]leave.LeaveType),
		balances:     make(map[leave.BalanceKey]leave.Balance),
		requests:     make(map[string]requestWrite),
		balanceReads: make(map[leave.BalanceKey]int64),
		userSetReads: make(map[userKey]int64),
	}
}

func (tx *memTx) dirty() bool {
	return len(tx.tenants)+len(tx.users)+len(tx.leaveTypes)+len(tx.balances)+len(tx.requests) > 0
}

// --- balances ---

func (tx *memTx) Balance(_ context.Context, key leave.BalanceKey) (leave.Balance, error) {
	if b, ok := tx.balances[key]; ok {
		return b, nil
	}
	tx.m.mu.RLock()
	b, ok := tx.m.balances[key]
	tx.m.mu.RUnlock()

	if _, seen := tx.balanceReads[key]; !seen {
		tx.balanceReads[key] = b.Version
	}
	if !ok {
		return leave.Balance{}, fmt.Errorf("balance %s: %w", key, leave.ErrNotFound)
	}
	return b, nil
}

func (tx *memTx) PutBalance(ctx context.Context, b leave.Balance, expectedVersion int64) error {
	var current int64
	if buffered, ok := tx.balances[b.Key]; ok {
		current = buffered.Version
	} else {
		cur, err := tx.Balance(ctx, b.Key)
		if err == nil {
			current = cur.Version
		}
	}
	if current != expectedVersion {
		return fmt.Errorf("%w: balance %s is at version %d, expected %d",
			leave.ErrConflict, b.Key, current, expectedVersion)
	}
	if err := b.Validate(); err != nil {
		return err
	}
	b.Version = expectedVersion + 1
	tx.balances[b.Key] = b
	return nil
}

func (tx *memTx) ListBalances(_ context.Context, tenantID, userID string, year int) ([]leave.Balance, error) {
	match := func(k leave.BalanceKey) bool {
		return k.TenantID == tenantID && k.UserID == userID && (year == 0 || k.Year == year)
	}
	rows := make(map[leave.BalanceKey]leave.Balance)
	tx.m.mu.RLock()
	for k, b := range tx.m.balances {
		if match(k) {
			rows[k] = b
		}
	}
	tx.m.mu.RUnlock()
	for k, b := range tx.balances {
		if match(k) {
			rows[k] = b
		}
	}

	out := slices.Collect(maps.Values(rows))
	slices.SortFunc(out, func(a, b leave.Balance) int {
		return cmp.Or(cmp.Compare(a.Key.Year, b.Key.Year), cmp.Compare(a.Key.LeaveTypeID, b.Key.LeaveTypeID))
	})
	return out, nil
}

func (tx *memTx) BalanceKeys(_ context.Context) ([]leave.BalanceKey, error) {
	keys := make(map[leave.BalanceKey]struct{})
	tx.m.mu.RLock()
	for k := range tx.m.balances {
		keys[k] = struct{}{}
	}
	tx.m.mu.RUnlock()
	for k := range tx.balances {
		keys[k] = struct{}{}
	}
	out := slices.Collect(maps.Keys(keys))
	slices.SortFunc(out, func(a, b leave.BalanceKey) int { return cmp.Compare(a.String(), b.String()) })
	return out, nil
}

// --- tenants ---

func (tx *memTx) Tenant(_ context.Context, tenantID string) (leave.Tenant, error) {
	if t, ok := tx.tenants[tenantID]; ok {
		return t, nil
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	t, ok := tx.m.tenants[tenantID]
	if !ok {
		return leave.Tenant{}, fmt.Errorf("tenant %s: %w", tenantID, leave.ErrNotFound)
	}
	return t, nil
}

func (tx *memTx) PutTenant(_ context.Context, t leave.Tenant) error {
	tx.tenants[t.ID] = t
	return nil
}

// --- users ---

func (tx *memTx) UserByID(_ context.Context, userID string) (leave.User, error) {
	if u, ok := tx.users[userID]; ok {
		return u, nil
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	u, ok := tx.m.users[userID]
	if !ok {
		return leave.User{}, fmt.Errorf("user %s: %w", userID, leave.ErrNotFound)
	}
	return u, nil
}

func (tx *memTx) ListUsers(_ context.Context, tenantID string) ([]leave.User, error) {
	rows := make(map[string]leave.User)
	tx.m.mu.RLock()
	for id, u := range tx.m.users {
		if u.TenantID == tenantID {
			rows[id] = u
		}
	}
	tx.m.mu.RUnlock()
	for id, u := range tx.users {
		if u.TenantID == tenantID {
			rows[id] = u
		}
	}
	out := slices.Collect(maps.Values(rows))
	slices.SortFunc(out, func(a, b leave.User) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (tx *memTx) PutUser(_ context.Context, u leave.User) error {
	tx.users[u.ID] = u
	return nil
}

// --- leave types ---

func (tx *memTx) LeaveType(_ context.Context, tenantID, id string) (leave.LeaveType, error) {
	lt, ok := tx.leaveTypes[id]
	if !ok {
		tx.m.mu.RLock()
		lt, ok = tx.m.leaveTypes[id]
		tx.m.mu.RUnlock()
	}
	if !ok || lt.TenantID != tenantID {
		return leave.LeaveType{}, fmt.Errorf("leave type %s: %w", id, leave.ErrNotFound)
	}
	return lt, nil
}

func (tx *memTx) ListLeaveTypes(_ context.Context, tenantID string) ([]leave.LeaveType, error) {
	rows := make(map[string]leave.LeaveType)
	tx.m.mu.RLock()
	for id, lt := range tx.m.leaveTypes {
		if lt.TenantID == tenantID {
			rows[id] = lt
		}
	}
	tx.m.mu.RUnlock()
	for id, lt := range tx.leaveTypes {
		if lt.TenantID == tenantID {
			rows[id] = lt
		}
	}
	out := slices.Collect(maps.Values(rows))
	slices.SortFunc(out, func(a, b leave.LeaveType) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.Version, b.Version))
	})
	return out, nil
}

func (tx *memTx) PutLeaveType(_ context.Context, lt leave.LeaveType) error {
	tx.leaveTypes[lt.ID] = lt
	return nil
}

func (tx *memTx) LeaveTypeReferenced(_ context.Context, tenantID, id string) (bool, error) {
	for k := range tx.balances {
		if k.TenantID == tenantID && k.LeaveTypeID == id {
			return true, nil
		}
	}
	for _, w := range tx.requests {
		if w.row.TenantID == tenantID && w.row.LeaveTypeID == id {
			return true, nil
		}
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	for k := range tx.m.balances {
		if k.TenantID == tenantID && k.LeaveTypeID == id {
			return true, nil
		}
	}
	for _, r := range tx.m.requests {
		if r.TenantID == tenantID && r.LeaveTypeID == id {
			return true, nil
		}
	}
	return false, nil
}

// --- requests ---

func (tx *memTx) RequestByID(_ context.Context, id string) (leave.Request, error) {
	if w, ok := tx.requests[id]; ok {
		return w.row, nil
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	r, ok := tx.m.requests[id]
	if !ok {
		return leave.Request{}, fmt.Errorf("request %s: %w", id, leave.ErrNotFound)
	}
	return r, nil
}

func (tx *memTx) ListRequests(_ context.Context, f leave.RequestFilter) ([]leave.Request, error) {
	rows := make(map[string]leave.Request)
	tx.m.mu.RLock()
	for _, uid := range f.UserIDs {
		k := userKey{f.TenantID, uid}
		if _, seen := tx.userSetReads[k]; !seen {
			tx.userSetReads[k] = tx.m.userSets[k]
		}
	}
	for id, r := range tx.m.requests {
		if f.Matches(r) {
			rows[id] = r
		}
	}
	tx.m.mu.RUnlock()
	for id, w := range tx.requests {
		if f.Matches(w.row) {
			rows[id] = w.row
		} else {
			delete(rows, id)
		}
	}

	out := slices.Collect(maps.Values(rows))
	slices.SortFunc(out, func(a, b leave.Request) int {
		return cmp.Or(a.StartDate.Compare(b.StartDate), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (tx *memTx) InsertRequest(_ context.Context, r leave.Request) error {
	if _, ok := tx.requests[r.ID]; ok {
		return fmt.Errorf("%w: request %s already exists", leave.ErrValidation, r.ID)
	}
	r.Version = 1
	tx.requests[r.ID] = requestWrite{row: r, expected: 0}
	return nil
}

func (tx *memTx) UpdateRequest(ctx context.Context, r leave.Request, expectedVersion int64) error {
	w, buffered := tx.requests[r.ID]
	if !buffered {
		cur, err := tx.RequestByID(ctx, r.ID)
		if err != nil {
			return err
		}
		w = requestWrite{row: cur, expected: cur.Version}
	}
	if w.row.Version != expectedVersion {
		return fmt.Errorf("%w: request %s is at version %d, expected %d",
			leave.ErrConcurrentModification, r.ID, w.row.Version, expectedVersion)
	}
	r.Version = expectedVersion + 1
	tx.requests[r.ID] = requestWrite{row: r, expected: w.expected}
	return nil
}
