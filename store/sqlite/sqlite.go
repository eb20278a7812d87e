/*
Package sqlite provides a SQLite-backed leave.Store.

PURPOSE:
  Persists tenants, users, leave types, balances and requests. The same
  schema and conditional-update pattern carries over to PostgreSQL with minor
  dialect changes.

KEY TABLES:
  tenants:      subscription state read by the entitlement check
  users:        soft-deleted only (deleted_at), never removed
  leave_types:  versioned; superseded rows stay for history
  balances:     one row per (tenant, user, leave type, year) with a version
  requests:     leave requests with a version

INVARIANTS IN THE SCHEMA:
  balances carries CHECK constraints for
    consumed >= 0, pending >= 0, accrued >= consumed + pending
  so no code path can persist a broken balance, even one that skipped the
  ledger.

CONDITIONAL WRITES:
  UPDATE ... WHERE <key> AND version = ?
  0 rows affected on a balance  -> leave.ErrConflict
  0 rows affected on a request  -> leave.ErrConcurrentModification

CONCURRENCY:
  WithTx holds a process-wide mutex for the duration of the transaction, so
  writers are serialized and a transaction never sees a half-applied state.
  The version checks still guard every write, which keeps the semantics
  identical to store/memory and to a multi-writer database.

WAL MODE:
  File databases are opened with WAL and a busy timeout. Use ":memory:" for
  tests; the pool is pinned to one connection so every query sees the same
  in-memory database.

SEE ALSO:
  - leave/store.go: Interface definitions
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/leave-engine/leave"
)

const (
	timeLayout = time.RFC3339Nano
	dateLayout = time.DateOnly
)

// Store implements leave.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

var _ leave.Store = (*Store)(nil)

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		subscription TEXT NOT NULL,
		trial_ends_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		role TEXT NOT NULL CHECK (role IN ('EMPLOYEE', 'MANAGER', 'ADMIN')),
		manager_id TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL,
		deleted_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_users_tenant
		ON users(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_users_manager
		ON users(tenant_id, manager_id);

	CREATE TABLE IF NOT EXISTS leave_types (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		name TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		accrual_units INTEGER NOT NULL CHECK (accrual_units >= 0),
		carry_over_max INTEGER NOT NULL DEFAULT 0 CHECK (carry_over_max >= 0),
		supersedes_id TEXT NOT NULL DEFAULT '',
		superseded_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_leave_types_tenant
		ON leave_types(tenant_id);

	-- CRITICAL: the balance invariant is enforced by the database itself
	CREATE TABLE IF NOT EXISTS balances (
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		leave_type_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		accrued INTEGER NOT NULL,
		consumed INTEGER NOT NULL CHECK (consumed >= 0),
		pending INTEGER NOT NULL CHECK (pending >= 0),
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, user_id, leave_type_id, year),
		CHECK (accrued >= consumed + pending)
	);

	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		leave_type_id TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		units INTEGER NOT NULL,
		status TEXT NOT NULL,
		approver_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		decision_note TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		submitted_at TEXT,
		decided_at TEXT,
		cancelled_at TEXT,
		version INTEGER NOT NULL
	);

	-- Overlap checks and per-user listings (hot path)
	CREATE INDEX IF NOT EXISTS idx_requests_tenant_user_status
		ON requests(tenant_id, user_id, status);
	CREATE INDEX IF NOT EXISTS idx_requests_tenant_start
		ON requests(tenant_id, start_date);
	CREATE INDEX IF NOT EXISTS idx_requests_leave_type
		ON requests(tenant_id, leave_type_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(leave.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txStore runs every statement on the open transaction. It never calls back
// into Store, which holds the mutex.
type txStore struct {
	tx *sql.Tx
}

// =============================================================================
// BALANCES
// =============================================================================

const balanceColumns = `tenant_id, user_id, leave_type_id, year, accrued, consumed, pending, version, updated_at`

func (ts *txStore) Balance(ctx context.Context, key leave.BalanceKey) (leave.Balance, error) {
	row := ts.tx.QueryRowContext(ctx, `
		SELECT `+balanceColumns+`
		FROM balances
		WHERE tenant_id = ? AND user_id = ? AND leave_type_id = ? AND year = ?`,
		key.TenantID, key.UserID, key.LeaveTypeID, key.Year)
	b, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return leave.Balance{}, fmt.Errorf("balance %s: %w", key, leave.ErrNotFound)
	}
	return b, err
}

func (ts *txStore) PutBalance(ctx context.Context, b leave.Balance, expectedVersion int64) error {
	if err := b.Validate(); err != nil {
		return err
	}
	k := b.Key
	updated := b.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	if expectedVersion == 0 {
		_, err := ts.tx.ExecContext(ctx, `
			INSERT INTO balances (`+balanceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)`,
			k.TenantID, k.UserID, k.LeaveTypeID, k.Year,
			b.Accrued, b.Consumed, b.Pending, formatTime(updated))
		if isConstraint(err, sqlite3.ErrConstraintPrimaryKey) || isConstraint(err, sqlite3.ErrConstraintUnique) {
			return fmt.Errorf("%w: balance %s already exists", leave.ErrConflict, k)
		}
		return balanceWriteErr(err, b)
	}

	res, err := ts.tx.ExecContext(ctx, `
		UPDATE balances
		SET accrued = ?, consumed = ?, pending = ?, version = version + 1, updated_at = ?
		WHERE tenant_id = ? AND user_id = ? AND leave_type_id = ? AND year = ? AND version = ?`,
		b.Accrued, b.Consumed, b.Pending, formatTime(updated),
		k.TenantID, k.UserID, k.LeaveTypeID, k.Year, expectedVersion)
	if err != nil {
		return balanceWriteErr(err, b)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: balance %s is not at version %d", leave.ErrConflict, k, expectedVersion)
	}
	return nil
}

func (ts *txStore) ListBalances(ctx context.Context, tenantID, userID string, year int) ([]leave.Balance, error) {
	query := `SELECT ` + balanceColumns + ` FROM balances WHERE tenant_id = ? AND user_id = ?`
	args := []any{tenantID, userID}
	if year != 0 {
		query += ` AND year = ?`
		args = append(args, year)
	}
	query += ` ORDER BY year, leave_type_id`

	rows, err := ts.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var out []leave.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (ts *txStore) BalanceKeys(ctx context.Context) ([]leave.BalanceKey, error) {
	rows, err := ts.tx.QueryContext(ctx, `
		SELECT tenant_id, user_id, leave_type_id, year
		FROM balances
		ORDER BY tenant_id, user_id, leave_type_id, year`)
	if err != nil {
		return nil, fmt.Errorf("failed to query balance keys: %w", err)
	}
	defer rows.Close()

	var out []leave.BalanceKey
	for rows.Next() {
		var k leave.BalanceKey
		if err := rows.Scan(&k.TenantID, &k.UserID, &k.LeaveTypeID, &k.Year); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// =============================================================================
// TENANTS
// =============================================================================

func (ts *txStore) Tenant(ctx context.Context, tenantID string) (leave.Tenant, error) {
	var (
		t         leave.Tenant
		sub       string
		trialEnds sql.NullString
		createdAt string
	)
	err := ts.tx.QueryRowContext(ctx, `
		SELECT id, name, subscription, trial_ends_at, created_at
		FROM tenants WHERE id = ?`, tenantID).
		Scan(&t.ID, &t.Name, &sub, &trialEnds, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return leave.Tenant{}, fmt.Errorf("tenant %s: %w", tenantID, leave.ErrNotFound)
	}
	if err != nil {
		return leave.Tenant{}, fmt.Errorf("failed to get tenant: %w", err)
	}
	t.Subscription = leave.Subscription(sub)
	t.TrialEndsAt = parseNullTime(trialEnds)
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}

func (ts *txStore) PutTenant(ctx context.Context, t leave.Tenant) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO tenants (id, name, subscription, trial_ends_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			subscription = excluded.subscription,
			trial_ends_at = excluded.trial_ends_at`,
		t.ID, t.Name, string(t.Subscription), nullTime(t.TrialEndsAt), formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save tenant: %w", err)
	}
	return nil
}

// =============================================================================
// USERS
// =============================================================================

const userColumns = `id, tenant_id, role, manager_id, email, name, created_at, deleted_at`

func (ts *txStore) UserByID(ctx context.Context, userID string) (leave.User, error) {
	row := ts.tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, userID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return leave.User{}, fmt.Errorf("user %s: %w", userID, leave.ErrNotFound)
	}
	return u, err
}

func (ts *txStore) ListUsers(ctx context.Context, tenantID string) ([]leave.User, error) {
	rows, err := ts.tx.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE tenant_id = ? ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var out []leave.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (ts *txStore) PutUser(ctx context.Context, u leave.User) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			role = excluded.role,
			manager_id = excluded.manager_id,
			email = excluded.email,
			name = excluded.name,
			deleted_at = excluded.deleted_at`,
		u.ID, u.TenantID, string(u.Role), u.ManagerID, u.Email, u.Name,
		formatTime(u.CreatedAt), nullTime(u.DeletedAt))
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// =============================================================================
// LEAVE TYPES
// =============================================================================

const leaveTypeColumns = `id, tenant_id, name, version, accrual_units, carry_over_max, supersedes_id, superseded_by, created_at`

func (ts *txStore) LeaveType(ctx context.Context, tenantID, id string) (leave.LeaveType, error) {
	row := ts.tx.QueryRowContext(ctx, `
		SELECT `+leaveTypeColumns+` FROM leave_types
		WHERE tenant_id = ? AND id = ?`, tenantID, id)
	lt, err := scanLeaveType(row)
	if errors.Is(err, sql.ErrNoRows) {
		return leave.LeaveType{}, fmt.Errorf("leave type %s: %w", id, leave.ErrNotFound)
	}
	return lt, err
}

func (ts *txStore) ListLeaveTypes(ctx context.Context, tenantID string) ([]leave.LeaveType, error) {
	rows, err := ts.tx.QueryContext(ctx, `
		SELECT `+leaveTypeColumns+` FROM leave_types
		WHERE tenant_id = ?
		ORDER BY name, version`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query leave types: %w", err)
	}
	defer rows.Close()

	var out []leave.LeaveType
	for rows.Next() {
		lt, err := scanLeaveType(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lt)
	}
	return out, rows.Err()
}

func (ts *txStore) PutLeaveType(ctx context.Context, lt leave.LeaveType) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO leave_types (`+leaveTypeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			version = excluded.version,
			accrual_units = excluded.accrual_units,
			carry_over_max = excluded.carry_over_max,
			supersedes_id = excluded.supersedes_id,
			superseded_by = excluded.superseded_by`,
		lt.ID, lt.TenantID, lt.Name, lt.Version, lt.AccrualUnits, lt.CarryOver.MaxUnits,
		lt.SupersedesID, lt.SupersededBy, formatTime(lt.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save leave type: %w", err)
	}
	return nil
}

func (ts *txStore) LeaveTypeReferenced(ctx context.Context, tenantID, id string) (bool, error) {
	var referenced bool
	err := ts.tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM balances WHERE tenant_id = ? AND leave_type_id = ?)
		    OR EXISTS (SELECT 1 FROM requests WHERE tenant_id = ? AND leave_type_id = ?)`,
		tenantID, id, tenantID, id).Scan(&referenced)
	if err != nil {
		return false, fmt.Errorf("failed to check leave type references: %w", err)
	}
	return referenced, nil
}

// =============================================================================
// REQUESTS
// =============================================================================

const requestColumns = `id, tenant_id, user_id, leave_type_id, start_date, end_date, units, status,
	approver_id, reason, decision_note, created_at, submitted_at, decided_at, cancelled_at, version`

func (ts *txStore) RequestByID(ctx context.Context, id string) (leave.Request, error) {
	row := ts.tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return leave.Request{}, fmt.Errorf("request %s: %w", id, leave.ErrNotFound)
	}
	return r, err
}

func (ts *txStore) ListRequests(ctx context.Context, f leave.RequestFilter) ([]leave.Request, error) {
	where := []string{"tenant_id = ?"}
	args := []any{f.TenantID}
	if len(f.UserIDs) > 0 {
		where = append(where, "user_id IN ("+placeholders(len(f.UserIDs))+")")
		for _, id := range f.UserIDs {
			args = append(args, id)
		}
	}
	if f.LeaveTypeID != "" {
		where = append(where, "leave_type_id = ?")
		args = append(args, f.LeaveTypeID)
	}
	if f.Year != 0 {
		where = append(where, "start_date >= ? AND start_date < ?")
		args = append(args, fmt.Sprintf("%04d-01-01", f.Year), fmt.Sprintf("%04d-01-01", f.Year+1))
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}

	rows, err := ts.tx.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY start_date, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	defer rows.Close()

	var out []leave.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (ts *txStore) InsertRequest(ctx context.Context, r leave.Request) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		r.ID, r.TenantID, r.UserID, r.LeaveTypeID,
		r.StartDate.Format(dateLayout), r.EndDate.Format(dateLayout), r.Units, string(r.Status),
		r.ApproverID, r.Reason, r.DecisionNote, formatTime(r.CreatedAt),
		nullTime(r.SubmittedAt), nullTime(r.DecidedAt), nullTime(r.CancelledAt))
	if isConstraint(err, sqlite3.ErrConstraintPrimaryKey) || isConstraint(err, sqlite3.ErrConstraintUnique) {
		return fmt.Errorf("%w: request %s already exists", leave.ErrConcurrentModification, r.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}
	return nil
}

func (ts *txStore) UpdateRequest(ctx context.Context, r leave.Request, expectedVersion int64) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE requests SET
			leave_type_id = ?, start_date = ?, end_date = ?, units = ?, status = ?,
			approver_id = ?, reason = ?, decision_note = ?,
			submitted_at = ?, decided_at = ?, cancelled_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		r.LeaveTypeID, r.StartDate.Format(dateLayout), r.EndDate.Format(dateLayout), r.Units, string(r.Status),
		r.ApproverID, r.Reason, r.DecisionNote,
		nullTime(r.SubmittedAt), nullTime(r.DecidedAt), nullTime(r.CancelledAt),
		r.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := ts.RequestByID(ctx, r.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: request %s is not at version %d", leave.ErrConcurrentModification, r.ID, expectedVersion)
	}
	return nil
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanBalance(row scanner) (leave.Balance, error) {
	var (
		b       leave.Balance
		updated string
	)
	err := row.Scan(&b.Key.TenantID, &b.Key.UserID, &b.Key.LeaveTypeID, &b.Key.Year,
		&b.Accrued, &b.Consumed, &b.Pending, &b.Version, &updated)
	if err != nil {
		return leave.Balance{}, err
	}
	b.UpdatedAt = parseTime(updated)
	return b, nil
}

func scanUser(row scanner) (leave.User, error) {
	var (
		u         leave.User
		role      string
		createdAt string
		deletedAt sql.NullString
	)
	err := row.Scan(&u.ID, &u.TenantID, &role, &u.ManagerID, &u.Email, &u.Name, &createdAt, &deletedAt)
	if err != nil {
		return leave.User{}, err
	}
	u.Role = leave.Role(role)
	u.CreatedAt = parseTime(createdAt)
	u.DeletedAt = parseNullTime(deletedAt)
	return u, nil
}

func scanLeaveType(row scanner) (leave.LeaveType, error) {
	var (
		lt        leave.LeaveType
		createdAt string
	)
	err := row.Scan(&lt.ID, &lt.TenantID, &lt.Name, &lt.Version, &lt.AccrualUnits, &lt.CarryOver.MaxUnits,
		&lt.SupersedesID, &lt.SupersededBy, &createdAt)
	if err != nil {
		return leave.LeaveType{}, err
	}
	lt.CreatedAt = parseTime(createdAt)
	return lt, nil
}

func scanRequest(row scanner) (leave.Request, error) {
	var (
		r                             leave.Request
		start, end, status, createdAt string
		submitted, decided, cancelled sql.NullString
	)
	err := row.Scan(&r.ID, &r.TenantID, &r.UserID, &r.LeaveTypeID, &start, &end, &r.Units, &status,
		&r.ApproverID, &r.Reason, &r.DecisionNote, &createdAt, &submitted, &decided, &cancelled, &r.Version)
	if err != nil {
		return leave.Request{}, err
	}
	r.StartDate, _ = time.Parse(dateLayout, start)
	r.EndDate, _ = time.Parse(dateLayout, end)
	r.Status = leave.Status(status)
	r.CreatedAt = parseTime(createdAt)
	r.SubmittedAt = parseNullTime(submitted)
	r.DecidedAt = parseNullTime(decided)
	r.CancelledAt = parseNullTime(cancelled)
	return r, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isConstraint(err error, code sqlite3.ErrNoExtended) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == code
}

func balanceWriteErr(err error, b leave.Balance) error {
	if err == nil {
		return nil
	}
	if isConstraint(err, sqlite3.ErrConstraintCheck) {
		return &leave.InvariantError{Balance: b}
	}
	return fmt.Errorf("failed to write balance: %w", err)
}
