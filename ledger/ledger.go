/*
ledger.go - Balance accounting

PURPOSE:
  The Ledger owns every mutation of a Balance row. Each operation is one
  read-check-write against the balance rows of the caller's transaction, so
  the check and the mutation can never be separated by another writer.

OPERATIONS:
  Reserve   available >= u ? pending += u : InsufficientBalance
  Commit    pending -= u, consumed += u       (PENDING -> APPROVED)
  Release   pending -= u                      (PENDING -> REJECTED/CANCELLED)
  Refund    consumed -= u                     (APPROVED -> CANCELLED)
  Accrue    accrued = yearly grant + carry-over from the previous year

INVARIANT:
  accrued >= consumed + pending, consumed >= 0, pending >= 0.
  Checked before every write; a mutation that would break it is refused
  with ErrInvariant and nothing is written.

CONCURRENCY:
  Writes are conditional on the version that was read. A concurrent writer
  makes the write (or the commit) fail with leave.ErrConflict; the caller
  re-runs the whole transaction with leave.Retry.

SEE ALSO:
  - replay.go: Rebuilding a balance from request history
  - leave/store.go: BalanceRows contract
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/leave-engine/leave"
)

// =============================================================================
// RESERVATION
// =============================================================================

// Reservation is a hold of units against one balance row, taken on behalf of
// a request (Ref).
type Reservation struct {
	Key   leave.BalanceKey
	Units leave.Units
	Ref   string
}

// ReservationFor returns the reservation a request holds (or would hold).
func ReservationFor(r leave.Request) Reservation {
	return Reservation{Key: r.Key(), Units: r.Units, Ref: r.ID}
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	now func() time.Time
	log *zap.Logger
}

type Option func(*Ledger)

// WithClock sets the clock used for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger. Defaults to zap.L().
func WithLogger(log *zap.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

func New(opts ...Option) *Ledger {
	l := &Ledger{now: time.Now, log: zap.L()}
	for _, o := range opts {
		o(l)
	}
	l.log = l.log.Named("ledger")
	return l
}

// Reserve atomically checks availability and moves units into Pending.
// A missing row has zero accrual, so nothing can be reserved against it.
func (l *Ledger) Reserve(ctx context.Context, rows leave.BalanceRows, key leave.BalanceKey, units leave.Units, ref string) (Reservation, error) {
	if units <= 0 {
		return Reservation{}, fmt.Errorf("%w: reserve %s units", leave.ErrValidation, units)
	}
	b, err := l.load(ctx, rows, key)
	if err != nil {
		return Reservation{}, err
	}
	if avail := b.Available(); avail < units {
		l.log.Debug("reservation refused",
			zap.Stringer("key", key),
			zap.Stringer("available", avail),
			zap.Stringer("requested", units),
			zap.String("ref", ref))
		return Reservation{}, &leave.InsufficientBalanceError{Key: key, Available: avail, Requested: units}
	}

	next := b
	next.Pending += units
	if _, err := l.write(ctx, rows, b, next); err != nil {
		return Reservation{}, err
	}
	return Reservation{Key: key, Units: units, Ref: ref}, nil
}

// Commit turns a reservation into consumption.
func (l *Ledger) Commit(ctx context.Context, rows leave.BalanceRows, r Reservation) error {
	return l.apply(ctx, rows, r, "commit", func(b *leave.Balance) {
		b.Pending -= r.Units
		b.Consumed += r.Units
	})
}

// Release returns reserved units to the available pool.
func (l *Ledger) Release(ctx context.Context, rows leave.BalanceRows, r Reservation) error {
	return l.apply(ctx, rows, r, "release", func(b *leave.Balance) {
		b.Pending -= r.Units
	})
}

// Refund returns consumed units to the available pool.
func (l *Ledger) Refund(ctx context.Context, rows leave.BalanceRows, r Reservation) error {
	return l.apply(ctx, rows, r, "refund", func(b *leave.Balance) {
		b.Consumed -= r.Units
	})
}

// Accrue sets the yearly grant for key from the leave type: its accrual plus
// whatever the previous year's row carries over, capped by the carry-over
// policy. Running it twice yields the same row.
func (l *Ledger) Accrue(ctx context.Context, rows leave.BalanceRows, key leave.BalanceKey, lt leave.LeaveType) (leave.Balance, error) {
	if lt.ID != key.LeaveTypeID || lt.TenantID != key.TenantID {
		return leave.Balance{}, fmt.Errorf("%w: leave type %s does not match balance %s", leave.ErrValidation, lt.ID, key)
	}
	b, err := l.load(ctx, rows, key)
	if err != nil {
		return leave.Balance{}, err
	}
	carry, err := l.carryOver(ctx, rows, key, lt.CarryOver)
	if err != nil {
		return leave.Balance{}, err
	}

	next := b
	next.Accrued = lt.AccrualUnits + carry
	if b.Version != 0 && next.SameUnits(b) {
		return b, nil
	}
	out, err := l.write(ctx, rows, b, next)
	if err != nil {
		return leave.Balance{}, err
	}
	l.log.Info("accrued",
		zap.Stringer("key", key),
		zap.Stringer("accrued", out.Accrued),
		zap.Stringer("carry_over", carry))
	return out, nil
}

func (l *Ledger) carryOver(ctx context.Context, rows leave.BalanceRows, key leave.BalanceKey, p leave.CarryOverPolicy) (leave.Units, error) {
	if p.MaxUnits <= 0 {
		return 0, nil
	}
	prevKey := key
	prevKey.Year--
	prev, err := rows.Balance(ctx, prevKey)
	if errors.Is(err, leave.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return max(0, min(prev.Available(), p.MaxUnits)), nil
}

// =============================================================================
// INTERNALS
// =============================================================================

func (l *Ledger) apply(ctx context.Context, rows leave.BalanceRows, r Reservation, op string, mutate func(*leave.Balance)) error {
	if r.Units <= 0 {
		return fmt.Errorf("%w: %s %s units", leave.ErrValidation, op, r.Units)
	}
	b, err := rows.Balance(ctx, r.Key)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, r.Key, err)
	}
	next := b
	mutate(&next)
	if _, err := l.write(ctx, rows, b, next); err != nil {
		return fmt.Errorf("%s %s for %s: %w", op, r.Units, r.Ref, err)
	}
	return nil
}

// load returns the row for key, or an empty unsaved row.
func (l *Ledger) load(ctx context.Context, rows leave.BalanceRows, key leave.BalanceKey) (leave.Balance, error) {
	b, err := rows.Balance(ctx, key)
	if errors.Is(err, leave.ErrNotFound) {
		return leave.Balance{Key: key}, nil
	}
	if err != nil {
		return leave.Balance{}, err
	}
	return b, nil
}

// write validates next and stores it conditionally on prev's version.
func (l *Ledger) write(ctx context.Context, rows leave.BalanceRows, prev, next leave.Balance) (leave.Balance, error) {
	if err := next.Validate(); err != nil {
		l.log.Warn("balance invariant would break", zap.Stringer("key", next.Key), zap.Error(err))
		return leave.Balance{}, err
	}
	next.Version = prev.Version + 1
	next.UpdatedAt = l.now().UTC()
	if err := rows.PutBalance(ctx, next, prev.Version); err != nil {
		return leave.Balance{}, err
	}
	return next, nil
}
