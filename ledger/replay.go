/*
replay.go - Balance as a projection of request history

PURPOSE:
  A balance row is a cache. The request log is the source of truth:

    consumed = sum(units of APPROVED requests for the key)
    pending  = sum(units of PENDING requests for the key)

  Replay recomputes a row from that log. The Auditor compares the stored row
  with the replay and repairs drift, one key at a time or in a sweep over all
  rows.

  Accrued is the grant, not part of the request history; rebuilding keeps the
  stored value.

SEE ALSO:
  - api/scheduler.go: Periodic sweep
*/
package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/leave-engine/leave"
)

// Replay projects requests onto a fresh balance for key. Requests belonging
// to other keys are ignored.
func Replay(key leave.BalanceKey, accrued leave.Units, requests []leave.Request) leave.Balance {
	b := leave.Balance{Key: key, Accrued: accrued}
	for _, r := range requests {
		if r.Key() != key {
			continue
		}
		switch r.Status {
		case leave.StatusApproved:
			b.Consumed += r.Units
		case leave.StatusPending:
			b.Pending += r.Units
		}
	}
	return b
}

// =============================================================================
// AUDITOR
// =============================================================================

// Drift is the outcome of one rebuild.
type Drift struct {
	Key    leave.BalanceKey
	Stored leave.Balance
	Replay leave.Balance
}

// Drifted reports whether the stored row disagreed with its history.
func (d Drift) Drifted() bool { return !d.Stored.SameUnits(d.Replay) }

// Report summarizes a sweep.
type Report struct {
	Checked  int
	Repaired []Drift
	Failed   int
}

type Auditor struct {
	store    leave.Store
	ledger   *Ledger
	attempts uint
	log      *zap.Logger
}

// NewAuditor creates an auditor. A nil logger falls back to zap.L().
func NewAuditor(store leave.Store, l *Ledger, log *zap.Logger) *Auditor {
	if log == nil {
		log = zap.L()
	}
	return &Auditor{store: store, ledger: l, attempts: leave.DefaultAttempts, log: log.Named("auditor")}
}

// Rebuild replays the request history of key into its balance row and writes
// the result if it differs from what is stored.
func (a *Auditor) Rebuild(ctx context.Context, key leave.BalanceKey) (Drift, error) {
	var d Drift
	err := leave.Retry(ctx, a.attempts, func() error {
		return a.store.WithTx(ctx, func(tx leave.Tx) error {
			stored, err := a.ledger.load(ctx, tx, key)
			if err != nil {
				return err
			}
			reqs, err := tx.ListRequests(ctx, leave.RequestFilter{
				TenantID:    key.TenantID,
				UserIDs:     []string{key.UserID},
				LeaveTypeID: key.LeaveTypeID,
				Year:        key.Year,
				Statuses:    []leave.Status{leave.StatusPending, leave.StatusApproved},
			})
			if err != nil {
				return err
			}

			replay := Replay(key, stored.Accrued, reqs)
			d = Drift{Key: key, Stored: stored, Replay: replay}
			if !d.Drifted() {
				return nil
			}
			out, err := a.ledger.write(ctx, tx, stored, replay)
			if err != nil {
				return err
			}
			d.Replay = out
			return nil
		})
	})
	if err != nil {
		return Drift{}, fmt.Errorf("rebuild %s: %w", key, err)
	}
	if d.Drifted() {
		a.log.Warn("balance drift repaired",
			zap.Stringer("key", key),
			zap.Stringer("stored_consumed", d.Stored.Consumed),
			zap.Stringer("stored_pending", d.Stored.Pending),
			zap.Stringer("consumed", d.Replay.Consumed),
			zap.Stringer("pending", d.Replay.Pending))
	}
	return d, nil
}

// Sweep rebuilds every balance row. It keeps going past failing rows and
// returns their errors joined.
func (a *Auditor) Sweep(ctx context.Context) (Report, error) {
	var keys []leave.BalanceKey
	err := a.store.WithTx(ctx, func(tx leave.Tx) error {
		var err error
		keys, err = tx.BalanceKeys(ctx)
		return err
	})
	if err != nil {
		return Report{}, fmt.Errorf("list balance keys: %w", err)
	}

	var rep Report
	var errs []error
	for _, k := range keys {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		d, err := a.Rebuild(ctx, k)
		rep.Checked++
		if err != nil {
			rep.Failed++
			errs = append(errs, err)
			continue
		}
		if d.Drifted() {
			rep.Repaired = append(rep.Repaired, d)
		}
	}
	a.log.Info("balance sweep finished",
		zap.Int("checked", rep.Checked),
		zap.Int("repaired", len(rep.Repaired)),
		zap.Int("failed", rep.Failed))
	return rep, errors.Join(errs...)
}
