/*
Package tenant answers whether a tenant may currently mutate data.

PURPOSE:
  Billing lives elsewhere. This package only reads the subscription state on
  the tenant row and turns it into a yes/no for the workflow:

    active                       -> ok
    trialing, trial not over     -> ok
    trialing, trial ended        -> ErrTrialExpired
    past_due, canceled, unknown  -> ErrSubscriptionInactive

CACHING:
  Tenant rows are cached with sturdyc for a short TTL. The decision itself is
  evaluated on every call against the current clock, so a trial expires on
  time even while its row is cached.
*/
package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/viccon/sturdyc"
	"go.uber.org/zap"

	"github.com/warp/leave-engine/leave"
)

// Entitled evaluates a tenant row at time now.
func Entitled(t leave.Tenant, now time.Time) error {
	switch t.Subscription {
	case leave.SubscriptionActive:
		return nil
	case leave.SubscriptionTrialing:
		if t.TrialEndsAt != nil && !now.Before(*t.TrialEndsAt) {
			return fmt.Errorf("%w: tenant %s trial ended %s", leave.ErrTrialExpired, t.ID, t.TrialEndsAt.Format(time.DateOnly))
		}
		return nil
	default:
		return fmt.Errorf("%w: tenant %s is %q", leave.ErrSubscriptionInactive, t.ID, t.Subscription)
	}
}

type Checker struct {
	store leave.Store
	cache *sturdyc.Client[leave.Tenant]
	now   func() time.Time
	log   *zap.Logger
}

type Options struct {
	// CacheTTL is how long a tenant row is reused. 0 disables caching.
	CacheTTL time.Duration
	Now      func() time.Time
	Logger   *zap.Logger
}

func NewChecker(store leave.Store, opts Options) *Checker {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	c := &Checker{store: store, now: opts.Now, log: opts.Logger.Named("tenant")}
	if opts.CacheTTL > 0 {
		c.cache = sturdyc.New[leave.Tenant](10_000, 10, opts.CacheTTL, 10)
	}
	return c
}

// CheckActive returns nil when the tenant may mutate data.
func (c *Checker) CheckActive(ctx context.Context, tenantID string) error {
	t, err := c.tenant(ctx, tenantID)
	if errors.Is(err, leave.ErrNotFound) {
		return fmt.Errorf("%w: tenant %s does not exist", leave.ErrSubscriptionInactive, tenantID)
	}
	if err != nil {
		return fmt.Errorf("load tenant %s: %w", tenantID, err)
	}
	if err := Entitled(t, c.now()); err != nil {
		c.log.Debug("tenant not entitled", zap.String("tenant_id", tenantID), zap.Error(err))
		return err
	}
	return nil
}

func (c *Checker) tenant(ctx context.Context, tenantID string) (leave.Tenant, error) {
	if c.cache == nil {
		return c.fetch(ctx, tenantID)
	}
	return c.cache.GetOrFetch(ctx, tenantID, func(ctx context.Context) (leave.Tenant, error) {
		return c.fetch(ctx, tenantID)
	})
}

func (c *Checker) fetch(ctx context.Context, tenantID string) (leave.Tenant, error) {
	var t leave.Tenant
	err := c.store.WithTx(ctx, func(tx leave.Tx) error {
		var err error
		t, err = tx.Tenant(ctx, tenantID)
		return err
	})
	return t, err
}
