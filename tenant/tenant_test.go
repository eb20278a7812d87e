package tenant_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/store/memory"
	"github.com/warp/leave-engine/tenant"
)

var now = time.Date(2026, time.April, 1, 12, 0, 0, 0, time.UTC)

func putTenant(t *testing.T, s *memory.Memory, tn leave.Tenant) {
	t.Helper()
	require.NoError(t, s.WithTx(context.Background(), func(tx leave.Tx) error {
		return tx.PutTenant(context.Background(), tn)
	}))
}

func TestEntitled(t *testing.T) {
	future := now.Add(24 * time.Hour)
	past := now.Add(-24 * time.Hour)

	tests := []struct {
		name   string
		tenant leave.Tenant
		want   error
	}{
		{"active", leave.Tenant{ID: "t", Subscription: leave.SubscriptionActive}, nil},
		{"trial running", leave.Tenant{ID: "t", Subscription: leave.SubscriptionTrialing, TrialEndsAt: &future}, nil},
		{"trial without end", leave.Tenant{ID: "t", Subscription: leave.SubscriptionTrialing}, nil},
		{"trial ended", leave.Tenant{ID: "t", Subscription: leave.SubscriptionTrialing, TrialEndsAt: &past}, leave.ErrTrialExpired},
		{"trial ends exactly now", leave.Tenant{ID: "t", Subscription: leave.SubscriptionTrialing, TrialEndsAt: &now}, leave.ErrTrialExpired},
		{"past due", leave.Tenant{ID: "t", Subscription: leave.SubscriptionPastDue}, leave.ErrSubscriptionInactive},
		{"canceled", leave.Tenant{ID: "t", Subscription: leave.SubscriptionCanceled}, leave.ErrSubscriptionInactive},
		{"unknown", leave.Tenant{ID: "t", Subscription: "paused"}, leave.ErrSubscriptionInactive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tenant.Entitled(tt.tenant, now)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCheckerMissingTenantFailsClosed(t *testing.T) {
	c := tenant.NewChecker(memory.New(), tenant.Options{Now: func() time.Time { return now }, Logger: zaptest.NewLogger(t)})

	assert.ErrorIs(t, c.CheckActive(context.Background(), "ghost"), leave.ErrSubscriptionInactive)
}

func TestCheckerTrialExpiresWhileCached(t *testing.T) {
	s := memory.New()
	ends := now.Add(time.Hour)
	putTenant(t, s, leave.Tenant{ID: "t1", Subscription: leave.SubscriptionTrialing, TrialEndsAt: &ends})

	clock := now
	c := tenant.NewChecker(s, tenant.Options{
		CacheTTL: time.Hour,
		Now:      func() time.Time { return clock },
		Logger:   zaptest.NewLogger(t),
	})

	require.NoError(t, c.CheckActive(context.Background(), "t1"))

	clock = now.Add(2 * time.Hour)
	assert.ErrorIs(t, c.CheckActive(context.Background(), "t1"), leave.ErrTrialExpired)
}

func TestCheckerCacheExpires(t *testing.T) {
	s := memory.New()
	putTenant(t, s, leave.Tenant{ID: "t1", Subscription: leave.SubscriptionActive})
	c := tenant.NewChecker(s, tenant.Options{
		CacheTTL: 50 * time.Millisecond,
		Now:      func() time.Time { return now },
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, c.CheckActive(context.Background(), "t1"))

	// GIVEN the subscription lapses
	putTenant(t, s, leave.Tenant{ID: "t1", Subscription: leave.SubscriptionCanceled})

	// THEN the change is seen once the cached row expires
	assert.Eventually(t, func() bool {
		return errors.Is(c.CheckActive(context.Background(), "t1"), leave.ErrSubscriptionInactive)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCheckerWithoutCache(t *testing.T) {
	s := memory.New()
	putTenant(t, s, leave.Tenant{ID: "t1", Subscription: leave.SubscriptionActive})
	c := tenant.NewChecker(s, tenant.Options{Now: func() time.Time { return now }, Logger: zaptest.NewLogger(t)})
	require.NoError(t, c.CheckActive(context.Background(), "t1"))

	putTenant(t, s, leave.Tenant{ID: "t1", Subscription: leave.SubscriptionPastDue})
	assert.ErrorIs(t, c.CheckActive(context.Background(), "t1"), leave.ErrSubscriptionInactive)
}
