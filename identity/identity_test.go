package identity_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/leave-engine/identity"
	"github.com/warp/leave-engine/leave"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type mapDirectory map[string]leave.User

func (m mapDirectory) UserByID(_ context.Context, id string) (leave.User, error) {
	u, ok := m[id]
	if !ok {
		return leave.User{}, leave.ErrNotFound
	}
	return u, nil
}

type failingDirectory struct{}

func (failingDirectory) UserByID(context.Context, string) (leave.User, error) {
	return leave.User{}, errors.New("connection reset")
}

var (
	secret = []byte("test-secret")
	now    = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
)

func directory() mapDirectory {
	deleted := now.Add(-time.Hour)
	return mapDirectory{
		"alice": {ID: "alice", TenantID: "t1", Role: leave.RoleManager},
		"bob":   {ID: "bob", TenantID: "t2", Role: leave.RoleEmployee},
		"gone":  {ID: "gone", TenantID: "t1", Role: leave.RoleEmployee, DeletedAt: &deleted},
	}
}

func newResolver(t *testing.T, dir identity.Directory) *identity.Resolver {
	t.Helper()
	return identity.NewResolver(identity.Config{
		Secret: secret,
		Issuer: "leave-engine",
		Now:    func() time.Time { return now },
	}, dir, zaptest.NewLogger(t))
}

func bearer(t *testing.T, r *identity.Resolver, tenantID, userID string) string {
	t.Helper()
	tok, err := r.Issue(tenantID, userID, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func sign(t *testing.T, method jwt.SigningMethod, key any, claims identity.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return "Bearer " + s
}

// =============================================================================
// RESOLVE
// =============================================================================

func TestResolveValidToken(t *testing.T) {
	r := newResolver(t, directory())

	id, err := r.Resolve(context.Background(), identity.Credential{
		Authorization: bearer(t, r, "t1", "alice"),
		Tenant:        "t1",
	})

	require.NoError(t, err)
	assert.Equal(t, leave.Identity{TenantID: "t1", UserID: "alice", Role: leave.RoleManager}, id)
}

func TestResolveWithoutAssertedTenant(t *testing.T) {
	r := newResolver(t, directory())

	id, err := r.Resolve(context.Background(), identity.Credential{Authorization: bearer(t, r, "t1", "alice")})

	require.NoError(t, err)
	assert.Equal(t, "t1", id.TenantID)
}

func TestResolveRoleComesFromDirectory(t *testing.T) {
	dir := directory()
	r := newResolver(t, dir)
	auth := bearer(t, r, "t1", "alice")

	// WHEN the role changes after the token was issued
	u := dir["alice"]
	u.Role = leave.RoleAdmin
	dir["alice"] = u

	id, err := r.Resolve(context.Background(), identity.Credential{Authorization: auth})

	// THEN the new role applies immediately
	require.NoError(t, err)
	assert.Equal(t, leave.RoleAdmin, id.Role)
}

func TestResolveUnauthenticated(t *testing.T) {
	r := newResolver(t, directory())
	valid := identity.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			Issuer:    "leave-engine",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		TenantID: "t1",
	}
	with := func(f func(*identity.Claims)) identity.Claims {
		c := valid
		f(&c)
		return c
	}

	tests := []struct {
		name string
		auth string
	}{
		{"absent", ""},
		{"not bearer", "Basic YWxpY2U6cHc="},
		{"empty bearer", "Bearer "},
		{"malformed", "Bearer not.a.jwt"},
		{"forged signature", sign(t, jwt.SigningMethodHS256, []byte("other-secret"), valid)},
		{"wrong algorithm", sign(t, jwt.SigningMethodHS512, secret, valid)},
		{"expired", sign(t, jwt.SigningMethodHS256, secret, with(func(c *identity.Claims) {
			c.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))
		}))},
		{"no expiry", sign(t, jwt.SigningMethodHS256, secret, with(func(c *identity.Claims) { c.ExpiresAt = nil }))},
		{"wrong issuer", sign(t, jwt.SigningMethodHS256, secret, with(func(c *identity.Claims) { c.Issuer = "someone-else" }))},
		{"missing subject", sign(t, jwt.SigningMethodHS256, secret, with(func(c *identity.Claims) { c.Subject = "" }))},
		{"missing tenant", sign(t, jwt.SigningMethodHS256, secret, with(func(c *identity.Claims) { c.TenantID = "" }))},
		{"unknown user", bearer(t, r, "t1", "mallory")},
		{"deleted user", bearer(t, r, "t1", "gone")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), identity.Credential{Authorization: tt.auth})
			assert.ErrorIs(t, err, leave.ErrUnauthenticated)
		})
	}
}

func TestResolveTenantMismatch(t *testing.T) {
	r := newResolver(t, directory())

	t.Run("asserted tenant differs from token", func(t *testing.T) {
		_, err := r.Resolve(context.Background(), identity.Credential{
			Authorization: bearer(t, r, "t1", "alice"),
			Tenant:        "t2",
		})
		assert.ErrorIs(t, err, leave.ErrTenantMismatch)
	})

	t.Run("user belongs to another tenant", func(t *testing.T) {
		// bob is in t2 but the token claims t1
		_, err := r.Resolve(context.Background(), identity.Credential{
			Authorization: bearer(t, r, "t1", "bob"),
			Tenant:        "t1",
		})
		assert.ErrorIs(t, err, leave.ErrTenantMismatch)
	})
}

func TestResolveDirectoryFailureFailsClosed(t *testing.T) {
	r := newResolver(t, failingDirectory{})

	id, err := r.Resolve(context.Background(), identity.Credential{Authorization: bearer(t, r, "t1", "alice")})

	// a storage outage is not a credential problem
	require.Error(t, err)
	assert.NotErrorIs(t, err, leave.ErrUnauthenticated)
	assert.False(t, leave.IsAuthError(err))
	assert.Equal(t, leave.Identity{}, id)
}
