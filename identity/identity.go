/*
Package identity resolves an inbound credential to a tenant-scoped identity.

PURPOSE:
  Turns "Authorization: Bearer <jwt>" plus an optional asserted tenant
  (X-Tenant-ID) into a leave.Identity. It is a pure lookup and validation
  step: it never creates users and never guesses a role.

TOKEN FORMAT:
  HS256 JWT with
    sub        user id
    tenant_id  tenant the token was issued for
    iss        configured issuer
    exp        required

FAILURE MODES (fail closed):
  ErrUnauthenticated  header absent, not Bearer, malformed, bad signature,
                      expired, missing claims, unknown or deleted user
  ErrTenantMismatch   asserted tenant differs from the token's tenant, or the
                      user does not belong to the token's tenant
  other               directory failures are returned as they are (500 class);
                      no identity is produced

ROLE:
  Read from the directory on every resolve. A role change takes effect on the
  next request, not when the token is refreshed.
*/
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/warp/leave-engine/leave"
)

// Credential is what the transport layer extracted from the request.
type Credential struct {
	Authorization string // raw Authorization header value
	Tenant        string // asserted tenant (X-Tenant-ID), may be empty
}

// Claims are the JWT claims the resolver understands.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
}

// Directory looks users up by id.
type Directory interface {
	UserByID(ctx context.Context, userID string) (leave.User, error)
}

// Config configures token validation.
type Config struct {
	Secret []byte
	Issuer string
	// Now is the clock used for expiry checks. Defaults to time.Now.
	Now func() time.Time
}

// Resolver validates credentials against a signing secret and a directory.
type Resolver struct {
	secret []byte
	issuer string
	now    func() time.Time
	parser *jwt.Parser
	dir    Directory
	log    *zap.Logger
}

// NewResolver creates a resolver. A nil logger falls back to zap.L().
func NewResolver(cfg Config, dir Directory, log *zap.Logger) *Resolver {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = zap.L()
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(cfg.Now),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &Resolver{
		secret: cfg.Secret,
		issuer: cfg.Issuer,
		now:    cfg.Now,
		parser: jwt.NewParser(opts...),
		dir:    dir,
		log:    log.Named("identity"),
	}
}

// Resolve maps a credential to an identity.
func (r *Resolver) Resolve(ctx context.Context, cred Credential) (leave.Identity, error) {
	raw, ok := strings.CutPrefix(cred.Authorization, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return leave.Identity{}, fmt.Errorf("%w: expected authorization header format: Bearer <token>", leave.ErrUnauthenticated)
	}

	var claims Claims
	if _, err := r.parser.ParseWithClaims(strings.TrimSpace(raw), &claims, r.key); err != nil {
		r.log.Debug("token rejected", zap.Error(err))
		return leave.Identity{}, fmt.Errorf("%w: %v", leave.ErrUnauthenticated, err)
	}
	if claims.Subject == "" || claims.TenantID == "" {
		return leave.Identity{}, fmt.Errorf("%w: token is missing sub or tenant_id", leave.ErrUnauthenticated)
	}
	if cred.Tenant != "" && cred.Tenant != claims.TenantID {
		r.log.Warn("asserted tenant does not match token",
			zap.String("asserted_tenant", cred.Tenant),
			zap.String("tenant_id", claims.TenantID),
			zap.String("user_id", claims.Subject))
		return leave.Identity{}, leave.ErrTenantMismatch
	}

	u, err := r.dir.UserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, leave.ErrNotFound) {
			return leave.Identity{}, fmt.Errorf("%w: unknown user", leave.ErrUnauthenticated)
		}
		// No identity is returned, so the request still fails closed.
		return leave.Identity{}, fmt.Errorf("directory lookup: %w", err)
	}
	if u.TenantID != claims.TenantID {
		r.log.Warn("user does not belong to token tenant",
			zap.String("tenant_id", claims.TenantID),
			zap.String("user_id", u.ID))
		return leave.Identity{}, leave.ErrTenantMismatch
	}
	if u.Deleted() {
		return leave.Identity{}, fmt.Errorf("%w: user is deactivated", leave.ErrUnauthenticated)
	}
	if !u.Role.Valid() {
		return leave.Identity{}, fmt.Errorf("%w: user has no valid role", leave.ErrUnauthenticated)
	}

	return leave.Identity{TenantID: u.TenantID, UserID: u.ID, Role: u.Role}, nil
}

// Issue mints a signed token for a user.
func (r *Resolver) Issue(tenantID, userID string, ttl time.Duration) (string, error) {
	now := r.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    r.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: tenantID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(r.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return s, nil
}

func (r *Resolver) key(*jwt.Token) (any, error) {
	if len(r.secret) == 0 {
		return nil, errors.New("no signing secret configured")
	}
	return r.secret, nil
}

// =============================================================================
// STORE DIRECTORY
// =============================================================================

type storeDirectory struct {
	store leave.Store
}

// StoreDirectory adapts a leave.Store to a Directory.
func StoreDirectory(s leave.Store) Directory {
	return storeDirectory{store: s}
}

func (d storeDirectory) UserByID(ctx context.Context, userID string) (leave.User, error) {
	var u leave.User
	err := d.store.WithTx(ctx, func(tx leave.Tx) error {
		var err error
		u, err = tx.UserByID(ctx, userID)
		return err
	})
	return u, err
}
