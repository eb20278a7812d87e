package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/warp/leave-engine/identity"
	"github.com/warp/leave-engine/leave"
)

// TenantHeader optionally asserts which tenant the caller acts in. A value
// that disagrees with the token is rejected.
const TenantHeader = "X-Tenant-ID"

type identityKey struct{}

// withIdentity stores the resolved caller on the context.
func withIdentity(ctx context.Context, id leave.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the caller resolved by the auth middleware.
func IdentityFrom(ctx context.Context) (leave.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(leave.Identity)
	return id, ok
}

// authenticate resolves the bearer token into an identity. Nothing behind it
// runs without one.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.resolver.Resolve(r.Context(), identity.Credential{
			Authorization: r.Header.Get("Authorization"),
			Tenant:        r.Header.Get(TenantHeader),
		})
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

// =============================================================================
// RATE LIMITING - Token bucket per caller
// =============================================================================

// limiterIdle is how long a caller's bucket is kept after its last request.
const limiterIdle = 10 * time.Minute

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

type limiters struct {
	mu        sync.Mutex
	byKey     map[string]*limiterEntry
	limit     rate.Limit
	burst     int
	idle      time.Duration
	now       func() time.Time
	lastSweep time.Time
}

func newLimiters(limit rate.Limit, burst int) *limiters {
	return &limiters{
		byKey: make(map[string]*limiterEntry),
		limit: limit,
		burst: burst,
		idle:  limiterIdle,
		now:   time.Now,
	}
}

func (l *limiters) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= l.idle {
		l.sweep(now)
	}
	e, ok := l.byKey[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = e
	}
	e.seen = now
	return e.lim
}

// sweep drops buckets idle for longer than l.idle. Caller holds mu.
func (l *limiters) sweep(now time.Time) {
	for k, e := range l.byKey {
		if now.Sub(e.seen) >= l.idle {
			delete(l.byKey, k)
		}
	}
	l.lastSweep = now
}

func (l *limiters) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}

// rateLimit throttles per tenant and user. Must run after authenticate.
func (h *Handler) rateLimit(l *limiters) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, _ := IdentityFrom(r.Context())
			if !l.get(id.TenantID + "/" + id.UserID).Allow() {
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, ErrorDTO{Error: "RATE_LIMITED", Message: "too many requests"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// ACCESS LOG
// =============================================================================

func accessLog(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("http_request_id", middleware.GetReqID(r.Context())),
				zap.String("remote", r.RemoteAddr),
			}
			switch {
			case ww.Status() >= 500:
				log.Error("http", fields...)
			case ww.Status() >= 400:
				log.Warn("http", fields...)
			default:
				log.Info("http", fields...)
			}
		})
	}
}

// versionFrom reads the If-Match header as an expected version. Absent means
// no check.
func versionFrom(r *http.Request) (int64, error) {
	v := r.Header.Get("If-Match")
	if v == "" || v == "*" {
		return 0, nil
	}
	if len(v) > 2 && v[:2] == "W/" {
		v = v[2:]
	}
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		v = v[1 : len(v)-1]
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: If-Match must carry a request version", leave.ErrValidation)
	}
	return n, nil
}

func etag(version int64) string {
	return fmt.Sprintf(`"%d"`, version)
}
