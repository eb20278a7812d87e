/*
handlers.go - HTTP API handlers for the leave engine

PURPOSE:
  Exposes the workflow and settings services over REST. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.
  No handler decides access itself: the caller's identity comes from the
  auth middleware and the services run the access policy.

ENDPOINTS:
  Self:
    GET    /api/me                         Resolved identity

  Requests:
    POST   /api/requests                   Draft (and optionally submit)
    GET    /api/requests                   List (?scope=own|team|all&status=&year=)
    GET    /api/requests/{id}              Get one
    POST   /api/requests/{id}/submit       DRAFT -> PENDING
    POST   /api/requests/{id}/decision     PENDING -> APPROVED | REJECTED
    POST   /api/requests/{id}/cancel       -> CANCELLED

  Balances:
    GET    /api/users/{id}/balances        ?year= ; id "me" is the caller

  Admin (MANAGE_SETTINGS):
    GET    /api/users                      List users
    POST   /api/users                      Onboard
    PUT    /api/users/{id}/role            Change role
    PUT    /api/users/{id}/manager         Change reporting line
    DELETE /api/users/{id}                 Offboard (soft delete)
    GET    /api/leave-types                List leave types
    POST   /api/leave-types                Define
    PUT    /api/leave-types/{id}           Revise (new version once referenced)
    POST   /api/balances/accrue            Grant a year's accrual
    POST   /api/balances/rebuild           Replay one balance row

OPTIMISTIC CONCURRENCY:
  Request responses carry ETag: "<version>". Transition endpoints honour
  If-Match; a stale version answers 409 CONCURRENT_MODIFICATION.

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input (validator tags, then domain conversion)
  3. Call workflow / settings
  4. Serialize response
  5. Map errors (errors.go)

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error to status mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/leave-engine/identity"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/settings"
	"github.com/warp/leave-engine/workflow"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports whether storage is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the handler's collaborators.
type Deps struct {
	Workflow *workflow.Service
	Settings *settings.Service
	Resolver *identity.Resolver
	Health   Pinger
	Logger   *zap.Logger

	// TokenTTL is the lifetime of tokens minted by the demo scenarios.
	TokenTTL time.Duration
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	workflow *workflow.Service
	settings *settings.Service
	resolver *identity.Resolver
	health   Pinger
	tokenTTL time.Duration
	log      *zap.Logger
}

// NewHandler creates a new handler.
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = zap.L()
	}
	if d.TokenTTL == 0 {
		d.TokenTTL = 12 * time.Hour
	}
	return &Handler{
		workflow: d.Workflow,
		settings: d.Settings,
		resolver: d.Resolver,
		health:   d.Health,
		tokenTTL: d.TokenTTL,
		log:      d.Logger.Named("api"),
	}
}

func caller(r *http.Request) leave.Identity {
	id, _ := IdentityFrom(r.Context())
	return id
}

// =============================================================================
// HEALTH / SELF
// =============================================================================

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			h.log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	writeJSON(w, http.StatusOK, IdentityDTO{TenantID: id.TenantID, UserID: id.UserID, Role: string(id.Role)})
}

// =============================================================================
// REQUEST HANDLERS
// =============================================================================

func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var body CreateRequestRequest
	if err := decode(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	in, err := body.toNewRequest()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	who := caller(r)
	req, err := h.workflow.Draft(r.Context(), who, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if body.Submit {
		submitted, err := h.workflow.Submit(r.Context(), who, req.ID, req.Version)
		if err != nil {
			// the draft exists; tell the client where it is
			w.Header().Set("Location", "/api/requests/"+req.ID)
			h.writeError(w, r, err)
			return
		}
		req = submitted
	}
	h.writeRequest(w, http.StatusCreated, req)
}

func (b CreateRequestRequest) toNewRequest() (workflow.NewRequest, error) {
	start, err := parseDate(b.StartDate)
	if err != nil {
		return workflow.NewRequest{}, err
	}
	end, err := parseDate(b.EndDate)
	if err != nil {
		return workflow.NewRequest{}, err
	}
	units, err := leave.ParseDays(b.Days)
	if err != nil {
		return workflow.NewRequest{}, err
	}
	return workflow.NewRequest{
		UserID:      b.UserID,
		LeaveTypeID: b.LeaveTypeID,
		StartDate:   start,
		EndDate:     end,
		Units:       units,
		Reason:      b.Reason,
	}, nil
}

func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	q, err := listQuery(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	reqs, err := h.workflow.List(r.Context(), caller(r), q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(reqs, toRequestDTO))
}

func listQuery(r *http.Request) (workflow.ListQuery, error) {
	var q workflow.ListQuery
	scope, err := workflow.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		return q, err
	}
	q.Scope = scope
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st, err := leave.ParseStatus(strings.ToUpper(strings.TrimSpace(s)))
			if err != nil {
				return q, err
			}
			q.Statuses = append(q.Statuses, st)
		}
	}
	if q.Year, err = yearParam(r); err != nil {
		return q, err
	}
	return q, nil
}

func yearParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("year")
	if raw == "" {
		return 0, nil
	}
	y, err := strconv.Atoi(raw)
	if err != nil || y < 1970 || y > 9999 {
		return 0, fmt.Errorf("%w: invalid year %q", leave.ErrValidation, raw)
	}
	return y, nil
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.workflow.Get(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeRequest(w, http.StatusOK, req)
}

func (h *Handler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, who leave.Identity, id string, version int64) (leave.Request, error) {
		return h.workflow.Submit(ctx, who, id, version)
	})
}

func (h *Handler) DecideRequest(w http.ResponseWriter, r *http.Request) {
	var body DecisionRequest
	if err := decode(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.transition(w, r, func(ctx context.Context, who leave.Identity, id string, version int64) (leave.Request, error) {
		return h.workflow.Decide(ctx, who, id, workflow.Decision(body.Decision), body.Note, version)
	})
}

func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, who leave.Identity, id string, version int64) (leave.Request, error) {
		return h.workflow.Cancel(ctx, who, id, version)
	})
}

type transitionFunc func(ctx context.Context, who leave.Identity, id string, version int64) (leave.Request, error)

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	version, err := versionFrom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	req, err := fn(r.Context(), caller(r), chi.URLParam(r, "id"), version)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeRequest(w, http.StatusOK, req)
}

func (h *Handler) writeRequest(w http.ResponseWriter, status int, req leave.Request) {
	w.Header().Set("ETag", etag(req.Version))
	writeJSON(w, status, toRequestDTO(req))
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if userID == "me" {
		userID = ""
	}
	year, err := yearParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	balances, err := h.workflow.Balances(r.Context(), caller(r), userID, year)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(balances, toBalanceDTO))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.settings.ListUsers(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(users, toUserDTO))
}

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var body CreateUserRequest
	if err := decode(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	role, err := leave.ParseRole(body.Role)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	u, err := h.settings.OnboardUser(r.Context(), caller(r), settings.NewUser{
		Email:     body.Email,
		Name:      body.Name,
		Role:      role,
		ManagerID: body.ManagerID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(u))
}

func (h *Handler) ChangeRole(w http.ResponseWriter, r *http.Request) {
	var body ChangeRoleRequest
	if err := decode(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	role, err := leave.ParseRole(body.Role)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	u, err := h.settings.ChangeRole(r.Context(), caller(r), chi.URLParam(r, "id"), role)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

func (h *Handler) AssignManager(w http.ResponseWriter, r *http.Request) {
	var body AssignManagerRequest
	if err := decode(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	u, err := h.settings.AssignManager(r.Context(), caller(r), chi.URLParam(r, "id"), body.ManagerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

func (h *Handler) OffboardUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.settings.Offboard(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

func (h *Handler) ListLeaveTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.settings.ListLeaveTypes(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(types, toLeaveTypeDTO))
}

func (h *Handler) CreateLeaveType(w http.ResponseWriter, r *http.Request) {
	spec, err := leaveTypeSpec(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	lt, err := h.settings.DefineLeaveType(r.Context(), caller(r), spec)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLeaveTypeDTO(lt))
}

func (h *Handler) ReviseLeaveType(w http.ResponseWriter, r *http.Request) {
	spec, err := leaveTypeSpec(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	lt, err := h.settings.ReviseLeaveType(r.Context(), caller(r), chi.URLParam(r, "id"), spec)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLeaveTypeDTO(lt))
}

func leaveTypeSpec(r *http.Request) (settings.LeaveTypeSpec, error) {
	var body LeaveTypeRequest
	if err := decode(r, &body); err != nil {
		return settings.LeaveTypeSpec{}, err
	}
	accrual, err := leave.ParseDays(body.AccrualDays)
	if err != nil {
		return settings.LeaveTypeSpec{}, err
	}
	var carry leave.Units
	if body.CarryOverDays != "" {
		if carry, err = leave.ParseDays(body.CarryOverDays); err != nil {
			return settings.LeaveTypeSpec{}, err
		}
	}
	return settings.LeaveTypeSpec{Name: body.Name, AccrualUnits: accrual, CarryOverMax: carry}, nil
}

func (h *Handler) Accrue(w http.ResponseWriter, r *http.Request) {
	var body AccrueRequest
	if err := decode(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.settings.Accrue(r.Context(), caller(r), body.Year)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AccrualDTO{Year: res.Year, Rows: res.Rows, Skipped: res.Skipped})
}

func (h *Handler) Rebuild(w http.ResponseWriter, r *http.Request) {
	var body RebuildRequest
	if err := decode(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	who := caller(r)
	d, err := h.settings.RebuildBalance(r.Context(), who, leave.BalanceKey{
		TenantID:    who.TenantID,
		UserID:      body.UserID,
		LeaveTypeID: body.LeaveTypeID,
		Year:        body.Year,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDriftDTO(d))
}
