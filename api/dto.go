/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model in leave/ from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

UNITS:
  Leave amounts cross the wire as decimal day strings ("1.5"), never as
  floats. Internally they are leave.Units (half days).

DATES:
  Request dates are calendar dates "2006-01-02". Timestamps are RFC 3339.

VALIDATION:
  Request bodies carry go-playground/validator tags and are checked in
  decode() before any domain call. Domain rules (balance, overlap, role)
  stay in the workflow and settings packages.

SEE ALSO:
  - handlers.go: Uses these types
  - errors.go: ErrorDTO
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/ledger"
)

const dateLayout = time.DateOnly

// =============================================================================
// REQUEST BODIES
// =============================================================================

// CreateRequestRequest drafts a leave request, and submits it when Submit is set.
type CreateRequestRequest struct {
	UserID      string `json:"user_id"`
	LeaveTypeID string `json:"leave_type_id" validate:"required"`
	StartDate   string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate     string `json:"end_date" validate:"required,datetime=2006-01-02"`
	Days        string `json:"days" validate:"required,numeric"`
	Reason      string `json:"reason" validate:"max=500"`
	Submit      bool   `json:"submit"`
}

type DecisionRequest struct {
	Decision string `json:"decision" validate:"required,oneof=APPROVE REJECT"`
	Note     string `json:"note" validate:"max=500"`
}

type CreateUserRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Name      string `json:"name" validate:"required,max=200"`
	Role      string `json:"role" validate:"required,oneof=EMPLOYEE MANAGER ADMIN"`
	ManagerID string `json:"manager_id"`
}

type ChangeRoleRequest struct {
	Role string `json:"role" validate:"required,oneof=EMPLOYEE MANAGER ADMIN"`
}

type AssignManagerRequest struct {
	ManagerID string `json:"manager_id"`
}

type LeaveTypeRequest struct {
	Name          string `json:"name" validate:"required,max=100"`
	AccrualDays   string `json:"accrual_days" validate:"required,numeric"`
	CarryOverDays string `json:"carry_over_days" validate:"omitempty,numeric"`
}

type AccrueRequest struct {
	Year int `json:"year" validate:"required,min=1970,max=9999"`
}

type RebuildRequest struct {
	UserID      string `json:"user_id" validate:"required"`
	LeaveTypeID string `json:"leave_type_id" validate:"required"`
	Year        int    `json:"year" validate:"required,min=1970,max=9999"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type IdentityDTO struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
}

type RequestDTO struct {
	ID           string  `json:"id"`
	TenantID     string  `json:"tenant_id"`
	UserID       string  `json:"user_id"`
	LeaveTypeID  string  `json:"leave_type_id"`
	StartDate    string  `json:"start_date"`
	EndDate      string  `json:"end_date"`
	Days         string  `json:"days"`
	Status       string  `json:"status"`
	ApproverID   string  `json:"approver_id,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	DecisionNote string  `json:"decision_note,omitempty"`
	CreatedAt    string  `json:"created_at"`
	SubmittedAt  *string `json:"submitted_at,omitempty"`
	DecidedAt    *string `json:"decided_at,omitempty"`
	CancelledAt  *string `json:"cancelled_at,omitempty"`
	Version      int64   `json:"version"`
}

type BalanceDTO struct {
	UserID      string `json:"user_id"`
	LeaveTypeID string `json:"leave_type_id"`
	Year        int    `json:"year"`
	Accrued     string `json:"accrued"`
	Consumed    string `json:"consumed"`
	Pending     string `json:"pending"`
	Available   string `json:"available"`
	Version     int64  `json:"version"`
}

type UserDTO struct {
	ID        string  `json:"id"`
	TenantID  string  `json:"tenant_id"`
	Role      string  `json:"role"`
	ManagerID string  `json:"manager_id,omitempty"`
	Email     string  `json:"email"`
	Name      string  `json:"name"`
	CreatedAt string  `json:"created_at"`
	DeletedAt *string `json:"deleted_at,omitempty"`
}

type LeaveTypeDTO struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Version       int    `json:"version"`
	AccrualDays   string `json:"accrual_days"`
	CarryOverDays string `json:"carry_over_days"`
	SupersedesID  string `json:"supersedes_id,omitempty"`
	SupersededBy  string `json:"superseded_by,omitempty"`
	Current       bool   `json:"current"`
}

type AccrualDTO struct {
	Year    int `json:"year"`
	Rows    int `json:"rows"`
	Skipped int `json:"skipped"`
}

type DriftDTO struct {
	Drifted bool       `json:"drifted"`
	Stored  BalanceDTO `json:"stored"`
	Replay  BalanceDTO `json:"replay"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ScenarioTokenDTO is one seeded user and a bearer token for them.
type ScenarioTokenDTO struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Token  string `json:"token"`
}

type ScenarioLoadedDTO struct {
	ScenarioID string             `json:"scenario_id"`
	TenantID   string             `json:"tenant_id"`
	Users      []ScenarioTokenDTO `json:"users"`
}

// =============================================================================
// DECODING / CONVERSION
// =============================================================================

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// MaxBodyBytes caps request bodies (see middleware.RequestSize in server.go).
const MaxBodyBytes = 64 << 10

// errBodyTooLarge is returned by decode when the body exceeds MaxBodyBytes.
var errBodyTooLarge = errors.New("request body too large")

func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: limit is %d bytes", errBodyTooLarge, tooLarge.Limit)
		}
		return fmt.Errorf("%w: invalid JSON body: %v", leave.ErrValidation, err)
	}
	return validate.Struct(dst)
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q", leave.ErrValidation, s)
	}
	return t, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toRequestDTO(r leave.Request) RequestDTO {
	return RequestDTO{
		ID:           r.ID,
		TenantID:     r.TenantID,
		UserID:       r.UserID,
		LeaveTypeID:  r.LeaveTypeID,
		StartDate:    r.StartDate.Format(dateLayout),
		EndDate:      r.EndDate.Format(dateLayout),
		Days:         r.Units.Days().String(),
		Status:       string(r.Status),
		ApproverID:   r.ApproverID,
		Reason:       r.Reason,
		DecisionNote: r.DecisionNote,
		CreatedAt:    formatTime(r.CreatedAt),
		SubmittedAt:  formatTimePtr(r.SubmittedAt),
		DecidedAt:    formatTimePtr(r.DecidedAt),
		CancelledAt:  formatTimePtr(r.CancelledAt),
		Version:      r.Version,
	}
}

func toBalanceDTO(b leave.Balance) BalanceDTO {
	return BalanceDTO{
		UserID:      b.Key.UserID,
		LeaveTypeID: b.Key.LeaveTypeID,
		Year:        b.Key.Year,
		Accrued:     b.Accrued.Days().String(),
		Consumed:    b.Consumed.Days().String(),
		Pending:     b.Pending.Days().String(),
		Available:   b.Available().Days().String(),
		Version:     b.Version,
	}
}

func toUserDTO(u leave.User) UserDTO {
	return UserDTO{
		ID:        u.ID,
		TenantID:  u.TenantID,
		Role:      string(u.Role),
		ManagerID: u.ManagerID,
		Email:     u.Email,
		Name:      u.Name,
		CreatedAt: formatTime(u.CreatedAt),
		DeletedAt: formatTimePtr(u.DeletedAt),
	}
}

func toLeaveTypeDTO(lt leave.LeaveType) LeaveTypeDTO {
	return LeaveTypeDTO{
		ID:            lt.ID,
		Name:          lt.Name,
		Version:       lt.Version,
		AccrualDays:   lt.AccrualUnits.Days().String(),
		CarryOverDays: lt.CarryOver.MaxUnits.Days().String(),
		SupersedesID:  lt.SupersedesID,
		SupersededBy:  lt.SupersededBy,
		Current:       lt.Current(),
	}
}

func toDriftDTO(d ledger.Drift) DriftDTO {
	return DriftDTO{Drifted: d.Drifted(), Stored: toBalanceDTO(d.Stored), Replay: toBalanceDTO(d.Replay)}
}

func mapSlice[T, D any](in []T, f func(T) D) []D {
	out := make([]D, len(in))
	for i, v := range in {
		out[i] = f(v)
	}
	return out
}
