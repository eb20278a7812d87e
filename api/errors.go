package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/leave-engine/leave"
)

// ErrorDTO is the body of every non-2xx response.
type ErrorDTO struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// status pairs an HTTP status with the stable code clients switch on.
type status struct {
	code string
	http int
}

// errorTable is checked in order; the first sentinel that matches wins.
var errorTable = []struct {
	target error
	status
}{
	{leave.ErrUnauthenticated, status{"UNAUTHENTICATED", http.StatusUnauthorized}},
	{leave.ErrTenantMismatch, status{"TENANT_MISMATCH", http.StatusForbidden}},
	{leave.ErrCrossTenant, status{"CROSS_TENANT", http.StatusForbidden}},
	{leave.ErrInsufficientRole, status{"INSUFFICIENT_ROLE", http.StatusForbidden}},
	{leave.ErrTrialExpired, status{"TRIAL_EXPIRED", http.StatusPaymentRequired}},
	{leave.ErrSubscriptionInactive, status{"SUBSCRIPTION_INACTIVE", http.StatusPaymentRequired}},
	{leave.ErrBalanceExceeded, status{"BALANCE_EXCEEDED", http.StatusUnprocessableEntity}},
	{leave.ErrInsufficientBalance, status{"INSUFFICIENT_BALANCE", http.StatusUnprocessableEntity}},
	{leave.ErrNotFound, status{"NOT_FOUND", http.StatusNotFound}},
	{leave.ErrOverlap, status{"OVERLAP", http.StatusConflict}},
	{leave.ErrInvalidTransition, status{"INVALID_TRANSITION", http.StatusConflict}},
	{leave.ErrConcurrentModification, status{"CONCURRENT_MODIFICATION", http.StatusConflict}},
	{leave.ErrValidation, status{"INVALID_INPUT", http.StatusBadRequest}},
	{errBodyTooLarge, status{"BODY_TOO_LARGE", http.StatusRequestEntityTooLarge}},
}

var internal = status{"INTERNAL", http.StatusInternalServerError}

func classify(err error) status {
	for _, e := range errorTable {
		if errors.Is(err, e.target) {
			return e.status
		}
	}
	return internal
}

// writeError maps err onto a status and writes the error body. Internal
// errors are logged and never echoed to the client.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	st := classify(err)
	body := ErrorDTO{Error: st.code, Message: err.Error()}

	var (
		verrs    validator.ValidationErrors
		exceeded *leave.BalanceExceededError
		denied   *leave.DeniedError
	)
	switch {
	case errors.As(err, &verrs):
		st = status{"INVALID_INPUT", http.StatusBadRequest}
		body = ErrorDTO{Error: st.code, Message: "invalid input", Details: fieldErrors(verrs)}
	case errors.As(err, &exceeded) && exceeded.Cause != nil:
		body.Details = map[string]string{
			"requested": exceeded.Cause.Requested.Days().String(),
			"available": exceeded.Cause.Available.Days().String(),
		}
	case errors.As(err, &denied):
		body.Details = map[string]string{"action": denied.Action, "reason": denied.Reason}
	}

	if st == internal {
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		body.Message = "internal error"
	}
	if st.http == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="leave-engine"`)
	}
	writeJSON(w, st.http, body)
}

func fieldErrors(errs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(errs))
	for _, e := range errs {
		switch e.Tag() {
		case "required":
			out[e.Field()] = "is required"
		case "oneof":
			out[e.Field()] = "must be one of " + e.Param()
		case "datetime":
			out[e.Field()] = "must be a date (" + e.Param() + ")"
		default:
			out[e.Field()] = "is invalid"
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}
