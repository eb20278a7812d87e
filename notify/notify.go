/*
Package notify is the outbound notification boundary.

PURPOSE:
  The workflow emits one logical Event per observable transition. This
  package decides where it goes. Delivery (email, push) happens downstream
  and is not a concern of the engine.

EMITTERS:
  - Log:        writes events to a zap logger (dev, tests)
  - Kafka:      publishes JSON events with kafka-go, keyed by request id
  - Dispatcher: bounded queue in front of another emitter; Emit never blocks

FAILURE:
  An emitter error never undoes a transition. The workflow logs it and moves on.
*/
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type Kind string

const (
	SubmittedRequest Kind = "SubmittedRequest"
	ApprovedRequest  Kind = "ApprovedRequest"
	RejectedRequest  Kind = "RejectedRequest"
	CancelledRequest Kind = "CancelledRequest"
)

// Event is the payload of one notification.
type Event struct {
	Kind        Kind      `json:"kind"`
	TenantID    string    `json:"tenant_id"`
	RequestID   string    `json:"request_id"`
	UserID      string    `json:"user_id"`
	ActorID     string    `json:"actor_id"`
	ApproverID  string    `json:"approver_id,omitempty"`
	Decision    string    `json:"decision,omitempty"`
	Note        string    `json:"note,omitempty"`
	LeaveTypeID string    `json:"leave_type_id"`
	StartDate   string    `json:"start_date"`
	EndDate     string    `json:"end_date"`
	Days        string    `json:"days"`
	At          time.Time `json:"at"`
}

type Emitter interface {
	Emit(ctx context.Context, e Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, e Event) error

func (f EmitterFunc) Emit(ctx context.Context, e Event) error { return f(ctx, e) }

// Nop drops every event.
var Nop Emitter = EmitterFunc(func(context.Context, Event) error { return nil })

// =============================================================================
// LOG EMITTER
// =============================================================================

type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	if log == nil {
		log = zap.L()
	}
	return &Log{log: log.Named("notify")}
}

func (l *Log) Emit(_ context.Context, e Event) error {
	l.log.Info("notification",
		zap.String("kind", string(e.Kind)),
		zap.String("tenant_id", e.TenantID),
		zap.String("request_id", e.RequestID),
		zap.String("user_id", e.UserID),
		zap.String("actor_id", e.ActorID),
		zap.String("decision", e.Decision),
		zap.Time("at", e.At))
	return nil
}
