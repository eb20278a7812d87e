/*
Package access is the policy engine: it decides whether an identity may perform
an action on a resource.

PURPOSE:
  Every data access in the engine goes through Authorize. The engine is pure
  and total: no state, no I/O, every (identity, action, resource) triple yields
  one deterministic Decision.

RULE TABLE (evaluated in order, first match wins):
  1. tenant-isolation   resource tenant != identity tenant -> Deny(CrossTenant)
  2. manage-settings    MANAGE_SETTINGS  -> Allow iff ADMIN
  3. decide-request     DECIDE_REQUEST   -> Allow iff ADMIN, or MANAGER of the owner
  4. owner              READ_OWN, CREATE_REQUEST -> Allow iff owner, else fall through
  5. read-team          READ_TEAM        -> Allow iff ADMIN, or MANAGER of the owner
  6. read-all           READ_ALL         -> Allow iff ADMIN
  7. cancel-request     CANCEL_REQUEST   -> Allow iff owner or ADMIN
  8. default            Deny(InsufficientRole)

ROLE HIERARCHY:
  ADMIN ⊇ MANAGER ⊇ EMPLOYEE, expressed through leave.Role.AtLeast.
*/
package access

import (
	"github.com/warp/leave-engine/leave"
)

// =============================================================================
// ACTIONS / RESOURCES / DECISIONS
// =============================================================================

type Action string

const (
	ReadOwn        Action = "READ_OWN"
	ReadTeam       Action = "READ_TEAM"
	ReadAll        Action = "READ_ALL"
	CreateRequest  Action = "CREATE_REQUEST"
	DecideRequest  Action = "DECIDE_REQUEST"
	ManageSettings Action = "MANAGE_SETTINGS"
	CancelRequest  Action = "CANCEL_REQUEST"
)

// Resource describes what is being accessed. The calling layer fills it from
// stored entities, never from client input.
type Resource struct {
	TenantID       string
	OwnerID        string // user the data belongs to
	OwnerManagerID string // that user's manager
}

type Reason string

const (
	ReasonNone             Reason = ""
	ReasonCrossTenant      Reason = "CrossTenant"
	ReasonInsufficientRole Reason = "InsufficientRole"
)

type Decision struct {
	Allowed bool
	Reason  Reason
	Action  Action
	Rule    string // name of the rule that decided
}

// Err converts a deny into a *leave.DeniedError; nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &leave.DeniedError{Action: string(d.Action), Reason: string(d.Reason), Rule: d.Rule}
}

func allow(rule string) (Decision, bool) {
	return Decision{Allowed: true, Rule: rule}, true
}

func deny(rule string, reason Reason) (Decision, bool) {
	return Decision{Reason: reason, Rule: rule}, true
}

// =============================================================================
// RULE TABLE
// =============================================================================

type rule struct {
	name string
	// eval returns matched=false to fall through to the next rule.
	eval func(id leave.Identity, action Action, res Resource) (d Decision, matched bool)
}

func managesOwner(id leave.Identity, res Resource) bool {
	return id.Role == leave.RoleManager && res.OwnerManagerID != "" && res.OwnerManagerID == id.UserID
}

func owns(id leave.Identity, res Resource) bool {
	return res.OwnerID != "" && res.OwnerID == id.UserID
}

var rules = []rule{
	{
		name: "tenant-isolation",
		eval: func(id leave.Identity, _ Action, res Resource) (Decision, bool) {
			if id.TenantID == "" || res.TenantID != id.TenantID {
				return deny("tenant-isolation", ReasonCrossTenant)
			}
			return Decision{}, false
		},
	},
	{
		name: "manage-settings",
		eval: func(id leave.Identity, action Action, _ Resource) (Decision, bool) {
			if action != ManageSettings {
				return Decision{}, false
			}
			if id.Role == leave.RoleAdmin {
				return allow("manage-settings")
			}
			return deny("manage-settings", ReasonInsufficientRole)
		},
	},
	{
		name: "decide-request",
		eval: func(id leave.Identity, action Action, res Resource) (Decision, bool) {
			if action != DecideRequest {
				return Decision{}, false
			}
			if id.Role == leave.RoleAdmin || managesOwner(id, res) {
				return allow("decide-request")
			}
			return deny("decide-request", ReasonInsufficientRole)
		},
	},
	{
		name: "owner",
		eval: func(id leave.Identity, action Action, res Resource) (Decision, bool) {
			if (action == ReadOwn || action == CreateRequest) && owns(id, res) {
				return allow("owner")
			}
			return Decision{}, false
		},
	},
	{
		name: "read-team",
		eval: func(id leave.Identity, action Action, res Resource) (Decision, bool) {
			if action != ReadTeam {
				return Decision{}, false
			}
			if id.Role == leave.RoleAdmin || managesOwner(id, res) {
				return allow("read-team")
			}
			return deny("read-team", ReasonInsufficientRole)
		},
	},
	{
		name: "read-all",
		eval: func(id leave.Identity, action Action, _ Resource) (Decision, bool) {
			if action != ReadAll {
				return Decision{}, false
			}
			if id.Role == leave.RoleAdmin {
				return allow("read-all")
			}
			return deny("read-all", ReasonInsufficientRole)
		},
	},
	{
		name: "cancel-request",
		eval: func(id leave.Identity, action Action, res Resource) (Decision, bool) {
			if action != CancelRequest {
				return Decision{}, false
			}
			if owns(id, res) || id.Role == leave.RoleAdmin {
				return allow("cancel-request")
			}
			return deny("cancel-request", ReasonInsufficientRole)
		},
	},
}

// =============================================================================
// EVALUATION
// =============================================================================

// Authorize evaluates the rule table.
func Authorize(id leave.Identity, action Action, res Resource) Decision {
	for _, r := range rules {
		if d, ok := r.eval(id, action, res); ok {
			d.Action = action
			return d
		}
	}
	return Decision{Action: action, Reason: ReasonInsufficientRole, Rule: "default"}
}

// AuthorizeAny returns the first allowing decision among actions. If none
// allows, a CrossTenant deny wins over InsufficientRole.
func AuthorizeAny(id leave.Identity, res Resource, actions ...Action) Decision {
	var last Decision
	for _, a := range actions {
		d := Authorize(id, a, res)
		if d.Allowed || d.Reason == ReasonCrossTenant {
			return d
		}
		last = d
	}
	if len(actions) == 0 {
		return Decision{Reason: ReasonInsufficientRole, Rule: "default"}
	}
	return last
}

// CanRead checks the read actions from the narrowest to the widest.
func CanRead(id leave.Identity, res Resource) Decision {
	return AuthorizeAny(id, res, ReadOwn, ReadTeam, ReadAll)
}

// ForUser builds the resource descriptor for data owned by u.
func ForUser(u leave.User) Resource {
	return Resource{TenantID: u.TenantID, OwnerID: u.ID, OwnerManagerID: u.ManagerID}
}

// ForTenant builds the resource descriptor for tenant-wide settings.
func ForTenant(tenantID string) Resource {
	return Resource{TenantID: tenantID}
}
