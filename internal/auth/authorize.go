package auth

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"collegium.org/internal/obs"
)

// Decision is the typed result of one authorization check.
type Decision struct {
	Allowed bool          `json:"allowed"`
	Scope   ResolvedScope `json:"scope"`
	Reason  string        `json:"reason"`
	// Err is the denial cause; nil when Allowed.
	Err error `json:"-"`
}

func allow(scope ResolvedScope, reason string) Decision {
	return Decision{Allowed: true, Scope: scope, Reason: reason}
}

func deny(err error, reason string) Decision {
	return Decision{Reason: reason, Err: err}
}

// Engine decides module access from an account and its grant. It does no I/O.
type Engine struct {
	log logrus.FieldLogger
}

// NewEngine builds an Engine logging invariant violations to log.
func NewEngine(log logrus.FieldLogger) *Engine {
	if log == nil {
		log = obs.Logger()
	}
	return &Engine{log: log}
}

// Can reports whether p may perform action on target within module.
func (e *Engine) Can(p Account, grant *Grant, module Module, action Action, target Target) bool {
	return e.Decide(p, grant, module, action, target).Allowed
}

// Decide resolves access for p. grant is p's grant for module, or nil.
func (e *Engine) Decide(p Account, grant *Grant, module Module, action Action, target Target) Decision {
	d := e.decide(p, grant, module, action, target)
	result := "allow"
	if !d.Allowed {
		result = "deny"
		e.log.WithFields(logrus.Fields{
			"account_id": p.ID,
			"module":     module,
			"action":     action,
			"reason":     d.Reason,
		}).Debug("authorization denied")
	}
	obs.ObserveDecision(string(module), result)
	return d
}

func (e *Engine) decide(p Account, grant *Grant, module Module, action Action, target Target) Decision {
	if !module.Valid() {
		return deny(fmt.Errorf("%w: module %q", ErrInvalidInput, module), "unknown_module")
	}
	if action != ActionRead && action != ActionWrite {
		return deny(fmt.Errorf("%w: action %q", ErrInvalidInput, action), "unknown_action")
	}
	if !p.Active {
		return deny(ErrAccountDeactivated, "inactive")
	}
	if target.CollegeID != "" && target.CollegeID != p.CollegeID {
		return deny(ErrOutOfScope, "other_college")
	}

	if grant == nil {
		if p.Role.IsTop() {
			return allow(e.Resolve(p, nil, module), "default_allow")
		}
		return deny(ErrInsufficientPermission, "no_grant")
	}
	if !grant.Permits(action) {
		return deny(ErrInsufficientPermission, "action_not_granted")
	}
	if reason, ok := e.moduleRule(p, module, target); !ok {
		return deny(ErrInsufficientPermission, reason)
	}
	if !grant.Scope.Valid() {
		e.log.WithFields(logrus.Fields{
			"account_id": p.ID,
			"module":     module,
			"scope":      grant.Scope,
			"invariant":  "unknown_scope",
		}).Error("grant carries unknown scope")
		return deny(ErrInsufficientPermission, "unknown_scope")
	}

	scope := e.Resolve(p, grant, module)

	d := deny(ErrInsufficientPermission, "unknown_scope")
	switch scope.Kind {
	case ScopeAll:
		return allow(scope, "grant")
	case ScopeDepartment:
		switch {
		case scope.DepartmentID == "":
			d = deny(ErrInsufficientPermission, "department_missing")
		case !scope.Covers(target):
			d = deny(ErrOutOfScope, "other_department")
		default:
			return allow(scope, "grant")
		}
	case ScopeOwn:
		if scope.Covers(target) {
			return allow(scope, "grant")
		}
		d = deny(ErrOutOfScope, "not_owner")
	}
	d.Scope = scope
	return d
}

// Resolve returns the record scope of p for module and logs a broken
// department invariant at error level.
func (e *Engine) Resolve(p Account, grant *Grant, module Module) ResolvedScope {
	if inv := scopeInvariant(p, grant); inv != "" {
		e.log.WithFields(logrus.Fields{
			"account_id": p.ID,
			"role":       p.Role,
			"module":     module,
			"invariant":  inv,
		}).Error("account scope needs a department it does not have")
	}
	return ResolveScope(p, grant)
}

// moduleRule applies per-module restrictions to non-top roles.
func (e *Engine) moduleRule(p Account, module Module, target Target) (string, bool) {
	if p.Role.IsTop() {
		return "", true
	}
	switch module {
	case ModuleStaff:
		if p.Role == RoleDepartmentHead && target.SubjectRole != RoleStaff {
			return "staff_targets_only", false
		}
	}
	return "", true
}

// CheckCreate enforces the account creation rule for actor creating role in departmentID.
func CheckCreate(actor Account, role Role, departmentID string) error {
	if !role.Valid() {
		return fmt.Errorf("%w: role %q", ErrInvalidInput, role)
	}
	if !actor.Active {
		return ErrAccountDeactivated
	}
	switch actor.Role {
	case RolePrincipal, RoleCollegeAdmin:
		if role == RolePrincipal || !actor.Role.Outranks(role) {
			return ErrInsufficientPermission
		}
		return nil
	case RoleDepartmentHead:
		if role != RoleStaff {
			return ErrInsufficientPermission
		}
		if actor.DepartmentID == "" || departmentID != actor.DepartmentID {
			return ErrInsufficientPermission
		}
		return nil
	}
	return ErrInsufficientPermission
}

// CheckGrant enforces who may hand out module grants to whom.
func CheckGrant(actor, target Account, g Grant) error {
	if !g.Module.Valid() || !g.Scope.Valid() {
		return fmt.Errorf("%w: module %q scope %q", ErrInvalidInput, g.Module, g.Scope)
	}
	if !actor.Active {
		return ErrAccountDeactivated
	}
	if actor.CollegeID != target.CollegeID {
		return ErrOutOfScope
	}
	if g.Scope == ScopeDepartment && target.DepartmentID == "" {
		return fmt.Errorf("%w: department scope requires a department", ErrInvalidInput)
	}
	switch actor.Role {
	case RolePrincipal, RoleCollegeAdmin:
		if !actor.Role.Outranks(target.Role) {
			return ErrInsufficientPermission
		}
		return nil
	case RoleDepartmentHead:
		if target.Role != RoleStaff {
			return ErrInsufficientPermission
		}
		if actor.DepartmentID == "" || target.DepartmentID != actor.DepartmentID {
			return ErrOutOfScope
		}
		if g.Scope.breadth() > ScopeDepartment.breadth() {
			return ErrInsufficientPermission
		}
		return nil
	}
	return ErrInsufficientPermission
}
