package auth

import (
	"fmt"
	"strings"
	"time"
)

// Role is the closed set of account roles.
type Role string

const (
	RolePrincipal      Role = "principal"
	RoleCollegeAdmin   Role = "college_admin"
	RoleDepartmentHead Role = "department_head"
	RoleStaff          Role = "staff"
)

// Roles lists every role from most to least authority.
var Roles = []Role{RolePrincipal, RoleCollegeAdmin, RoleDepartmentHead, RoleStaff}

// ParseRole accepts the canonical lowercase role names.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
	return r, nil
}

func (r Role) Valid() bool { return r.rank() > 0 }

// rank orders roles for creation rights only. Authority is never inherited through it.
func (r Role) rank() int {
	switch r {
	case RolePrincipal:
		return 4
	case RoleCollegeAdmin:
		return 3
	case RoleDepartmentHead:
		return 2
	case RoleStaff:
		return 1
	}
	return 0
}

// Outranks reports whether r sits strictly above other.
func (r Role) Outranks(other Role) bool { return r.rank() > other.rank() }

// IsTop reports whether the role is default-allowed on institution modules.
func (r Role) IsTop() bool { return r == RolePrincipal || r == RoleCollegeAdmin }

// Scope is the breadth of records a module grant covers.
type Scope string

const (
	ScopeAll        Scope = "all"
	ScopeDepartment Scope = "department"
	ScopeOwn        Scope = "own"
)

func ParseScope(s string) (Scope, error) {
	sc := Scope(strings.ToLower(strings.TrimSpace(s)))
	if !sc.Valid() {
		return "", fmt.Errorf("%w: unknown scope %q", ErrInvalidInput, s)
	}
	return sc, nil
}

func (s Scope) Valid() bool { return s.breadth() > 0 }

func (s Scope) breadth() int {
	switch s {
	case ScopeAll:
		return 3
	case ScopeDepartment:
		return 2
	case ScopeOwn:
		return 1
	}
	return 0
}

// Module is a functional area of the platform gated by grants.
type Module string

const (
	ModuleStudents    Module = "students"
	ModuleDegrees     Module = "degrees"
	ModuleTimetables  Module = "timetables"
	ModuleCalendar    Module = "calendar"
	ModuleFiles       Module = "files"
	ModulePlacements  Module = "placements"
	ModuleStaff       Module = "staff"
	ModuleDepartments Module = "departments"
)

// Modules is the fixed module catalog.
var Modules = []Module{
	ModuleStudents, ModuleDegrees, ModuleTimetables, ModuleCalendar,
	ModuleFiles, ModulePlacements, ModuleStaff, ModuleDepartments,
}

func ParseModule(s string) (Module, error) {
	m := Module(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("%w: unknown module %q", ErrInvalidInput, s)
	}
	return m, nil
}

func (m Module) Valid() bool {
	for _, known := range Modules {
		if m == known {
			return true
		}
	}
	return false
}

// Action is the operation requested against a module.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if a != ActionRead && a != ActionWrite {
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidInput, s)
	}
	return a, nil
}

// DepartmentType distinguishes teaching departments from offices.
type DepartmentType string

const (
	DepartmentAcademic       DepartmentType = "academic"
	DepartmentAdministrative DepartmentType = "administrative"
)

func ParseDepartmentType(s string) (DepartmentType, error) {
	t := DepartmentType(strings.ToLower(strings.TrimSpace(s)))
	if t != DepartmentAcademic && t != DepartmentAdministrative {
		return "", fmt.Errorf("%w: unknown department type %q", ErrInvalidInput, s)
	}
	return t, nil
}

// Account is the identity record owned by the credential store.
type Account struct {
	ID           string     `json:"id"`
	CollegeID    string     `json:"college_id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Role         Role       `json:"role"`
	DepartmentID string     `json:"department_id,omitempty"`
	Active       bool       `json:"active"`
	CreatedBy    string     `json:"created_by,omitempty"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// AccountPatch lists the mutable account fields. Nil means unchanged;
// an empty DepartmentID clears the department link.
type AccountPatch struct {
	Role         *Role      `json:"role,omitempty"`
	DepartmentID *string    `json:"department_id,omitempty"`
	Active       *bool      `json:"active,omitempty"`
	PasswordHash *string    `json:"-"`
	LastLoginAt  *time.Time `json:"-"`
}

// Empty reports whether the patch changes nothing.
func (p AccountPatch) Empty() bool {
	return p.Role == nil && p.DepartmentID == nil && p.Active == nil && p.PasswordHash == nil && p.LastLoginAt == nil
}

// Apply mutates a copy of acct and returns it.
func (p AccountPatch) Apply(acct Account, now time.Time) Account {
	if p.Role != nil {
		acct.Role = *p.Role
	}
	if p.DepartmentID != nil {
		acct.DepartmentID = *p.DepartmentID
	}
	if p.Active != nil {
		acct.Active = *p.Active
	}
	if p.PasswordHash != nil {
		acct.PasswordHash = *p.PasswordHash
	}
	if p.LastLoginAt != nil {
		t := p.LastLoginAt.UTC()
		acct.LastLoginAt = &t
	}
	acct.UpdatedAt = now.UTC()
	return acct
}

// Department is an organizational unit of a college.
type Department struct {
	ID        string         `json:"id"`
	CollegeID string         `json:"college_id"`
	Name      string         `json:"name"`
	Code      string         `json:"code"`
	Type      DepartmentType `json:"type"`
	HeadID    string         `json:"head_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Grant is a module permission for one account.
type Grant struct {
	AccountID string    `json:"account_id"`
	Module    Module    `json:"module"`
	Scope     Scope     `json:"scope"`
	CanRead   bool      `json:"can_read"`
	CanWrite  bool      `json:"can_write"`
	GrantedBy string    `json:"granted_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Permits reports whether the grant's flags cover the action.
func (g Grant) Permits(action Action) bool {
	switch action {
	case ActionRead:
		return g.CanRead
	case ActionWrite:
		return g.CanWrite
	}
	return false
}

// Challenge is a persisted one-time code. Only the code hash is stored.
type Challenge struct {
	ID        string
	Email     string
	CodeHash  string
	ExpiresAt time.Time
	Used      bool
	CreatedAt time.Time
}

// Target describes the record an authorization request acts on.
// Empty fields are unknown and never match a scope check.
type Target struct {
	CollegeID    string `json:"college_id,omitempty"`
	DepartmentID string `json:"department_id,omitempty"`
	CreatedBy    string `json:"created_by,omitempty"`
	SubjectID    string `json:"subject_id,omitempty"`
	SubjectRole  Role   `json:"subject_role,omitempty"`
}

// Identity is the authenticated caller resolved from a bearer token.
type Identity struct {
	AccountID    string    `json:"account_id"`
	Role         Role      `json:"role"`
	DepartmentID string    `json:"department_id,omitempty"`
	CollegeID    string    `json:"college_id"`
	TokenID      string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
}
