package auth

// ResolvedScope is the set of records a principal may act on:
// everything, one department, or the principal's own records.
type ResolvedScope struct {
	Kind         Scope  `json:"kind"`
	DepartmentID string `json:"department_id,omitempty"`
	OwnerID      string `json:"owner_id,omitempty"`
}

// ResolveScope maps role, department and the optional module grant to a
// scope. An explicit grant decides the scope for every role, including a
// grant that narrows a top role; without one the role default applies.
// It is a pure function of its arguments.
func ResolveScope(acct Account, grant *Grant) ResolvedScope {
	if grant != nil {
		switch grant.Scope {
		case ScopeAll:
			return ResolvedScope{Kind: ScopeAll}
		case ScopeDepartment:
			// An empty DepartmentID covers nothing.
			return ResolvedScope{Kind: ScopeDepartment, DepartmentID: acct.DepartmentID}
		case ScopeOwn:
			return ResolvedScope{Kind: ScopeOwn, OwnerID: acct.ID}
		}
	}
	switch acct.Role {
	case RolePrincipal, RoleCollegeAdmin:
		return ResolvedScope{Kind: ScopeAll}
	case RoleDepartmentHead:
		if acct.DepartmentID != "" {
			return ResolvedScope{Kind: ScopeDepartment, DepartmentID: acct.DepartmentID}
		}
	}
	return ResolvedScope{Kind: ScopeOwn, OwnerID: acct.ID}
}

// scopeInvariant names the data invariant acct and grant violate, or "".
func scopeInvariant(acct Account, grant *Grant) string {
	if acct.DepartmentID != "" {
		return ""
	}
	if grant != nil && grant.Scope == ScopeDepartment {
		return "department_scope_without_department"
	}
	if acct.Role == RoleDepartmentHead {
		return "department_head_without_department"
	}
	return ""
}

// Covers reports whether target falls inside the scope. Unknown target
// fields never match.
func (s ResolvedScope) Covers(t Target) bool {
	switch s.Kind {
	case ScopeAll:
		return true
	case ScopeDepartment:
		return s.DepartmentID != "" && t.DepartmentID == s.DepartmentID
	case ScopeOwn:
		if s.OwnerID == "" {
			return false
		}
		return t.CreatedBy == s.OwnerID || t.SubjectID == s.OwnerID
	}
	return false
}
