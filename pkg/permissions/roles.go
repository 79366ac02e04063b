package permissions

// LegacyRole is the fixed role enum predating custom roles. A user with no
// custom role resolves through the static table below; a user with a custom
// role resolves to exactly that role's grants, with no merge between the two.
type LegacyRole string

const (
	RoleSuperAdmin LegacyRole = "SUPER_ADMIN"
	RoleAdmin      LegacyRole = "ADMIN"
	RoleManager    LegacyRole = "MANAGER"
	RoleAgent      LegacyRole = "AGENT"
	RoleBackOffice LegacyRole = "BACK_OFFICE"
)

// ValidLegacyRole reports whether r is a recognized legacy role.
func ValidLegacyRole(r LegacyRole) bool {
	switch r {
	case RoleSuperAdmin, RoleAdmin, RoleManager, RoleAgent, RoleBackOffice:
		return true
	}
	return false
}

// LegacyRolePermissions returns the static permission set for a legacy role.
func LegacyRolePermissions(role LegacyRole) (Set, bool) {
	switch role {
	case RoleSuperAdmin:
		// The entire catalog.
		s := make(Set, len(catalog))
		for _, e := range catalog {
			s[e.Key] = struct{}{}
		}
		return s, true

	case RoleAdmin:
		// Everything except tenant management.
		s := make(Set, len(catalog))
		for _, e := range catalog {
			if e.Category == CategoryTenants {
				continue
			}
			s[e.Key] = struct{}{}
		}
		return s, true

	case RoleManager:
		return NewSet(
			Key{ResourceLeads, ActionView, ScopeTeam},
			Key{ResourceLeads, ActionEdit, ScopeTeam},
			Key{ResourceLeads, ActionDelete, ScopeAssigned},
			Key{ResourceLeads, ActionCreate, ScopeNone},
			Key{ResourceLeads, ActionAssign, ScopeNone},
			Key{ResourceLeads, ActionExport, ScopeNone},
			Key{ResourceCases, ActionView, ScopeTeam},
			Key{ResourceCases, ActionEdit, ScopeTeam},
			Key{ResourceCases, ActionCreate, ScopeNone},
			Key{ResourceCases, ActionAssign, ScopeNone},
			Key{ResourceDocuments, ActionView, ScopeTeam},
			Key{ResourceDocuments, ActionCreate, ScopeNone},
			Key{ResourceCalendar, ActionView, ScopeNone},
			Key{ResourceCalendar, ActionEdit, ScopeNone},
			Key{ResourceReports, ActionView, ScopeNone},
			Key{ResourceUsers, ActionView, ScopeNone},
		), true

	case RoleAgent:
		return NewSet(
			Key{ResourceLeads, ActionView, ScopeOwn},
			Key{ResourceLeads, ActionView, ScopeAssigned},
			Key{ResourceLeads, ActionEdit, ScopeAssigned},
			Key{ResourceLeads, ActionCreate, ScopeNone},
			Key{ResourceCases, ActionView, ScopeAssigned},
			Key{ResourceCases, ActionEdit, ScopeAssigned},
			Key{ResourceDocuments, ActionView, ScopeOwn},
			Key{ResourceDocuments, ActionCreate, ScopeNone},
			Key{ResourceCalendar, ActionView, ScopeNone},
			Key{ResourceCalendar, ActionEdit, ScopeNone},
		), true

	case RoleBackOffice:
		return NewSet(
			Key{ResourceLeads, ActionView, ScopeAll},
			Key{ResourceCases, ActionView, ScopeAll},
			Key{ResourceCases, ActionEdit, ScopeAll},
			Key{ResourceCases, ActionCreate, ScopeNone},
			Key{ResourceDocuments, ActionView, ScopeAll},
			Key{ResourceDocuments, ActionCreate, ScopeNone},
			Key{ResourceReports, ActionView, ScopeNone},
			Key{ResourceReports, ActionExport, ScopeNone},
		), true
	}
	return nil, false
}
