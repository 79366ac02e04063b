package permissions

import (
	"fmt"
	"sort"
	"strings"
)

// Resource identifies a protected resource type.
type Resource string

const (
	ResourceLeads        Resource = "leads"
	ResourceCases        Resource = "cases"
	ResourceDocuments    Resource = "documents"
	ResourceCalendar     Resource = "calendar"
	ResourceReports      Resource = "reports"
	ResourceUsers        Resource = "users"
	ResourceRoles        Resource = "roles"
	ResourceTenants      Resource = "tenants"
	ResourceIntegrations Resource = "integrations"
	ResourceAudit        Resource = "audit"
)

// Action identifies an operation on a resource.
type Action string

const (
	ActionView   Action = "view"
	ActionCreate Action = "create"
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
	ActionAssign Action = "assign"
	ActionExport Action = "export"
	ActionManage Action = "manage"
)

// Scope is the breadth of records a permission grants access to. The empty
// scope marks scope-less actions such as leads.assign.
type Scope string

const (
	ScopeNone     Scope = ""
	ScopeOwn      Scope = "own"
	ScopeAssigned Scope = "assigned"
	ScopeTeam     Scope = "team"
	ScopeAll      Scope = "all"
)

// Key is a single permission as an explicit (resource, action, scope) tuple.
// The legacy wire format is the dotted string resource.action[.scope].
type Key struct {
	Resource Resource
	Action   Action
	Scope    Scope
}

// String renders the legacy dotted form.
func (k Key) String() string {
	if k.Scope == ScopeNone {
		return string(k.Resource) + "." + string(k.Action)
	}
	return string(k.Resource) + "." + string(k.Action) + "." + string(k.Scope)
}

// ParseKey parses the legacy dotted form and validates it against the catalog.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, ".")
	var k Key
	switch len(parts) {
	case 2:
		k = Key{Resource: Resource(parts[0]), Action: Action(parts[1])}
	case 3:
		k = Key{Resource: Resource(parts[0]), Action: Action(parts[1]), Scope: Scope(parts[2])}
	default:
		return Key{}, fmt.Errorf("malformed permission key %q", s)
	}
	if _, ok := Lookup(k); !ok {
		return Key{}, fmt.Errorf("unknown permission key %q", s)
	}
	return k, nil
}

// Entry is an immutable catalog record describing one permission.
type Entry struct {
	Key         Key
	Category    string
	Label       string
	Description string
}

// Categories group catalog entries for the admin UI.
const (
	CategoryLeads      = "Leads"
	CategoryCases      = "Cases"
	CategoryDocuments  = "Documents"
	CategoryCalendar   = "Calendar"
	CategoryReports    = "Reports"
	CategoryAdmin      = "Administration"
	CategoryTenants    = "Tenant Management"
	CategoryCompliance = "Compliance"
)

var catalog []Entry
var catalogIndex map[Key]Entry

func init() {
	scoped := func(res Resource, action Action, category, label string) []Entry {
		entries := make([]Entry, 0, 4)
		for _, scope := range []Scope{ScopeOwn, ScopeAssigned, ScopeTeam, ScopeAll} {
			entries = append(entries, Entry{
				Key:      Key{Resource: res, Action: action, Scope: scope},
				Category: category,
				Label:    fmt.Sprintf("%s (%s)", label, scope),
			})
		}
		return entries
	}
	plain := func(res Resource, action Action, category, label string) Entry {
		return Entry{Key: Key{Resource: res, Action: action}, Category: category, Label: label}
	}

	catalog = append(catalog, scoped(ResourceLeads, ActionView, CategoryLeads, "View leads")...)
	catalog = append(catalog, scoped(ResourceLeads, ActionEdit, CategoryLeads, "Edit leads")...)
	catalog = append(catalog, scoped(ResourceLeads, ActionDelete, CategoryLeads, "Delete leads")...)
	catalog = append(catalog,
		plain(ResourceLeads, ActionCreate, CategoryLeads, "Create leads"),
		plain(ResourceLeads, ActionAssign, CategoryLeads, "Assign leads"),
		plain(ResourceLeads, ActionExport, CategoryLeads, "Export leads"),
	)

	catalog = append(catalog, scoped(ResourceCases, ActionView, CategoryCases, "View cases")...)
	catalog = append(catalog, scoped(ResourceCases, ActionEdit, CategoryCases, "Edit cases")...)
	catalog = append(catalog, scoped(ResourceCases, ActionDelete, CategoryCases, "Delete cases")...)
	catalog = append(catalog,
		plain(ResourceCases, ActionCreate, CategoryCases, "Create cases"),
		plain(ResourceCases, ActionAssign, CategoryCases, "Assign cases"),
	)

	catalog = append(catalog, scoped(ResourceDocuments, ActionView, CategoryDocuments, "View documents")...)
	catalog = append(catalog,
		plain(ResourceDocuments, ActionCreate, CategoryDocuments, "Upload documents"),
		plain(ResourceDocuments, ActionDelete, CategoryDocuments, "Delete documents"),
	)

	catalog = append(catalog,
		plain(ResourceCalendar, ActionView, CategoryCalendar, "View calendar"),
		plain(ResourceCalendar, ActionEdit, CategoryCalendar, "Manage calendar events"),
		plain(ResourceReports, ActionView, CategoryReports, "View reports"),
		plain(ResourceReports, ActionExport, CategoryReports, "Export reports"),
		plain(ResourceUsers, ActionView, CategoryAdmin, "View users"),
		plain(ResourceUsers, ActionManage, CategoryAdmin, "Manage users"),
		plain(ResourceRoles, ActionView, CategoryAdmin, "View roles"),
		plain(ResourceRoles, ActionManage, CategoryAdmin, "Manage roles"),
		plain(ResourceIntegrations, ActionView, CategoryAdmin, "View integrations"),
		plain(ResourceIntegrations, ActionManage, CategoryAdmin, "Manage integrations"),
		plain(ResourceTenants, ActionView, CategoryTenants, "View tenants"),
		plain(ResourceTenants, ActionManage, CategoryTenants, "Manage tenants"),
		plain(ResourceAudit, ActionView, CategoryCompliance, "View audit trail"),
		plain(ResourceAudit, ActionExport, CategoryCompliance, "Export audit trail"),
	)

	catalogIndex = make(map[Key]Entry, len(catalog))
	for _, e := range catalog {
		catalogIndex[e.Key] = e
	}
}

// Catalog returns every catalog entry, sorted by legacy key string.
func Catalog() []Entry {
	out := make([]Entry, len(catalog))
	copy(out, catalog)
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Lookup returns the catalog entry for a key.
func Lookup(k Key) (Entry, bool) {
	e, ok := catalogIndex[k]
	return e, ok
}

// ByCategory returns all entries in a category.
func ByCategory(category string) []Entry {
	var out []Entry
	for _, e := range Catalog() {
		if e.Category == category {
			out = append(out, e)
		}
	}
	return out
}
