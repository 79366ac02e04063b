package permissions

import (
	"context"
	"fmt"
	"strings"
)

// Filter is a query predicate fragment narrowing which rows a handler may
// touch. Placeholders are written as ? and rendered to positional $n when the
// caller composes the full query. The fragment is tenant-agnostic; callers
// always combine it with the mandatory tenant predicate.
type Filter struct {
	Where string
	Args  []interface{}
}

// Unrestricted returns a fragment imposing no constraint.
func Unrestricted() Filter {
	return Filter{}
}

// None returns a fragment matching zero records. "No scope" means "no
// access", not an error.
func None() Filter {
	return Filter{Where: "1 = 0"}
}

// IsUnrestricted reports whether the filter imposes no constraint.
func (f Filter) IsUnrestricted() bool { return f.Where == "" }

// Render rewrites ? placeholders to $n starting at argOffset.
func (f Filter) Render(argOffset int) string {
	out := f.Where
	for i := range f.Args {
		out = strings.Replace(out, "?", fmt.Sprintf("$%d", argOffset+i), 1)
	}
	return out
}

// resourceColumns maps a resource to its owner/assignee column names. The
// divergent names (leads vs. cases assignee) stay encapsulated here; adding a
// resource is a data change.
type resourceColumns struct {
	owner    string
	assignee string
}

var filterRegistry = map[Resource]resourceColumns{
	ResourceLeads:     {owner: "created_by_id", assignee: "assigned_to_id"},
	ResourceCases:     {owner: "created_by_id", assignee: "assigned_process_user_id"},
	ResourceDocuments: {owner: "uploaded_by_id", assignee: "assigned_to_id"},
}

// RecordFilter builds the record-level filter for a user, resource, and
// action. Scope precedence is fixed: all, then team, then assigned, then own;
// the first scope the user holds wins. Team scope behaves as all within the
// tenant boundary, because the tenant predicate is always composed on top.
func (r *Resolver) RecordFilter(ctx context.Context, userID string, res Resource, action Action) (Filter, error) {
	set, err := r.Resolve(ctx, userID)
	if err != nil {
		return None(), err
	}
	return BuildRecordFilter(set, userID, res, action), nil
}

// BuildRecordFilter derives the filter from an already-resolved set.
func BuildRecordFilter(set Set, userID string, res Resource, action Action) Filter {
	cols, ok := filterRegistry[res]
	if !ok {
		return None()
	}

	if set.Has(Key{Resource: res, Action: action, Scope: ScopeAll}) ||
		set.Has(Key{Resource: res, Action: action, Scope: ScopeTeam}) {
		return Unrestricted()
	}
	if set.Has(Key{Resource: res, Action: action, Scope: ScopeAssigned}) {
		return Filter{Where: cols.assignee + " = ?", Args: []interface{}{userID}}
	}
	if set.Has(Key{Resource: res, Action: action, Scope: ScopeOwn}) {
		return Filter{Where: cols.owner + " = ?", Args: []interface{}{userID}}
	}
	return None()
}
