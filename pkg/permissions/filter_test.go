package permissions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRecordFilterPrecedence(t *testing.T) {
	userID := "u1"

	t.Run("all scope is unrestricted", func(t *testing.T) {
		set := NewSet(Key{Resource: ResourceLeads, Action: ActionView, Scope: ScopeAll})
		f := BuildRecordFilter(set, userID, ResourceLeads, ActionView)
		assert.True(t, f.IsUnrestricted())
		assert.Empty(t, f.Args)
	})

	t.Run("team scope is unrestricted within the tenant", func(t *testing.T) {
		set := NewSet(Key{Resource: ResourceLeads, Action: ActionView, Scope: ScopeTeam})
		f := BuildRecordFilter(set, userID, ResourceLeads, ActionView)
		assert.True(t, f.IsUnrestricted())
	})

	t.Run("all wins over assigned and own", func(t *testing.T) {
		set := NewSet(
			Key{Resource: ResourceLeads, Action: ActionView, Scope: ScopeAll},
			Key{Resource: ResourceLeads, Action: ActionView, Scope: ScopeAssigned},
			Key{Resource: ResourceLeads, Action: ActionView, Scope: ScopeOwn},
		)
		f := BuildRecordFilter(set, userID, ResourceLeads, ActionView)
		assert.True(t, f.IsUnrestricted())
	})

	t.Run("assigned wins over own", func(t *testing.T) {
		set := NewSet(
			Key{Resource: ResourceLeads, Action: ActionView, Scope: ScopeAssigned},
			Key{Resource: ResourceLeads, Action: ActionView, Scope: ScopeOwn},
		)
		f := BuildRecordFilter(set, userID, ResourceLeads, ActionView)
		assert.Equal(t, "assigned_to_id = ?", f.Where)
		assert.Equal(t, []interface{}{userID}, f.Args)
	})

	t.Run("own alone filters by creator", func(t *testing.T) {
		set := NewSet(Key{Resource: ResourceLeads, Action: ActionView, Scope: ScopeOwn})
		f := BuildRecordFilter(set, userID, ResourceLeads, ActionView)
		assert.Equal(t, "created_by_id = ?", f.Where)
	})

	t.Run("no scope matches nothing", func(t *testing.T) {
		set := NewSet(Key{Resource: ResourceCases, Action: ActionView, Scope: ScopeAll})
		f := BuildRecordFilter(set, userID, ResourceLeads, ActionView)
		assert.Equal(t, "1 = 0", f.Where)
		assert.False(t, f.IsUnrestricted())
	})
}

func TestBuildRecordFilterResourceColumns(t *testing.T) {
	set := NewSet(Key{Resource: ResourceCases, Action: ActionView, Scope: ScopeAssigned})
	f := BuildRecordFilter(set, "u1", ResourceCases, ActionView)
	assert.Equal(t, "assigned_process_user_id = ?", f.Where)

	set = NewSet(Key{Resource: ResourceDocuments, Action: ActionView, Scope: ScopeOwn})
	f = BuildRecordFilter(set, "u1", ResourceDocuments, ActionView)
	assert.Equal(t, "uploaded_by_id = ?", f.Where)
}

func TestBuildRecordFilterUnregisteredResource(t *testing.T) {
	set := NewSet(Key{Resource: ResourceReports, Action: ActionView})
	f := BuildRecordFilter(set, "u1", ResourceReports, ActionView)
	assert.Equal(t, "1 = 0", f.Where, "resources without record columns admit nothing")
}

func TestFilterRender(t *testing.T) {
	f := Filter{Where: "assigned_to_id = ?", Args: []interface{}{"u1"}}
	assert.Equal(t, "assigned_to_id = $2", f.Render(2))

	multi := Filter{Where: "a = ? OR b = ?", Args: []interface{}{"x", "y"}}
	assert.Equal(t, "a = $3 OR b = $4", multi.Render(3))

	require.Empty(t, Unrestricted().Render(1))
}
