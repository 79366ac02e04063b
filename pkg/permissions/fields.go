package permissions

// FieldGrant is a per-role, per-resource, per-field view/edit flag pair, used
// to redact or lock sensitive fields independently of record-level access.
type FieldGrant struct {
	Resource Resource `json:"resource"`
	Field    string   `json:"field"`
	CanView  bool     `json:"canView"`
	CanEdit  bool     `json:"canEdit"`
}

// FieldPolicy indexes grants for one role. Fields with no grant are fully
// visible and editable; a grant restricts.
type FieldPolicy struct {
	grants map[Resource]map[string]FieldGrant
}

// NewFieldPolicy builds a policy from grants.
func NewFieldPolicy(grants []FieldGrant) *FieldPolicy {
	p := &FieldPolicy{grants: make(map[Resource]map[string]FieldGrant)}
	for _, g := range grants {
		byField, ok := p.grants[g.Resource]
		if !ok {
			byField = make(map[string]FieldGrant)
			p.grants[g.Resource] = byField
		}
		byField[g.Field] = g
	}
	return p
}

// CanView reports whether the field may be shown.
func (p *FieldPolicy) CanView(res Resource, field string) bool {
	if g, ok := p.grants[res][field]; ok {
		return g.CanView
	}
	return true
}

// CanEdit reports whether the field may be written.
func (p *FieldPolicy) CanEdit(res Resource, field string) bool {
	if g, ok := p.grants[res][field]; ok {
		return g.CanEdit
	}
	return true
}

// Redact removes non-viewable fields from a record before serialization.
func (p *FieldPolicy) Redact(res Resource, record map[string]interface{}) map[string]interface{} {
	byField, ok := p.grants[res]
	if !ok {
		return record
	}
	out := make(map[string]interface{}, len(record))
	for k, v := range record {
		if g, restricted := byField[k]; restricted && !g.CanView {
			continue
		}
		out[k] = v
	}
	return out
}

// LockedFields returns the fields in the update that the policy forbids
// editing, sorted by the caller if needed.
func (p *FieldPolicy) LockedFields(res Resource, update map[string]interface{}) []string {
	byField, ok := p.grants[res]
	if !ok {
		return nil
	}
	var locked []string
	for k := range update {
		if g, restricted := byField[k]; restricted && !g.CanEdit {
			locked = append(locked, k)
		}
	}
	return locked
}
