// Package permissions implements the declarative, scope-based authorization
// core: the static permission catalog, the per-user permission resolver with
// its short-lived cache, record-level filter construction, and field-level
// view/edit policies.
//
// A permission is an explicit (resource, action, scope) tuple with a total
// mapping to the legacy dotted wire form ("leads.view.own"). The catalog is
// process-wide static configuration and never mutated at runtime.
//
// Resolution is all-or-nothing between the two role systems: a user with a
// custom role gets exactly that role's grants; a user without one falls back
// to the static legacy-role table. The resolver caches whole sets per user
// with a fixed TTL; explicit invalidation (see pkg/notify) evicts early.
package permissions
