package permissions

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// User is the slice of the user record authorization needs.
type User struct {
	ID           string
	TenantID     string
	Role         LegacyRole
	CustomRoleID *string
	Email        string
	IsActive     bool
}

// Directory looks up users and custom-role grants. Implemented by Store;
// tests substitute fakes.
type Directory interface {
	GetUser(ctx context.Context, userID string) (*User, error)
	GetCustomRolePermissions(ctx context.Context, roleID string) ([]Key, error)
}

// CacheStats counts resolver cache traffic, for metrics wiring.
type CacheStats interface {
	Hit()
	Miss()
}

type nopStats struct{}

func (nopStats) Hit()  {}
func (nopStats) Miss() {}

const resolverCacheSize = 4096

// Resolver computes effective permission sets with a short-lived in-process
// cache. Cache entries are whole sets, replaced or evicted atomically.
type Resolver struct {
	dir   Directory
	cache *lru.LRU[string, Set]
	stats CacheStats
}

// NewResolver creates a resolver caching resolved sets for ttl.
func NewResolver(dir Directory, ttl time.Duration) *Resolver {
	return &Resolver{
		dir:   dir,
		cache: lru.NewLRU[string, Set](resolverCacheSize, nil, ttl),
		stats: nopStats{},
	}
}

// SetCacheStats wires cache hit/miss counters.
func (r *Resolver) SetCacheStats(stats CacheStats) {
	if stats != nil {
		r.stats = stats
	}
}

// Resolve returns the effective permission set for a user. A custom role, if
// assigned, fully overrides the legacy role mapping; there is no merge.
func (r *Resolver) Resolve(ctx context.Context, userID string) (Set, error) {
	if set, ok := r.cache.Get(userID); ok {
		r.stats.Hit()
		return set, nil
	}
	r.stats.Miss()

	user, err := r.dir.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve permissions for user %s: %w", userID, err)
	}

	var set Set
	if user.CustomRoleID != nil {
		keys, err := r.dir.GetCustomRolePermissions(ctx, *user.CustomRoleID)
		if err != nil {
			return nil, fmt.Errorf("load custom role %s: %w", *user.CustomRoleID, err)
		}
		set = NewSet(keys...)
	} else {
		legacy, ok := LegacyRolePermissions(user.Role)
		if !ok {
			// Unknown role grants nothing rather than erroring: the request
			// proceeds and fails closed at the permission check.
			legacy = NewSet()
		}
		set = legacy
	}

	r.cache.Add(userID, set)
	return set, nil
}

// Check reports whether the user holds a single permission.
func (r *Resolver) Check(ctx context.Context, userID string, key Key) (bool, error) {
	set, err := r.Resolve(ctx, userID)
	if err != nil {
		return false, err
	}
	return set.Has(key), nil
}

// CheckKeys reports whether the user holds the listed permissions.
// requireAll=false means at least one suffices.
func (r *Resolver) CheckKeys(ctx context.Context, userID string, keys []Key, requireAll bool) (bool, error) {
	set, err := r.Resolve(ctx, userID)
	if err != nil {
		return false, err
	}
	if requireAll {
		return set.HasAll(keys...), nil
	}
	return set.HasAny(keys...), nil
}

// PermissionsHash returns the stable digest of the user's freshly resolved
// permission set.
func (r *Resolver) PermissionsHash(ctx context.Context, userID string) (string, error) {
	set, err := r.Resolve(ctx, userID)
	if err != nil {
		return "", err
	}
	return Hash(set), nil
}

// Invalidate evicts the cached set for a user. The next Resolve reflects the
// persisted role state.
func (r *Resolver) Invalidate(userID string) {
	r.cache.Remove(userID)
}
