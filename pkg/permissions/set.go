package permissions

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Set is an effective permission set. Cached sets are replaced wholesale,
// never mutated in place.
type Set map[Key]struct{}

// NewSet builds a set from keys.
func NewSet(keys ...Key) Set {
	s := make(Set, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Has reports whether the set contains the key.
func (s Set) Has(k Key) bool {
	_, ok := s[k]
	return ok
}

// HasAny reports whether the set contains at least one of the keys.
func (s Set) HasAny(keys ...Key) bool {
	for _, k := range keys {
		if s.Has(k) {
			return true
		}
	}
	return false
}

// HasAll reports whether the set contains every key.
func (s Set) HasAll(keys ...Key) bool {
	for _, k := range keys {
		if !s.Has(k) {
			return false
		}
	}
	return true
}

// Keys returns the legacy string form of every key, sorted.
func (s Set) Keys() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k.String())
	}
	sort.Strings(out)
	return out
}

// Hash returns a stable hex digest over the sorted permission set. Clients
// compare hashes to detect staleness without seeing the permission list.
func Hash(s Set) string {
	h := sha256.New()
	for _, k := range s.Keys() {
		h.Write([]byte(k))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
