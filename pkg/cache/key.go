package cache

import (
	"fmt"
	"strings"
)

// KeyPrefix namespaces every storefront cache key.
const KeyPrefix = "d2k"

// scopePrefix marks the user scope segment of a key.
const scopePrefix = "u="

// Key identifies a logical cached resource.
type Key struct {
	// Resource is the resource name (e.g., "categories", "product", "cart_items")
	Resource string

	// ID is the resource identifier, empty for collections (e.g., "42")
	ID string

	// Scope is the owning user for per-user resources, empty for public ones
	Scope string
}

// String generates a deterministic cache key string.
// Format: d2k:resource[:id][:u=scope]
//
// Example:
//
//	d2k:product:42
//	d2k:cart_items:u=17
func (k Key) String() string {
	parts := []string{KeyPrefix}

	if r := strings.Trim(k.Resource, ":"); r != "" {
		parts = append(parts, r)
	}
	if k.ID != "" {
		parts = append(parts, k.ID)
	}
	if k.Scope != "" {
		parts = append(parts, scopePrefix+k.Scope)
	}

	return strings.Join(parts, ":")
}

// Scoped returns a copy of k owned by the given user.
func (k Key) Scoped(user string) Key {
	k.Scope = user
	return k
}

// ParseKey inverts Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || parts[0] != KeyPrefix || parts[1] == "" {
		return Key{}, fmt.Errorf("invalid cache key %q", s)
	}

	key := Key{Resource: parts[1]}
	rest := parts[2:]

	if n := len(rest); n > 0 && strings.HasPrefix(rest[n-1], scopePrefix) {
		key.Scope = strings.TrimPrefix(rest[n-1], scopePrefix)
		rest = rest[:n-1]
	}
	key.ID = strings.Join(rest, ":")

	return key, nil
}
