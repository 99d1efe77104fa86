package permission

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// Catalog is the closed set of recognized permission names, grouped by
// resource (the "project" in "project:read"). Names are registered at
// startup and the catalog is frozen before use; verification paths
// silently drop names that are not in the catalog instead of failing.
type Catalog struct {
	mu     sync.RWMutex
	names  map[string]struct{}
	roles  map[string][]string
	frozen bool
}

// DefaultPermissions is the built-in permission catalog.
var DefaultPermissions = []string{
	"project:read", "project:write", "project:delete",
	"task:read", "task:write", "task:delete", "task:assign",
	"user:read", "user:write", "user:admin",
	"access:grant", "access:revoke",
}

// DefaultRoles maps the fixed role catalog to granted permissions.
var DefaultRoles = map[string][]string{
	"viewer": {"project:read", "task:read"},
	"member": {"project:read", "task:read", "task:write", "user:read"},
	"manager": {
		"project:read", "project:write", "task:read", "task:write",
		"task:delete", "task:assign", "user:read",
	},
	"admin": DefaultPermissions,
}

// NewCatalog returns an empty, unfrozen Catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		names: make(map[string]struct{}),
		roles: make(map[string][]string),
	}
}

// DefaultCatalog builds and freezes a Catalog from DefaultPermissions
// and DefaultRoles.
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	for _, name := range DefaultPermissions {
		if _, err := c.Register(name); err != nil {
			panic(err)
		}
	}
	for role, grants := range DefaultRoles {
		if err := c.RegisterRole(role, grants); err != nil {
			panic(err)
		}
	}
	c.Freeze()
	return c
}

// Register adds a permission name of the form "resource:action".
// Must be called before Freeze.
func (c *Catalog) Register(name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen {
		return "", errors.New("catalog frozen")
	}
	resource, action, ok := strings.Cut(name, ":")
	if !ok || resource == "" || action == "" {
		return "", errors.New("permission name must be resource:action")
	}
	if _, exists := c.names[name]; exists {
		return "", errors.New("permission already registered")
	}
	c.names[name] = struct{}{}
	return name, nil
}

// RegisterRole declares a role and its granted permissions. Every
// grant must already be registered.
func (c *Catalog) RegisterRole(role string, grants []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen {
		return errors.New("catalog frozen")
	}
	if role == "" {
		return errors.New("role name cannot be empty")
	}
	if _, exists := c.roles[role]; exists {
		return errors.New("role already registered")
	}
	for _, g := range grants {
		if _, ok := c.names[g]; !ok {
			return errors.New("role grants unregistered permission " + g)
		}
	}
	granted := make([]string, len(grants))
	copy(granted, grants)
	c.roles[role] = granted
	return nil
}

// Freeze prevents further registration. Must be called before the
// catalog is consulted on verification paths.
func (c *Catalog) Freeze() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frozen = true
}

// KnownPermission reports whether name is in the catalog.
func (c *Catalog) KnownPermission(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.names[name]
	return ok
}

// KnownRole reports whether role is in the role catalog.
func (c *Catalog) KnownRole(role string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.roles[role]
	return ok
}

// FilterPermissions drops names outside the catalog, preserving input
// order. Unknown values are discarded silently.
func (c *Catalog) FilterPermissions(names []string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := c.names[n]; ok {
			out = append(out, n)
		}
	}
	return out
}

// FilterRoles drops role names outside the catalog.
func (c *Catalog) FilterRoles(roles []string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if _, ok := c.roles[r]; ok {
			out = append(out, r)
		}
	}
	return out
}

// GrantsForRole returns the catalog grants for a role, or nil for an
// unknown role.
func (c *Catalog) GrantsForRole(role string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	grants, ok := c.roles[role]
	if !ok {
		return nil
	}
	out := make([]string, len(grants))
	copy(out, grants)
	return out
}

// Permissions returns the sorted list of all registered names.
func (c *Catalog) Permissions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.names))
	for n := range c.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
