package permission

import (
	"context"
	"fmt"
	"sort"
)

// Directory is the role/grant lookup the resolver depends on. The
// durable role store satisfies it.
type Directory interface {
	// RoleNames returns the roles assigned to the identity. An
	// identity with no roles yields an empty slice, not an error.
	RoleNames(ctx context.Context, identityID string) ([]string, error)
	// DirectGrants returns permissions granted to the identity
	// explicitly, outside any role.
	DirectGrants(ctx context.Context, identityID string) ([]string, error)
}

// Resolver aggregates an identity's effective permission set from its
// assigned roles plus explicit grants. Grants for the fixed role
// catalog come from the Catalog; names outside the catalog are
// dropped.
type Resolver struct {
	catalog *Catalog
	dir     Directory
}

// NewResolver returns a Resolver over the given catalog and directory.
func NewResolver(catalog *Catalog, dir Directory) *Resolver {
	return &Resolver{catalog: catalog, dir: dir}
}

// Resolve returns the union of all permissions granted through the
// identity's roles and its direct grants, sorted and de-duplicated.
// An identity with zero roles resolves to an empty set.
func (r *Resolver) Resolve(ctx context.Context, identityID string) ([]string, error) {
	roles, err := r.dir.RoleNames(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("resolve roles: %w", err)
	}

	set := make(map[string]struct{})
	for _, role := range roles {
		for _, grant := range r.catalog.GrantsForRole(role) {
			set[grant] = struct{}{}
		}
	}

	direct, err := r.dir.DirectGrants(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("resolve direct grants: %w", err)
	}
	for _, grant := range direct {
		if r.catalog.KnownPermission(grant) {
			set[grant] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// Has reports whether the identity holds the named permission. It is a
// targeted existence check and does not materialize the full set for
// direct grants.
func (r *Resolver) Has(ctx context.Context, identityID, name string) (bool, error) {
	if !r.catalog.KnownPermission(name) {
		return false, nil
	}

	roles, err := r.dir.RoleNames(ctx, identityID)
	if err != nil {
		return false, fmt.Errorf("resolve roles: %w", err)
	}
	for _, role := range roles {
		for _, grant := range r.catalog.GrantsForRole(role) {
			if grant == name {
				return true, nil
			}
		}
	}

	direct, err := r.dir.DirectGrants(ctx, identityID)
	if err != nil {
		return false, fmt.Errorf("resolve direct grants: %w", err)
	}
	for _, grant := range direct {
		if grant == name {
			return true, nil
		}
	}
	return false, nil
}
