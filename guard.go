package keygate

// MatchMode selects how a required permission list is evaluated.
type MatchMode int

const (
	// MatchAll requires every listed permission.
	MatchAll MatchMode = iota
	// MatchAny requires at least one listed permission.
	MatchAny
)

// Check evaluates a required list of role or permission names against
// the authenticated context. Role names are bare words and permission
// names are resource:action, so the two namespaces never collide and a
// required name matches whichever kind the caller holds. A nil auth is
// ErrUnauthenticated; a deny is a *PermissionError wrapping
// ErrForbidden that names the missing entries. An empty required list
// always passes for an authenticated caller.
func Check(auth *AuthContext, required []string, mode MatchMode) error {
	if auth == nil || auth.IdentityID == "" {
		return ErrUnauthenticated
	}
	if len(required) == 0 {
		return nil
	}

	held := make(map[string]struct{}, len(auth.Roles)+len(auth.Permissions))
	for _, r := range auth.Roles {
		held[r] = struct{}{}
	}
	for _, p := range auth.Permissions {
		held[p] = struct{}{}
	}

	missing := make([]string, 0, len(required))
	for _, p := range required {
		if _, ok := held[p]; !ok {
			missing = append(missing, p)
		}
	}

	switch mode {
	case MatchAny:
		if len(missing) < len(required) {
			return nil
		}
	default:
		if len(missing) == 0 {
			return nil
		}
	}
	return &PermissionError{Missing: missing}
}

// HasRole reports whether the authenticated context carries the role.
func HasRole(auth *AuthContext, role string) bool {
	if auth == nil {
		return false
	}
	for _, r := range auth.Roles {
		if r == role {
			return true
		}
	}
	return false
}
