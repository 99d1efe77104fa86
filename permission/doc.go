// Package permission holds the closed permission catalog and resolves
// an identity's effective permission set from its assigned roles and
// explicit grants.
package permission
