package keygate

import (
	"context"
	"errors"
	"fmt"

	"github.com/keygate-io/keygate/session"
)

// ListSessions returns the identity's sessions, newest first.
func (e *Engine) ListSessions(ctx context.Context, identityID string) ([]*session.Session, error) {
	if e == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}
	sessions, err := e.sessions.List(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return sessions, nil
}

// RevokeSession revokes one session by id.
func (e *Engine) RevokeSession(ctx context.Context, sessionID string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}
	if err := e.sessions.Revoke(ctx, sessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	e.metrics.SessionRevoked()
	e.emitAudit(ctx, auditEventSessionRevoked, true, "", sessionID, nil, nil)
	return nil
}

// RevokeAllSessions revokes every session of the identity. Access
// tokens already issued stay valid until expiry unless individually
// blacklisted, but no refresh under these sessions will succeed.
func (e *Engine) RevokeAllSessions(ctx context.Context, identityID string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}
	if err := e.sessions.RevokeAll(ctx, identityID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	e.metrics.SessionRevoked()
	e.emitAudit(ctx, auditEventSessionsRevokedAll, true, identityID, "", nil, nil)
	return nil
}

// UnlockAccount clears the lockout state. Administrative; there is no
// time-based unlock.
func (e *Engine) UnlockAccount(ctx context.Context, identityID string) error {
	if e == nil || e.credentials == nil {
		return ErrEngineNotReady
	}
	if err := e.credentials.Unlock(ctx, identityID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	e.emitAudit(ctx, auditEventAccountUnlocked, true, identityID, "", nil, nil)
	return nil
}

// AssignRole grants a catalog role to the identity. Idempotent: an
// already held role is not an error. The wider grant set takes effect
// on the identity's next login or refresh.
func (e *Engine) AssignRole(ctx context.Context, identityID, role string) error {
	if e == nil || e.roles == nil {
		return ErrEngineNotReady
	}
	if !e.catalog.KnownRole(role) {
		return fmt.Errorf("%w: unknown role", ErrValidation)
	}
	if _, err := e.credentials.FindByID(ctx, identityID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := e.roles.AssignRole(ctx, identityID, role, "admin"); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	e.emitAudit(ctx, auditEventRoleAssigned, true, identityID, "", nil, func() map[string]string {
		return map[string]string{"role": role}
	})
	return nil
}
