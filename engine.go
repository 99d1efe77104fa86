package keygate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keygate-io/keygate/password"
	"github.com/keygate-io/keygate/permission"
	"github.com/keygate-io/keygate/session"
	"github.com/keygate-io/keygate/token"
)

// Engine is the authentication/authorization core. Construct it with a
// Builder; an Engine is immutable after Build and safe for concurrent
// use.
type Engine struct {
	config      Config
	catalog     *permission.Catalog
	resolver    *permission.Resolver
	sessions    *session.Manager
	blacklist   *token.Blacklist
	tokens      *token.Manager
	hasher      *password.Hasher
	totp        *totpManager
	lockout     LockoutPolicy
	audit       *auditDispatcher
	metrics     *Metrics
	mail        Mailer
	cache       Cache
	credentials CredentialStore
	roles       RoleStore
	twoFactor   TwoFactorStore
}

// Close drains and stops the audit dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports how many audit events were dropped because the
// dispatcher buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// Login verifies the credentials and, on success, opens a session and
// issues an access/refresh pair. Unknown email and wrong password are
// indistinguishable to the caller; a locked account is rejected before
// any password comparison.
func (e *Engine) Login(ctx context.Context, email, plaintext string) (*TokenPair, error) {
	if e == nil || e.hasher == nil {
		return nil, ErrEngineNotReady
	}
	// Identities are stored with normalized emails; accept the same
	// variations here that Register accepts.
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || plaintext == "" {
		e.metrics.LoginFailure()
		e.emitAudit(ctx, auditEventLoginFailure, false, "", "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"reason": "empty_input"}
		})
		return nil, ErrInvalidCredentials
	}

	identity, err := e.credentials.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			e.metrics.LoginFailure()
			e.emitAudit(ctx, auditEventLoginFailure, false, "", "", ErrInvalidCredentials, func() map[string]string {
				return map[string]string{"reason": "unknown_identifier"}
			})
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if identity.Locked {
		e.metrics.LoginLocked()
		e.emitAudit(ctx, auditEventLoginLocked, false, identity.ID, "", ErrAccountLocked, nil)
		return nil, ErrAccountLocked
	}
	if !identity.Active || identity.DeletedAt != nil {
		e.emitAudit(ctx, auditEventLoginFailure, false, identity.ID, "", ErrAccountDisabled, nil)
		return nil, ErrAccountDisabled
	}

	ok, err := e.hasher.Verify(ctx, plaintext, identity.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		attempts, recErr := e.credentials.RecordLoginFailure(ctx, identity.ID, e.lockout.Threshold)
		if recErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, recErr)
		}
		e.metrics.LoginFailure()
		if e.lockout.LockedAfter(attempts) {
			e.metrics.LoginLocked()
		}
		e.emitAudit(ctx, auditEventLoginFailure, false, identity.ID, "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"reason": "wrong_password"}
		})
		return nil, ErrInvalidCredentials
	}

	if e.config.Password.UpgradeOnLogin {
		e.rehashIfNeeded(ctx, identity, plaintext)
	}
	if err := e.credentials.ResetLoginFailures(ctx, identity.ID, time.Now()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	pair, sess, err := e.issuePair(ctx, identity)
	if err != nil {
		return nil, err
	}

	e.metrics.LoginSuccess()
	e.emitAudit(ctx, auditEventLoginSuccess, true, identity.ID, sess.ID, nil, nil)
	return pair, nil
}

// rehashIfNeeded upgrades the stored hash to current parameters after
// a successful verification. Best-effort: the login proceeds on any
// failure here.
func (e *Engine) rehashIfNeeded(ctx context.Context, identity *Identity, plaintext string) {
	needs, err := e.hasher.NeedsRehash(identity.PasswordHash)
	if err != nil || !needs {
		return
	}
	rehashed, err := e.hasher.Hash(ctx, plaintext)
	if err != nil {
		return
	}
	_ = e.credentials.UpdatePasswordHash(ctx, identity.ID, rehashed)
}

func (e *Engine) issuePair(ctx context.Context, identity *Identity) (*TokenPair, *session.Session, error) {
	roles := e.catalog.FilterRoles(identity.Roles)
	perms, err := e.resolver.Resolve(ctx, identity.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sess, err := e.sessions.Create(ctx, identity.ID, clientIPFromContext(ctx), userAgentFromContext(ctx))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	e.metrics.SessionCreated()

	access, err := e.tokens.IssueAccess(identity.ID, identity.Email, roles, perms, sess.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	refresh, _, err := e.tokens.IssueRefresh(identity.ID, sess.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, sess, nil
}

// Authenticate verifies an access token and returns the request
// identity. Revoked tokens fail exactly like invalid ones.
func (e *Engine) Authenticate(ctx context.Context, accessToken string) (*AuthContext, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}
	start := time.Now()
	defer func() { e.metrics.ObserveAuthenticate(time.Since(start)) }()

	claims, err := e.tokens.ParseAccess(accessToken)
	if err != nil {
		return nil, ErrTokenInvalid
	}

	revoked, err := e.blacklist.IsTokenRevoked(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if revoked {
		e.metrics.RevokedRejected()
		e.emitAudit(ctx, auditEventRevokedTokenPresented, false, claims.Subject, claims.SessionID, ErrTokenInvalid, nil)
		return nil, ErrTokenInvalid
	}

	return &AuthContext{
		IdentityID:  claims.Subject,
		Email:       claims.Email,
		Roles:       e.catalog.FilterRoles(claims.Roles),
		Permissions: e.catalog.FilterPermissions(claims.Permissions),
		SessionID:   claims.SessionID,
	}, nil
}

// Refresh rotates a refresh token: the identity is re-fetched, roles
// and permissions are re-resolved, a fresh pair is issued under the
// same session, and the presented token's jti is revoked for its
// remaining life so it can never be used twice.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.tokens.ParseRefresh(refreshToken)
	if err != nil {
		e.metrics.RefreshFailure()
		return nil, ErrTokenInvalid
	}

	revoked, err := e.blacklist.IsIDRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if revoked {
		e.metrics.RefreshFailure()
		e.metrics.RevokedRejected()
		e.emitAudit(ctx, auditEventRefreshInvalid, false, claims.Subject, claims.SessionID, ErrTokenInvalid, func() map[string]string {
			return map[string]string{"reason": "jti_revoked"}
		})
		return nil, ErrTokenInvalid
	}

	if claims.SessionID != "" {
		active, err := e.sessions.IsActive(ctx, claims.SessionID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if !active {
			e.metrics.RefreshFailure()
			e.emitAudit(ctx, auditEventRefreshInvalid, false, claims.Subject, claims.SessionID, ErrTokenInvalid, func() map[string]string {
				return map[string]string{"reason": "session_inactive"}
			})
			return nil, ErrTokenInvalid
		}
	}

	identity, err := e.credentials.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			e.metrics.RefreshFailure()
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if identity.Locked {
		e.metrics.RefreshFailure()
		return nil, ErrAccountLocked
	}
	if !identity.Active || identity.DeletedAt != nil {
		e.metrics.RefreshFailure()
		return nil, ErrAccountDisabled
	}

	roles := e.catalog.FilterRoles(identity.Roles)
	perms, err := e.resolver.Resolve(ctx, identity.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	access, err := e.tokens.IssueAccess(identity.ID, identity.Email, roles, perms, claims.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	refreshed, _, err := e.tokens.IssueRefresh(identity.ID, claims.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := e.blacklist.RevokeID(ctx, claims.ID, time.Until(claims.ExpiresAt.Time)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	e.metrics.RefreshSuccess()
	e.emitAudit(ctx, auditEventRefreshSuccess, true, identity.ID, claims.SessionID, nil, nil)
	return &TokenPair{AccessToken: access, RefreshToken: refreshed}, nil
}

// Logout revokes the presented pair and its session: the access token
// is blacklisted by hash for its remaining TTL, the refresh jti is
// blacklisted for its remaining TTL, and the session row plus its
// cache mirror are deleted.
func (e *Engine) Logout(ctx context.Context, accessToken, refreshToken string) error {
	if e == nil || e.tokens == nil {
		return ErrEngineNotReady
	}

	claims, err := e.tokens.ParseAccess(accessToken)
	if err != nil {
		return ErrTokenInvalid
	}

	if err := e.blacklist.RevokeToken(ctx, accessToken, time.Until(claims.ExpiresAt.Time)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if refreshToken != "" {
		if rc, err := e.tokens.ParseRefresh(refreshToken); err == nil {
			if err := e.blacklist.RevokeID(ctx, rc.ID, time.Until(rc.ExpiresAt.Time)); err != nil {
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		}
	}

	if claims.SessionID != "" {
		if err := e.sessions.Revoke(ctx, claims.SessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		e.metrics.SessionRevoked()
	}

	e.emitAudit(ctx, auditEventLogout, true, claims.Subject, claims.SessionID, nil, nil)
	return nil
}
