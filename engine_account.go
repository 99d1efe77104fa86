package keygate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/keygate-io/keygate/token"
)

func (e *Engine) checkPasswordPolicy(plaintext string) error {
	if len(plaintext) < e.config.Password.MinLength {
		return fmt.Errorf("%w: minimum length is %d", ErrPasswordPolicy, e.config.Password.MinLength)
	}
	if len(plaintext) > e.config.Password.MaxLength {
		return fmt.Errorf("%w: maximum length is %d", ErrPasswordPolicy, e.config.Password.MaxLength)
	}
	return nil
}

// Register creates an identity with the default (or requested) role,
// then mails a verification link carrying a single-purpose action
// token. Mail delivery is best-effort and never fails registration.
func (e *Engine) Register(ctx context.Context, input RegisterInput) (*Identity, error) {
	if e == nil || e.hasher == nil {
		return nil, ErrEngineNotReady
	}

	email := strings.TrimSpace(strings.ToLower(input.Email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: email", ErrValidation)
	}
	if err := e.checkPasswordPolicy(input.Password); err != nil {
		return nil, err
	}
	role := input.Role
	if role == "" {
		role = e.config.DefaultRole
	}
	if !e.catalog.KnownRole(role) {
		return nil, fmt.Errorf("%w: unknown role", ErrValidation)
	}

	hash, err := e.hasher.Hash(ctx, input.Password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	identity := &Identity{
		ID:           newID(),
		Email:        email,
		Phone:        strings.TrimSpace(input.Phone),
		PasswordHash: hash,
		Active:       true,
		Roles:        []string{role},
	}
	if err := e.credentials.Create(ctx, identity); err != nil {
		if errors.Is(err, ErrDuplicateIdentity) {
			e.emitAudit(ctx, auditEventRegisterDuplicate, false, "", "", ErrDuplicateIdentity, nil)
			return nil, ErrDuplicateIdentity
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := e.roles.AssignRole(ctx, identity.ID, role, "system"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	e.sendActionMail(ctx, email, token.PurposeEmailVerify,
		"Verify your email address",
		"Use this token to verify your email address: ")

	e.emitAudit(ctx, auditEventRegisterSuccess, true, identity.ID, "", nil, func() map[string]string {
		return map[string]string{"role": role}
	})
	return identity, nil
}

// sendActionMail issues an action token for the email and mails it.
// Failures are logged without the token or recipient body.
func (e *Engine) sendActionMail(ctx context.Context, email string, purpose token.Purpose, subject, prefix string) {
	actionToken, err := e.tokens.IssueAction(email, purpose)
	if err != nil {
		log.Printf("keygate: action token issue failed purpose=%s", purpose)
		return
	}
	if err := e.mail.Send(ctx, email, subject, prefix+actionToken); err != nil {
		log.Printf("keygate: mail delivery failed purpose=%s", purpose)
	}
}

// VerifyEmail marks the identity behind a verification action token as
// verified. A reset token presented here fails like any invalid token.
func (e *Engine) VerifyEmail(ctx context.Context, actionToken string) error {
	if e == nil || e.tokens == nil {
		return ErrEngineNotReady
	}

	claims, err := e.tokens.ParseAction(actionToken, token.PurposeEmailVerify)
	if err != nil {
		return ErrTokenInvalid
	}

	identity, err := e.credentials.FindByEmail(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrTokenInvalid
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := e.credentials.SetEmailVerified(ctx, identity.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	e.emitAudit(ctx, auditEventEmailVerified, true, identity.ID, "", nil, nil)
	return nil
}

// RequestPasswordReset mails a reset action token. An unknown email is
// a silent success so the endpoint cannot be used to enumerate
// accounts.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) error {
	if e == nil || e.tokens == nil {
		return ErrEngineNotReady
	}

	email = strings.TrimSpace(strings.ToLower(email))
	identity, err := e.credentials.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	e.sendActionMail(ctx, identity.Email, token.PurposePasswordReset,
		"Password reset",
		"Use this token to reset your password: ")

	e.emitAudit(ctx, auditEventPasswordResetRequest, true, identity.ID, "", nil, nil)
	return nil
}

// ResetPassword sets a new password from a reset action token and
// revokes every session of the identity.
func (e *Engine) ResetPassword(ctx context.Context, actionToken, newPassword string) error {
	if e == nil || e.tokens == nil {
		return ErrEngineNotReady
	}

	claims, err := e.tokens.ParseAction(actionToken, token.PurposePasswordReset)
	if err != nil {
		return ErrTokenInvalid
	}
	if err := e.checkPasswordPolicy(newPassword); err != nil {
		return err
	}

	identity, err := e.credentials.FindByEmail(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrTokenInvalid
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	hash, err := e.hasher.Hash(ctx, newPassword)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := e.credentials.UpdatePasswordHash(ctx, identity.ID, hash); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := e.sessions.RevokeAll(ctx, identity.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	e.emitAudit(ctx, auditEventPasswordResetConfirm, true, identity.ID, "", nil, nil)
	return nil
}

// ChangePassword rotates the password of a logged-in identity. The old
// password must verify, the new one must differ from it, and every
// existing session is revoked afterwards.
func (e *Engine) ChangePassword(ctx context.Context, identityID, oldPassword, newPassword string) error {
	if e == nil || e.hasher == nil {
		return ErrEngineNotReady
	}

	identity, err := e.credentials.FindByID(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	ok, err := e.hasher.Verify(ctx, oldPassword, identity.PasswordHash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		e.emitAudit(ctx, auditEventPasswordChange, false, identity.ID, "", ErrInvalidCredentials, nil)
		return ErrInvalidCredentials
	}
	if oldPassword == newPassword {
		return ErrPasswordReuse
	}
	if err := e.checkPasswordPolicy(newPassword); err != nil {
		return err
	}

	hash, err := e.hasher.Hash(ctx, newPassword)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := e.credentials.UpdatePasswordHash(ctx, identity.ID, hash); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := e.sessions.RevokeAll(ctx, identity.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	e.emitAudit(ctx, auditEventPasswordChange, true, identity.ID, "", nil, nil)
	return nil
}
