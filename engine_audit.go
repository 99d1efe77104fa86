package keygate

import (
	"context"
	"errors"
	"time"
)

const (
	auditEventLoginSuccess          = "login_success"
	auditEventLoginFailure          = "login_failure"
	auditEventLoginLocked           = "login_locked"
	auditEventRefreshSuccess        = "refresh_success"
	auditEventRefreshInvalid        = "refresh_invalid"
	auditEventLogout                = "logout"
	auditEventRegisterSuccess       = "register_success"
	auditEventRegisterDuplicate     = "register_duplicate"
	auditEventEmailVerified         = "email_verified"
	auditEventPasswordResetRequest  = "password_reset_request"
	auditEventPasswordResetConfirm  = "password_reset_confirm"
	auditEventPasswordChange        = "password_change"
	auditEventSessionRevoked        = "session_revoked"
	auditEventSessionsRevokedAll    = "sessions_revoked_all"
	auditEventAccountUnlocked       = "account_unlocked"
	auditEventRoleAssigned          = "role_assigned"
	auditEventTOTPSetup             = "totp_setup"
	auditEventTOTPVerified          = "totp_verified"
	auditEventTOTPDisabled          = "totp_disabled"
	auditEventEmailOTPSent          = "email_otp_sent"
	auditEventEmailOTPVerified      = "email_otp_verified"
	auditEventEmailOTPFailed        = "email_otp_failed"
	auditEventBackupCodesGenerated  = "backup_codes_generated"
	auditEventBackupCodeUsed        = "backup_code_used"
	auditEventBackupCodeFailed      = "backup_code_failed"
	auditEventRevokedTokenPresented = "revoked_token_presented"
)

const (
	auditErrInvalidCredentials = "invalid_credentials"
	auditErrAccountLocked      = "account_locked"
	auditErrAccountDisabled    = "account_disabled"
	auditErrInvalidToken       = "invalid_token"
	auditErrCodeInvalid        = "code_invalid"
	auditErrNotFound           = "not_found"
	auditErrDuplicate          = "duplicate"
	auditErrPasswordPolicy     = "password_policy"
	auditErrValidation         = "validation"
	auditErrUnavailable        = "backend_unavailable"
	auditErrInternal           = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	identityID string,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp:  time.Now().UTC(),
		EventType:  eventType,
		IdentityID: identityID,
		SessionID:  sessionID,
		IP:         clientIPFromContext(ctx),
		UserAgent:  userAgentFromContext(ctx),
		Success:    success,
		Metadata:   metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = code
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrAccountLocked):
		return auditErrAccountLocked
	case errors.Is(err, ErrAccountDisabled):
		return auditErrAccountDisabled
	case errors.Is(err, ErrTokenInvalid), errors.Is(err, ErrUnauthenticated):
		return auditErrInvalidToken
	case errors.Is(err, ErrCodeInvalid), errors.Is(err, ErrTwoFactorNotConfigured):
		return auditErrCodeInvalid
	case errors.Is(err, ErrNotFound):
		return auditErrNotFound
	case errors.Is(err, ErrDuplicateIdentity):
		return auditErrDuplicate
	case errors.Is(err, ErrPasswordPolicy), errors.Is(err, ErrPasswordReuse):
		return auditErrPasswordPolicy
	case errors.Is(err, ErrValidation):
		return auditErrValidation
	case errors.Is(err, ErrUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
