package keygate

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrValidation marks missing or malformed caller input.
	ErrValidation = errors.New("invalid input")
	// ErrDuplicateIdentity is returned when the email or phone is
	// already registered.
	ErrDuplicateIdentity = errors.New("identity already registered")
	// ErrNotFound is returned when an identity, session or role does
	// not exist.
	ErrNotFound = errors.New("not found")
	// ErrAccountLocked is returned when the lockout policy blocks a
	// login. It is returned before any password comparison happens.
	ErrAccountLocked = errors.New("account locked")
	// ErrAccountDisabled is returned for inactive or soft-deleted
	// identities.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrInvalidCredentials covers both unknown email and wrong
	// password; the two cases are indistinguishable to the caller.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrTokenInvalid covers expired, malformed, wrong-audience and
	// revoked tokens.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrUnauthenticated means no identity is attached to the request.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden means the identity is authenticated but lacks a
	// required role or permission.
	ErrForbidden = errors.New("insufficient privilege")
	// ErrCodeInvalid is returned for a wrong, expired or already
	// consumed one-time code.
	ErrCodeInvalid = errors.New("invalid one-time code")
	// ErrTwoFactorNotConfigured is returned when a 2FA verification is
	// attempted before enrollment.
	ErrTwoFactorNotConfigured = errors.New("two-factor not configured")
	// ErrPasswordPolicy marks a new password that violates the length
	// policy.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrPasswordReuse rejects a new password equal to the current one.
	ErrPasswordReuse = errors.New("new password must differ from current password")
	// ErrUnavailable marks a collaborator fault (store, cache or
	// hashing failure). Retryable; details stay server-side.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrEngineNotReady is returned when the engine is used before
	// Build completed.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// ErrorKind is the handling class of an engine error.
type ErrorKind int

const (
	// KindInternal is the fallback for unrecognized faults.
	KindInternal ErrorKind = iota
	// KindValidation is caller-fixable bad input.
	KindValidation
	// KindDuplicate is a uniqueness conflict.
	KindDuplicate
	// KindNotFound is a missing resource.
	KindNotFound
	// KindAccountLocked is a lockout-policy rejection.
	KindAccountLocked
	// KindInvalidCredentials is a failed credential check.
	KindInvalidCredentials
	// KindTokenInvalid is a failed token verification.
	KindTokenInvalid
	// KindUnauthenticated is a request with no identity.
	KindUnauthenticated
	// KindForbidden is an authenticated request missing rights.
	KindForbidden
)

// KindOf classifies err into an ErrorKind. Unrecognized errors are
// KindInternal: a collaborator fault whose detail must stay
// server-side.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrPasswordPolicy),
		errors.Is(err, ErrPasswordReuse):
		return KindValidation
	case errors.Is(err, ErrDuplicateIdentity):
		return KindDuplicate
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAccountLocked), errors.Is(err, ErrAccountDisabled):
		return KindAccountLocked
	case errors.Is(err, ErrInvalidCredentials):
		return KindInvalidCredentials
	case errors.Is(err, ErrTokenInvalid), errors.Is(err, ErrCodeInvalid):
		return KindTokenInvalid
	case errors.Is(err, ErrUnauthenticated):
		return KindUnauthenticated
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	default:
		return KindInternal
	}
}

// HTTPStatus maps an ErrorKind to its HTTP-equivalent status code.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindDuplicate:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindAccountLocked, KindForbidden:
		return http.StatusForbidden
	case KindInvalidCredentials, KindTokenInvalid, KindUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// PermissionError is the deny result of the access control guard. It
// wraps ErrForbidden and reports which required items the identity did
// not hold.
type PermissionError struct {
	Missing []string
}

// Error implements error.
func (e *PermissionError) Error() string {
	return fmt.Sprintf("%v: missing %s", ErrForbidden, strings.Join(e.Missing, ", "))
}

// Unwrap makes errors.Is(err, ErrForbidden) hold.
func (e *PermissionError) Unwrap() error { return ErrForbidden }
