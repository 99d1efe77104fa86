// Package token issues and verifies the three token kinds used by the
// engine: short-lived access tokens carrying a roles/permissions
// snapshot, refresh tokens carrying a unique jti, and single-purpose
// action tokens for email verification and password reset. It also
// tracks revoked tokens in a TTL key-value store.
package token
