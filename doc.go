// Package keygate is an embeddable authentication and authorization
// engine: credential verification with argon2id, dual access/refresh
// token issuance and rotation, server-side session tracking with a
// cache mirror, token revocation, role/permission resolution against a
// closed catalog, brute-force account lockout, and two-factor
// enrollment/verification (authenticator-app TOTP, email one-time
// codes, backup codes).
//
// The engine owns no storage. Durable stores, the TTL cache, the
// mailer and the audit sink are injected behind narrow interfaces via
// the Builder; package postgres and package rediscache provide
// production implementations.
package keygate
