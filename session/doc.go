// Package session tracks server-side login sessions. The durable
// store is authoritative for audit and history; a TTL-bounded cache
// mirror is authoritative for active-session checks. Mirror writes
// and deletes are best-effort and never fail the primary operation.
package session
