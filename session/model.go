package session

import "time"

// Session is one login session for an identity.
type Session struct {
	ID         string
	IdentityID string
	IP         string
	UserAgent  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the session is past its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// MirrorFields is the hash-map representation written to the cache
// mirror under the session key.
func (s Session) MirrorFields() map[string]string {
	return map[string]string{
		"identity_id": s.IdentityID,
		"ip":          s.IP,
		"user_agent":  s.UserAgent,
		"created_at":  s.CreatedAt.UTC().Format(time.RFC3339),
		"expires_at":  s.ExpiresAt.UTC().Format(time.RFC3339),
	}
}
