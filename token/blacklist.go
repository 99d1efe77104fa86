package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// KV is the minimal TTL key-value contract the blacklist needs. The
// redis cache satisfies it.
type KV interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
}

const (
	tokenRevokePrefix = "rvk:tok:"
	idRevokePrefix    = "rvk:jti:"
)

// Blacklist records revoked tokens until their natural expiry. Access
// tokens are keyed by the SHA-256 of the raw token string; refresh
// tokens are keyed by jti. Entries carry a TTL equal to the token's
// remaining lifetime, so the list never outgrows the live token set.
type Blacklist struct {
	kv KV
}

// NewBlacklist returns a Blacklist over the given store.
func NewBlacklist(kv KV) *Blacklist {
	return &Blacklist{kv: kv}
}

// HashToken returns the hex SHA-256 digest used as the revocation key
// for a raw token string.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// RevokeToken blacklists a raw token for the given remaining lifetime.
// A non-positive ttl is a no-op: the token is already expired.
func (b *Blacklist) RevokeToken(ctx context.Context, raw string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return b.kv.Set(ctx, tokenRevokePrefix+HashToken(raw), "1", ttl)
}

// IsTokenRevoked reports whether the raw token has been blacklisted.
func (b *Blacklist) IsTokenRevoked(ctx context.Context, raw string) (bool, error) {
	return b.kv.Exists(ctx, tokenRevokePrefix+HashToken(raw))
}

// RevokeID blacklists a refresh token jti for the given remaining
// lifetime.
func (b *Blacklist) RevokeID(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return b.kv.Set(ctx, idRevokePrefix+jti, "1", ttl)
}

// IsIDRevoked reports whether the refresh token jti has been
// blacklisted.
func (b *Blacklist) IsIDRevoked(ctx context.Context, jti string) (bool, error) {
	return b.kv.Exists(ctx, idRevokePrefix+jti)
}
