package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a session id has no durable record.
var ErrNotFound = errors.New("session not found")

// Store is the durable session store contract.
type Store interface {
	Create(ctx context.Context, s *Session) error
	FindByID(ctx context.Context, id string) (*Session, error)
	// ListByIdentity returns sessions newest first.
	ListByIdentity(ctx context.Context, identityID string) ([]*Session, error)
	DeleteByID(ctx context.Context, id string) error
	DeleteAllByIdentity(ctx context.Context, identityID string) error
}

// Mirror is the cache contract for the session mirror.
type Mirror interface {
	HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

const keyPrefix = "sess:"

// Manager creates, lists and revokes sessions across the durable
// store and the cache mirror.
type Manager struct {
	store    Store
	mirror   Mirror
	lifetime time.Duration
}

// NewManager returns a Manager. lifetime <= 0 defaults to 7 days.
func NewManager(store Store, mirror Mirror, lifetime time.Duration) *Manager {
	if lifetime <= 0 {
		lifetime = 7 * 24 * time.Hour
	}
	return &Manager{store: store, mirror: mirror, lifetime: lifetime}
}

// Lifetime returns the configured session lifetime.
func (m *Manager) Lifetime() time.Duration { return m.lifetime }

func mirrorKey(id string) string { return keyPrefix + id }

// Create writes a new session for the identity. The durable write is
// fatal on failure; the cache mirror is written best-effort so a cache
// outage cannot fail a login.
func (m *Manager) Create(ctx context.Context, identityID, ip, userAgent string) (*Session, error) {
	now := time.Now()
	s := &Session{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		IP:         ip,
		UserAgent:  userAgent,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.lifetime),
	}
	if err := m.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if m.mirror != nil {
		if err := m.mirror.HSet(ctx, mirrorKey(s.ID), s.MirrorFields(), m.lifetime); err != nil {
			log.Print("keygate: session cache mirror write failed")
		}
	}
	return s, nil
}

// List returns the identity's sessions, newest first.
func (m *Manager) List(ctx context.Context, identityID string) ([]*Session, error) {
	sessions, err := m.store.ListByIdentity(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// Revoke deletes one session. The durable delete is fatal on failure;
// the mirror delete is best-effort, keeping the mirror a derived copy
// that at worst expires on its own TTL.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	if err := m.store.DeleteByID(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("revoke session: %w", err)
	}
	m.dropMirror(ctx, id)
	return nil
}

// RevokeAll deletes every session belonging to the identity.
func (m *Manager) RevokeAll(ctx context.Context, identityID string) error {
	sessions, err := m.store.ListByIdentity(ctx, identityID)
	if err != nil {
		return fmt.Errorf("revoke all sessions: %w", err)
	}
	if err := m.store.DeleteAllByIdentity(ctx, identityID); err != nil {
		return fmt.Errorf("revoke all sessions: %w", err)
	}
	for _, s := range sessions {
		m.dropMirror(ctx, s.ID)
	}
	return nil
}

// IsActive reports whether the session should be honored for
// authorization. The cache is authoritative: a durable row with no
// mirror entry is treated as expired. When no mirror is configured the
// durable expiry decides.
func (m *Manager) IsActive(ctx context.Context, id string) (bool, error) {
	if m.mirror != nil {
		ok, err := m.mirror.Exists(ctx, mirrorKey(id))
		if err == nil {
			return ok, nil
		}
		log.Print("keygate: session cache mirror read failed")
	}
	s, err := m.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("session lookup: %w", err)
	}
	return !s.Expired(time.Now()), nil
}

func (m *Manager) dropMirror(ctx context.Context, id string) {
	if m.mirror == nil {
		return
	}
	if err := m.mirror.Del(ctx, mirrorKey(id)); err != nil {
		log.Print("keygate: session cache mirror delete failed")
	}
}
