package keygate

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

// Identity is the durable account record held by the credential store.
type Identity struct {
	ID             string
	Email          string
	Phone          string
	PasswordHash   string
	Active         bool
	EmailVerified  bool
	PhoneVerified  bool
	FailedAttempts int
	Locked         bool
	LastLoginAt    *time.Time
	DeletedAt      *time.Time
	Roles          []string
}

// TwoFactorSettings is the per-identity second-factor state. Created
// lazily on first setup; the backup code list is wholly replaced on
// each generation call.
type TwoFactorSettings struct {
	IdentityID       string
	EmailEnabled     bool
	EmailCode        string
	TOTPEnabled      bool
	TOTPSecret       []byte
	BackupCodeHashes [][32]byte
	UpdatedAt        time.Time
}

// CredentialStore is the durable identity store contract. Lookups
// return ErrNotFound for missing identities and Create returns
// ErrDuplicateIdentity on an email/phone uniqueness conflict.
type CredentialStore interface {
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	FindByID(ctx context.Context, id string) (*Identity, error)
	Create(ctx context.Context, identity *Identity) error
	UpdatePasswordHash(ctx context.Context, id, hash string) error
	SetEmailVerified(ctx context.Context, id string) error
	// RecordLoginFailure atomically increments the failed-attempt
	// counter and derives the locked flag against threshold in a
	// single store operation, returning the new counter value. Two
	// concurrent failures must not observe the same prior value.
	RecordLoginFailure(ctx context.Context, id string, threshold int) (int, error)
	// ResetLoginFailures zeroes the counter, clears the locked flag
	// and stamps the last successful login.
	ResetLoginFailures(ctx context.Context, id string, lastLogin time.Time) error
	Unlock(ctx context.Context, id string) error
	CountWithRole(ctx context.Context, role string) (int, error)
}

// RoleStore is the durable role/grant assignment contract. Its lookup
// half doubles as the permission resolver's directory.
type RoleStore interface {
	RoleNames(ctx context.Context, identityID string) ([]string, error)
	DirectGrants(ctx context.Context, identityID string) ([]string, error)
	// AssignRole is idempotent: assigning an already held role is not
	// an error and does not duplicate the assignment.
	AssignRole(ctx context.Context, identityID, role, assignedBy string) error
}

// TwoFactorStore is the durable second-factor settings contract.
type TwoFactorStore interface {
	Get(ctx context.Context, identityID string) (*TwoFactorSettings, error)
	Upsert(ctx context.Context, settings *TwoFactorSettings) error
	ClearEmailCode(ctx context.Context, identityID string) error
	ReplaceBackupCodes(ctx context.Context, identityID string, hashes [][32]byte) error
	// ConsumeBackupCode deletes the hash if present, atomically with
	// the existence check, and reports whether it was consumed.
	ConsumeBackupCode(ctx context.Context, identityID string, hash [32]byte) (bool, error)
}

// Cache is the TTL key-value collaborator. rediscache.Cache is the
// production implementation; it also satisfies the token blacklist and
// session mirror contracts.
type Cache interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	GetDel(ctx context.Context, key string) (string, error)
	HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Mailer delivers outbound email. Failures are logged and never fail
// the surrounding operation.
type Mailer interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// AuthContext is the authenticated request identity threaded through
// handlers. It is built once by Authenticate from the verified access
// token and passed by value into the guard; nothing mutates it.
type AuthContext struct {
	IdentityID  string
	Email       string
	Roles       []string
	Permissions []string
	SessionID   string
}

// TokenPair is an access/refresh token pair.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// RegisterInput is the input for Engine.Register.
type RegisterInput struct {
	Email    string
	Phone    string
	Password string
	// Role defaults to the configured default role when empty.
	Role string
}

// TOTPSetup is returned by SetupTOTP exactly once; the secret is never
// persisted in plaintext form anywhere the engine logs.
type TOTPSetup struct {
	SecretBase32 string
	ProvisionURL string
}

func newID() string {
	return ulid.Make().String()
}
