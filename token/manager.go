package token

import (
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SigningMethod selects the JWT signature algorithm.
type SigningMethod string

const (
	// MethodEd25519 signs with an ed25519 key pair.
	MethodEd25519 SigningMethod = "ed25519"
	// MethodHS256 signs with a shared HMAC secret.
	MethodHS256 SigningMethod = "hs256"
)

// Purpose discriminates action tokens so a verification token cannot
// be replayed against the reset flow or vice versa.
type Purpose string

const (
	// PurposeEmailVerify marks an email-verification action token.
	PurposeEmailVerify Purpose = "email_verify"
	// PurposePasswordReset marks a password-reset action token.
	PurposePasswordReset Purpose = "password_reset"
)

// ErrInvalid is returned for every verification failure: bad
// signature, wrong issuer or audience, expiry, malformed input, or a
// purpose mismatch. Callers treat all of them as unauthorized.
var ErrInvalid = errors.New("invalid token")

// Config holds the signing identity shared by all token kinds.
type Config struct {
	Issuer        string
	Audience      string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	ActionTTL     time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Leeway        time.Duration
}

// Manager signs and verifies tokens. Safe for concurrent use.
type Manager struct {
	config Config
}

// AccessClaims is the signed claim set of an access token. Roles and
// permissions are a snapshot taken at issuance and are not re-resolved
// until the next refresh.
type AccessClaims struct {
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"perms,omitempty"`
	SessionID   string   `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// RefreshClaims is the signed claim set of a refresh token. ID (jti)
// is unique per issuance and is the revocation handle; SessionID binds
// the token to the session it was issued under.
type RefreshClaims struct {
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// ActionClaims is the signed claim set of a single-purpose token.
// Subject is the target email.
type ActionClaims struct {
	Purpose Purpose `json:"purpose"`
	jwt.RegisteredClaims
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("issuer and audience are required")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 || cfg.ActionTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) < 32 {
			return nil, errors.New("hs256 requires a key of at least 32 bytes")
		}
	case MethodEd25519:
		if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
			return nil, err
		}
		if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("unsupported signing method")
	}
	return &Manager{config: cfg}, nil
}

func (m *Manager) registered(subject string, ttl time.Duration) jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    m.config.Issuer,
		Audience:  jwt.ClaimStrings{m.config.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

// IssueAccess signs an access token for the identity with the given
// role and permission snapshot.
func (m *Manager) IssueAccess(identityID, email string, roles, permissions []string, sessionID string) (string, error) {
	claims := AccessClaims{
		Email:            email,
		Roles:            roles,
		Permissions:      permissions,
		SessionID:        sessionID,
		RegisteredClaims: m.registered(identityID, m.config.AccessTTL),
	}
	return m.sign(claims)
}

// IssueRefresh signs a refresh token for the identity bound to the
// given session and returns the token together with its jti.
func (m *Manager) IssueRefresh(identityID, sessionID string) (string, string, error) {
	jti := uuid.NewString()
	claims := RefreshClaims{
		SessionID:        sessionID,
		RegisteredClaims: m.registered(identityID, m.config.RefreshTTL),
	}
	claims.ID = jti
	signed, err := m.sign(claims)
	if err != nil {
		return "", "", err
	}
	return signed, jti, nil
}

// IssueAction signs a single-purpose token bound to the given email.
func (m *Manager) IssueAction(email string, purpose Purpose) (string, error) {
	claims := ActionClaims{
		Purpose:          purpose,
		RegisteredClaims: m.registered(email, m.config.ActionTTL),
	}
	return m.sign(claims)
}

// ParseAccess verifies an access token and returns its claims, or
// ErrInvalid on any verification failure.
func (m *Manager) ParseAccess(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := m.parse(raw, claims); err != nil {
		return nil, ErrInvalid
	}
	return claims, nil
}

// ParseRefresh verifies a refresh token and returns the subject
// identity id and the jti, or ErrInvalid.
func (m *Manager) ParseRefresh(raw string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := m.parse(raw, claims); err != nil {
		return nil, ErrInvalid
	}
	if claims.ID == "" {
		return nil, ErrInvalid
	}
	return claims, nil
}

// ParseAction verifies an action token and enforces that it was issued
// for the expected purpose.
func (m *Manager) ParseAction(raw string, expected Purpose) (*ActionClaims, error) {
	claims := &ActionClaims{}
	if err := m.parse(raw, claims); err != nil {
		return nil, ErrInvalid
	}
	if claims.Purpose != expected {
		return nil, ErrInvalid
	}
	return claims, nil
}

func (m *Manager) sign(claims jwt.Claims) (string, error) {
	tok := jwt.NewWithClaims(m.method(), claims)
	key, err := m.signKey()
	if err != nil {
		return "", err
	}
	return tok.SignedString(key)
}

func (m *Manager) parse(raw string, claims jwt.Claims) error {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method().Alg()}),
		jwt.WithIssuer(m.config.Issuer),
		jwt.WithAudience(m.config.Audience),
		jwt.WithExpirationRequired(),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}

	parser := jwt.NewParser(options...)
	tok, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return m.verifyKey()
	})
	if err != nil {
		return err
	}
	if !tok.Valid {
		return jwt.ErrTokenInvalidClaims
	}
	return nil
}

func (m *Manager) method() jwt.SigningMethod {
	if m.config.SigningMethod == MethodHS256 {
		return jwt.SigningMethodHS256
	}
	return jwt.SigningMethodEdDSA
}

func (m *Manager) signKey() (interface{}, error) {
	if m.config.SigningMethod == MethodHS256 {
		return m.config.PrivateKey, nil
	}
	return parseEdPrivateKey(m.config.PrivateKey)
}

func (m *Manager) verifyKey() (interface{}, error) {
	if m.config.SigningMethod == MethodHS256 {
		return m.config.PrivateKey, nil
	}
	return parseEdPublicKey(m.config.PublicKey)
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
