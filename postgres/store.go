// Package postgres implements the durable store contracts over
// database/sql with the pgx stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/keygate-io/keygate"
	"github.com/keygate-io/keygate/session"
)

const uniqueViolation = "23505"

// Open opens a pgx-backed database handle. The caller owns the pool
// settings and the Close.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return db, nil
}

// Store bundles all durable store implementations over one handle.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Credentials() keygate.CredentialStore { return &credentialStore{db: s.db} }
func (s *Store) Roles() keygate.RoleStore             { return &roleStore{db: s.db} }
func (s *Store) TwoFactor() keygate.TwoFactorStore    { return &twoFactorStore{db: s.db} }
func (s *Store) Sessions() session.Store              { return &sessionStore{db: s.db} }
func (s *Store) Audit() keygate.AuditStore            { return &auditStore{db: s.db} }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Credential store ----------------------------------------------------------

type credentialStore struct{ db *sql.DB }

var _ keygate.CredentialStore = (*credentialStore)(nil)

const identityColumns = `id, email, phone, password_hash, active, email_verified,
	phone_verified, failed_attempts, locked, last_login_at, deleted_at`

func (s *credentialStore) scanIdentity(ctx context.Context, row *sql.Row) (*keygate.Identity, error) {
	var (
		identity  keygate.Identity
		lastLogin sql.NullTime
		deletedAt sql.NullTime
	)
	if err := row.Scan(
		&identity.ID, &identity.Email, &identity.Phone, &identity.PasswordHash,
		&identity.Active, &identity.EmailVerified, &identity.PhoneVerified,
		&identity.FailedAttempts, &identity.Locked, &lastLogin, &deletedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, keygate.ErrNotFound
		}
		return nil, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		identity.LastLoginAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		identity.DeletedAt = &t
	}

	roles, err := roleNames(ctx, s.db, identity.ID)
	if err != nil {
		return nil, err
	}
	identity.Roles = roles
	return &identity, nil
}

func (s *credentialStore) FindByEmail(ctx context.Context, email string) (*keygate.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+identityColumns+` from identities where email=$1`, email)
	return s.scanIdentity(ctx, row)
}

func (s *credentialStore) FindByID(ctx context.Context, id string) (*keygate.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+identityColumns+` from identities where id=$1`, id)
	return s.scanIdentity(ctx, row)
}

func (s *credentialStore) Create(ctx context.Context, identity *keygate.Identity) error {
	_, err := s.db.ExecContext(ctx,
		`insert into identities(id, email, phone, password_hash, active, email_verified, phone_verified)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		identity.ID, identity.Email, identity.Phone, identity.PasswordHash,
		identity.Active, identity.EmailVerified, identity.PhoneVerified,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return keygate.ErrDuplicateIdentity
		}
		return err
	}
	return nil
}

func (s *credentialStore) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	return s.execOne(ctx,
		`update identities set password_hash=$2, updated_at=now() where id=$1`, id, hash)
}

func (s *credentialStore) SetEmailVerified(ctx context.Context, id string) error {
	return s.execOne(ctx,
		`update identities set email_verified=true, updated_at=now() where id=$1`, id)
}

// RecordLoginFailure increments the counter and derives the locked
// flag in one statement, so concurrent failures each observe a
// distinct counter value.
func (s *credentialStore) RecordLoginFailure(ctx context.Context, id string, threshold int) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`update identities
		 set failed_attempts = failed_attempts + 1,
		     locked = failed_attempts + 1 >= $2,
		     updated_at = now()
		 where id = $1
		 returning failed_attempts`,
		id, threshold,
	).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, keygate.ErrNotFound
		}
		return 0, err
	}
	return attempts, nil
}

func (s *credentialStore) ResetLoginFailures(ctx context.Context, id string, lastLogin time.Time) error {
	return s.execOne(ctx,
		`update identities
		 set failed_attempts = 0, locked = false, last_login_at = $2, updated_at = now()
		 where id = $1`,
		id, lastLogin)
}

func (s *credentialStore) Unlock(ctx context.Context, id string) error {
	return s.execOne(ctx,
		`update identities set failed_attempts = 0, locked = false, updated_at = now() where id = $1`, id)
}

func (s *credentialStore) CountWithRole(ctx context.Context, role string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`select count(*) from identity_roles where role=$1`, role).Scan(&n)
	return n, err
}

func (s *credentialStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return keygate.ErrNotFound
	}
	return nil
}

// Role store -----------------------------------------------------------------

type roleStore struct{ db *sql.DB }

var _ keygate.RoleStore = (*roleStore)(nil)

func roleNames(ctx context.Context, db *sql.DB, identityID string) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`select role from identity_roles where identity_id=$1 order by role`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	roles := []string{}
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *roleStore) RoleNames(ctx context.Context, identityID string) ([]string, error) {
	return roleNames(ctx, s.db, identityID)
}

func (s *roleStore) DirectGrants(ctx context.Context, identityID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`select permission from identity_grants where identity_id=$1 order by permission`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	grants := []string{}
	for rows.Next() {
		var grant string
		if err := rows.Scan(&grant); err != nil {
			return nil, err
		}
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

func (s *roleStore) AssignRole(ctx context.Context, identityID, role, assignedBy string) error {
	_, err := s.db.ExecContext(ctx,
		`insert into identity_roles(identity_id, role, assigned_by) values($1,$2,$3)
		 on conflict do nothing`,
		identityID, role, assignedBy)
	return err
}

// Two-factor store -----------------------------------------------------------

type twoFactorStore struct{ db *sql.DB }

var _ keygate.TwoFactorStore = (*twoFactorStore)(nil)

func (s *twoFactorStore) Get(ctx context.Context, identityID string) (*keygate.TwoFactorSettings, error) {
	var (
		settings keygate.TwoFactorSettings
		secret   []byte
	)
	err := s.db.QueryRowContext(ctx,
		`select identity_id, email_enabled, email_code, totp_enabled, totp_secret, updated_at
		 from two_factor_settings where identity_id=$1`, identityID,
	).Scan(&settings.IdentityID, &settings.EmailEnabled, &settings.EmailCode,
		&settings.TOTPEnabled, &secret, &settings.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, keygate.ErrNotFound
		}
		return nil, err
	}
	settings.TOTPSecret = secret

	rows, err := s.db.QueryContext(ctx,
		`select code_hash from backup_codes where identity_id=$1`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		if len(raw) != 32 {
			return nil, fmt.Errorf("backup code hash has %d bytes", len(raw))
		}
		var hash [32]byte
		copy(hash[:], raw)
		settings.BackupCodeHashes = append(settings.BackupCodeHashes, hash)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *twoFactorStore) Upsert(ctx context.Context, settings *keygate.TwoFactorSettings) error {
	_, err := s.db.ExecContext(ctx,
		`insert into two_factor_settings(identity_id, email_enabled, email_code, totp_enabled, totp_secret, updated_at)
		 values($1,$2,$3,$4,$5,$6)
		 on conflict (identity_id) do update set
		   email_enabled=excluded.email_enabled,
		   email_code=excluded.email_code,
		   totp_enabled=excluded.totp_enabled,
		   totp_secret=excluded.totp_secret,
		   updated_at=excluded.updated_at`,
		settings.IdentityID, settings.EmailEnabled, settings.EmailCode,
		settings.TOTPEnabled, settings.TOTPSecret, settings.UpdatedAt,
	)
	return err
}

func (s *twoFactorStore) ClearEmailCode(ctx context.Context, identityID string) error {
	_, err := s.db.ExecContext(ctx,
		`update two_factor_settings set email_code='', updated_at=now() where identity_id=$1`,
		identityID)
	return err
}

func (s *twoFactorStore) ReplaceBackupCodes(ctx context.Context, identityID string, hashes [][32]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`delete from backup_codes where identity_id=$1`, identityID); err != nil {
		return err
	}
	for _, hash := range hashes {
		if _, err := tx.ExecContext(ctx,
			`insert into backup_codes(identity_id, code_hash) values($1,$2)`,
			identityID, hash[:]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ConsumeBackupCode deletes the matching hash. The delete is the
// existence check, so two concurrent attempts with the same code
// cannot both succeed.
func (s *twoFactorStore) ConsumeBackupCode(ctx context.Context, identityID string, hash [32]byte) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from backup_codes where identity_id=$1 and code_hash=$2`,
		identityID, hash[:])
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Session store ---------------------------------------------------------------

type sessionStore struct{ db *sql.DB }

var _ session.Store = (*sessionStore)(nil)

func (s *sessionStore) Create(ctx context.Context, sess *session.Session) error {
	_, err := s.db.ExecContext(ctx,
		`insert into sessions(id, identity_id, ip, user_agent, created_at, expires_at)
		 values($1,$2,$3,$4,$5,$6)`,
		sess.ID, sess.IdentityID, sess.IP, sess.UserAgent, sess.CreatedAt, sess.ExpiresAt)
	return err
}

func (s *sessionStore) FindByID(ctx context.Context, id string) (*session.Session, error) {
	var sess session.Session
	err := s.db.QueryRowContext(ctx,
		`select id, identity_id, ip, user_agent, created_at, expires_at from sessions where id=$1`, id,
	).Scan(&sess.ID, &sess.IdentityID, &sess.IP, &sess.UserAgent, &sess.CreatedAt, &sess.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, session.ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

func (s *sessionStore) ListByIdentity(ctx context.Context, identityID string) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, identity_id, ip, user_agent, created_at, expires_at
		 from sessions where identity_id=$1 order by created_at desc`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*session.Session
	for rows.Next() {
		var sess session.Session
		if err := rows.Scan(&sess.ID, &sess.IdentityID, &sess.IP, &sess.UserAgent,
			&sess.CreatedAt, &sess.ExpiresAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

func (s *sessionStore) DeleteByID(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from sessions where id=$1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (s *sessionStore) DeleteAllByIdentity(ctx context.Context, identityID string) error {
	_, err := s.db.ExecContext(ctx, `delete from sessions where identity_id=$1`, identityID)
	return err
}

// Audit store -----------------------------------------------------------------

type auditStore struct{ db *sql.DB }

var _ keygate.AuditStore = (*auditStore)(nil)

func (s *auditStore) InsertAuditEntry(ctx context.Context, entry *keygate.AuditEntry) error {
	meta, _ := json.Marshal(entry.Metadata)
	_, err := s.db.ExecContext(ctx,
		`insert into audit_log(id, identity_id, session_id, event_type, ip, user_agent, success, error, metadata, created_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		entry.ID, entry.IdentityID, entry.SessionID, entry.EventType, entry.IP,
		entry.UserAgent, entry.Success, entry.Error, meta, entry.CreatedAt)
	return err
}
