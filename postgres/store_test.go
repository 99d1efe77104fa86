package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/keygate-io/keygate"
	"github.com/keygate-io/keygate/session"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db), mock
}

func expectMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func identityRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "email", "phone", "password_hash", "active", "email_verified",
		"phone_verified", "failed_attempts", "locked", "last_login_at", "deleted_at",
	})
}

func TestFindByEmail(t *testing.T) {
	store, mock := newMock(t)
	lastLogin := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`select .+ from identities where email=\$1`).
		WithArgs("alice@example.com").
		WillReturnRows(identityRows().AddRow(
			"id-1", "alice@example.com", "", "$argon2id$...", true, true,
			false, 2, false, lastLogin, nil,
		))
	mock.ExpectQuery(`select role from identity_roles`).
		WithArgs("id-1").
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("admin").AddRow("member"))

	identity, err := store.Credentials().FindByEmail(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("FindByEmail failed: %v", err)
	}
	if identity.ID != "id-1" || identity.FailedAttempts != 2 {
		t.Fatalf("unexpected identity %+v", identity)
	}
	if identity.LastLoginAt == nil || !identity.LastLoginAt.Equal(lastLogin) {
		t.Fatalf("unexpected last login %v", identity.LastLoginAt)
	}
	if identity.DeletedAt != nil {
		t.Fatal("expected a live identity")
	}
	if len(identity.Roles) != 2 || identity.Roles[0] != "admin" {
		t.Fatalf("unexpected roles %v", identity.Roles)
	}
	expectMet(t, mock)
}

func TestFindByEmailNotFound(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery(`select .+ from identities where email=\$1`).
		WithArgs("ghost@example.com").
		WillReturnRows(identityRows())

	if _, err := store.Credentials().FindByEmail(context.Background(), "ghost@example.com"); !errors.Is(err, keygate.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectMet(t, mock)
}

func TestCreateMapsUniqueViolation(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec(`insert into identities`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "identities_email_key"})

	err := store.Credentials().Create(context.Background(), &keygate.Identity{
		ID: "id-1", Email: "alice@example.com", PasswordHash: "$argon2id$...", Active: true,
	})
	if !errors.Is(err, keygate.ErrDuplicateIdentity) {
		t.Fatalf("expected ErrDuplicateIdentity, got %v", err)
	}
	expectMet(t, mock)
}

func TestRecordLoginFailureReturnsCounter(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery(`update identities`).
		WithArgs("id-1", 5).
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts"}).AddRow(5))

	attempts, err := store.Credentials().RecordLoginFailure(context.Background(), "id-1", 5)
	if err != nil {
		t.Fatalf("RecordLoginFailure failed: %v", err)
	}
	if attempts != 5 {
		t.Fatalf("expected 5 attempts, got %d", attempts)
	}
	expectMet(t, mock)
}

func TestRecordLoginFailureUnknownIdentity(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery(`update identities`).
		WithArgs("ghost", 5).
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts"}))

	if _, err := store.Credentials().RecordLoginFailure(context.Background(), "ghost", 5); !errors.Is(err, keygate.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectMet(t, mock)
}

func TestUpdatePasswordHashUnknownIdentity(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec(`update identities set password_hash`).
		WithArgs("ghost", "$argon2id$...").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Credentials().UpdatePasswordHash(context.Background(), "ghost", "$argon2id$..."); !errors.Is(err, keygate.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectMet(t, mock)
}

func TestAssignRoleIsIdempotent(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec(`insert into identity_roles`).
		WithArgs("id-1", "member", "system").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Roles().AssignRole(context.Background(), "id-1", "member", "system"); err != nil {
		t.Fatalf("AssignRole failed: %v", err)
	}
	expectMet(t, mock)
}

func TestConsumeBackupCode(t *testing.T) {
	store, mock := newMock(t)
	var hash [32]byte
	hash[0] = 0xab

	mock.ExpectExec(`delete from backup_codes`).
		WithArgs("id-1", hash[:]).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`delete from backup_codes`).
		WithArgs("id-1", hash[:]).
		WillReturnResult(sqlmock.NewResult(0, 0))

	consumed, err := store.TwoFactor().ConsumeBackupCode(context.Background(), "id-1", hash)
	if err != nil {
		t.Fatalf("ConsumeBackupCode failed: %v", err)
	}
	if !consumed {
		t.Fatal("expected the code to be consumed")
	}

	consumed, err = store.TwoFactor().ConsumeBackupCode(context.Background(), "id-1", hash)
	if err != nil {
		t.Fatalf("ConsumeBackupCode failed: %v", err)
	}
	if consumed {
		t.Fatal("a spent code must not be consumed again")
	}
	expectMet(t, mock)
}

func TestReplaceBackupCodesRunsInTransaction(t *testing.T) {
	store, mock := newMock(t)
	hashes := [][32]byte{{1}, {2}}

	mock.ExpectBegin()
	mock.ExpectExec(`delete from backup_codes`).
		WithArgs("id-1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`insert into backup_codes`).
		WithArgs("id-1", hashes[0][:]).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into backup_codes`).
		WithArgs("id-1", hashes[1][:]).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.TwoFactor().ReplaceBackupCodes(context.Background(), "id-1", hashes); err != nil {
		t.Fatalf("ReplaceBackupCodes failed: %v", err)
	}
	expectMet(t, mock)
}

func TestReplaceBackupCodesRollsBackOnFailure(t *testing.T) {
	store, mock := newMock(t)
	hashes := [][32]byte{{1}}

	mock.ExpectBegin()
	mock.ExpectExec(`delete from backup_codes`).
		WithArgs("id-1").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	if err := store.TwoFactor().ReplaceBackupCodes(context.Background(), "id-1", hashes); err == nil {
		t.Fatal("expected the failure to surface")
	}
	expectMet(t, mock)
}

func TestTwoFactorGetNotFound(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery(`select identity_id, email_enabled`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{
			"identity_id", "email_enabled", "email_code", "totp_enabled", "totp_secret", "updated_at",
		}))

	if _, err := store.TwoFactor().Get(context.Background(), "ghost"); !errors.Is(err, keygate.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectMet(t, mock)
}

func TestSessionDeleteNotFound(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec(`delete from sessions where id=\$1`).
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Sessions().DeleteByID(context.Background(), "ghost"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected session.ErrNotFound, got %v", err)
	}
	expectMet(t, mock)
}

func TestSessionListNewestFirst(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now()

	mock.ExpectQuery(`select id, identity_id, ip, user_agent, created_at, expires_at`).
		WithArgs("id-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "identity_id", "ip", "user_agent", "created_at", "expires_at",
		}).
			AddRow("s2", "id-1", "203.0.113.9", "agent", now, now.Add(time.Hour)).
			AddRow("s1", "id-1", "203.0.113.9", "agent", now.Add(-time.Minute), now.Add(time.Hour)))

	sessions, err := store.Sessions().ListByIdentity(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("ListByIdentity failed: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "s2" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
	expectMet(t, mock)
}

func TestInsertAuditEntry(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now()

	mock.ExpectExec(`insert into audit_log`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Audit().InsertAuditEntry(context.Background(), &keygate.AuditEntry{
		ID:        "a1",
		EventType: "login_success",
		Success:   true,
		Metadata:  map[string]string{"email": "alice@example.com"},
		CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("InsertAuditEntry failed: %v", err)
	}
	expectMet(t, mock)
}
