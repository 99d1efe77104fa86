package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema is the DDL for all keygate tables. Idempotent; safe to run on
// every start.
const Schema = `
create table if not exists identities (
	id              text primary key,
	email           text not null unique,
	phone           text not null default '',
	password_hash   text not null,
	active          boolean not null default true,
	email_verified  boolean not null default false,
	phone_verified  boolean not null default false,
	failed_attempts integer not null default 0,
	locked          boolean not null default false,
	last_login_at   timestamptz,
	deleted_at      timestamptz,
	created_at      timestamptz not null default now(),
	updated_at      timestamptz not null default now()
);

create unique index if not exists identities_phone_idx
	on identities (phone) where phone <> '';

create table if not exists identity_roles (
	identity_id text not null references identities(id) on delete cascade,
	role        text not null,
	assigned_by text not null default '',
	created_at  timestamptz not null default now(),
	primary key (identity_id, role)
);

create table if not exists identity_grants (
	identity_id text not null references identities(id) on delete cascade,
	permission  text not null,
	created_at  timestamptz not null default now(),
	primary key (identity_id, permission)
);

create table if not exists sessions (
	id          text primary key,
	identity_id text not null references identities(id) on delete cascade,
	ip          text not null default '',
	user_agent  text not null default '',
	created_at  timestamptz not null,
	expires_at  timestamptz not null
);

create index if not exists sessions_identity_idx on sessions (identity_id, created_at desc);

create table if not exists two_factor_settings (
	identity_id   text primary key references identities(id) on delete cascade,
	email_enabled boolean not null default false,
	email_code    text not null default '',
	totp_enabled  boolean not null default false,
	totp_secret   bytea,
	updated_at    timestamptz not null default now()
);

create table if not exists backup_codes (
	identity_id text not null references identities(id) on delete cascade,
	code_hash   bytea not null,
	created_at  timestamptz not null default now(),
	primary key (identity_id, code_hash)
);

create table if not exists audit_log (
	id          text primary key,
	identity_id text not null default '',
	session_id  text not null default '',
	event_type  text not null,
	ip          text not null default '',
	user_agent  text not null default '',
	success     boolean not null,
	error       text not null default '',
	metadata    jsonb,
	created_at  timestamptz not null
);

create index if not exists audit_log_identity_idx on audit_log (identity_id, created_at desc);
`

// EnsureSchema applies the DDL.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
