package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaDDL creates the tables the Postgres backend relies on. Statements are
// idempotent so Migrate can run on every boot.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGINT PRIMARY KEY,
		external_id TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		last_login_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS org_credentials (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		environment TEXT NOT NULL,
		client_id TEXT NOT NULL,
		encrypted_secret TEXT NOT NULL,
		redirect_uri TEXT NOT NULL,
		owner_id BIGINT NOT NULL,
		shared BOOLEAN NOT NULL DEFAULT FALSE,
		provider_org_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS org_credentials_owner_idx ON org_credentials (owner_id)`,
	`CREATE TABLE IF NOT EXISTS oauth_states (
		state_token TEXT PRIMARY KEY,
		environment TEXT NOT NULL,
		return_url TEXT NOT NULL,
		nonce TEXT NOT NULL,
		signature TEXT NOT NULL,
		popup BOOLEAN NOT NULL DEFAULT FALSE,
		credentials_id BIGINT NOT NULL DEFAULT 0,
		fingerprint TEXT NOT NULL DEFAULT '',
		encrypted_verifier TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		credentials_id BIGINT NOT NULL DEFAULT 0,
		encrypted_access_token TEXT NOT NULL,
		encrypted_refresh_token TEXT NOT NULL DEFAULT '',
		instance_url TEXT NOT NULL DEFAULT '',
		environment TEXT NOT NULL,
		token_issued_at TIMESTAMPTZ NOT NULL,
		provider_org_id TEXT NOT NULL DEFAULT '',
		provider_org_name TEXT NOT NULL DEFAULT '',
		fingerprint TEXT NOT NULL DEFAULT '',
		csrf_token TEXT NOT NULL,
		last_activity_at TIMESTAMPTZ NOT NULL,
		state TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_state_activity_idx ON sessions (state, last_activity_at)`,
	`CREATE TABLE IF NOT EXISTS tracked_integrations (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		credentials_id BIGINT NOT NULL DEFAULT 0,
		owner_id BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS integration_shares (
		integration_id BIGINT NOT NULL,
		user_id BIGINT NOT NULL,
		permission TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (integration_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		id BIGSERIAL PRIMARY KEY,
		action TEXT NOT NULL,
		actor_id BIGINT NOT NULL DEFAULT 0,
		session_id TEXT NOT NULL DEFAULT '',
		resource_type TEXT NOT NULL DEFAULT '',
		resource_id TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		success BOOLEAN NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate applies the schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaDDL {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
