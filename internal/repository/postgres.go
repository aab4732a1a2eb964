package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kserw/forceauth-sub001/internal/domain"
)

// Compile-time interface assertions.
var (
	_ Store                 = (*PostgresStore)(nil)
	_ UserRepository        = (*PostgresUserRepo)(nil)
	_ CredentialRepository  = (*PostgresCredentialRepo)(nil)
	_ StateRepository       = (*PostgresStateRepo)(nil)
	_ SessionRepository     = (*PostgresSessionRepo)(nil)
	_ IntegrationRepository = (*PostgresIntegrationRepo)(nil)
	_ AuditRepository       = (*PostgresAuditRepo)(nil)
)

// PostgresStore is the networked production backend.
type PostgresStore struct {
	pool         *pgxpool.Pool
	users        *PostgresUserRepo
	credentials  *PostgresCredentialRepo
	states       *PostgresStateRepo
	sessions     *PostgresSessionRepo
	integrations *PostgresIntegrationRepo
	audit        *PostgresAuditRepo
}

// NewPostgresStore wires repositories over a shared pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:         pool,
		users:        &PostgresUserRepo{pool: pool},
		credentials:  &PostgresCredentialRepo{pool: pool},
		states:       &PostgresStateRepo{pool: pool},
		sessions:     &PostgresSessionRepo{pool: pool},
		integrations: &PostgresIntegrationRepo{pool: pool},
		audit:        &PostgresAuditRepo{pool: pool},
	}
}

func (s *PostgresStore) Users() UserRepository { return s.users }

func (s *PostgresStore) Credentials() CredentialRepository { return s.credentials }

func (s *PostgresStore) States() StateRepository { return s.states }

func (s *PostgresStore) Sessions() SessionRepository { return s.sessions }

func (s *PostgresStore) Integrations() IntegrationRepository { return s.integrations }

func (s *PostgresStore) Audit() AuditRepository { return s.audit }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// PostgresUserRepo implements UserRepository.
type PostgresUserRepo struct {
	pool *pgxpool.Pool
}

const upsertUserSQL = `INSERT INTO users (id, external_id, email, display_name, last_login_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, now(), now())
ON CONFLICT (external_id) DO UPDATE
SET email = EXCLUDED.email, display_name = EXCLUDED.display_name, last_login_at = EXCLUDED.last_login_at, updated_at = now()
RETURNING id, external_id, email, display_name, last_login_at, created_at, updated_at`

func (r *PostgresUserRepo) UpsertByExternalID(ctx context.Context, user domain.User) (domain.User, error) {
	row := r.pool.QueryRow(ctx, upsertUserSQL, user.ID, user.ExternalID, user.Email, user.DisplayName, user.LastLoginAt)
	var out domain.User
	var lastLogin *time.Time
	if err := row.Scan(&out.ID, &out.ExternalID, &out.Email, &out.DisplayName, &lastLogin, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return domain.User{}, fmt.Errorf("upsert user: %w", err)
	}
	if lastLogin != nil {
		out.LastLoginAt = *lastLogin
	}
	return out, nil
}

func (r *PostgresUserRepo) GetByID(ctx context.Context, id int64) (domain.User, error) {
	const query = `SELECT id, external_id, email, display_name, last_login_at, created_at, updated_at
FROM users WHERE id = $1`
	var out domain.User
	var lastLogin *time.Time
	err := r.pool.QueryRow(ctx, query, id).Scan(&out.ID, &out.ExternalID, &out.Email, &out.DisplayName, &lastLogin, &out.CreatedAt, &out.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}
	if lastLogin != nil {
		out.LastLoginAt = *lastLogin
	}
	return out, nil
}

// PostgresCredentialRepo implements CredentialRepository.
type PostgresCredentialRepo struct {
	pool *pgxpool.Pool
}

const credentialColumns = `id, name, environment, client_id, encrypted_secret, redirect_uri, owner_id, shared, provider_org_id, created_at`

func scanCredential(row pgx.Row) (domain.OrgCredentials, error) {
	var c domain.OrgCredentials
	var env string
	var ownerID int64
	if err := row.Scan(&c.ID, &c.Name, &env, &c.ClientID, &c.EncryptedSecret, &c.RedirectURI, &ownerID, &c.Shared, &c.ProviderOrgID, &c.CreatedAt); err != nil {
		return domain.OrgCredentials{}, err
	}
	c.Environment = domain.Environment(env)
	c.Owner = domain.OwnerFromStorage(ownerID)
	return c, nil
}

func (r *PostgresCredentialRepo) Insert(ctx context.Context, c domain.OrgCredentials) error {
	const query = `INSERT INTO org_credentials (id, name, environment, client_id, encrypted_secret, redirect_uri, owner_id, shared, provider_org_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.pool.Exec(ctx, query, c.ID, c.Name, string(c.Environment), c.ClientID, c.EncryptedSecret, c.RedirectURI, c.Owner.StorageID(), c.Shared, c.ProviderOrgID, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert credentials: %w", err)
	}
	return nil
}

func (r *PostgresCredentialRepo) Get(ctx context.Context, id int64) (domain.OrgCredentials, error) {
	query := `SELECT ` + credentialColumns + ` FROM org_credentials WHERE id = $1`
	c, err := scanCredential(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.OrgCredentials{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.OrgCredentials{}, fmt.Errorf("get credentials: %w", err)
	}
	return c, nil
}

func (r *PostgresCredentialRepo) ListVisibleTo(ctx context.Context, userID int64) ([]domain.OrgCredentials, error) {
	// Visibility: rows the user owns, plus shared rows whose client id
	// matches a row the user owns. Sharing is scoped to the same connected
	// app, approximating team membership without a team entity.
	query := `SELECT ` + credentialColumns + ` FROM org_credentials c
WHERE c.owner_id = $1
   OR (c.shared AND c.client_id IN (SELECT client_id FROM org_credentials WHERE owner_id = $1))
ORDER BY c.created_at`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []domain.OrgCredentials
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credentials: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresCredentialRepo) SetShared(ctx context.Context, id int64, shared bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE org_credentials SET shared = $2 WHERE id = $1`, id, shared)
	if err != nil {
		return fmt.Errorf("set shared: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PostgresCredentialRepo) SetProviderOrgID(ctx context.Context, id int64, providerOrgID string) error {
	if _, err := r.pool.Exec(ctx, `UPDATE org_credentials SET provider_org_id = $2 WHERE id = $1`, id, providerOrgID); err != nil {
		return fmt.Errorf("set provider org: %w", err)
	}
	return nil
}

func (r *PostgresCredentialRepo) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM org_credentials WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PostgresCredentialRepo) Claim(ctx context.Context, id, userID int64) (bool, error) {
	// Conditional update keyed on the placeholder owner: at most one
	// concurrent claim can observe an affected row.
	tag, err := r.pool.Exec(ctx,
		`UPDATE org_credentials SET owner_id = $2 WHERE id = $1 AND owner_id IN ($3, $4)`,
		id, userID, domain.PendingOwnerID, domain.SystemOwnerID)
	if err != nil {
		return false, fmt.Errorf("claim credentials: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresCredentialRepo) ClaimAllPending(ctx context.Context, userID int64) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE org_credentials SET owner_id = $1 WHERE owner_id IN ($2, $3)`,
		userID, domain.PendingOwnerID, domain.SystemOwnerID)
	if err != nil {
		return 0, fmt.Errorf("claim pending credentials: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PostgresStateRepo implements StateRepository.
type PostgresStateRepo struct {
	pool *pgxpool.Pool
}

func (r *PostgresStateRepo) Insert(ctx context.Context, st domain.OAuthState) error {
	const query = `INSERT INTO oauth_states (state_token, environment, return_url, nonce, signature, popup, credentials_id, fingerprint, encrypted_verifier, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.pool.Exec(ctx, query, st.Token, string(st.Environment), st.ReturnURL, st.Nonce, st.Signature, st.Popup, st.CredentialsID, st.Fingerprint, st.EncryptedVerifier, st.ExpiresAt, st.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert state: %w", err)
	}
	return nil
}

func (r *PostgresStateRepo) Consume(ctx context.Context, token string, now time.Time) (*domain.OAuthState, error) {
	const query = `DELETE FROM oauth_states
WHERE state_token = $1 AND expires_at > $2
RETURNING state_token, environment, return_url, nonce, signature, popup, credentials_id, fingerprint, encrypted_verifier, expires_at, created_at`
	var st domain.OAuthState
	var env string
	err := r.pool.QueryRow(ctx, query, token, now).Scan(&st.Token, &env, &st.ReturnURL, &st.Nonce, &st.Signature, &st.Popup, &st.CredentialsID, &st.Fingerprint, &st.EncryptedVerifier, &st.ExpiresAt, &st.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consume state: %w", err)
	}
	st.Environment = domain.Environment(env)
	return &st, nil
}

func (r *PostgresStateRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM oauth_states WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge states: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PostgresSessionRepo implements SessionRepository.
type PostgresSessionRepo struct {
	pool *pgxpool.Pool
}

const sessionColumns = `id, user_id, credentials_id, encrypted_access_token, encrypted_refresh_token, instance_url, environment, token_issued_at, provider_org_id, provider_org_name, fingerprint, csrf_token, last_activity_at, state, created_at`

func scanSession(row pgx.Row) (domain.Session, error) {
	var s domain.Session
	var env, state string
	if err := row.Scan(&s.ID, &s.UserID, &s.CredentialsID, &s.EncryptedAccessToken, &s.EncryptedRefreshToken, &s.InstanceURL, &env, &s.TokenIssuedAt, &s.ProviderOrgID, &s.ProviderOrgName, &s.Fingerprint, &s.CSRFToken, &s.LastActivityAt, &state, &s.CreatedAt); err != nil {
		return domain.Session{}, err
	}
	s.Environment = domain.Environment(env)
	s.State = domain.SessionState(state)
	return s, nil
}

const insertSessionSQL = `INSERT INTO sessions (id, user_id, credentials_id, encrypted_access_token, encrypted_refresh_token, instance_url, environment, token_issued_at, provider_org_id, provider_org_name, fingerprint, csrf_token, last_activity_at, state, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

func sessionArgs(s domain.Session) []any {
	return []any{s.ID, s.UserID, s.CredentialsID, s.EncryptedAccessToken, s.EncryptedRefreshToken, s.InstanceURL, string(s.Environment), s.TokenIssuedAt, s.ProviderOrgID, s.ProviderOrgName, s.Fingerprint, s.CSRFToken, s.LastActivityAt, string(s.State), s.CreatedAt}
}

func (r *PostgresSessionRepo) Insert(ctx context.Context, s domain.Session) error {
	if _, err := r.pool.Exec(ctx, insertSessionSQL, sessionArgs(s)...); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *PostgresSessionRepo) GetActive(ctx context.Context, id string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1 AND state = 'active'`
	s, err := scanSession(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

func (r *PostgresSessionRepo) TouchActivity(ctx context.Context, id string, at time.Time) error {
	if _, err := r.pool.Exec(ctx, `UPDATE sessions SET last_activity_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (r *PostgresSessionRepo) UpdateTokens(ctx context.Context, id, encryptedAccess, encryptedRefresh string, issuedAt time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET encrypted_access_token = $2, encrypted_refresh_token = $3, token_issued_at = $4 WHERE id = $1`,
		id, encryptedAccess, encryptedRefresh, issuedAt)
	if err != nil {
		return fmt.Errorf("update session tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PostgresSessionRepo) SetState(ctx context.Context, id string, state domain.SessionState) error {
	if _, err := r.pool.Exec(ctx, `UPDATE sessions SET state = $2 WHERE id = $1`, id, string(state)); err != nil {
		return fmt.Errorf("set session state: %w", err)
	}
	return nil
}

func (r *PostgresSessionRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (r *PostgresSessionRepo) Rotate(ctx context.Context, oldID string, replacement domain.Session) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin rotate: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE sessions SET state = 'revoked' WHERE id = $1 AND state = 'active'`, oldID)
	if err != nil {
		return false, fmt.Errorf("revoke old session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := tx.Exec(ctx, insertSessionSQL, sessionArgs(replacement)...); err != nil {
		return false, fmt.Errorf("insert replacement session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit rotate: %w", err)
	}
	return true, nil
}

func (r *PostgresSessionRepo) ExpireStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET state = 'expired' WHERE state = 'active' AND last_activity_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PostgresIntegrationRepo implements IntegrationRepository.
type PostgresIntegrationRepo struct {
	pool *pgxpool.Pool
}

const integrationColumns = `id, name, description, credentials_id, owner_id, created_at, updated_at`

func scanIntegration(row pgx.Row) (domain.TrackedIntegration, error) {
	var in domain.TrackedIntegration
	err := row.Scan(&in.ID, &in.Name, &in.Description, &in.CredentialsID, &in.OwnerID, &in.CreatedAt, &in.UpdatedAt)
	return in, err
}

func (r *PostgresIntegrationRepo) Insert(ctx context.Context, in domain.TrackedIntegration) error {
	const query = `INSERT INTO tracked_integrations (id, name, description, credentials_id, owner_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := r.pool.Exec(ctx, query, in.ID, in.Name, in.Description, in.CredentialsID, in.OwnerID, in.CreatedAt, in.UpdatedAt); err != nil {
		return fmt.Errorf("insert integration: %w", err)
	}
	return nil
}

func (r *PostgresIntegrationRepo) Get(ctx context.Context, id int64) (domain.TrackedIntegration, error) {
	query := `SELECT ` + integrationColumns + ` FROM tracked_integrations WHERE id = $1`
	in, err := scanIntegration(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TrackedIntegration{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.TrackedIntegration{}, fmt.Errorf("get integration: %w", err)
	}
	return in, nil
}

func (r *PostgresIntegrationRepo) ListVisibleTo(ctx context.Context, userID int64) ([]domain.TrackedIntegration, error) {
	query := `SELECT ` + integrationColumns + ` FROM tracked_integrations i
WHERE i.owner_id = $1
   OR EXISTS (SELECT 1 FROM integration_shares s WHERE s.integration_id = i.id AND s.user_id = $1)
ORDER BY i.created_at`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	defer rows.Close()

	var out []domain.TrackedIntegration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan integration: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (r *PostgresIntegrationRepo) Update(ctx context.Context, in domain.TrackedIntegration) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE tracked_integrations SET name = $2, description = $3, credentials_id = $4, updated_at = $5 WHERE id = $1`,
		in.ID, in.Name, in.Description, in.CredentialsID, in.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update integration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PostgresIntegrationRepo) Delete(ctx context.Context, id int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM integration_shares WHERE integration_id = $1`, id); err != nil {
		return fmt.Errorf("delete shares: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM tracked_integrations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete integration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return tx.Commit(ctx)
}

func (r *PostgresIntegrationRepo) OwnerOf(ctx context.Context, id int64) (int64, error) {
	var ownerID int64
	err := r.pool.QueryRow(ctx, `SELECT owner_id FROM tracked_integrations WHERE id = $1`, id).Scan(&ownerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get integration owner: %w", err)
	}
	return ownerID, nil
}

func (r *PostgresIntegrationRepo) Share(ctx context.Context, share domain.IntegrationShare) error {
	const query = `INSERT INTO integration_shares (integration_id, user_id, permission, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (integration_id, user_id) DO UPDATE SET permission = EXCLUDED.permission`
	if _, err := r.pool.Exec(ctx, query, share.IntegrationID, share.UserID, string(share.Permission), share.CreatedAt); err != nil {
		return fmt.Errorf("share integration: %w", err)
	}
	return nil
}

func (r *PostgresIntegrationRepo) Unshare(ctx context.Context, integrationID, userID int64) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM integration_shares WHERE integration_id = $1 AND user_id = $2`, integrationID, userID); err != nil {
		return fmt.Errorf("unshare integration: %w", err)
	}
	return nil
}

func (r *PostgresIntegrationRepo) SharePermission(ctx context.Context, integrationID, userID int64) (domain.Permission, bool, error) {
	var perm string
	err := r.pool.QueryRow(ctx,
		`SELECT permission FROM integration_shares WHERE integration_id = $1 AND user_id = $2`,
		integrationID, userID).Scan(&perm)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get share: %w", err)
	}
	return domain.Permission(perm), true, nil
}

func (r *PostgresIntegrationRepo) ListShares(ctx context.Context, integrationID int64) ([]domain.IntegrationShare, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT integration_id, user_id, permission, created_at FROM integration_shares WHERE integration_id = $1 ORDER BY created_at`,
		integrationID)
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	defer rows.Close()

	var out []domain.IntegrationShare
	for rows.Next() {
		var s domain.IntegrationShare
		var perm string
		if err := rows.Scan(&s.IntegrationID, &s.UserID, &perm, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		s.Permission = domain.Permission(perm)
		out = append(out, s)
	}
	return out, rows.Err()
}

// PostgresAuditRepo implements AuditRepository.
type PostgresAuditRepo struct {
	pool *pgxpool.Pool
}

func (r *PostgresAuditRepo) Append(ctx context.Context, e domain.AuditEvent) error {
	const query = `INSERT INTO audit_events (action, actor_id, session_id, resource_type, resource_id, details, ip, user_agent, success, error_message, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	if _, err := r.pool.Exec(ctx, query, e.Action, e.ActorID, e.SessionID, e.ResourceType, e.ResourceID, e.Details, e.IP, e.UserAgent, e.Success, e.ErrorMessage, e.CreatedAt); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}
