package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kserw/forceauth-sub001/internal/domain"
)

// BoltStore is the embedded development backend. Every multi-step invariant
// runs inside a single bbolt Update transaction, which is serialized, so the
// same at-most-once guarantees hold as with the conditional SQL statements.
type BoltStore struct {
	db *bolt.DB
}

const (
	boltDirPerm  = fs.FileMode(0o700)
	boltFilePerm = fs.FileMode(0o600)
	boltTimeout  = 5 * time.Second
)

var (
	usersBucket        = []byte("users")
	usersByExtBucket   = []byte("users_by_external_id")
	credentialsBucket  = []byte("credentials")
	statesBucket       = []byte("oauth_states")
	sessionsBucket     = []byte("sessions")
	integrationsBucket = []byte("integrations")
	sharesBucket       = []byte("integration_shares")
	auditBucket        = []byte("audit_events")
)

// OpenBolt opens (creating if necessary) the embedded database at path.
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), boltDirPerm); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	db, err := bolt.Open(path, boltFilePerm, &bolt.Options{Timeout: boltTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{usersBucket, usersByExtBucket, credentialsBucket, statesBucket, sessionsBucket, integrationsBucket, sharesBucket, auditBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing bolt db: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Users() UserRepository { return (*boltUserRepo)(s) }

func (s *BoltStore) Credentials() CredentialRepository { return (*boltCredentialRepo)(s) }

func (s *BoltStore) States() StateRepository { return (*boltStateRepo)(s) }

func (s *BoltStore) Sessions() SessionRepository { return (*boltSessionRepo)(s) }

func (s *BoltStore) Integrations() IntegrationRepository { return (*boltIntegrationRepo)(s) }

func (s *BoltStore) Audit() AuditRepository { return (*boltAuditRepo)(s) }

func (s *BoltStore) Close() error { return s.db.Close() }

var _ Store = (*BoltStore)(nil)

func int64Key(id int64) []byte { return []byte(strconv.FormatInt(id, 10)) }

func shareKey(integrationID, userID int64) []byte {
	return []byte(strconv.FormatInt(integrationID, 10) + ":" + strconv.FormatInt(userID, 10))
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// boltUserRepo implements UserRepository.
type boltUserRepo BoltStore

func (r *boltUserRepo) UpsertByExternalID(_ context.Context, user domain.User) (domain.User, error) {
	now := time.Now().UTC()
	var out domain.User
	err := r.db.Update(func(tx *bolt.Tx) error {
		byExt := tx.Bucket(usersByExtBucket)
		users := tx.Bucket(usersBucket)

		if idRaw := byExt.Get([]byte(user.ExternalID)); idRaw != nil {
			raw := users.Get(idRaw)
			if raw == nil {
				return fmt.Errorf("user index points at missing row %s", idRaw)
			}
			if err := json.Unmarshal(raw, &out); err != nil {
				return err
			}
			out.Email = user.Email
			out.DisplayName = user.DisplayName
			out.LastLoginAt = user.LastLoginAt
			out.UpdatedAt = now
			return putJSON(users, idRaw, out)
		}

		out = user
		out.CreatedAt = now
		out.UpdatedAt = now
		if err := putJSON(users, int64Key(out.ID), out); err != nil {
			return err
		}
		return byExt.Put([]byte(out.ExternalID), int64Key(out.ID))
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("upsert user: %w", err)
	}
	return out, nil
}

func (r *boltUserRepo) GetByID(_ context.Context, id int64) (domain.User, error) {
	var out domain.User
	found := false
	err := r.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(usersBucket).Get(int64Key(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &out)
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}
	if !found {
		return domain.User{}, domain.ErrNotFound
	}
	return out, nil
}

// boltCredentialRepo implements CredentialRepository.
type boltCredentialRepo BoltStore

// boltCredential is the stored shape; the tagged owner flattens to its id.
type boltCredential struct {
	ID              int64              `json:"id"`
	Name            string             `json:"name"`
	Environment     domain.Environment `json:"environment"`
	ClientID        string             `json:"client_id"`
	EncryptedSecret string             `json:"encrypted_secret"`
	RedirectURI     string             `json:"redirect_uri"`
	OwnerID         int64              `json:"owner_id"`
	Shared          bool               `json:"shared"`
	ProviderOrgID   string             `json:"provider_org_id"`
	CreatedAt       time.Time          `json:"created_at"`
}

func toBoltCredential(c domain.OrgCredentials) boltCredential {
	return boltCredential{
		ID:              c.ID,
		Name:            c.Name,
		Environment:     c.Environment,
		ClientID:        c.ClientID,
		EncryptedSecret: c.EncryptedSecret,
		RedirectURI:     c.RedirectURI,
		OwnerID:         c.Owner.StorageID(),
		Shared:          c.Shared,
		ProviderOrgID:   c.ProviderOrgID,
		CreatedAt:       c.CreatedAt,
	}
}

func (b boltCredential) toDomain() domain.OrgCredentials {
	return domain.OrgCredentials{
		ID:              b.ID,
		Name:            b.Name,
		Environment:     b.Environment,
		ClientID:        b.ClientID,
		EncryptedSecret: b.EncryptedSecret,
		RedirectURI:     b.RedirectURI,
		Owner:           domain.OwnerFromStorage(b.OwnerID),
		Shared:          b.Shared,
		ProviderOrgID:   b.ProviderOrgID,
		CreatedAt:       b.CreatedAt,
	}
}

func (r *boltCredentialRepo) Insert(_ context.Context, c domain.OrgCredentials) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(credentialsBucket), int64Key(c.ID), toBoltCredential(c))
	})
	if err != nil {
		return fmt.Errorf("insert credentials: %w", err)
	}
	return nil
}

func (r *boltCredentialRepo) Get(_ context.Context, id int64) (domain.OrgCredentials, error) {
	var rec boltCredential
	found := false
	err := r.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(credentialsBucket).Get(int64Key(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return domain.OrgCredentials{}, fmt.Errorf("get credentials: %w", err)
	}
	if !found {
		return domain.OrgCredentials{}, domain.ErrNotFound
	}
	return rec.toDomain(), nil
}

func (r *boltCredentialRepo) ListVisibleTo(_ context.Context, userID int64) ([]domain.OrgCredentials, error) {
	var out []domain.OrgCredentials
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(credentialsBucket)

		ownedClients := map[string]bool{}
		if err := b.ForEach(func(_, v []byte) error {
			var rec boltCredential
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.OwnerID == userID {
				ownedClients[rec.ClientID] = true
			}
			return nil
		}); err != nil {
			return err
		}

		return b.ForEach(func(_, v []byte) error {
			var rec boltCredential
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.OwnerID == userID || (rec.Shared && ownedClients[rec.ClientID]) {
				out = append(out, rec.toDomain())
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return out, nil
}

func (r *boltCredentialRepo) mutate(id int64, fn func(*boltCredential) error) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(credentialsBucket)
		raw := b.Get(int64Key(id))
		if raw == nil {
			return domain.ErrNotFound
		}
		var rec boltCredential
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		return putJSON(b, int64Key(id), rec)
	})
}

func (r *boltCredentialRepo) SetShared(_ context.Context, id int64, shared bool) error {
	return r.mutate(id, func(rec *boltCredential) error {
		rec.Shared = shared
		return nil
	})
}

func (r *boltCredentialRepo) SetProviderOrgID(_ context.Context, id int64, providerOrgID string) error {
	return r.mutate(id, func(rec *boltCredential) error {
		rec.ProviderOrgID = providerOrgID
		return nil
	})
}

func (r *boltCredentialRepo) Delete(_ context.Context, id int64) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(credentialsBucket)
		if b.Get(int64Key(id)) == nil {
			return domain.ErrNotFound
		}
		return b.Delete(int64Key(id))
	})
}

func (r *boltCredentialRepo) Claim(_ context.Context, id, userID int64) (bool, error) {
	claimed := false
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(credentialsBucket)
		raw := b.Get(int64Key(id))
		if raw == nil {
			return nil
		}
		var rec boltCredential
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if rec.OwnerID != domain.PendingOwnerID && rec.OwnerID != domain.SystemOwnerID {
			return nil
		}
		rec.OwnerID = userID
		claimed = true
		return putJSON(b, int64Key(id), rec)
	})
	if err != nil {
		return false, fmt.Errorf("claim credentials: %w", err)
	}
	return claimed, nil
}

func (r *boltCredentialRepo) ClaimAllPending(_ context.Context, userID int64) (int64, error) {
	var claimed int64
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(credentialsBucket)
		type pending struct {
			key []byte
			rec boltCredential
		}
		var rows []pending
		if err := b.ForEach(func(k, v []byte) error {
			var rec boltCredential
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.OwnerID == domain.PendingOwnerID || rec.OwnerID == domain.SystemOwnerID {
				key := append([]byte(nil), k...)
				rows = append(rows, pending{key: key, rec: rec})
			}
			return nil
		}); err != nil {
			return err
		}
		for _, row := range rows {
			row.rec.OwnerID = userID
			if err := putJSON(b, row.key, row.rec); err != nil {
				return err
			}
			claimed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("claim pending credentials: %w", err)
	}
	return claimed, nil
}

// boltStateRepo implements StateRepository.
type boltStateRepo BoltStore

func (r *boltStateRepo) Insert(_ context.Context, st domain.OAuthState) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(statesBucket), []byte(st.Token), st)
	})
	if err != nil {
		return fmt.Errorf("insert state: %w", err)
	}
	return nil
}

func (r *boltStateRepo) Consume(_ context.Context, token string, now time.Time) (*domain.OAuthState, error) {
	var out *domain.OAuthState
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(statesBucket)
		raw := b.Get([]byte(token))
		if raw == nil {
			return nil
		}
		var st domain.OAuthState
		if err := json.Unmarshal(raw, &st); err != nil {
			return err
		}
		// Delete unconditionally: an expired row is garbage either way.
		if err := b.Delete([]byte(token)); err != nil {
			return err
		}
		if !st.ExpiresAt.After(now) {
			return nil
		}
		out = &st
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("consume state: %w", err)
	}
	return out, nil
}

func (r *boltStateRepo) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	var purged int64
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(statesBucket)
		var stale [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var st domain.OAuthState
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			if !st.ExpiresAt.After(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge states: %w", err)
	}
	return purged, nil
}

// boltSessionRepo implements SessionRepository.
type boltSessionRepo BoltStore

func (r *boltSessionRepo) Insert(_ context.Context, s domain.Session) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(sessionsBucket), []byte(s.ID), s)
	})
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *boltSessionRepo) GetActive(_ context.Context, id string) (*domain.Session, error) {
	var out *domain.Session
	err := r.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(sessionsBucket).Get([]byte(id))
		if raw == nil {
			return nil
		}
		var s domain.Session
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		if s.State != domain.SessionActive {
			return nil
		}
		out = &s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return out, nil
}

func (r *boltSessionRepo) mutate(id string, fn func(*domain.Session) error) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		raw := b.Get([]byte(id))
		if raw == nil {
			return domain.ErrNotFound
		}
		var s domain.Session
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		if err := fn(&s); err != nil {
			return err
		}
		return putJSON(b, []byte(id), s)
	})
}

func (r *boltSessionRepo) TouchActivity(_ context.Context, id string, at time.Time) error {
	return r.mutate(id, func(s *domain.Session) error {
		s.LastActivityAt = at
		return nil
	})
}

func (r *boltSessionRepo) UpdateTokens(_ context.Context, id, encryptedAccess, encryptedRefresh string, issuedAt time.Time) error {
	return r.mutate(id, func(s *domain.Session) error {
		s.EncryptedAccessToken = encryptedAccess
		s.EncryptedRefreshToken = encryptedRefresh
		s.TokenIssuedAt = issuedAt
		return nil
	})
}

func (r *boltSessionRepo) SetState(_ context.Context, id string, state domain.SessionState) error {
	err := r.mutate(id, func(s *domain.Session) error {
		s.State = state
		return nil
	})
	// Parity with the SQL backend: revoking an absent row is a no-op.
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}

func (r *boltSessionRepo) Delete(_ context.Context, id string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(id))
	})
}

func (r *boltSessionRepo) Rotate(_ context.Context, oldID string, replacement domain.Session) (bool, error) {
	rotated := false
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		raw := b.Get([]byte(oldID))
		if raw == nil {
			return nil
		}
		var old domain.Session
		if err := json.Unmarshal(raw, &old); err != nil {
			return err
		}
		if old.State != domain.SessionActive {
			return nil
		}
		old.State = domain.SessionRevoked
		if err := putJSON(b, []byte(oldID), old); err != nil {
			return err
		}
		if err := putJSON(b, []byte(replacement.ID), replacement); err != nil {
			return err
		}
		rotated = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rotate session: %w", err)
	}
	return rotated, nil
}

func (r *boltSessionRepo) ExpireStale(_ context.Context, cutoff time.Time) (int64, error) {
	var expired int64
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		var stale []domain.Session
		if err := b.ForEach(func(_, v []byte) error {
			var s domain.Session
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			if s.State == domain.SessionActive && s.LastActivityAt.Before(cutoff) {
				stale = append(stale, s)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, s := range stale {
			s.State = domain.SessionExpired
			if err := putJSON(b, []byte(s.ID), s); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("expire sessions: %w", err)
	}
	return expired, nil
}

// boltIntegrationRepo implements IntegrationRepository.
type boltIntegrationRepo BoltStore

func (r *boltIntegrationRepo) Insert(_ context.Context, in domain.TrackedIntegration) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(integrationsBucket), int64Key(in.ID), in)
	})
	if err != nil {
		return fmt.Errorf("insert integration: %w", err)
	}
	return nil
}

func (r *boltIntegrationRepo) Get(_ context.Context, id int64) (domain.TrackedIntegration, error) {
	var out domain.TrackedIntegration
	found := false
	err := r.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(integrationsBucket).Get(int64Key(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &out)
	})
	if err != nil {
		return domain.TrackedIntegration{}, fmt.Errorf("get integration: %w", err)
	}
	if !found {
		return domain.TrackedIntegration{}, domain.ErrNotFound
	}
	return out, nil
}

func (r *boltIntegrationRepo) ListVisibleTo(_ context.Context, userID int64) ([]domain.TrackedIntegration, error) {
	var out []domain.TrackedIntegration
	err := r.db.View(func(tx *bolt.Tx) error {
		shared := map[int64]bool{}
		if err := tx.Bucket(sharesBucket).ForEach(func(_, v []byte) error {
			var s domain.IntegrationShare
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			if s.UserID == userID {
				shared[s.IntegrationID] = true
			}
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(integrationsBucket).ForEach(func(_, v []byte) error {
			var in domain.TrackedIntegration
			if err := json.Unmarshal(v, &in); err != nil {
				return err
			}
			if in.OwnerID == userID || shared[in.ID] {
				out = append(out, in)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	return out, nil
}

func (r *boltIntegrationRepo) Update(_ context.Context, in domain.TrackedIntegration) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(integrationsBucket)
		raw := b.Get(int64Key(in.ID))
		if raw == nil {
			return domain.ErrNotFound
		}
		var existing domain.TrackedIntegration
		if err := json.Unmarshal(raw, &existing); err != nil {
			return err
		}
		existing.Name = in.Name
		existing.Description = in.Description
		existing.CredentialsID = in.CredentialsID
		existing.UpdatedAt = in.UpdatedAt
		return putJSON(b, int64Key(in.ID), existing)
	})
}

func (r *boltIntegrationRepo) Delete(_ context.Context, id int64) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(integrationsBucket)
		if b.Get(int64Key(id)) == nil {
			return domain.ErrNotFound
		}
		if err := b.Delete(int64Key(id)); err != nil {
			return err
		}
		shares := tx.Bucket(sharesBucket)
		var stale [][]byte
		if err := shares.ForEach(func(k, v []byte) error {
			var s domain.IntegrationShare
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			if s.IntegrationID == id {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := shares.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *boltIntegrationRepo) OwnerOf(ctx context.Context, id int64) (int64, error) {
	in, err := r.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return in.OwnerID, nil
}

func (r *boltIntegrationRepo) Share(_ context.Context, share domain.IntegrationShare) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(sharesBucket), shareKey(share.IntegrationID, share.UserID), share)
	})
	if err != nil {
		return fmt.Errorf("share integration: %w", err)
	}
	return nil
}

func (r *boltIntegrationRepo) Unshare(_ context.Context, integrationID, userID int64) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sharesBucket).Delete(shareKey(integrationID, userID))
	})
}

func (r *boltIntegrationRepo) SharePermission(_ context.Context, integrationID, userID int64) (domain.Permission, bool, error) {
	var perm domain.Permission
	found := false
	err := r.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(sharesBucket).Get(shareKey(integrationID, userID))
		if raw == nil {
			return nil
		}
		var s domain.IntegrationShare
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		perm = s.Permission
		found = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("get share: %w", err)
	}
	return perm, found, nil
}

func (r *boltIntegrationRepo) ListShares(_ context.Context, integrationID int64) ([]domain.IntegrationShare, error) {
	var out []domain.IntegrationShare
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sharesBucket).ForEach(func(_, v []byte) error {
			var s domain.IntegrationShare
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			if s.IntegrationID == integrationID {
				out = append(out, s)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	return out, nil
}

// boltAuditRepo implements AuditRepository.
type boltAuditRepo BoltStore

func (r *boltAuditRepo) Append(_ context.Context, e domain.AuditEvent) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(auditBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return putJSON(b, int64Key(int64(seq)), e)
	})
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}
