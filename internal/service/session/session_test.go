package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kserw/forceauth-sub001/internal/audit"
	"github.com/kserw/forceauth-sub001/internal/domain"
	"github.com/kserw/forceauth-sub001/internal/repository"
	"github.com/kserw/forceauth-sub001/internal/secrets"
)

type harness struct {
	svc    *Service
	repo   repository.SessionRepository
	cipher *secrets.Cipher
}

func newHarness(t *testing.T, maxAge time.Duration) *harness {
	t.Helper()
	db, err := repository.OpenBolt(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cipher, err := secrets.New("session-test-secret")
	require.NoError(t, err)

	svc := New(db.Sessions(), cipher, audit.NewRecorder(nil, zap.NewNop()), maxAge, zap.NewNop())
	return &harness{svc: svc, repo: db.Sessions(), cipher: cipher}
}

func testInput() CreateInput {
	return CreateInput{
		UserID:        42,
		CredentialsID: 7,
		AccessToken:   "access-abc",
		RefreshToken:  "refresh-xyz",
		InstanceURL:   "https://org.my.salesforce.com",
		Environment:   domain.EnvProduction,
		ProviderOrgID: "00Dxx0000001",
		Fingerprint:   "10.0.0.1|agent",
	}
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()

	id, csrf, err := h.svc.Create(ctx, testInput())
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NotEmpty(t, csrf)

	data, err := h.svc.Get(ctx, id, "10.0.0.1|agent")
	require.NoError(t, err)
	require.Equal(t, "access-abc", data.AccessToken)
	require.Equal(t, "refresh-xyz", data.RefreshToken)
	require.Equal(t, int64(42), data.UserID)
	require.Equal(t, csrf, data.CSRFToken)
	require.Equal(t, domain.SessionActive, data.State)
}

func TestGetUnknownSession(t *testing.T) {
	h := newHarness(t, time.Hour)
	_, err := h.svc.Get(context.Background(), "never-issued", "")
	require.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestGetToleratesFingerprintMismatch(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()

	id, _, err := h.svc.Create(ctx, testInput())
	require.NoError(t, err)

	// Logged, not enforced.
	data, err := h.svc.Get(ctx, id, "10.9.9.9|other-agent")
	require.NoError(t, err)
	require.NotNil(t, data)
}

func TestRevokedSessionNotReturned(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()

	id, _, err := h.svc.Create(ctx, testInput())
	require.NoError(t, err)
	require.NoError(t, h.svc.Revoke(ctx, id))

	_, err = h.svc.Get(ctx, id, "")
	require.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestIdleSessionExpiresLazily(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()

	id, _, err := h.svc.Create(ctx, testInput())
	require.NoError(t, err)
	require.NoError(t, h.repo.TouchActivity(ctx, id, time.Now().UTC().Add(-2*time.Minute)))

	_, err = h.svc.Get(ctx, id, "")
	require.True(t, errors.Is(err, domain.ErrNotFound))

	// The row was transitioned, not deleted.
	row, err := h.repo.GetActive(ctx, id)
	require.NoError(t, err)
	require.Nil(t, row)
}

func TestUndecryptableSessionDeleted(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, h.repo.Insert(ctx, domain.Session{
		ID:                   "corrupt",
		UserID:               1,
		EncryptedAccessToken: "v1:not-a-nonce:not-a-ciphertext",
		LastActivityAt:       now,
		State:                domain.SessionActive,
		CreatedAt:            now,
	}))

	_, err := h.svc.Get(ctx, "corrupt", "")
	require.True(t, errors.Is(err, domain.ErrIntegrity))

	_, err = h.svc.Get(ctx, "corrupt", "")
	require.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestUpdateTokens(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()

	id, _, err := h.svc.Create(ctx, testInput())
	require.NoError(t, err)
	require.NoError(t, h.svc.UpdateTokens(ctx, id, "access-new", "refresh-new"))

	data, err := h.svc.Get(ctx, id, "")
	require.NoError(t, err)
	require.Equal(t, "access-new", data.AccessToken)
	require.Equal(t, "refresh-new", data.RefreshToken)
}

func TestRotateInvalidatesOldID(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()

	oldID, oldCSRF, err := h.svc.Create(ctx, testInput())
	require.NoError(t, err)

	newID, newCSRF, err := h.svc.Rotate(ctx, oldID, "")
	require.NoError(t, err)
	require.NotEqual(t, oldID, newID)
	require.NotEqual(t, oldCSRF, newCSRF)

	_, err = h.svc.Get(ctx, oldID, "")
	require.True(t, errors.Is(err, domain.ErrNotFound))

	data, err := h.svc.Get(ctx, newID, "")
	require.NoError(t, err)
	require.Equal(t, "access-abc", data.AccessToken)
	require.Equal(t, int64(42), data.UserID)

	_, _, err = h.svc.Rotate(ctx, oldID, "")
	require.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestExpireStaleSweep(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()

	stale, _, err := h.svc.Create(ctx, testInput())
	require.NoError(t, err)
	require.NoError(t, h.repo.TouchActivity(ctx, stale, time.Now().UTC().Add(-time.Hour)))

	live, _, err := h.svc.Create(ctx, testInput())
	require.NoError(t, err)

	h.svc.ExpireStale(ctx)

	_, err = h.svc.Get(ctx, stale, "")
	require.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = h.svc.Get(ctx, live, "")
	require.NoError(t, err)
}
