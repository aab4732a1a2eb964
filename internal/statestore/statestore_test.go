package statestore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kserw/forceauth-sub001/internal/domain"
	"github.com/kserw/forceauth-sub001/internal/repository"
	"github.com/kserw/forceauth-sub001/internal/secrets"
)

type harness struct {
	store  *Store
	repo   repository.StateRepository
	cipher *secrets.Cipher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := repository.OpenBolt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cipher, err := secrets.New("statestore-test-secret")
	require.NoError(t, err)

	allowlist := []string{"https://dash.example.com"}
	store := New(db.States(), cipher, allowlist, "/", time.Minute, zap.NewNop())
	return &harness{store: store, repo: db.States(), cipher: cipher}
}

func TestConsumeSucceedsExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	token, err := h.store.Create(ctx, CreateInput{
		Environment:  domain.EnvProduction,
		ReturnURL:    "/reports",
		CodeVerifier: "pkce-verifier",
	})
	require.NoError(t, err)

	rec, err := h.store.Consume(ctx, token, "")
	require.NoError(t, err)
	require.Equal(t, "pkce-verifier", rec.CodeVerifier)
	require.Equal(t, "/reports", rec.ReturnURL)

	_, err = h.store.Consume(ctx, token, "")
	require.True(t, errors.Is(err, domain.ErrState))
}

func TestConsumeUnknownToken(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.Consume(context.Background(), "never-issued", "")
	require.True(t, errors.Is(err, domain.ErrState))
}

func TestConsumeRejectsExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A correctly signed record whose expiry has already passed.
	verifier, err := h.cipher.Encrypt("verifier")
	require.NoError(t, err)
	st := domain.OAuthState{
		Token:             "expired-token",
		Environment:       domain.EnvSandbox,
		ReturnURL:         "/",
		Nonce:             "nonce",
		Signature:         h.cipher.Sign("expired-token|sandbox|nonce|0"),
		EncryptedVerifier: verifier,
		ExpiresAt:         time.Now().UTC().Add(-time.Second),
		CreatedAt:         time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, h.repo.Insert(ctx, st))

	_, err = h.store.Consume(ctx, "expired-token", "")
	require.True(t, errors.Is(err, domain.ErrState))
}

func TestConsumeRejectsTamperedFields(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	verifier, err := h.cipher.Encrypt("verifier")
	require.NoError(t, err)

	base := domain.OAuthState{
		Token:             "t",
		Environment:       domain.EnvProduction,
		ReturnURL:         "/",
		Nonce:             "n",
		Signature:         h.cipher.Sign("t|production|n|7"),
		CredentialsID:     7,
		EncryptedVerifier: verifier,
		ExpiresAt:         time.Now().UTC().Add(time.Minute),
		CreatedAt:         time.Now().UTC(),
	}

	tampered := []domain.OAuthState{
		func() domain.OAuthState { st := base; st.Environment = domain.EnvSandbox; return st }(),
		func() domain.OAuthState { st := base; st.Nonce = "other"; return st }(),
		func() domain.OAuthState { st := base; st.CredentialsID = 8; return st }(),
	}
	for i, st := range tampered {
		st.Token = st.Token + string(rune('a'+i))
		require.NoError(t, h.repo.Insert(ctx, st))
		_, err := h.store.Consume(ctx, st.Token, "")
		require.True(t, errors.Is(err, domain.ErrState), "tampered case %d", i)
	}
}

func TestConsumeToleratesFingerprintMismatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	token, err := h.store.Create(ctx, CreateInput{
		Environment:  domain.EnvProduction,
		Fingerprint:  "10.0.0.1|agent-a",
		CodeVerifier: "v",
	})
	require.NoError(t, err)

	// Logged, not enforced.
	rec, err := h.store.Consume(ctx, token, "10.9.9.9|agent-b")
	require.NoError(t, err)
	require.NotNil(t, rec)
}

func TestConcurrentConsumeRace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	token, err := h.store.Create(ctx, CreateInput{
		Environment:  domain.EnvProduction,
		CodeVerifier: "v",
	})
	require.NoError(t, err)

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.store.Consume(ctx, token, "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, notFound int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, domain.ErrState):
			notFound++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, successes)
	require.Equal(t, callers-1, notFound)
}

func TestReturnURLAllowlist(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/reports/export", "/reports/export"},
		{"//evil.example.com/x", "/"},
		{"https://dash.example.com/deep/link", "https://dash.example.com/deep/link"},
		{"https://evil.example.com/", "/"},
		{"javascript:alert(1)", "/"},
	}
	for _, tc := range cases {
		token, err := h.store.Create(ctx, CreateInput{
			Environment:  domain.EnvProduction,
			ReturnURL:    tc.in,
			CodeVerifier: "v",
		})
		require.NoError(t, err)
		rec, err := h.store.Consume(ctx, token, "")
		require.NoError(t, err)
		require.Equal(t, tc.want, rec.ReturnURL, "return url %q", tc.in)
	}
}

func TestSweepPurgesExpiredOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	live, err := h.store.Create(ctx, CreateInput{Environment: domain.EnvProduction, CodeVerifier: "v"})
	require.NoError(t, err)

	verifier, err := h.cipher.Encrypt("v")
	require.NoError(t, err)
	require.NoError(t, h.repo.Insert(ctx, domain.OAuthState{
		Token:             "stale",
		Environment:       domain.EnvProduction,
		Nonce:             "n",
		Signature:         h.cipher.Sign("stale|production|n|0"),
		EncryptedVerifier: verifier,
		ExpiresAt:         time.Now().UTC().Add(-time.Hour),
	}))

	h.store.Sweep(ctx)

	_, err = h.store.Consume(ctx, "stale", "")
	require.True(t, errors.Is(err, domain.ErrState))
	_, err = h.store.Consume(ctx, live, "")
	require.NoError(t, err)
}
