package credential

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kserw/forceauth-sub001/internal/audit"
	"github.com/kserw/forceauth-sub001/internal/domain"
	"github.com/kserw/forceauth-sub001/internal/repository"
	"github.com/kserw/forceauth-sub001/internal/secrets"
)

const (
	alice int64 = 100
	bob   int64 = 200
)

func newService(t *testing.T) *Service {
	t.Helper()
	db, err := repository.OpenBolt(filepath.Join(t.TempDir(), "credentials.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cipher, err := secrets.New("credential-test-secret")
	require.NoError(t, err)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return New(db.Credentials(), cipher, node, audit.NewRecorder(nil, zap.NewNop()), zap.NewNop())
}

func register(t *testing.T, svc *Service, name, clientID string, owner domain.Owner) domain.OrgCredentials {
	t.Helper()
	rec, _, err := svc.Register(context.Background(), RegisterInput{
		Name:         name,
		Environment:  domain.EnvProduction,
		ClientID:     clientID,
		ClientSecret: "s3cret-" + name,
		Owner:        owner,
	})
	require.NoError(t, err)
	return rec
}

func TestRegisterEncryptsSecret(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	rec := register(t, svc, "app", "client-1", domain.RealUser(alice))
	require.NotEqual(t, "s3cret-app", rec.EncryptedSecret)
	require.NotContains(t, rec.EncryptedSecret, "s3cret")

	secret, err := svc.DecryptedSecret(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, "s3cret-app", secret)
}

func TestRegisterRejectsMissingFields(t *testing.T) {
	svc := newService(t)
	_, _, err := svc.Register(context.Background(), RegisterInput{
		Name:     "incomplete",
		ClientID: "client-only",
		Owner:    domain.RealUser(alice),
	})
	require.True(t, errors.Is(err, domain.ErrConfiguration))
}

func TestClaimAppliesExactlyOnce(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	rec := register(t, svc, "pending-app", "client-1", domain.Pending())

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := svc.Claim(ctx, rec.ID, alice)
			require.NoError(t, err)
			results <- claimed
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for claimed := range results {
		if claimed {
			wins++
		}
	}
	require.Equal(t, 1, wins)

	// A later caller cannot steal an already claimed row.
	claimed, err := svc.Claim(ctx, rec.ID, bob)
	require.NoError(t, err)
	require.False(t, claimed)

	got, err := svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RealUser(alice), got.Owner)
}

func TestClaimAllPendingSweep(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	register(t, svc, "p1", "c1", domain.Pending())
	register(t, svc, "p2", "c2", domain.Pending())
	owned := register(t, svc, "bobs", "c3", domain.RealUser(bob))

	claimed, err := svc.ClaimAllPending(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, int64(2), claimed)

	got, err := svc.Get(ctx, owned.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RealUser(bob), got.Owner)
}

func TestVisibilityFollowsClientID(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	mine := register(t, svc, "mine", "shared-client", domain.RealUser(alice))
	theirs := register(t, svc, "theirs", "shared-client", domain.RealUser(bob))
	unrelated := register(t, svc, "unrelated", "other-client", domain.RealUser(bob))
	require.NoError(t, svc.SetShared(ctx, theirs.ID, bob, true))
	require.NoError(t, svc.SetShared(ctx, unrelated.ID, bob, true))

	views, err := svc.ListVisibleTo(ctx, alice)
	require.NoError(t, err)
	require.Len(t, views, 2)

	byID := map[int64]domain.CredentialView{}
	for _, v := range views {
		byID[v.ID] = v
	}
	require.True(t, byID[mine.ID].IsOwner)
	// Shared row under a client id alice also owns, but not hers.
	require.False(t, byID[theirs.ID].IsOwner)
	// Shared under a foreign client id stays invisible.
	require.NotContains(t, byID, unrelated.ID)
}

func TestSetSharedIsOwnerOnly(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	rec := register(t, svc, "app", "c1", domain.RealUser(alice))

	require.True(t, errors.Is(svc.SetShared(ctx, rec.ID, bob, true), domain.ErrPermission))
	require.NoError(t, svc.SetShared(ctx, rec.ID, alice, true))
}

func TestDeletePermissions(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	owned := register(t, svc, "owned", "c1", domain.RealUser(alice))
	require.True(t, errors.Is(svc.Delete(ctx, owned.ID, bob, ""), domain.ErrPermission))
	require.NoError(t, svc.Delete(ctx, owned.ID, alice, ""))

	_, err := svc.Get(ctx, owned.ID)
	require.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestDeletePendingWithRegistrationProof(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	rec, proof, err := svc.Register(ctx, RegisterInput{
		Name:         "pre-login",
		Environment:  domain.EnvSandbox,
		ClientID:     "c1",
		ClientSecret: "s",
		Owner:        domain.Pending(),
	})
	require.NoError(t, err)
	require.NotEmpty(t, proof)

	// Anonymous deletion needs the proof.
	require.True(t, errors.Is(svc.Delete(ctx, rec.ID, 0, "forged"), domain.ErrPermission))
	require.NoError(t, svc.Delete(ctx, rec.ID, 0, proof))
}

func TestProofUselessAfterClaim(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	rec, proof, err := svc.Register(ctx, RegisterInput{
		Name:         "pre-login",
		Environment:  domain.EnvProduction,
		ClientID:     "c1",
		ClientSecret: "s",
		Owner:        domain.Pending(),
	})
	require.NoError(t, err)

	claimed, err := svc.Claim(ctx, rec.ID, alice)
	require.NoError(t, err)
	require.True(t, claimed)

	err = svc.Delete(ctx, rec.ID, 0, proof)
	require.True(t, errors.Is(err, domain.ErrPermission))
}
