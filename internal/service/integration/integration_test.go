package integration

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kserw/forceauth-sub001/internal/audit"
	"github.com/kserw/forceauth-sub001/internal/domain"
	"github.com/kserw/forceauth-sub001/internal/repository"
)

const (
	owner    int64 = 100
	editor   int64 = 200
	viewer   int64 = 300
	stranger int64 = 400
)

func newService(t *testing.T) *Service {
	t.Helper()
	db, err := repository.OpenBolt(filepath.Join(t.TempDir(), "integrations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return New(db.Integrations(), node, audit.NewRecorder(nil, zap.NewNop()), zap.NewNop())
}

func seed(t *testing.T, svc *Service) domain.TrackedIntegration {
	t.Helper()
	ctx := context.Background()
	rec, err := svc.Create(ctx, CreateInput{Name: "Billing Sync", OwnerID: owner})
	require.NoError(t, err)
	require.NoError(t, svc.Share(ctx, rec.ID, owner, editor, domain.PermissionEdit))
	require.NoError(t, svc.Share(ctx, rec.ID, owner, viewer, domain.PermissionView))
	return rec
}

func TestPermissionMatrix(t *testing.T) {
	svc := newService(t)
	rec := seed(t, svc)
	ctx := context.Background()

	cases := []struct {
		name     string
		userID   int64
		required domain.Permission
		allowed  bool
	}{
		{"owner holds owner", owner, domain.PermissionOwner, true},
		{"owner holds edit", owner, domain.PermissionEdit, true},
		{"editor holds edit", editor, domain.PermissionEdit, true},
		{"editor holds view", editor, domain.PermissionView, true},
		{"editor lacks owner", editor, domain.PermissionOwner, false},
		{"viewer holds view", viewer, domain.PermissionView, true},
		{"viewer lacks edit", viewer, domain.PermissionEdit, false},
		{"stranger lacks view", stranger, domain.PermissionView, false},
	}
	for _, tc := range cases {
		err := svc.CheckPermission(ctx, rec.ID, tc.userID, tc.required)
		if tc.allowed {
			require.NoError(t, err, tc.name)
		} else {
			require.True(t, errors.Is(err, domain.ErrPermission), tc.name)
		}
	}
}

func TestUpdateRequiresEdit(t *testing.T) {
	svc := newService(t)
	rec := seed(t, svc)
	ctx := context.Background()

	updated, err := svc.Update(ctx, rec.ID, editor, UpdateInput{Name: "Billing Sync v2"})
	require.NoError(t, err)
	require.Equal(t, "Billing Sync v2", updated.Name)

	_, err = svc.Update(ctx, rec.ID, viewer, UpdateInput{Name: "nope"})
	require.True(t, errors.Is(err, domain.ErrPermission))
}

func TestDeleteIsOwnerOnly(t *testing.T) {
	svc := newService(t)
	rec := seed(t, svc)
	ctx := context.Background()

	require.True(t, errors.Is(svc.Delete(ctx, rec.ID, editor), domain.ErrPermission))
	require.NoError(t, svc.Delete(ctx, rec.ID, owner))

	_, err := svc.Get(ctx, rec.ID, owner)
	require.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestShareManagementIsOwnerOnly(t *testing.T) {
	svc := newService(t)
	rec := seed(t, svc)
	ctx := context.Background()

	err := svc.Share(ctx, rec.ID, editor, stranger, domain.PermissionView)
	require.True(t, errors.Is(err, domain.ErrPermission))

	_, err = svc.ListShares(ctx, rec.ID, viewer)
	require.True(t, errors.Is(err, domain.ErrPermission))

	shares, err := svc.ListShares(ctx, rec.ID, owner)
	require.NoError(t, err)
	require.Len(t, shares, 2)
}

func TestShareRejectsOwnerLevelGrant(t *testing.T) {
	svc := newService(t)
	rec := seed(t, svc)

	err := svc.Share(context.Background(), rec.ID, owner, stranger, domain.PermissionOwner)
	require.True(t, errors.Is(err, domain.ErrPermission))
}

func TestUnshareRevokesAccess(t *testing.T) {
	svc := newService(t)
	rec := seed(t, svc)
	ctx := context.Background()

	require.NoError(t, svc.Unshare(ctx, rec.ID, owner, viewer))
	_, err := svc.Get(ctx, rec.ID, viewer)
	require.True(t, errors.Is(err, domain.ErrPermission))

	// Idempotent.
	require.NoError(t, svc.Unshare(ctx, rec.ID, owner, viewer))
}

func TestReShareUpgradesPermission(t *testing.T) {
	svc := newService(t)
	rec := seed(t, svc)
	ctx := context.Background()

	require.NoError(t, svc.Share(ctx, rec.ID, owner, viewer, domain.PermissionEdit))
	require.NoError(t, svc.CheckPermission(ctx, rec.ID, viewer, domain.PermissionEdit))

	shares, err := svc.ListShares(ctx, rec.ID, owner)
	require.NoError(t, err)
	require.Len(t, shares, 2)
}

func TestListVisibleTo(t *testing.T) {
	svc := newService(t)
	rec := seed(t, svc)
	ctx := context.Background()

	other, err := svc.Create(ctx, CreateInput{Name: "Private Pipeline", OwnerID: stranger})
	require.NoError(t, err)

	visible, err := svc.ListVisibleTo(ctx, viewer)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	require.Equal(t, rec.ID, visible[0].ID)

	visible, err = svc.ListVisibleTo(ctx, stranger)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	require.Equal(t, other.ID, visible[0].ID)
}
