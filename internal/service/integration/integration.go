// Package integration enforces the ownership and sharing discipline on
// tracked integrations. Every operation passes through one permission gate;
// handlers never reason about access themselves.
package integration

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/kserw/forceauth-sub001/internal/audit"
	"github.com/kserw/forceauth-sub001/internal/domain"
	"github.com/kserw/forceauth-sub001/internal/repository"
)

// Service owns tracked integrations.
type Service struct {
	repo    repository.IntegrationRepository
	node    *snowflake.Node
	auditor *audit.Recorder
	logger  *zap.Logger
}

// New wires the integration service.
func New(repo repository.IntegrationRepository, node *snowflake.Node, auditor *audit.Recorder, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.L()
	}
	return &Service{repo: repo, node: node, auditor: auditor, logger: logger}
}

// CheckPermission resolves the caller's effective access. The owner holds
// every level; everyone else needs an explicit share row at or above the
// required level.
func (s *Service) CheckPermission(ctx context.Context, integrationID, userID int64, required domain.Permission) error {
	ownerID, err := s.repo.OwnerOf(ctx, integrationID)
	if err != nil {
		return err
	}
	if ownerID == userID {
		return nil
	}
	granted, ok, err := s.repo.SharePermission(ctx, integrationID, userID)
	if err != nil {
		return err
	}
	if !ok || !granted.Satisfies(required) {
		return domain.ErrPermission
	}
	return nil
}

// CreateInput carries a new tracked integration.
type CreateInput struct {
	Name          string
	Description   string
	CredentialsID int64
	OwnerID       int64
}

// Create persists a new integration owned by the caller.
func (s *Service) Create(ctx context.Context, in CreateInput) (domain.TrackedIntegration, error) {
	if strings.TrimSpace(in.Name) == "" {
		return domain.TrackedIntegration{}, fmt.Errorf("integration name required: %w", domain.ErrConfiguration)
	}
	now := time.Now().UTC()
	rec := domain.TrackedIntegration{
		ID:            s.node.Generate().Int64(),
		Name:          strings.TrimSpace(in.Name),
		Description:   strings.TrimSpace(in.Description),
		CredentialsID: in.CredentialsID,
		OwnerID:       in.OwnerID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Insert(ctx, rec); err != nil {
		return domain.TrackedIntegration{}, err
	}
	s.record(ctx, "integration.create", in.OwnerID, rec.ID, true, "")
	return rec, nil
}

// Get returns the integration when the caller holds at least view access.
func (s *Service) Get(ctx context.Context, id, callerID int64) (domain.TrackedIntegration, error) {
	if err := s.CheckPermission(ctx, id, callerID, domain.PermissionView); err != nil {
		return domain.TrackedIntegration{}, err
	}
	return s.repo.Get(ctx, id)
}

// ListVisibleTo lists integrations the caller owns or holds a share on.
func (s *Service) ListVisibleTo(ctx context.Context, callerID int64) ([]domain.TrackedIntegration, error) {
	return s.repo.ListVisibleTo(ctx, callerID)
}

// UpdateInput carries the mutable fields.
type UpdateInput struct {
	Name        string
	Description string
}

// Update modifies name and description. Requires edit access.
func (s *Service) Update(ctx context.Context, id, callerID int64, in UpdateInput) (domain.TrackedIntegration, error) {
	if err := s.CheckPermission(ctx, id, callerID, domain.PermissionEdit); err != nil {
		s.record(ctx, "integration.update", callerID, id, false, "insufficient permission")
		return domain.TrackedIntegration{}, err
	}
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.TrackedIntegration{}, err
	}
	if strings.TrimSpace(in.Name) != "" {
		rec.Name = strings.TrimSpace(in.Name)
	}
	rec.Description = strings.TrimSpace(in.Description)
	rec.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, rec); err != nil {
		return domain.TrackedIntegration{}, err
	}
	s.record(ctx, "integration.update", callerID, id, true, "")
	return rec, nil
}

// Delete removes the integration and its shares. Owner only.
func (s *Service) Delete(ctx context.Context, id, callerID int64) error {
	if err := s.CheckPermission(ctx, id, callerID, domain.PermissionOwner); err != nil {
		s.record(ctx, "integration.delete", callerID, id, false, "insufficient permission")
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.record(ctx, "integration.delete", callerID, id, true, "")
	return nil
}

// Share grants userID view or edit access. Owner only; the owner cannot be
// the target of a share.
func (s *Service) Share(ctx context.Context, id, callerID, userID int64, perm domain.Permission) error {
	if perm != domain.PermissionView && perm != domain.PermissionEdit {
		return fmt.Errorf("share permission must be view or edit: %w", domain.ErrPermission)
	}
	if err := s.CheckPermission(ctx, id, callerID, domain.PermissionOwner); err != nil {
		s.record(ctx, "integration.share", callerID, id, false, "insufficient permission")
		return err
	}
	if userID == callerID {
		return fmt.Errorf("owner already holds full access: %w", domain.ErrPermission)
	}
	err := s.repo.Share(ctx, domain.IntegrationShare{
		IntegrationID: id,
		UserID:        userID,
		Permission:    perm,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	s.record(ctx, "integration.share", callerID, id, true, "")
	return nil
}

// Unshare removes userID's access. Owner only. Removing a share that does
// not exist is not an error.
func (s *Service) Unshare(ctx context.Context, id, callerID, userID int64) error {
	if err := s.CheckPermission(ctx, id, callerID, domain.PermissionOwner); err != nil {
		s.record(ctx, "integration.unshare", callerID, id, false, "insufficient permission")
		return err
	}
	if err := s.repo.Unshare(ctx, id, userID); err != nil {
		return err
	}
	s.record(ctx, "integration.unshare", callerID, id, true, "")
	return nil
}

// ListShares returns the share rows. Owner only.
func (s *Service) ListShares(ctx context.Context, id, callerID int64) ([]domain.IntegrationShare, error) {
	if err := s.CheckPermission(ctx, id, callerID, domain.PermissionOwner); err != nil {
		return nil, err
	}
	return s.repo.ListShares(ctx, id)
}

func (s *Service) record(ctx context.Context, action string, actorID, resourceID int64, success bool, msg string) {
	s.auditor.Record(ctx, domain.AuditEvent{
		Action:       action,
		ActorID:      actorID,
		ResourceType: "tracked_integration",
		ResourceID:   strconv.FormatInt(resourceID, 10),
		Success:      success,
		ErrorMessage: msg,
	})
}
