// Package credential manages connected-app registrations: encryption of the
// client secret at rest, ownership, claiming, and the client-id-scoped
// sharing model.
package credential

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
	"github.com/kserw/forceauth-sub001/internal/secrets"
)

// Service owns credential registrations.
type Service struct {
	repo    repository.CredentialRepository
	cipher  *secrets.Cipher
	node    *snowflake.Node
	auditor *audit.Recorder
	logger  *zap.Logger
}

// New wires the credential service.
func New(repo repository.CredentialRepository, cipher *secrets.Cipher, node *snowflake.Node, auditor *audit.Recorder, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.L()
	}
	return &Service{repo: repo, cipher: cipher, node: node, auditor: auditor, logger: logger}
}

// RegisterInput carries a new connected-app registration.
type RegisterInput struct {
	Name         string
	Environment  domain.Environment
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Owner        domain.Owner
}

// Register encrypts the secret and persists the registration. The returned
// record never carries plaintext. When the registration happens pre-login
// (placeholder owner) the second return value is a registration proof the
// anonymous caller can later present to delete the row.
func (s *Service) Register(ctx context.Context, in RegisterInput) (domain.OrgCredentials, string, error) {
	if strings.TrimSpace(in.ClientID) == "" || strings.TrimSpace(in.ClientSecret) == "" {
		return domain.OrgCredentials{}, "", fmt.Errorf("client id and secret required: %w", domain.ErrConfiguration)
	}

	encrypted, err := s.cipher.Encrypt(in.ClientSecret)
	if err != nil {
		return domain.OrgCredentials{}, "", fmt.Errorf("encrypt client secret: %w", err)
	}

	rec := domain.OrgCredentials{
		ID:              s.node.Generate().Int64(),
		Name:            strings.TrimSpace(in.Name),
		Environment:     in.Environment,
		ClientID:        strings.TrimSpace(in.ClientID),
		EncryptedSecret: encrypted,
		RedirectURI:     strings.TrimSpace(in.RedirectURI),
		Owner:           in.Owner,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.repo.Insert(ctx, rec); err != nil {
		return domain.OrgCredentials{}, "", err
	}

	s.auditor.Record(ctx, domain.AuditEvent{
		Action:       "credentials.register",
		ActorID:      rec.Owner.StorageID(),
		ResourceType: "org_credentials",
		ResourceID:   strconv.FormatInt(rec.ID, 10),
		Success:      true,
	})

	var proof string
	if rec.Owner.Placeholder() {
		proof = s.registrationProof(rec.ID)
	}
	return rec, proof, nil
}

// Get returns the registration without exposing the decrypted secret.
func (s *Service) Get(ctx context.Context, id int64) (domain.OrgCredentials, error) {
	return s.repo.Get(ctx, id)
}

// GetOwner returns the owner of the registration.
func (s *Service) GetOwner(ctx context.Context, id int64) (domain.Owner, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Owner{}, err
	}
	return rec.Owner, nil
}

// ListVisibleTo lists rows the user owns plus shared rows under a client id
// the user also owns, annotated with ownership.
func (s *Service) ListVisibleTo(ctx context.Context, userID int64) ([]domain.CredentialView, error) {
	rows, err := s.repo.ListVisibleTo(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.CredentialView, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.CredentialView{
			OrgCredentials: row,
			IsOwner:        row.Owner.Kind == domain.OwnerRealUser && row.Owner.UserID == userID,
		})
	}
	return out, nil
}

// SetShared toggles the shared flag. Owner only.
func (s *Service) SetShared(ctx context.Context, id, callerID int64, shared bool) error {
	if err := s.requireOwner(ctx, id, callerID); err != nil {
		return err
	}
	if err := s.repo.SetShared(ctx, id, shared); err != nil {
		return err
	}
	s.auditor.Record(ctx, domain.AuditEvent{
		Action:       "credentials.set_shared",
		ActorID:      callerID,
		ResourceType: "org_credentials",
		ResourceID:   strconv.FormatInt(id, 10),
		Details:      strconv.FormatBool(shared),
		Success:      true,
	})
	return nil
}

// Delete removes a registration. The verified owner may always delete;
// while the owner is still a placeholder any caller presenting the
// registration proof from Register may delete as well.
func (s *Service) Delete(ctx context.Context, id, callerID int64, proof string) error {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case rec.Owner.Kind == domain.OwnerRealUser && rec.Owner.UserID == callerID:
	case rec.Owner.Placeholder() && proof != "" && secrets.ConstantTimeEquals(proof, s.registrationProof(id)):
	default:
		s.auditor.Record(ctx, domain.AuditEvent{
			Action:       "credentials.delete",
			ActorID:      callerID,
			ResourceType: "org_credentials",
			ResourceID:   strconv.FormatInt(id, 10),
			Success:      false,
			ErrorMessage: "insufficient permission",
		})
		return domain.ErrPermission
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.auditor.Record(ctx, domain.AuditEvent{
		Action:       "credentials.delete",
		ActorID:      callerID,
		ResourceType: "org_credentials",
		ResourceID:   strconv.FormatInt(id, 10),
		Success:      true,
	})
	return nil
}

// Claim reassigns ownership from a placeholder to userID, at most once.
func (s *Service) Claim(ctx context.Context, id, userID int64) (bool, error) {
	claimed, err := s.repo.Claim(ctx, id, userID)
	if err != nil {
		return false, err
	}
	if claimed {
		s.auditor.Record(ctx, domain.AuditEvent{
			Action:       "credentials.claim",
			ActorID:      userID,
			ResourceType: "org_credentials",
			ResourceID:   strconv.FormatInt(id, 10),
			Success:      true,
		})
	}
	return claimed, nil
}

// ClaimAllPending sweeps every placeholder-owned registration onto userID.
// Called once per login.
func (s *Service) ClaimAllPending(ctx context.Context, userID int64) (int64, error) {
	claimed, err := s.repo.ClaimAllPending(ctx, userID)
	if err != nil {
		return 0, err
	}
	if claimed > 0 {
		s.logger.Info("claimed pending credentials", zap.Int64("user_id", userID), zap.Int64("count", claimed))
	}
	return claimed, nil
}

// DecryptedSecret returns the plaintext client secret. Reserved for the OAuth
// flow controller; no reporting or UI path may call it.
func (s *Service) DecryptedSecret(ctx context.Context, id int64) (string, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	secret, err := s.cipher.Decrypt(rec.EncryptedSecret)
	if err != nil {
		return "", fmt.Errorf("decrypt client secret %d: %w", id, err)
	}
	return secret, nil
}

// LinkProviderOrg records the provider-assigned org id after a successful
// login through this registration.
func (s *Service) LinkProviderOrg(ctx context.Context, id int64, providerOrgID string) error {
	return s.repo.SetProviderOrgID(ctx, id, providerOrgID)
}

func (s *Service) requireOwner(ctx context.Context, id, callerID int64) error {
	owner, err := s.GetOwner(ctx, id)
	if err != nil {
		return err
	}
	if owner.Kind != domain.OwnerRealUser || owner.UserID != callerID {
		return domain.ErrPermission
	}
	return nil
}

func (s *Service) registrationProof(id int64) string {
	return s.cipher.Sign("credentials-registration:" + strconv.FormatInt(id, 10))
}
