// Package session owns the authenticated session lifecycle. Session ids are
// unguessable opaque tokens; both CRM tokens live encrypted in the row. A
// session whose tokens no longer decrypt is deleted on sight rather than
// served with garbage.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kserw/forceauth-sub001/internal/audit"
	"github.com/kserw/forceauth-sub001/internal/domain"
	"github.com/kserw/forceauth-sub001/internal/repository"
	"github.com/kserw/forceauth-sub001/internal/secrets"
)

const (
	sessionIDBytes = 48
	csrfBytes      = 32
)

// Service manages session rows.
type Service struct {
	repo    repository.SessionRepository
	cipher  *secrets.Cipher
	auditor *audit.Recorder
	maxAge  time.Duration
	logger  *zap.Logger
}

// New wires the session service. maxAge bounds idle lifetime.
func New(repo repository.SessionRepository, cipher *secrets.Cipher, auditor *audit.Recorder, maxAge time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.L()
	}
	if maxAge <= 0 {
		maxAge = 12 * time.Hour
	}
	return &Service{repo: repo, cipher: cipher, auditor: auditor, maxAge: maxAge, logger: logger}
}

// CreateInput carries everything needed to materialize a session.
type CreateInput struct {
	UserID          int64
	CredentialsID   int64
	AccessToken     string
	RefreshToken    string
	InstanceURL     string
	Environment     domain.Environment
	TokenIssuedAt   time.Time
	ProviderOrgID   string
	ProviderOrgName string
	Fingerprint     string
}

// Create encrypts the tokens and persists an active session, returning the
// session id (cookie value) and CSRF token (delivered out of band).
func (s *Service) Create(ctx context.Context, in CreateInput) (string, string, error) {
	id, err := secrets.RandomToken(sessionIDBytes)
	if err != nil {
		return "", "", fmt.Errorf("generate session id: %w", err)
	}
	csrf, err := secrets.RandomToken(csrfBytes)
	if err != nil {
		return "", "", fmt.Errorf("generate csrf token: %w", err)
	}

	row, err := s.buildRow(id, csrf, in)
	if err != nil {
		return "", "", err
	}
	if err := s.repo.Insert(ctx, row); err != nil {
		return "", "", err
	}
	return id, csrf, nil
}

func (s *Service) buildRow(id, csrf string, in CreateInput) (domain.Session, error) {
	encAccess, err := s.cipher.Encrypt(in.AccessToken)
	if err != nil {
		return domain.Session{}, fmt.Errorf("encrypt access token: %w", err)
	}
	encRefresh := ""
	if in.RefreshToken != "" {
		if encRefresh, err = s.cipher.Encrypt(in.RefreshToken); err != nil {
			return domain.Session{}, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	now := time.Now().UTC()
	issuedAt := in.TokenIssuedAt
	if issuedAt.IsZero() {
		issuedAt = now
	}
	return domain.Session{
		ID:                    id,
		UserID:                in.UserID,
		CredentialsID:         in.CredentialsID,
		EncryptedAccessToken:  encAccess,
		EncryptedRefreshToken: encRefresh,
		InstanceURL:           in.InstanceURL,
		Environment:           in.Environment,
		TokenIssuedAt:         issuedAt,
		ProviderOrgID:         in.ProviderOrgID,
		ProviderOrgName:       in.ProviderOrgName,
		Fingerprint:           in.Fingerprint,
		CSRFToken:             csrf,
		LastActivityAt:        now,
		State:                 domain.SessionActive,
		CreatedAt:             now,
	}, nil
}

// Get validates and returns the decrypted session. Revoked, expired, idle, or
// undecryptable sessions yield domain.ErrNotFound or domain.ErrIntegrity; a
// successful lookup bumps last_activity. A fingerprint mismatch is logged
// only (see the state store for the rationale).
func (s *Service) Get(ctx context.Context, id, callerFingerprint string) (*domain.SessionData, error) {
	row, err := s.repo.GetActive(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, domain.ErrNotFound
	}

	now := time.Now().UTC()
	if now.Sub(row.LastActivityAt) > s.maxAge {
		// Lazy expiry; the sweep will catch the rest.
		if err := s.repo.SetState(ctx, id, domain.SessionExpired); err != nil {
			s.logger.Warn("expire idle session failed", zap.Error(err))
		}
		return nil, domain.ErrNotFound
	}

	if row.Fingerprint != "" && callerFingerprint != "" && row.Fingerprint != callerFingerprint {
		s.logger.Warn("session fingerprint mismatch",
			zap.Int64("user_id", row.UserID),
			zap.String("expected", row.Fingerprint),
			zap.String("actual", callerFingerprint))
	}

	data := &domain.SessionData{Session: *row}
	data.AccessToken, err = s.cipher.Decrypt(row.EncryptedAccessToken)
	if err == nil && row.EncryptedRefreshToken != "" {
		data.RefreshToken, err = s.cipher.Decrypt(row.EncryptedRefreshToken)
	}
	if err != nil {
		// The row is unusable: delete it, never retry.
		if errors.Is(err, domain.ErrIntegrity) {
			if delErr := s.repo.Delete(ctx, id); delErr != nil {
				s.logger.Error("delete undecryptable session failed", zap.Error(delErr))
			}
			s.auditor.Record(ctx, domain.AuditEvent{
				Action:       "session.integrity_failure",
				ActorID:      row.UserID,
				SessionID:    id,
				ResourceType: "session",
				Success:      false,
				ErrorMessage: "stored tokens failed decryption; session deleted",
			})
			return nil, domain.ErrIntegrity
		}
		return nil, err
	}

	if touchErr := s.repo.TouchActivity(ctx, id, now); touchErr != nil {
		s.logger.Warn("touch session activity failed", zap.Error(touchErr))
	}
	data.LastActivityAt = now
	return data, nil
}

// UpdateTokens re-encrypts and replaces the CRM tokens after a refresh.
func (s *Service) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string) error {
	encAccess, err := s.cipher.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	encRefresh := ""
	if refreshToken != "" {
		if encRefresh, err = s.cipher.Encrypt(refreshToken); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	return s.repo.UpdateTokens(ctx, id, encAccess, encRefresh, time.Now().UTC())
}

// Rotate replaces the session id, revoking the old row in the same
// transaction. The old id never works again; callers must overwrite the
// cookie with the new id.
func (s *Service) Rotate(ctx context.Context, id, callerFingerprint string) (string, string, error) {
	current, err := s.Get(ctx, id, callerFingerprint)
	if err != nil {
		return "", "", err
	}

	newID, err := secrets.RandomToken(sessionIDBytes)
	if err != nil {
		return "", "", fmt.Errorf("generate session id: %w", err)
	}
	csrf, err := secrets.RandomToken(csrfBytes)
	if err != nil {
		return "", "", fmt.Errorf("generate csrf token: %w", err)
	}

	replacement := current.Session
	replacement.ID = newID
	replacement.CSRFToken = csrf
	replacement.State = domain.SessionActive
	replacement.CreatedAt = time.Now().UTC()
	replacement.LastActivityAt = replacement.CreatedAt
	if callerFingerprint != "" {
		replacement.Fingerprint = callerFingerprint
	}

	rotated, err := s.repo.Rotate(ctx, id, replacement)
	if err != nil {
		return "", "", err
	}
	if !rotated {
		return "", "", domain.ErrNotFound
	}

	s.auditor.Record(ctx, domain.AuditEvent{
		Action:       "session.rotate",
		ActorID:      current.UserID,
		SessionID:    newID,
		ResourceType: "session",
		Success:      true,
	})
	return newID, csrf, nil
}

// Revoke marks the session revoked. The row is kept as an audit trail.
func (s *Service) Revoke(ctx context.Context, id string) error {
	return s.repo.SetState(ctx, id, domain.SessionRevoked)
}

// ExpireStale transitions idle active sessions to expired. Run on a timer.
func (s *Service) ExpireStale(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.maxAge)
	expired, err := s.repo.ExpireStale(ctx, cutoff)
	if err != nil {
		s.logger.Warn("session expiry sweep failed", zap.Error(err))
		return
	}
	if expired > 0 {
		s.logger.Info("expired stale sessions", zap.Int64("count", expired))
	}
}
