// Package statestore issues and consumes the tamper-proof one-time OAuth
// handshake state. Each record carries an HMAC over its signed fields and the
// PKCE verifier encrypted, so the flow needs no separate verifier table and a
// multi-instance deployment shares one source of truth.
package statestore

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kserw/forceauth-sub001/internal/domain"
	"github.com/kserw/forceauth-sub001/internal/repository"
	"github.com/kserw/forceauth-sub001/internal/secrets"
)

// Store issues and consumes one-time handshake state.
type Store struct {
	repo       repository.StateRepository
	cipher     *secrets.Cipher
	allowlist  []string
	defaultURL string
	ttl        time.Duration
	logger     *zap.Logger
}

// New wires the state store.
func New(repo repository.StateRepository, cipher *secrets.Cipher, allowlist []string, defaultURL string, ttl time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.L()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Store{
		repo:       repo,
		cipher:     cipher,
		allowlist:  allowlist,
		defaultURL: defaultURL,
		ttl:        ttl,
		logger:     logger,
	}
}

// CreateInput carries the parameters bound into a new state record.
type CreateInput struct {
	Environment   domain.Environment
	ReturnURL     string
	Popup         bool
	CredentialsID int64
	Fingerprint   string
	CodeVerifier  string
}

// Create persists a signed state record and returns the opaque token to embed
// in the authorization redirect.
func (s *Store) Create(ctx context.Context, in CreateInput) (string, error) {
	token, err := secrets.RandomToken(32)
	if err != nil {
		return "", fmt.Errorf("generate state token: %w", err)
	}
	nonce, err := secrets.RandomToken(32)
	if err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	encVerifier, err := s.cipher.Encrypt(in.CodeVerifier)
	if err != nil {
		return "", fmt.Errorf("seal verifier: %w", err)
	}

	now := time.Now().UTC()
	st := domain.OAuthState{
		Token:             token,
		Environment:       in.Environment,
		ReturnURL:         s.sanitizeReturnURL(in.ReturnURL),
		Nonce:             nonce,
		Signature:         s.cipher.Sign(signedPayload(token, in.Environment, nonce, in.CredentialsID)),
		Popup:             in.Popup,
		CredentialsID:     in.CredentialsID,
		Fingerprint:       in.Fingerprint,
		EncryptedVerifier: encVerifier,
		ExpiresAt:         now.Add(s.ttl),
		CreatedAt:         now,
	}
	if err := s.repo.Insert(ctx, st); err != nil {
		return "", fmt.Errorf("persist state: %w", err)
	}
	return token, nil
}

// Record is the consumed state handed back to the flow controller, with the
// PKCE verifier already decrypted.
type Record struct {
	domain.OAuthState
	CodeVerifier string
}

// Consume atomically deletes and returns the state for token, verifying the
// signature over the stored fields. A missing, expired, or tampered record is
// uniformly domain.ErrState: callers learn nothing about which check failed.
// A fingerprint mismatch is logged as a security event but does not
// invalidate the state; mobile clients legitimately change addresses between
// the redirect and the callback.
func (s *Store) Consume(ctx context.Context, token, callerFingerprint string) (*Record, error) {
	st, err := s.repo.Consume(ctx, token, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("consume state: %w", err)
	}
	if st == nil {
		return nil, domain.ErrState
	}
	if !s.cipher.Verify(signedPayload(st.Token, st.Environment, st.Nonce, st.CredentialsID), st.Signature) {
		s.logger.Warn("oauth state signature mismatch", zap.String("state", truncate(token)))
		return nil, domain.ErrState
	}
	if st.Fingerprint != "" && callerFingerprint != "" && st.Fingerprint != callerFingerprint {
		s.logger.Warn("oauth state fingerprint mismatch",
			zap.String("state", truncate(token)),
			zap.String("expected", st.Fingerprint),
			zap.String("actual", callerFingerprint))
	}

	verifier, err := s.cipher.Decrypt(st.EncryptedVerifier)
	if err != nil {
		s.logger.Warn("oauth state verifier undecryptable", zap.String("state", truncate(token)), zap.Error(err))
		return nil, domain.ErrState
	}
	return &Record{OAuthState: *st, CodeVerifier: verifier}, nil
}

// Sweep purges expired rows. Hygiene only: expiry is already enforced at
// consume time.
func (s *Store) Sweep(ctx context.Context) {
	purged, err := s.repo.PurgeExpired(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Warn("state sweep failed", zap.Error(err))
		return
	}
	if purged > 0 {
		s.logger.Debug("purged expired oauth states", zap.Int64("count", purged))
	}
}

// sanitizeReturnURL keeps the flow alive on a bad return URL by substituting
// the safe default instead of failing the whole login.
func (s *Store) sanitizeReturnURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return s.defaultURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return s.defaultURL
	}
	// Relative paths stay on our own origin.
	if u.Scheme == "" && u.Host == "" && strings.HasPrefix(u.Path, "/") && !strings.HasPrefix(u.Path, "//") {
		return raw
	}
	for _, allowed := range s.allowlist {
		if allowed == "/" {
			continue
		}
		if raw == allowed || strings.HasPrefix(raw, strings.TrimSuffix(allowed, "/")+"/") {
			return raw
		}
	}
	return s.defaultURL
}

func signedPayload(token string, env domain.Environment, nonce string, credentialsID int64) string {
	return strings.Join([]string{token, string(env), nonce, strconv.FormatInt(credentialsID, 10)}, "|")
}

func truncate(token string) string {
	if len(token) > 8 {
		return token[:8] + "…"
	}
	return token
}
