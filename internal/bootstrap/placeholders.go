// Package bootstrap seeds the rows the permission model assumes exist.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/kserw/forceauth-sub001/internal/domain"
	"github.com/kserw/forceauth-sub001/internal/repository"
)

// EnsurePlaceholders creates the reserved pending and system owner rows at
// startup. Credentials registered before login hang off these identities
// until a real user claims them; the rows must exist before the first
// registration so foreign keys hold.
func EnsurePlaceholders(lc fx.Lifecycle, store repository.Store, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return ensurePlaceholders(ctx, store.Users(), logger)
		},
	})
}

func ensurePlaceholders(ctx context.Context, users repository.UserRepository, logger *zap.Logger) error {
	now := time.Now().UTC()
	placeholders := []domain.User{
		{ID: domain.PendingOwnerID, ExternalID: "placeholder:pending", DisplayName: "Pending Owner", LastLoginAt: now},
		{ID: domain.SystemOwnerID, ExternalID: "placeholder:system", DisplayName: "System", LastLoginAt: now},
	}
	for _, u := range placeholders {
		created, err := users.UpsertByExternalID(ctx, u)
		if err != nil {
			return fmt.Errorf("seed placeholder %s: %w", u.ExternalID, err)
		}
		if created.ID != u.ID {
			return fmt.Errorf("placeholder %s holds id %d, want %d", u.ExternalID, created.ID, u.ID)
		}
	}
	if logger != nil {
		logger.Debug("placeholder owners present")
	}
	return nil
}
