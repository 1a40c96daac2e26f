package database

import (
	"context"
	"errors"
	"fmt"

	"agro-market-api-server/config"
	"agro-market-api-server/internal/apperr"
	"agro-market-api-server/internal/identity"
	"agro-market-api-server/internal/models"
	"agro-market-api-server/internal/session"
	"agro-market-api-server/internal/store"

	"go.uber.org/zap"
)

type demoUser struct {
	Name  string
	Email string
	Role  models.Role
}

var demoUsers = []demoUser{
	{Name: "Carlos Mendoza", Email: "carlos@farm.co", Role: models.RoleFarmer},
	{Name: "Ana García", Email: "ana@grocer.com", Role: models.RoleBuyer},
}

// SeedDemoUsers registers one demo farmer and one demo buyer. Accounts that already exist
// are skipped, so it is safe to run on every start.
func SeedDemoUsers(ctx context.Context, provider identity.Provider, profiles store.ProfileStore, cfg config.SeedConfig, logger *zap.Logger) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Password == "" {
		return fmt.Errorf("seed.password is required when seeding is enabled")
	}

	for _, u := range demoUsers {
		sess := session.NewStore(provider, profiles, logger)
		_, err := sess.Register(ctx, u.Name, u.Email, cfg.Password, u.Role)
		switch {
		case errors.Is(err, apperr.ErrConflict):
			logger.Info("Demo user already exists. Seeding skipped.", zap.String("email", u.Email))
			continue
		case err != nil:
			return fmt.Errorf("failed to seed %s: %w", u.Email, err)
		}
		if err := sess.Logout(ctx); err != nil {
			logger.Warn("Could not sign out seeded user", zap.String("email", u.Email), zap.Error(err))
		}
		logger.Info("Demo user seeded successfully.", zap.String("email", u.Email), zap.String("role", string(u.Role)))
	}
	return nil
}
