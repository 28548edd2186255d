package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/config"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawl"
	pgstore "github.com/JakeFAU/crawl-orchestrator/internal/storage/postgres"
)

// Migrate applies the Postgres schema and upserts the dev.users and
// dev.projects seed rows.
func Migrate(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if cfg.Storage.Backend != "postgres" {
		return errors.New("migrate requires storage.backend=postgres")
	}
	store, err := pgstore.NewStore(ctx, pgstore.Config{
		DSN:             cfg.Database.DSN,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: time.Duration(cfg.Database.MaxConnLifetimeMinutes) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	defer store.Close()
	return seed(ctx, store, cfg, logger)
}

type seeder interface {
	Migrate(ctx context.Context) error
	UpsertUser(ctx context.Context, user crawl.User) error
	UpsertProject(ctx context.Context, project crawl.Project) error
}

func seed(ctx context.Context, store seeder, cfg config.Config, logger *zap.Logger) error {
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	users := cfg.SeedUsers()
	for _, user := range users {
		if err := store.UpsertUser(ctx, user); err != nil {
			return err
		}
	}
	for _, project := range cfg.Dev.Projects {
		if err := store.UpsertProject(ctx, project); err != nil {
			return err
		}
	}
	logger.Info("schema migrated",
		zap.Int("seed_users", len(users)),
		zap.Int("seed_projects", len(cfg.Dev.Projects)),
	)
	return nil
}
