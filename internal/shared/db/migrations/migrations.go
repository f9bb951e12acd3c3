package migrations

import (
	"errors"
	"fmt"

	"github.com/cristianortiz/liveauction/internal/shared/config"
	"github.com/cristianortiz/liveauction/internal/shared/logger"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"
)

var log = logger.GetLogger()

// RunMigrations applies every pending up migration from cfg.MigrationsPath.
func RunMigrations(cfg config.DBConfig) error {
	log.Info("RunMigrations",
		zap.String("source", cfg.MigrationsPath),
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Name))
	m, err := migrate.New(cfg.MigrationsPath, cfg.DSN())
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read migration version: %w", err)
	}
	log.Info("Migrations applied", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

// Rollback reverts the last applied migration.
func Rollback(cfg config.DBConfig) error {
	m, err := migrate.New(cfg.MigrationsPath, cfg.DSN())
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rollback migration: %w", err)
	}
	log.Info("Rolled back one migration")
	return nil
}
